package zerodha

import (
	"context"
	"errors"
	"strings"

	"broker-bridge/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// Kite exception types, as returned in the error_type field.
const (
	excToken      = "TokenException"
	excUser       = "UserException"
	excPermission = "PermissionException"
	excOrder      = "OrderException"
	excInput      = "InputException"
	excMargin     = "MarginException"
	excHolding    = "HoldingException"
	excNetwork    = "NetworkException"
	excData       = "DataException"
	excGeneral    = "GeneralException"
)

// codeClasses is the classification table for Kite exception types. Types
// not listed here surface as UnclassifiedBrokerError.
var codeClasses = map[string]types.CodeClass{
	excToken:      types.CodeFatal,
	excUser:       types.CodeFatal,
	excPermission: types.CodeFatal,
	excOrder:      types.CodeFatal,
	excInput:      types.CodeFatal,
	excMargin:     types.CodeFatal,
	excHolding:    types.CodeFatal,
	excNetwork:    types.CodeRetryable,
	excData:       types.CodeRetryable,
	excGeneral:    types.CodeRetryable,
}

// benignMessages are responses to cancel requests for orders that already
// reached a terminal state at the exchange.
var benignMessages = []struct {
	fragment string
	code     string
}{
	{"already been cancelled", "ORDER_ALREADY_CANCELLED"},
	{"already cancelled", "ORDER_ALREADY_CANCELLED"},
	{"already been completed", "ORDER_ALREADY_TERMINAL"},
	{"already completed", "ORDER_ALREADY_TERMINAL"},
	{"already been rejected", "ORDER_ALREADY_TERMINAL"},
	{"cannot be cancelled", "ORDER_NOT_CANCELLABLE"},
	{"order not found", "ORDER_NOT_FOUND"},
}

// classify turns a gokiteconnect error into the bridge error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.ConnectionError{Kind: types.ConnTimeout, Op: op, Err: err}
	}

	var ke kiteconnect.Error
	if !errors.As(err, &ke) {
		var kp *kiteconnect.Error
		if !errors.As(err, &kp) || kp == nil {
			return &types.UnclassifiedBrokerError{Op: op, Code: "UNKNOWN", Message: err.Error(), Err: err}
		}
		ke = *kp
	}

	if op == "cancel_order" {
		msg := strings.ToLower(ke.Message)
		for _, b := range benignMessages {
			if strings.Contains(msg, b.fragment) {
				return &types.ClassifiedBrokerWarning{Op: op, Code: b.code, Message: ke.Message}
			}
		}
	}

	class, ok := codeClasses[ke.ErrorType]
	if !ok {
		return &types.UnclassifiedBrokerError{Op: op, Code: ke.ErrorType, Message: ke.Message, Err: err}
	}
	if ke.ErrorType == excToken {
		return &types.ConnectionError{Kind: types.ConnAuth, Op: op, Err: err}
	}
	if ke.ErrorType == excNetwork && op == "connect" {
		return &types.ConnectionError{Kind: types.ConnUnreachable, Op: op, Err: err}
	}
	return &types.BrokerError{Op: op, Code: ke.ErrorType, Class: class, Message: ke.Message, Err: err}
}

// Kite order statuses. Anything not listed is treated as still working.
const (
	kiteComplete  = "COMPLETE"
	kiteCancelled = "CANCELLED"
	kiteRejected  = "REJECTED"
)

var pendingStatuses = map[string]bool{
	"PUT ORDER REQ RECEIVED": true,
	"VALIDATION PENDING":     true,
	"OPEN PENDING":           true,
	"AMO REQ RECEIVED":       true,
}

func mapStatus(kiteStatus string, filled float64) types.OrderStatus {
	switch strings.ToUpper(kiteStatus) {
	case kiteComplete:
		return types.OrderStatusFilled
	case kiteCancelled:
		return types.OrderStatusCancelled
	case kiteRejected:
		return types.OrderStatusRejected
	}
	if filled > 0 {
		return types.OrderStatusPartFill
	}
	if pendingStatuses[strings.ToUpper(kiteStatus)] {
		return types.OrderStatusPending
	}
	return types.OrderStatusOpen
}
