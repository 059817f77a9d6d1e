package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RetriableError is implemented by errors that know whether a retry can help.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable walks the chain for a RetriableError.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// IsFatal reports errors that mean the session is gone and must be rebuilt.
func IsFatal(err error) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Class == CodeFatal
	}
	return false
}

// ConfigurationError is raised before any network call and is fatal at startup.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

type ConnFailure string

const (
	ConnAuth        ConnFailure = "auth"
	ConnUnreachable ConnFailure = "unreachable"
	ConnTimeout     ConnFailure = "timeout"
)

// ConnectionError is a classified connect/session failure.
type ConnectionError struct {
	Kind ConnFailure
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetriable is false for auth failures; new credentials are needed.
func (e *ConnectionError) IsRetriable() bool { return e.Kind != ConnAuth }

// TransientFeedError marks a stale or gapped feed. Never fatal.
type TransientFeedError struct {
	Symbol string
	Silent time.Duration
	Err    error
}

func (e *TransientFeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient feed error %s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("feed stale for %s: no ticks for %s", e.Symbol, e.Silent)
}

func (e *TransientFeedError) Unwrap() error { return e.Err }

func (e *TransientFeedError) IsRetriable() bool { return true }

type CodeClass string

const (
	CodeBenign       CodeClass = "benign"
	CodeRetryable    CodeClass = "retryable"
	CodeFatal        CodeClass = "fatal"
	CodeUnclassified CodeClass = "unclassified"
)

// ClassifiedBrokerWarning is a known benign broker code. Callers log it and
// carry on.
type ClassifiedBrokerWarning struct {
	Op      string
	Code    string
	Message string
}

func (e *ClassifiedBrokerWarning) Error() string {
	return fmt.Sprintf("broker %s warning [%s]: %s", e.Op, e.Code, e.Message)
}

// BrokerError is a classified retryable or fatal broker code.
type BrokerError struct {
	Op      string
	Code    string
	Class   CodeClass
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s failed [%s/%s]: %s", e.Op, e.Code, e.Class, e.Message)
}

func (e *BrokerError) Unwrap() error { return e.Err }

func (e *BrokerError) IsRetriable() bool { return e.Class == CodeRetryable }

// UnclassifiedBrokerError is a code missing from the classification table.
// Treated as retryable-degraded.
type UnclassifiedBrokerError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *UnclassifiedBrokerError) Error() string {
	return fmt.Sprintf("broker %s returned unclassified code [%s]: %s", e.Op, e.Code, e.Message)
}

func (e *UnclassifiedBrokerError) Unwrap() error { return e.Err }

func (e *UnclassifiedBrokerError) IsRetriable() bool { return true }

type RejectReason string

const (
	RejectUnknownInstrument RejectReason = "unknown_instrument"
	RejectNotTradeable      RejectReason = "not_tradeable"
	RejectInvalidQty        RejectReason = "invalid_quantity"
	RejectSymbolExposure    RejectReason = "symbol_exposure_limit"
	RejectGrossExposure     RejectReason = "gross_exposure_limit"
	RejectBelowMinSize      RejectReason = "below_min_size"
	RejectAboveMaxSize      RejectReason = "above_max_size"
	RejectKillSwitch        RejectReason = "daily_loss_kill_switch"
	RejectNoReferencePrice  RejectReason = "no_reference_price"
	RejectSessionNotReady   RejectReason = "session_not_ready"
	RejectMissingPrice      RejectReason = "missing_order_price"
)

// RiskRejection is returned by the router. Never retried automatically.
type RiskRejection struct {
	Reason RejectReason
	Symbol string
	Detail string
}

func (e *RiskRejection) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk rejected %s: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("risk rejected %s: %s (%s)", e.Symbol, e.Reason, e.Detail)
}

// ReconciliationMismatch records a local/broker difference that was corrected.
type ReconciliationMismatch struct {
	Symbol    string
	Kind      string
	LocalQty  decimal.Decimal
	BrokerQty decimal.Decimal
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("reconciliation mismatch %s (%s): local=%s broker=%s",
		e.Symbol, e.Kind, e.LocalQty, e.BrokerQty)
}

// ShutdownTimeout is reported when flatten cannot confirm zero residual.
type ShutdownTimeout struct {
	Residual int
	Timeout  time.Duration
}

func (e *ShutdownTimeout) Error() string {
	return fmt.Sprintf("flatten timed out after %s with %d residual positions/orders", e.Timeout, e.Residual)
}
