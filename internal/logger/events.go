package logger

import (
	"context"
	"errors"
	"log/slog"

	"broker-bridge/internal/types"

	"go.opentelemetry.io/otel/attribute"
)

// Trade logs a fill (always at info)
func Trade(ctx context.Context, f types.Fill, fields ...any) {
	addSpanEvent(ctx, "fill",
		attribute.String("symbol", f.Symbol),
		attribute.String("side", string(f.Side)),
		attribute.String("qty", f.Qty.String()),
		attribute.String("price", f.Price.String()),
		attribute.String("client_order_id", f.ClientOrderID),
	)

	allFields := append([]any{
		"type", "FILL",
		"symbol", f.Symbol,
		"side", f.Side,
		"qty", f.Qty.String(),
		"price", f.Price.String(),
		"fill_id", f.FillID,
		"client_order_id", f.ClientOrderID,
		"broker_order_id", f.BrokerOrderID,
	}, fields...)
	logWithTrace(ctx, slog.LevelInfo, "Fill received", 2, allFields...)
}

// Risk logs a risk rejection
func Risk(ctx context.Context, rej *types.RiskRejection, fields ...any) {
	addSpanEvent(ctx, "risk_rejection",
		attribute.String("symbol", rej.Symbol),
		attribute.String("reason", string(rej.Reason)),
	)

	allFields := append([]any{
		"type", "RISK",
		"symbol", rej.Symbol,
		"reason", rej.Reason,
		"detail", rej.Detail,
	}, fields...)
	logWithTrace(ctx, slog.LevelWarn, "Order rejected by risk", 2, allFields...)
}

// Session logs a session state transition
func Session(ctx context.Context, tr types.SessionTransition) {
	addSpanEvent(ctx, "session_transition",
		attribute.String("from", tr.From.String()),
		attribute.String("to", tr.To.String()),
	)

	level := slog.LevelInfo
	if tr.To == types.SessionDegraded {
		level = slog.LevelWarn
	}
	logWithTrace(ctx, level, "Session state changed", 2,
		"type", "SESSION",
		"from", tr.From.String(),
		"to", tr.To.String(),
		"reason", tr.Reason,
	)
}

// BrokerCode logs a broker error at the level its class deserves.
// Unclassified codes get their own message so they can be grepped and triaged.
func BrokerCode(ctx context.Context, err error, fields ...any) {
	var (
		warn    *types.ClassifiedBrokerWarning
		classed *types.BrokerError
		unknown *types.UnclassifiedBrokerError
	)
	switch {
	case errors.As(err, &warn):
		logWithTrace(ctx, slog.LevelInfo, "Broker warning", 2,
			append([]any{"type", "BROKER_CODE", "class", types.CodeBenign, "op", warn.Op, "code", warn.Code, "message", warn.Message}, fields...)...)
	case errors.As(err, &unknown):
		recordSpanError(ctx, err)
		logWithTrace(ctx, slog.LevelWarn, "Unclassified broker code", 2,
			append([]any{"type", "BROKER_CODE_UNCLASSIFIED", "class", types.CodeUnclassified, "op", unknown.Op, "code", unknown.Code, "message", unknown.Message}, fields...)...)
	case errors.As(err, &classed):
		recordSpanError(ctx, err)
		level := slog.LevelWarn
		if classed.Class == types.CodeFatal {
			level = slog.LevelError
		}
		logWithTrace(ctx, level, "Broker error", 2,
			append([]any{"type", "BROKER_CODE", "class", classed.Class, "op", classed.Op, "code", classed.Code, "message", classed.Message}, fields...)...)
	default:
		recordSpanError(ctx, err)
		logWithTrace(ctx, slog.LevelError, "Broker call failed", 2, append([]any{"error", err}, fields...)...)
	}
}
