package engineobs

import (
	"context"
	"errors"
	"time"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/trace"
	"broker-bridge/internal/types"
)

type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observableEngine{
		engine: eng,
	}
}

func (oe *observableEngine) Run(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "engine.Run")
	defer span.End()

	start := time.Now()
	logger.InfoSkip(ctx, 1, "Starting bridge")

	if err := oe.engine.Run(ctx); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Bridge run failed", err,
			"uptime_s", time.Since(start).Seconds(),
		)
		return err
	}

	logger.InfoSkip(ctx, 1, "Bridge run finished", "uptime_s", time.Since(start).Seconds())
	return nil
}

func (oe *observableEngine) Send(ctx context.Context, intent types.OrderIntent) (types.BrokerOrderHandle, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Send")
	defer span.End()

	start := time.Now()
	h, err := oe.engine.Send(ctx, intent)
	if err != nil {
		var rej *types.RiskRejection
		if errors.As(err, &rej) {
			// already logged by the router
			return h, err
		}
		logger.ErrorWithErrSkip(ctx, 1, "Order send failed", err,
			"symbol", intent.Symbol,
			"side", intent.Side,
			"qty", intent.Qty.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return h, err
	}

	logger.InfoSkip(ctx, 1, "Order sent",
		"symbol", intent.Symbol,
		"client_order_id", h.ClientOrderID,
		"broker_order_id", h.BrokerOrderID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return h, nil
}

func (oe *observableEngine) Shutdown(ctx context.Context) (types.FlattenReport, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Shutdown")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Shutting down bridge")
	rep, err := oe.engine.Shutdown(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Shutdown flatten incomplete", err,
			"residual", rep.Residual,
			"timed_out", rep.TimedOut,
			"elapsed_ms", rep.Elapsed.Milliseconds(),
		)
		return rep, err
	}

	logger.InfoSkip(ctx, 1, "Bridge shut down",
		"closing_orders", len(rep.ClosingOrders),
		"cancelled_orders", rep.CancelledOrders,
		"residual", rep.Residual,
		"elapsed_ms", rep.Elapsed.Milliseconds(),
	)
	return rep, nil
}
