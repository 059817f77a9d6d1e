package brokerobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/trace"
	"broker-bridge/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(broker interfaces.Broker) interfaces.Broker {
	return &observableBroker{
		broker: broker,
	}
}

func (ob *observableBroker) Connect(ctx context.Context, creds types.Credentials) error {
	ctx, span := trace.StartSpan(ctx, "broker.Connect")
	defer span.End()

	start := time.Now()
	logger.InfoSkip(ctx, 1, "Connecting to broker", "login", creds.Login, "server", creds.Server)

	if err := ob.broker.Connect(ctx, creds); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Broker connect failed", err,
			"login", creds.Login,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}

	logger.InfoSkip(ctx, 1, "Broker connected", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (ob *observableBroker) Disconnect(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "broker.Disconnect")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Disconnecting from broker")
	if err := ob.broker.Disconnect(ctx); err != nil {
		logger.WarnSkip(ctx, 1, "Broker disconnect failed", "error", err)
		return err
	}
	logger.InfoSkip(ctx, 1, "Broker disconnected")
	return nil
}

func (ob *observableBroker) Ping(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "broker.Ping")
	defer span.End()

	if err := ob.broker.Ping(ctx); err != nil {
		logger.WarnSkip(ctx, 1, "Broker ping failed", "error", err)
		return err
	}
	return nil
}

func (ob *observableBroker) Instruments(ctx context.Context) ([]types.Instrument, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Instruments")
	defer span.End()

	ins, err := ob.broker.Instruments(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to load instruments", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Instruments loaded", "count", len(ins))
	return ins, nil
}

// TicksSince runs every poll cycle, so only failures leave a trace at
// info level or above.
func (ob *observableBroker) TicksSince(ctx context.Context, symbol string, since time.Time, max int) ([]types.Tick, error) {
	ctx, span := trace.StartSpan(ctx, "broker.TicksSince")
	defer span.End()

	ticks, err := ob.broker.TicksSince(ctx, symbol, since, max)
	if err != nil {
		logger.WarnSkip(ctx, 1, "Failed to fetch ticks", "symbol", symbol, "since", since, "error", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Ticks fetched", "symbol", symbol, "count", len(ticks))
	return ticks, nil
}

func (ob *observableBroker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Quote")
	defer span.End()

	q, err := ob.broker.Quote(ctx, symbol)
	if err != nil {
		logger.WarnSkip(ctx, 1, "Failed to fetch quote", "symbol", symbol, "error", err)
		return types.Quote{}, err
	}
	logger.DebugSkip(ctx, 1, "Quote fetched", "symbol", symbol, "bid", q.Bid.String(), "ask", q.Ask.String(), "last", q.Last.String())
	return q, nil
}

func (ob *observableBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.BrokerAck, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PlaceOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing order",
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"qty", req.Qty.String(),
		"tag", req.Tag,
	)

	ack, err := ob.broker.PlaceOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"client_order_id", req.ClientOrderID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Qty.String(),
		)
		return types.BrokerAck{}, err
	}

	logger.InfoSkip(ctx, 1, "Order placed successfully",
		"client_order_id", req.ClientOrderID,
		"broker_order_id", ack.BrokerOrderID,
		"status", ack.Status,
	)
	return ack, nil
}

func (ob *observableBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	ctx, span := trace.StartSpan(ctx, "broker.CancelOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling order", "broker_order_id", brokerOrderID)
	if err := ob.broker.CancelOrder(ctx, brokerOrderID); err != nil {
		var warn *types.ClassifiedBrokerWarning
		if errors.As(err, &warn) {
			logger.InfoSkip(ctx, 1, "Cancel answered with benign warning", "broker_order_id", brokerOrderID, "code", warn.Code)
			return err
		}
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "broker_order_id", brokerOrderID)
		return fmt.Errorf("cancel %s: %w", brokerOrderID, err)
	}
	return nil
}

func (ob *observableBroker) OpenOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	ctx, span := trace.StartSpan(ctx, "broker.OpenOrders")
	defer span.End()

	orders, err := ob.broker.OpenOrders(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch open orders", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Open orders fetched", "count", len(orders))
	return orders, nil
}

func (ob *observableBroker) Positions(ctx context.Context) ([]types.Position, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Positions")
	defer span.End()

	positions, err := ob.broker.Positions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch positions", err)
		return nil, err
	}
	logger.DebugSkip(ctx, 1, "Positions fetched", "count", len(positions))
	return positions, nil
}

func (ob *observableBroker) OrderUpdates() <-chan types.OrderUpdate {
	return ob.broker.OrderUpdates()
}
