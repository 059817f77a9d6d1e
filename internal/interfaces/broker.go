package interfaces

import (
	"context"
	"time"

	"broker-bridge/internal/types"
)

// Session is the connect/disconnect surface of a broker.
type Session interface {
	Connect(ctx context.Context, creds types.Credentials) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Feed serves raw ticks. TicksSince returns at most max ticks with
// timestamp >= since, oldest first.
type Feed interface {
	TicksSince(ctx context.Context, symbol string, since time.Time, max int) ([]types.Tick, error)
	Quote(ctx context.Context, symbol string) (types.Quote, error)
}

// Execution is the order surface. Errors are classified at the adapter
// boundary into the types error taxonomy.
type Execution interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.BrokerAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OpenOrders(ctx context.Context) ([]types.BrokerOrder, error)
	Positions(ctx context.Context) ([]types.Position, error)
	OrderUpdates() <-chan types.OrderUpdate
}

// Broker is everything the bridge needs from a venue.
type Broker interface {
	Session
	Feed
	Execution
	Instruments(ctx context.Context) ([]types.Instrument, error)
}
