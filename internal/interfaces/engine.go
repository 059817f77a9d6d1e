package interfaces

import (
	"context"

	"broker-bridge/internal/types"
)

type Engine interface {
	Run(ctx context.Context) error
	Send(ctx context.Context, intent types.OrderIntent) (types.BrokerOrderHandle, error)
	Shutdown(ctx context.Context) (types.FlattenReport, error)
}
