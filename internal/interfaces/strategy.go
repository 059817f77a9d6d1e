package interfaces

import (
	"context"

	"broker-bridge/internal/types"
)

// Strategy consumes sealed bars and returns order intents. The bridge never
// inspects strategy state.
type Strategy interface {
	OnBar(ctx context.Context, bar types.Bar) []types.OrderIntent
}
