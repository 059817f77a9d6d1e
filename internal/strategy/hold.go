package strategy

import (
	"context"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"
)

// Hold never trades. It is the default strategy when none is plugged in,
// so a DRY_RUN bridge can exercise the data path on its own.
type Hold struct{}

var _ interfaces.Strategy = Hold{}

func NewHold() Hold { return Hold{} }

func (Hold) OnBar(ctx context.Context, bar types.Bar) []types.OrderIntent {
	logger.Debug(ctx, "Bar received, holding",
		"symbol", bar.Symbol,
		"close", bar.Close.String(),
		"ticks", bar.NTicks,
	)
	return nil
}
