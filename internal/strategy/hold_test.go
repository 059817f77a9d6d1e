package strategy

import (
	"context"
	"testing"
	"time"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestHoldNeverTrades(t *testing.T) {
	bar := types.Bar{Ts: time.Now(), Symbol: "INFY", Open: decimal.NewFromInt(1500), Close: decimal.NewFromInt(1510), NTicks: 12}
	assert.Empty(t, NewHold().OnBar(context.Background(), bar))
}
