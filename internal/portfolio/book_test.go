package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func fill(id, symbol string, side types.Side, qty, price float64) types.Fill {
	return types.Fill{
		FillID: id, Symbol: symbol, Side: side,
		Qty: d(qty), Price: d(price), Ts: t0,
	}
}

func newBook(equity float64, sinks ...Sink) *Book {
	b := NewBook(d(equity), sinks...)
	b.day = dayKey(t0)
	return b
}

type recordingSink struct {
	fills []types.Fill
	err   error
}

func (s *recordingSink) RecordFill(ctx context.Context, f types.Fill, p types.Position) error {
	s.fills = append(s.fills, f)
	return s.err
}

func TestApplyFillAveragePriceMath(t *testing.T) {
	tests := []struct {
		name         string
		start        types.Position
		fill         types.Fill
		wantQty      float64
		wantAvg      float64
		wantRealized float64
	}{
		{"open long", types.Position{}, fill("1", "X", types.SideBuy, 2, 100), 2, 100, 0},
		{"add long", types.Position{Qty: d(2), AvgPrice: d(100)}, fill("1", "X", types.SideBuy, 2, 110), 4, 105, 0},
		{"reduce long", types.Position{Qty: d(4), AvgPrice: d(105)}, fill("1", "X", types.SideSell, 1, 115), 3, 105, 10},
		{"close long", types.Position{Qty: d(3), AvgPrice: d(105)}, fill("1", "X", types.SideSell, 3, 100), 0, 0, -15},
		{"flip long to short", types.Position{Qty: d(1), AvgPrice: d(100)}, fill("1", "X", types.SideSell, 3, 90), -2, 90, -10},
		{"cover short at profit", types.Position{Qty: d(-2), AvgPrice: d(90)}, fill("1", "X", types.SideBuy, 2, 80), 0, 0, 20},
		{"fractional lots", types.Position{}, fill("1", "X", types.SideBuy, 0.01, 1.0850), 0.01, 1.085, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, realized := applyFill(tt.start, tt.fill)
			assert.True(t, d(tt.wantQty).Equal(pos.Qty), "qty %s", pos.Qty)
			if tt.wantQty != 0 {
				assert.True(t, d(tt.wantAvg).Equal(pos.AvgPrice), "avg %s", pos.AvgPrice)
			}
			assert.True(t, d(tt.wantRealized).Equal(realized), "realized %s", realized)
		})
	}
}

func TestDuplicateFillIdsAreIgnored(t *testing.T) {
	sink := &recordingSink{}
	b := newBook(10_000, sink)
	ctx := context.Background()

	f := fill("o1-1", "X", types.SideBuy, 1, 100)
	assert.True(t, b.Apply(ctx, f))
	assert.False(t, b.Apply(ctx, f))

	assert.True(t, d(1).Equal(b.Position("X").Qty))
	assert.Len(t, sink.fills, 1)
}

func TestSinkErrorDoesNotBlockApply(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	b := newBook(10_000, sink)

	assert.True(t, b.Apply(context.Background(), fill("a", "X", types.SideBuy, 1, 100)))
	assert.True(t, d(1).Equal(b.Position("X").Qty))
}

func TestRunAppliesInOrderAndDrainsOnCancel(t *testing.T) {
	b := newBook(10_000)
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, b.Submit(ctx, fill("1", "X", types.SideBuy, 1, 100)))
	require.NoError(t, b.Submit(ctx, fill("2", "X", types.SideBuy, 1, 102)))
	require.NoError(t, b.Submit(ctx, fill("3", "X", types.SideSell, 2, 104)))

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	var seen []string
	for len(seen) < 3 {
		select {
		case c := <-sub:
			seen = append(seen, c.Fill.FillID)
		case <-time.After(time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"1", "2", "3"}, seen)
	assert.True(t, b.Position("X").Flat())
	assert.True(t, d(6).Equal(b.RealizedPnL()))
}

func TestAdoptMatchesBrokerSnapshotExactly(t *testing.T) {
	b := newBook(10_000)
	ctx := context.Background()
	b.Apply(ctx, fill("stale", "OLD", types.SideBuy, 5, 10))

	broker := []types.Position{
		{Symbol: "EURUSD", Qty: d(0.01), AvgPrice: d(1.085)},
		{Symbol: "USDJPY", Qty: d(-0.02), AvgPrice: d(150.2)},
		{Symbol: "FLAT", Qty: decimal.Zero},
	}
	b.Adopt(ctx, broker)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "EURUSD", snap[0].Symbol)
	assert.True(t, d(0.01).Equal(snap[0].Qty))
	assert.Equal(t, "USDJPY", snap[1].Symbol)
	assert.True(t, d(-0.02).Equal(snap[1].Qty))
	assert.True(t, b.Position("OLD").Flat())
}

func TestDailyPnLAndExposure(t *testing.T) {
	b := newBook(10_000)
	ctx := context.Background()

	b.Apply(ctx, fill("1", "X", types.SideBuy, 10, 100))
	b.Mark("X", d(95))

	// -50 on 10k equity
	assert.True(t, d(-50).Equal(b.DailyPnLBps()), "got %s", b.DailyPnLBps())

	sym, gross := b.Exposure("X")
	assert.True(t, d(950).Equal(sym))
	assert.True(t, d(950).Equal(gross))

	b.Apply(ctx, fill("2", "X", types.SideSell, 10, 95))
	assert.True(t, d(-50).Equal(b.DailyPnLBps()))

	assert.True(t, b.RollDay(t0.Add(24*time.Hour)))
	assert.True(t, b.DailyPnLBps().IsZero())
	assert.True(t, d(9_950).Equal(b.Equity()))
	assert.False(t, b.RollDay(t0.Add(24*time.Hour)))
}

func TestDailyPnLStartsFromRollMark(t *testing.T) {
	b := newBook(10_000)
	ctx := context.Background()

	b.Apply(ctx, fill("1", "X", types.SideBuy, 10, 100))
	b.Mark("X", d(110))
	require.True(t, b.RollDay(t0.Add(24*time.Hour)))

	assert.True(t, b.DailyPnLBps().IsZero(), "yesterday's gain is not today's PnL, got %s", b.DailyPnLBps())
	assert.True(t, d(10_100).Equal(b.Equity()))

	b.Mark("X", d(105))
	want := d(-50).Div(d(10_100)).Mul(bps)
	assert.True(t, want.Equal(b.DailyPnLBps()), "got %s", b.DailyPnLBps())

	next := fill("2", "X", types.SideSell, 10, 105)
	next.Ts = t0.Add(25 * time.Hour)
	b.Apply(ctx, next)
	assert.True(t, want.Equal(b.DailyPnLBps()), "closing keeps the day's loss")
	assert.True(t, d(50).Equal(b.RealizedPnL()), "lifetime realized is against entry")
	assert.True(t, d(10_050).Equal(b.Equity()))
}
