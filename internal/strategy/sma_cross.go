package strategy

import (
	"context"
	"sync"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/ta"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
)

const (
	rsiPeriod     = 14
	rsiOverbought = 70
)

// SMACross goes long qty when the fast close average crosses above the slow
// one and flattens on the cross back. Entries are skipped while RSI is
// overbought.
type SMACross struct {
	fast, slow int
	qty        decimal.Decimal

	mu     sync.Mutex
	closes map[string][]decimal.Decimal
	long   map[string]bool
}

var _ interfaces.Strategy = (*SMACross)(nil)

func NewSMACross(fast, slow int, qty decimal.Decimal) *SMACross {
	return &SMACross{
		fast:   fast,
		slow:   slow,
		qty:    qty,
		closes: make(map[string][]decimal.Decimal),
		long:   make(map[string]bool),
	}
}

func (s *SMACross) keep() int {
	return max(s.slow, rsiPeriod) + 1
}

func (s *SMACross) OnBar(ctx context.Context, bar types.Bar) []types.OrderIntent {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := append(s.closes[bar.Symbol], bar.Close)
	if n := s.keep(); len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	s.closes[bar.Symbol] = closes

	prev := closes[:len(closes)-1]
	fastNow, ok1 := ta.SMA(closes, s.fast)
	slowNow, ok2 := ta.SMA(closes, s.slow)
	fastPrev, ok3 := ta.SMA(prev, s.fast)
	slowPrev, ok4 := ta.SMA(prev, s.slow)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil
	}

	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	switch {
	case crossedUp && !s.long[bar.Symbol]:
		if rsi, ok := ta.RSI(closes, rsiPeriod); ok && rsi.GreaterThanOrEqual(decimal.NewFromInt(rsiOverbought)) {
			logger.Debug(ctx, "Cross up skipped, RSI overbought", "symbol", bar.Symbol, "rsi", rsi.StringFixed(2))
			return nil
		}
		s.long[bar.Symbol] = true
		logger.Info(ctx, "Fast average crossed above slow", "symbol", bar.Symbol, "fast", fastNow.String(), "slow", slowNow.String())
		return []types.OrderIntent{s.intent(bar, types.SideBuy)}
	case crossedDown && s.long[bar.Symbol]:
		s.long[bar.Symbol] = false
		logger.Info(ctx, "Fast average crossed below slow", "symbol", bar.Symbol, "fast", fastNow.String(), "slow", slowNow.String())
		return []types.OrderIntent{s.intent(bar, types.SideSell)}
	}
	return nil
}

func (s *SMACross) intent(bar types.Bar, side types.Side) types.OrderIntent {
	return types.OrderIntent{
		Symbol: bar.Symbol,
		Side:   side,
		Qty:    s.qty,
		Type:   types.OrderTypeMarket,
		TIF:    types.TIFDay,
		Tag:    "sma_cross",
	}
}
