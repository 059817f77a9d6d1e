package zerodha

import (
	"context"
	"sort"
	"sync"
	"time"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

const venue = "KITE"

// tickCache keeps the most recent ticks per symbol, oldest first.
type tickCache struct {
	buffers map[string][]types.Tick
	quotes  map[string]types.Quote
	maxSize int
	mu      sync.RWMutex
}

func newTickCache(maxSize int) *tickCache {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &tickCache{
		buffers: make(map[string][]types.Tick),
		quotes:  make(map[string]types.Quote),
		maxSize: maxSize,
	}
}

func (tc *tickCache) add(t types.Tick) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	buf := tc.buffers[t.Symbol]
	// the websocket can replay a tick after reconnect
	if n := len(buf); n > 0 && t.Ts.Before(buf[n-1].Ts) {
		return
	}
	buf = append(buf, t)
	if len(buf) > tc.maxSize {
		buf = buf[len(buf)-tc.maxSize:]
	}
	tc.buffers[t.Symbol] = buf
	tc.quotes[t.Symbol] = types.Quote{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Price(), Ts: t.Ts}
}

func (tc *tickCache) since(symbol string, since time.Time, max int) []types.Tick {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	buf := tc.buffers[symbol]
	i := sort.Search(len(buf), func(i int) bool { return !buf[i].Ts.Before(since) })
	end := len(buf)
	if max > 0 && end-i > max {
		end = i + max
	}
	out := make([]types.Tick, end-i)
	copy(out, buf[i:end])
	return out
}

func (tc *tickCache) quote(symbol string) (types.Quote, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	q, ok := tc.quotes[symbol]
	return q, ok
}

// tickerConn is the subset of the Kite websocket ticker the adapter drives.
type tickerConn interface {
	OnConnect(func())
	OnError(func(error))
	OnClose(func(int, string))
	OnReconnect(func(int, time.Duration))
	OnNoReconnect(func(int))
	OnTick(func(models.Tick))
	OnOrderUpdate(func(kiteconnect.Order))
	Serve()
	Stop()
	Subscribe([]uint32) error
	SetMode(kiteticker.Mode, []uint32) error
}

func dialTicker(apiKey, accessToken string) tickerConn {
	return kiteticker.New(apiKey, accessToken)
}

// startTicker wires the handlers, starts the websocket and subscribes every
// mapped token in full mode.
func (z *Adapter) startTicker(ctx context.Context, apiKey, accessToken string) error {
	t := z.dial(apiKey, accessToken)
	t.OnConnect(func() {
		tokens := z.mapper.getAllTokens()
		if len(tokens) == 0 {
			return
		}
		if err := t.Subscribe(tokens); err != nil {
			logger.ErrorWithErr(ctx, "Ticker subscribe failed", err, "tokens", len(tokens))
			return
		}
		if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
			logger.ErrorWithErr(ctx, "Ticker set mode failed", err)
			return
		}
		logger.Info(ctx, "WebSocket connected, subscribed", "tokens", len(tokens))
	})
	t.OnError(func(err error) {
		logger.ErrorWithErr(ctx, "WebSocket error occurred", err)
	})
	t.OnClose(func(code int, reason string) {
		logger.Warn(ctx, "WebSocket connection closed", "code", code, "reason", reason)
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		logger.Info(ctx, "WebSocket reconnecting", "attempt", attempt, "delay", delay)
	})
	t.OnNoReconnect(func(attempt int) {
		logger.Warn(ctx, "WebSocket reconnection failed, giving up", "attempts", attempt)
		z.tickerDown.Store(true)
	})
	t.OnTick(z.onTick)
	t.OnOrderUpdate(z.onOrderUpdate)

	z.tickerMu.Lock()
	z.ticker = t
	z.tickerMu.Unlock()
	z.tickerDown.Store(false)

	go func() {
		logger.Info(ctx, "Starting Zerodha WebSocket ticker")
		t.Serve()
	}()
	return nil
}

func (z *Adapter) stopTicker(ctx context.Context) {
	z.tickerMu.Lock()
	t := z.ticker
	z.ticker = nil
	z.tickerMu.Unlock()
	if t != nil {
		logger.Info(ctx, "Stopping Zerodha WebSocket ticker")
		t.Stop()
	}
}

func (z *Adapter) onTick(tick models.Tick) {
	symbol := z.mapper.getSymbol(tick.InstrumentToken)
	if symbol == "" {
		return
	}
	z.ticks.add(convertTick(symbol, tick))
}

func convertTick(symbol string, tick models.Tick) types.Tick {
	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = tick.LastTradeTime.Time
	}
	t := types.Tick{
		Ts:     ts,
		Symbol: symbol,
		Last:   decimal.NewFromFloat(tick.LastPrice),
		Size:   decimal.NewFromFloat(float64(tick.LastTradedQuantity)),
		Venue:  venue,
	}
	if len(tick.Depth.Buy) > 0 && tick.Depth.Buy[0].Price > 0 {
		t.Bid = decimal.NewFromFloat(tick.Depth.Buy[0].Price)
	}
	if len(tick.Depth.Sell) > 0 && tick.Depth.Sell[0].Price > 0 {
		t.Ask = decimal.NewFromFloat(tick.Depth.Sell[0].Price)
	}
	return t
}

func (z *Adapter) onOrderUpdate(order kiteconnect.Order) {
	u := z.toUpdate(order)
	logger.Debug(context.Background(), "Order update received",
		"order_id", order.OrderID,
		"status", order.Status,
		"symbol", order.TradingSymbol,
	)
	select {
	case z.updates <- u:
		return
	default:
	}
	timer := time.NewTimer(z.updateWait)
	defer timer.Stop()
	select {
	case z.updates <- u:
	case <-timer.C:
		z.updatesLost.Store(true)
		logger.Error(context.Background(), "Order update dropped, consumer lagging; forcing reconciliation",
			"broker_order_id", u.BrokerOrderID,
			"status", u.Status,
		)
	}
}

func errUpdatesLost(op string) error {
	return &types.BrokerError{Op: op, Code: "UPDATES_LOST", Class: types.CodeFatal, Message: "order updates were dropped"}
}
