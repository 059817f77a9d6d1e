package portfolio

import (
	"context"
	"sort"
	"sync"
	"time"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
)

var bps = decimal.NewFromInt(10_000)

// Change is published after every applied fill or adoption.
type Change struct {
	Position    types.Position
	Fill        *types.Fill // nil for adoptions
	RealizedPnL decimal.Decimal
	Ts          time.Time
}

// Sink persists or journals applied fills. Sinks are called from the
// applier goroutine in fill order; errors are logged, not retried.
type Sink interface {
	RecordFill(ctx context.Context, fill types.Fill, pos types.Position) error
}

// Book is the position book. Fills enter through Submit and are applied by
// a single goroutine (Run) in the order received; reads are safe from any
// goroutine.
type Book struct {
	inbox chan types.Fill

	mu          sync.RWMutex // guards everything below for readers
	positions   map[string]types.Position
	seen        map[string]struct{}
	marks       map[string]decimal.Decimal
	dayBasis    map[string]decimal.Decimal // cost basis for today's PnL; the roll mark for carried positions
	startEquity decimal.Decimal
	realized    decimal.Decimal
	dayRealized decimal.Decimal
	day         string

	sinks []Sink
	subs  []chan Change
	now   func() time.Time
}

// NewBook creates an empty book. equity is the start-of-day account equity
// used for the daily PnL in basis points.
func NewBook(equity decimal.Decimal, sinks ...Sink) *Book {
	b := &Book{
		inbox:       make(chan types.Fill, 1024),
		positions:   make(map[string]types.Position),
		seen:        make(map[string]struct{}),
		marks:       make(map[string]decimal.Decimal),
		dayBasis:    make(map[string]decimal.Decimal),
		startEquity: equity,
		sinks:       sinks,
		now:         time.Now,
	}
	b.day = dayKey(b.now())
	return b
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Subscribe returns a channel of position changes. Slow subscribers miss
// changes rather than stall the applier.
func (b *Book) Subscribe() <-chan Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Change, 256)
	b.subs = append(b.subs, ch)
	return ch
}

// Submit enqueues a fill for the applier.
func (b *Book) Submit(ctx context.Context, fill types.Fill) error {
	select {
	case b.inbox <- fill:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies fills until ctx is cancelled. Must run in exactly one
// goroutine; queued fills are drained before returning.
func (b *Book) Run(ctx context.Context) error {
	logger.Info(ctx, "Position book started")
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case f := <-b.inbox:
					b.Apply(context.Background(), f)
				default:
					logger.Info(ctx, "Position book stopped")
					return nil
				}
			}
		case f := <-b.inbox:
			b.Apply(ctx, f)
		}
	}
}

// Apply updates the position for one fill. Duplicate fill ids are ignored
// and reported as false.
func (b *Book) Apply(ctx context.Context, fill types.Fill) bool {
	if !fill.Qty.IsPositive() {
		logger.Warn(ctx, "Ignoring fill with non-positive quantity", "fill_id", fill.FillID, "qty", fill.Qty.String())
		return false
	}

	b.mu.Lock()
	if _, dup := b.seen[fill.FillID]; dup {
		b.mu.Unlock()
		logger.Debug(ctx, "Duplicate fill ignored", "fill_id", fill.FillID)
		return false
	}
	b.seen[fill.FillID] = struct{}{}

	if !fill.Ts.IsZero() {
		b.rollLocked(dayKey(fill.Ts))
	}

	prev := b.positions[fill.Symbol]
	pos, realized := applyFill(prev, fill)
	dayPos, dayRealized := applyFill(types.Position{Qty: prev.Qty, AvgPrice: b.basisLocked(fill.Symbol, prev)}, fill)
	pos.Symbol = fill.Symbol
	if pos.Flat() {
		delete(b.positions, fill.Symbol)
		delete(b.dayBasis, fill.Symbol)
	} else {
		b.positions[fill.Symbol] = pos
		b.dayBasis[fill.Symbol] = dayPos.AvgPrice
	}
	realized = realized.Sub(fill.Fee)
	b.realized = b.realized.Add(realized)
	b.dayRealized = b.dayRealized.Add(dayRealized.Sub(fill.Fee))
	b.marks[fill.Symbol] = fill.Price
	subs := b.subs
	b.mu.Unlock()

	logger.Trade(ctx, fill)
	for _, s := range b.sinks {
		if err := s.RecordFill(ctx, fill, pos); err != nil {
			logger.ErrorWithErr(ctx, "Fill sink failed", err, "fill_id", fill.FillID)
		}
	}
	b.publish(ctx, subs, Change{Position: pos, Fill: &fill, RealizedPnL: realized, Ts: fill.Ts})
	return true
}

func (b *Book) basisLocked(symbol string, p types.Position) decimal.Decimal {
	if basis, ok := b.dayBasis[symbol]; ok {
		return basis
	}
	return p.AvgPrice
}

// applyFill returns the new position and the realized PnL (before fees).
func applyFill(p types.Position, fill types.Fill) (types.Position, decimal.Decimal) {
	signed := fill.SignedQty()
	q := p.Qty
	next := q.Add(signed)

	// opening or adding
	if q.IsZero() || q.Sign() == signed.Sign() {
		cost := q.Abs().Mul(p.AvgPrice).Add(signed.Abs().Mul(fill.Price))
		return types.Position{Qty: next, AvgPrice: cost.Div(next.Abs())}, decimal.Zero
	}

	closed := decimal.Min(q.Abs(), signed.Abs())
	realized := fill.Price.Sub(p.AvgPrice).Mul(closed).Mul(decimal.NewFromInt(int64(q.Sign())))

	switch {
	case next.IsZero():
		return types.Position{Qty: decimal.Zero}, realized
	case next.Sign() != q.Sign():
		// flipped through zero: the remainder opens at the fill price
		return types.Position{Qty: next, AvgPrice: fill.Price}, realized
	default:
		return types.Position{Qty: next, AvgPrice: p.AvgPrice}, realized
	}
}

// Adopt replaces local positions with the broker's view. Symbols missing
// from positions are flattened locally.
func (b *Book) Adopt(ctx context.Context, positions []types.Position) {
	b.mu.Lock()
	next := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		if !p.Flat() {
			next[p.Symbol] = p
		}
	}
	var changed []types.Position
	for sym := range b.positions {
		if _, ok := next[sym]; !ok {
			changed = append(changed, types.Position{Symbol: sym, Qty: decimal.Zero})
		}
	}
	for sym, p := range next {
		old, ok := b.positions[sym]
		if !ok || !old.Qty.Equal(p.Qty) || !old.AvgPrice.Equal(p.AvgPrice) {
			changed = append(changed, p)
		}
		if _, ok := b.marks[sym]; !ok && p.AvgPrice.IsPositive() {
			b.marks[sym] = p.AvgPrice
		}
		if !ok || !old.Qty.Equal(p.Qty) {
			b.dayBasis[sym] = p.AvgPrice
		}
	}
	for sym := range b.dayBasis {
		if _, ok := next[sym]; !ok {
			delete(b.dayBasis, sym)
		}
	}
	b.positions = next
	subs := b.subs
	b.mu.Unlock()

	now := b.now()
	for _, p := range changed {
		b.publish(ctx, subs, Change{Position: p, Ts: now})
	}
}

func (b *Book) publish(ctx context.Context, subs []chan Change, c Change) {
	for _, ch := range subs {
		select {
		case ch <- c:
		default:
			logger.Warn(ctx, "Position subscriber lagging, change dropped", "symbol", c.Position.Symbol)
		}
	}
}

// Mark records the latest price used for unrealized PnL and exposure.
func (b *Book) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	b.marks[symbol] = price
	b.mu.Unlock()
}

// RollDay starts a new trading day when now falls after the current one.
// Current equity becomes start-of-day equity and open positions are
// re-based at their last mark, so the new day's PnL starts from zero.
func (b *Book) RollDay(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rollLocked(dayKey(now))
}

func (b *Book) rollLocked(d string) bool {
	if d <= b.day {
		return false
	}
	b.startEquity = b.equityLocked()
	for sym, p := range b.positions {
		if mark, ok := b.marks[sym]; ok {
			b.dayBasis[sym] = mark
		} else {
			b.dayBasis[sym] = b.basisLocked(sym, p)
		}
	}
	b.day = d
	b.dayRealized = decimal.Zero
	return true
}

// Position returns the position for symbol (zero when flat).
func (b *Book) Position(symbol string) types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return types.Position{Symbol: symbol, Qty: decimal.Zero}
	}
	return p
}

// Snapshot returns all open positions sorted by symbol.
func (b *Book) Snapshot() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// unrealizedLocked is open PnL since the start of the day.
func (b *Book) unrealizedLocked() decimal.Decimal {
	total := decimal.Zero
	for sym, p := range b.positions {
		mark, ok := b.marks[sym]
		if !ok {
			continue
		}
		total = total.Add(mark.Sub(b.basisLocked(sym, p)).Mul(p.Qty))
	}
	return total
}

func (b *Book) equityLocked() decimal.Decimal {
	return b.startEquity.Add(b.dayRealized).Add(b.unrealizedLocked())
}

// Equity is start-of-day equity plus today's realized and open PnL.
func (b *Book) Equity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equityLocked()
}

// RealizedPnL is realized PnL net of fees since the book was created.
func (b *Book) RealizedPnL() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realized
}

// DailyPnLBps is today's realized plus open PnL in basis points of
// start-of-day equity.
func (b *Book) DailyPnLBps() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.startEquity.IsPositive() {
		return decimal.Zero
	}
	return b.dayRealized.Add(b.unrealizedLocked()).Div(b.startEquity).Mul(bps)
}

// Exposure returns |qty| * mark for symbol, and the gross across all
// symbols. Positions without a mark are valued at their average price.
func (b *Book) Exposure(symbol string) (sym, gross decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sym, gross = decimal.Zero, decimal.Zero
	for s, p := range b.positions {
		price, ok := b.marks[s]
		if !ok {
			price = p.AvgPrice
		}
		n := p.Qty.Abs().Mul(price)
		gross = gross.Add(n)
		if s == symbol {
			sym = n
		}
	}
	return sym, gross
}
