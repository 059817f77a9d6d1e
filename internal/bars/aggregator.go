package bars

import (
	"context"
	"sort"
	"sync"
	"time"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
)

// accumulator is the working bar of one instrument.
type accumulator struct {
	start  time.Time
	end    time.Time
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	close  decimal.Decimal
	volume decimal.Decimal
	nTicks int
}

func (a *accumulator) seal(symbol string) types.Bar {
	return types.Bar{
		Ts:     a.end,
		Start:  a.start,
		Symbol: symbol,
		Open:   a.open,
		High:   a.high,
		Low:    a.low,
		Close:  a.close,
		Volume: a.volume,
		NTicks: a.nTicks,
	}
}

// Aggregator turns ticks into epoch-aligned bars, one accumulator per instrument.
type Aggregator struct {
	interval time.Duration
	mu       sync.Mutex
	accs     map[string]*accumulator
	dropped  map[string]int
}

// NewAggregator creates an aggregator with a fixed bar length.
func NewAggregator(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{
		interval: interval,
		accs:     make(map[string]*accumulator),
		dropped:  make(map[string]int),
	}
}

// Interval returns the bar length.
func (a *Aggregator) Interval() time.Duration {
	return a.interval
}

// Boundary returns the epoch-aligned interval containing ts.
func (a *Aggregator) Boundary(ts time.Time) (start, end time.Time) {
	n := a.interval.Nanoseconds()
	unix := ts.UnixNano()
	floor := unix - unix%n
	if unix < 0 && unix%n != 0 {
		floor -= n
	}
	start = time.Unix(0, floor).UTC()
	return start, start.Add(a.interval)
}

// Ingest applies one tick and returns the bar it sealed, if any.
// Ticks older than the current interval start are dropped.
func (a *Aggregator) Ingest(ctx context.Context, tick types.Tick) []types.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	price := tick.Price()
	if !price.IsPositive() {
		logger.Debug(ctx, "Tick without price ignored", "symbol", tick.Symbol, "ts", tick.Ts)
		return nil
	}

	acc := a.accs[tick.Symbol]
	if acc != nil && tick.Ts.Before(acc.start) {
		a.dropped[tick.Symbol]++
		logger.Warn(ctx, "Out-of-order tick dropped",
			"symbol", tick.Symbol,
			"tick_ts", tick.Ts,
			"interval_start", acc.start,
			"dropped_total", a.dropped[tick.Symbol],
		)
		return nil
	}

	var sealed []types.Bar
	if acc != nil && !tick.Ts.Before(acc.end) {
		if acc.nTicks > 0 {
			sealed = append(sealed, acc.seal(tick.Symbol))
		}
		acc = nil
	}

	if acc == nil || acc.nTicks == 0 {
		start, end := a.Boundary(tick.Ts)
		acc = &accumulator{
			start:  start,
			end:    end,
			open:   price,
			high:   price,
			low:    price,
			close:  price,
			volume: tick.Size,
			nTicks: 1,
		}
		a.accs[tick.Symbol] = acc
		return sealed
	}

	if price.GreaterThan(acc.high) {
		acc.high = price
	}
	if price.LessThan(acc.low) {
		acc.low = price
	}
	acc.close = price
	acc.volume = acc.volume.Add(tick.Size)
	acc.nTicks++
	return sealed
}

// Flush seals working bars. With force every bar that received at least one
// tick is sealed. Without force only bars whose interval ended at or before
// now are sealed. An interval with no ticks never produces a bar.
func (a *Aggregator) Flush(force bool, now time.Time) []types.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sealed []types.Bar
	for symbol, acc := range a.accs {
		if acc.nTicks == 0 {
			continue
		}
		if !force && now.Before(acc.end) {
			continue
		}
		sealed = append(sealed, acc.seal(symbol))
		// keep the boundary so late ticks for the sealed interval are still dropped
		acc.nTicks = 0
		acc.start = acc.end
		acc.end = acc.end.Add(a.interval)
	}
	sort.Slice(sealed, func(i, j int) bool {
		if sealed[i].Ts.Equal(sealed[j].Ts) {
			return sealed[i].Symbol < sealed[j].Symbol
		}
		return sealed[i].Ts.Before(sealed[j].Ts)
	})
	return sealed
}

// Working returns a copy of the in-progress bar for symbol.
func (a *Aggregator) Working(symbol string) (types.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.accs[symbol]
	if !ok || acc.nTicks == 0 {
		return types.Bar{}, false
	}
	return acc.seal(symbol), true
}

// Dropped returns the number of out-of-order ticks dropped for symbol.
func (a *Aggregator) Dropped(symbol string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped[symbol]
}
