package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"broker-bridge/internal/bars"
	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/jpillora/backoff"
)

const feedSource = "feed"

// Config controls polling. Zero values fall back to DefaultConfig.
type Config struct {
	Symbols       []string
	PollInterval  time.Duration
	PollTimeout   time.Duration
	MaxBatch      int
	Lookback      time.Duration // first poll window
	MaxBackfill   time.Duration // cap on how far back a resumed poll reaches
	SafetyMargin  time.Duration // re-query overlap, duplicates are dropped
	StaleAfter    time.Duration
	FlushGrace    time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		PollTimeout:   5 * time.Second,
		MaxBatch:      500,
		Lookback:      5 * time.Second,
		MaxBackfill:   5 * time.Minute,
		SafetyMargin:  500 * time.Millisecond,
		StaleAfter:    300 * time.Second,
		FlushGrace:    2 * time.Second,
		BackoffMin:    time.Second,
		BackoffMax:    60 * time.Second,
		BackoffFactor: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.Lookback <= 0 {
		c.Lookback = def.Lookback
	}
	if c.MaxBackfill <= 0 {
		c.MaxBackfill = def.MaxBackfill
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.FlushGrace < 0 {
		c.FlushGrace = 0
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = def.BackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// SessionControl is the part of the session manager the loop drives.
type SessionControl interface {
	WaitLive(ctx context.Context) error
	Reconnect(ctx context.Context, reason string) error
	MarkDegraded(ctx context.Context, source, reason string)
	MarkRecovered(ctx context.Context, source string)
}

type symbolState struct {
	lastSeen  time.Time // broker timestamp of the last ingested tick
	lastWall  time.Time // local time a new tick was last received
	saturated bool      // last batch came back full
	stale     bool
	quote     types.Quote
	haveQuote bool
}

// Loop polls ticks for an instrument set and hands sealed bars downstream.
type Loop struct {
	cfg  Config
	sess SessionControl
	feed interfaces.Feed
	agg  *bars.Aggregator
	out  chan types.Bar
	now  func() time.Time

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// New creates a loop. Bars() is closed when Run returns.
func New(cfg Config, sess SessionControl, feed interfaces.Feed, agg *bars.Aggregator) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		cfg:     cfg,
		sess:    sess,
		feed:    feed,
		agg:     agg,
		out:     make(chan types.Bar, 256),
		now:     time.Now,
		symbols: make(map[string]*symbolState, len(cfg.Symbols)),
	}
	for _, s := range dedupe(cfg.Symbols) {
		l.symbols[s] = &symbolState{}
	}
	return l
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Bars is the sealed-bar handoff channel.
func (l *Loop) Bars() <-chan types.Bar {
	return l.out
}

// Run polls until ctx is cancelled or a reconnect gives up. On exit the
// working bars are force-flushed and Bars() is closed.
func (l *Loop) Run(ctx context.Context) error {
	defer l.finish()

	start := l.now()
	l.mu.Lock()
	for _, st := range l.symbols {
		st.lastWall = start
	}
	l.mu.Unlock()

	b := &backoff.Backoff{
		Min:    l.cfg.BackoffMin,
		Max:    l.cfg.BackoffMax,
		Factor: l.cfg.BackoffFactor,
		Jitter: true,
	}

	logger.Info(ctx, "Ingestion loop started",
		"symbols", l.Symbols(),
		"poll_interval_ms", l.cfg.PollInterval.Milliseconds(),
		"max_batch", l.cfg.MaxBatch,
	)

	for {
		if err := l.sess.WaitLive(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err := l.PollOnce(ctx)
		var wait time.Duration
		switch {
		case err == nil:
			b.Reset()
			wait = l.cfg.PollInterval
		case ctx.Err() != nil:
			return nil
		case types.IsFatal(err):
			logger.BrokerCode(ctx, err, "op", "poll")
			if rerr := l.sess.Reconnect(ctx, "feed: "+err.Error()); rerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.ErrorWithErr(ctx, "Ingestion stopped, reconnect failed", rerr)
				return rerr
			}
			b.Reset()
			continue
		default:
			wait = b.Duration()
			logger.BrokerCode(ctx, err, "op", "poll", "retry_in_ms", wait.Milliseconds())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Loop) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, bar := range l.agg.Flush(true, l.now()) {
		l.emit(ctx, bar)
	}
	close(l.out)
	logger.Info(ctx, "Ingestion loop stopped")
}

// PollOnce runs one cycle over every symbol.
func (l *Loop) PollOnce(ctx context.Context) error {
	now := l.now()

	for _, symbol := range l.Symbols() {
		if err := l.pollSymbol(ctx, symbol, now); err != nil {
			return err
		}
	}

	for _, bar := range l.agg.Flush(false, now.Add(-l.cfg.FlushGrace)) {
		l.emit(ctx, bar)
	}
	l.checkStale(ctx, now)
	return nil
}

func (l *Loop) pollSymbol(ctx context.Context, symbol string, now time.Time) error {
	since := l.since(symbol, now)

	pctx, cancel := context.WithTimeout(ctx, l.cfg.PollTimeout)
	ticks, err := l.feed.TicksSince(pctx, symbol, since, l.cfg.MaxBatch)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Debug(ctx, "Poll timed out, treating as a transient miss", "symbol", symbol)
			return nil
		}
		return fmt.Errorf("poll %s: %w", symbol, err)
	}

	if len(ticks) >= l.cfg.MaxBatch {
		logger.Warn(ctx, "Tick batch limit reached, remaining ticks deferred to next cycle",
			"symbol", symbol,
			"max_batch", l.cfg.MaxBatch,
			"since", since,
		)
	}
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Ts.Before(ticks[j].Ts) })

	l.mu.Lock()
	st := l.symbols[symbol]
	fresh := 0
	var sealed []types.Bar
	for _, tick := range ticks {
		if !st.lastSeen.IsZero() && !tick.Ts.After(st.lastSeen) {
			continue
		}
		if tick.Symbol == "" {
			tick.Symbol = symbol
		}
		st.lastSeen = tick.Ts
		st.quote = types.Quote{Symbol: symbol, Bid: tick.Bid, Ask: tick.Ask, Last: tick.Price(), Ts: tick.Ts}
		st.haveQuote = true
		fresh++
		sealed = append(sealed, l.agg.Ingest(ctx, tick)...)
	}
	st.saturated = len(ticks) >= l.cfg.MaxBatch
	wasStale := st.stale
	if fresh > 0 {
		st.lastWall = now
		st.stale = false
	}
	l.mu.Unlock()

	for _, bar := range sealed {
		l.emit(ctx, bar)
	}
	if fresh > 0 && wasStale {
		logger.Info(ctx, "Feed resumed", "symbol", symbol)
		if len(l.StaleSymbols()) == 0 {
			l.sess.MarkRecovered(ctx, feedSource)
		}
	}
	return nil
}

func (l *Loop) since(symbol string, now time.Time) time.Time {
	l.mu.RLock()
	last := l.symbols[symbol].lastSeen
	saturated := l.symbols[symbol].saturated
	l.mu.RUnlock()

	if last.IsZero() {
		return now.Add(-l.cfg.Lookback)
	}
	// After a full batch the overlap could hold max_batch already seen
	// ticks; resume strictly after the cursor instead.
	since := last.Add(-l.cfg.SafetyMargin)
	if saturated {
		since = last.Add(time.Nanosecond)
	}
	if floor := now.Add(-l.cfg.MaxBackfill); since.Before(floor) {
		since = floor
	}
	return since
}

func (l *Loop) checkStale(ctx context.Context, now time.Time) {
	var newlyStale []*types.TransientFeedError

	l.mu.Lock()
	for symbol, st := range l.symbols {
		silent := now.Sub(st.lastWall)
		if st.stale || silent <= l.cfg.StaleAfter {
			continue
		}
		st.stale = true
		newlyStale = append(newlyStale, &types.TransientFeedError{Symbol: symbol, Silent: silent})
	}
	l.mu.Unlock()

	for _, fe := range newlyStale {
		logger.Warn(ctx, "Feed stale", "symbol", fe.Symbol, "silent_s", int(fe.Silent.Seconds()), "error", fe)
		l.sess.MarkDegraded(ctx, feedSource, fe.Error())
	}
}

func (l *Loop) emit(ctx context.Context, bar types.Bar) {
	select {
	case l.out <- bar:
	case <-ctx.Done():
		logger.Warn(ctx, "Bar dropped, consumer gone", "symbol", bar.Symbol, "ts", bar.Ts)
	}
}

// Symbols returns the polled instruments in stable order.
func (l *Loop) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.symbols))
	for s := range l.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StaleSymbols returns instruments currently flagged stale.
func (l *Loop) StaleSymbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for s, st := range l.symbols {
		if st.stale {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// LastQuote returns the most recent quote observed for symbol.
func (l *Loop) LastQuote(symbol string) (types.Quote, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.symbols[symbol]
	if !ok || !st.haveQuote {
		return types.Quote{}, false
	}
	return st.quote, true
}
