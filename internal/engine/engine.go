package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"broker-bridge/internal/bars"
	"broker-bridge/internal/execution"
	"broker-bridge/internal/ingest"
	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/portfolio"
	"broker-bridge/internal/reconcile"
	"broker-bridge/internal/risk"
	"broker-bridge/internal/session"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// EventRecorder persists order lifecycle events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev types.OrderEvent) error
}

// PositionStore seeds the book at startup and keeps the reconciled
// snapshot.
type PositionStore interface {
	Positions(ctx context.Context) ([]types.Position, error)
	SavePositions(ctx context.Context, positions []types.Position) error
}

// InstrumentOverride tightens broker instrument metadata. Zero fields keep
// the broker's value.
type InstrumentOverride struct {
	MinQty  decimal.Decimal
	QtyStep decimal.Decimal
	MaxQty  decimal.Decimal
}

type Options struct {
	Credentials types.Credentials
	Symbols     []string
	Equity      decimal.Decimal
	BarInterval time.Duration
	HistorySize int
	Ingest      ingest.Config
	Session     session.Options
	Limits      risk.Limits
	Instruments map[string]InstrumentOverride
	Reconcile   reconcile.Options
}

// Deps are the collaborators of a Bridge. Broker and Strategy are required.
type Deps struct {
	Broker   interfaces.Broker
	Strategy interfaces.Strategy
	State    PositionStore
	Fills    []portfolio.Sink
	Events   []EventRecorder
}

// Status is a point-in-time health summary.
type Status struct {
	State        types.SessionState
	Degraded     []string
	StaleSymbols []string
	Ready        bool
	KillSwitch   bool
	OpenOrders   int
	Positions    []types.Position
	Equity       decimal.Decimal
	DailyPnLBps  decimal.Decimal
}

// Bridge wires the pipeline: session, ingestion, bar dispatch, risk
// router, order translator, position book and reconciler.
type Bridge struct {
	opts      Options
	broker    interfaces.Broker
	strategy  interfaces.Strategy
	state     PositionStore
	recorders []EventRecorder

	session *session.Manager
	agg     *bars.Aggregator
	history *bars.History
	loop    *ingest.Loop
	orders  *execution.Translator
	book    *portfolio.Book
	router  *risk.Router
	recon   *reconcile.Reconciler

	// held by Run and Shutdown; they never overlap
	runMu     sync.Mutex
	connected bool
	carry     []types.Fill
}

var _ interfaces.Engine = (*Bridge)(nil)

// NewBridge builds every component. Nothing touches the network until Run.
func NewBridge(opts Options, deps Deps) (*Bridge, error) {
	if deps.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	if deps.Strategy == nil {
		return nil, errors.New("engine: strategy is required")
	}
	if opts.BarInterval <= 0 {
		opts.BarInterval = time.Minute
	}
	if !opts.Equity.IsPositive() {
		return nil, &types.ConfigurationError{Field: "starting_equity", Msg: "must be positive"}
	}
	opts.Ingest.Symbols = opts.Symbols

	e := &Bridge{
		opts:      opts,
		broker:    deps.Broker,
		strategy:  deps.Strategy,
		state:     deps.State,
		recorders: deps.Events,
	}
	e.session = session.New(deps.Broker, opts.Credentials, opts.Session)
	e.agg = bars.NewAggregator(opts.BarInterval)
	e.history = bars.NewHistory(opts.HistorySize)
	e.loop = ingest.New(opts.Ingest, e.session, deps.Broker, e.agg)
	e.orders = execution.NewTranslator(deps.Broker, e.session)
	e.book = portfolio.NewBook(opts.Equity, deps.Fills...)
	e.router = risk.NewRouter(opts.Limits, e.orders, e.book, e.loop, deps.Broker)

	var rec reconcile.Recorder
	if deps.State != nil {
		rec = deps.State
	}
	e.recon = reconcile.New(deps.Broker, e.orders, e.book, rec, opts.Reconcile)
	return e, nil
}

// Run connects, reconciles and runs the pipeline until ctx is cancelled or
// a component fails fatally. Call Shutdown afterwards to flatten.
func (e *Bridge) Run(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.seedBook(ctx)

	if err := e.session.Connect(ctx); err != nil {
		return err
	}
	e.connected = true
	if err := e.onConnected(ctx); err != nil {
		return fmt.Errorf("initial reconciliation: %w", err)
	}
	transitions := e.session.Subscribe()

	logger.Info(ctx, "Bridge running",
		"symbols", e.loop.Symbols(),
		"bar_interval_s", e.opts.BarInterval.Seconds(),
		"equity", e.book.Equity().String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	e.runCore(gctx, g)
	g.Go(func() error { return e.loop.Run(gctx) })
	g.Go(func() error { return e.session.RunHeartbeat(gctx) })
	g.Go(func() error { return e.dispatchBars(gctx) })
	g.Go(func() error { return e.watchSession(gctx, transitions) })

	err := g.Wait()
	e.router.SetReady(false)
	if errors.Is(err, session.ErrShuttingDown) || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		err = nil
	}
	if err != nil {
		logger.ErrorWithErr(ctx, "Bridge stopped on error", err)
		return err
	}
	logger.Info(ctx, "Bridge stopped")
	return nil
}

// Send routes an intent through the risk checks to the broker.
func (e *Bridge) Send(ctx context.Context, intent types.OrderIntent) (types.BrokerOrderHandle, error) {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	return e.router.Send(ctx, intent)
}

// Shutdown flattens the account and closes the session. A flatten failure
// or timeout is returned with the report but never blocks the logout.
func (e *Bridge) Shutdown(ctx context.Context) (types.FlattenReport, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.router.SetReady(false)
	rep, ferr := e.flatten(ctx)

	if err := e.session.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "Session shutdown reported an error", "error", err)
	}
	return rep, ferr
}

func (e *Bridge) flatten(ctx context.Context) (types.FlattenReport, error) {
	if !e.connected {
		logger.Info(ctx, "Session never connected, nothing to flatten")
		return types.FlattenReport{}, nil
	}
	if !e.session.State().Live() {
		if err := e.session.Connect(ctx); err != nil {
			logger.ErrorWithErr(ctx, "Cannot reconnect to flatten", err)
			return types.FlattenReport{Residual: -1}, fmt.Errorf("flatten: %w", err)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(cctx)
	e.runCore(gctx, g)

	rep, err := e.recon.Flatten(ctx)

	cancel()
	_ = g.Wait()
	e.drain(ctx)

	if e.state != nil {
		if serr := e.state.SavePositions(context.WithoutCancel(ctx), e.book.Snapshot()); serr != nil {
			logger.Warn(ctx, "Failed to persist final positions", "error", serr)
		}
	}
	return rep, err
}

// Status reports session, feed and risk health.
func (e *Bridge) Status() Status {
	return Status{
		State:        e.session.State(),
		Degraded:     e.session.DegradedReasons(),
		StaleSymbols: e.loop.StaleSymbols(),
		Ready:        e.router.Ready(),
		KillSwitch:   e.router.KillSwitchTripped(),
		OpenOrders:   len(e.orders.Open()),
		Positions:    e.book.Snapshot(),
		Equity:       e.book.Equity(),
		DailyPnLBps:  e.book.DailyPnLBps(),
	}
}

// RecentBars returns up to n sealed bars for symbol, oldest first.
func (e *Bridge) RecentBars(symbol string, n int) []types.Bar {
	return e.history.Recent(symbol, n)
}
