package engine

import (
	"context"
	"errors"
	"time"

	"broker-bridge/internal/bars"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// runCore starts the fill path: broker updates -> translator -> events ->
// position book and recorders.
func (e *Bridge) runCore(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return e.orders.Run(ctx) })
	g.Go(func() error { return e.book.Run(ctx) })
	g.Go(func() error { return e.pumpEvents(ctx) })
}

func (e *Bridge) pumpEvents(ctx context.Context) error {
	events := e.orders.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			e.handleEvent(ctx, ev, func(f types.Fill) {
				if err := e.book.Submit(ctx, f); err != nil {
					// applied by drain once the book has stopped
					e.carry = append(e.carry, f)
				}
			})
		}
	}
}

func (e *Bridge) handleEvent(ctx context.Context, ev types.OrderEvent, apply func(types.Fill)) {
	if ev.Kind == types.EventFill && ev.Fill != nil {
		apply(*ev.Fill)
	}
	rctx := context.WithoutCancel(ctx)
	for _, r := range e.recorders {
		if err := r.RecordEvent(rctx, ev); err != nil {
			logger.Warn(ctx, "Failed to record order event",
				"kind", ev.Kind,
				"client_order_id", ev.ClientOrderID,
				"error", err,
			)
		}
	}
}

// drain applies whatever the fill path left behind. Only called once the
// core goroutines have returned, so the book has a single writer.
func (e *Bridge) drain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	apply := func(f types.Fill) { e.book.Apply(ctx, f) }

	for _, f := range e.carry {
		apply(f)
	}
	e.carry = nil

	drainEvents := func() {
		for {
			select {
			case ev := <-e.orders.Events():
				e.handleEvent(ctx, ev, apply)
			default:
				return
			}
		}
	}
	drainEvents()

	updates := e.broker.OrderUpdates()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				drainEvents()
				return
			}
			e.orders.HandleUpdate(ctx, u)
			drainEvents()
		default:
			return
		}
	}
}

// dispatchBars hands sealed bars to the strategy and routes its intents.
// It ends when the ingestion loop closes its output.
func (e *Bridge) dispatchBars(ctx context.Context) error {
	for bar := range e.loop.Bars() {
		if prev, ok := e.history.Last(bar.Symbol); ok {
			for _, gap := range bars.DetectGaps([]types.Bar{prev, bar}, e.opts.BarInterval) {
				logger.Warn(ctx, "Bar gap detected",
					"symbol", gap.Symbol,
					"from", gap.From,
					"to", gap.To,
					"missing", gap.Missing,
				)
			}
		}
		e.history.Add(bar)
		e.book.Mark(bar.Symbol, bar.Close)
		if e.book.RollDay(bar.Ts) {
			logger.Info(ctx, "Trading day rolled", "day", bar.Ts.UTC().Format("2006-01-02"), "equity", e.book.Equity().String())
		}

		if ctx.Err() != nil {
			continue
		}
		for _, intent := range e.strategy.OnBar(ctx, bar) {
			if _, err := e.Send(ctx, intent); err != nil {
				var rej *types.RiskRejection
				if !errors.As(err, &rej) {
					logger.ErrorWithErr(ctx, "Strategy order failed", err,
						"symbol", intent.Symbol,
						"side", intent.Side,
						"qty", intent.Qty.String(),
					)
				}
			}
		}
	}
	return nil
}

// watchSession closes the order gate whenever the session drops and
// reconciles before reopening it on every fresh connection.
func (e *Bridge) watchSession(ctx context.Context, transitions <-chan types.SessionTransition) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-transitions:
			switch {
			case tr.To == types.SessionConnected && tr.From == types.SessionConnecting:
				e.reconcileUntilReady(ctx)
			case !tr.To.Live():
				e.router.SetReady(false)
			}
		}
	}
}

// onConnected refreshes instruments and reconciles; the gate stays closed
// until both succeed.
func (e *Bridge) onConnected(ctx context.Context) error {
	e.router.SetReady(false)

	list, err := e.broker.Instruments(ctx)
	if err != nil {
		return err
	}
	e.router.SetInstruments(applyOverrides(list, e.opts.Instruments))

	rep, err := e.recon.Reconcile(ctx)
	if err != nil {
		return err
	}
	e.router.SetReady(true)
	logger.Info(ctx, "Reconciled, order gate open",
		"adopted", len(rep.Adopted),
		"mismatches", len(rep.Mismatches),
		"cancelled", len(rep.Cancelled),
		"forgotten", len(rep.Forgotten),
	)
	return nil
}

func (e *Bridge) reconcileUntilReady(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		err := e.onConnected(ctx)
		if err == nil {
			return
		}
		logger.ErrorWithErr(ctx, "Reconciliation after reconnect failed, order gate stays closed", err, "attempt", b.Attempt()+1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
		if !e.session.State().Live() {
			return
		}
	}
}

// seedBook loads the last persisted positions so reconciliation has a
// local view to diff against.
func (e *Bridge) seedBook(ctx context.Context) {
	if e.state == nil {
		return
	}
	positions, err := e.state.Positions(ctx)
	if err != nil {
		logger.Warn(ctx, "Failed to load persisted positions", "error", err)
		return
	}
	if len(positions) > 0 {
		e.book.Adopt(ctx, positions)
		logger.Info(ctx, "Book seeded from local state", "positions", len(positions))
	}
}
