package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

// BrokerState is the broker's view of the account.
type BrokerState interface {
	Positions(ctx context.Context) ([]types.Position, error)
	OpenOrders(ctx context.Context) ([]types.BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// Orders is the order translator.
type Orders interface {
	Submit(ctx context.Context, req types.OrderRequest) (types.BrokerOrderHandle, error)
	Cancel(ctx context.Context, h types.BrokerOrderHandle) error
	Tracked(brokerOrderID string) bool
	Bind(ctx context.Context, clientOrderID, brokerOrderID string) bool
	Open() []types.BrokerOrderHandle
	Forget(clientOrderID string)
}

// Positions is the local position book.
type Positions interface {
	Snapshot() []types.Position
	Adopt(ctx context.Context, positions []types.Position)
}

// Recorder persists corrected state. Optional.
type Recorder interface {
	SavePositions(ctx context.Context, positions []types.Position) error
}

type Options struct {
	FlattenTimeout time.Duration
	PollMin        time.Duration
	PollMax        time.Duration
	CallTimeout    time.Duration
	AckGrace       time.Duration // unacknowledged orders older than this are dropped
}

func DefaultOptions() Options {
	return Options{
		FlattenTimeout: 30 * time.Second,
		PollMin:        100 * time.Millisecond,
		PollMax:        2 * time.Second,
		CallTimeout:    10 * time.Second,
		AckGrace:       30 * time.Second,
	}
}

// Report summarises one reconciliation pass.
type Report struct {
	Adopted    []types.Position
	Mismatches []types.ReconciliationMismatch
	Cancelled  []string // broker order ids cancelled as stale
	Forgotten  []string // client order ids the broker no longer reports
}

// Reconciler aligns local state with the broker after every (re)connect and
// flattens the account on shutdown. The broker is always ground truth.
type Reconciler struct {
	broker BrokerState
	orders Orders
	book   Positions
	rec    Recorder
	opts   Options
	now    func() time.Time
}

// New creates a reconciler. rec may be nil.
func New(broker BrokerState, orders Orders, book Positions, rec Recorder, opts Options) *Reconciler {
	def := DefaultOptions()
	if opts.FlattenTimeout <= 0 {
		opts.FlattenTimeout = def.FlattenTimeout
	}
	if opts.PollMin <= 0 {
		opts.PollMin = def.PollMin
	}
	if opts.PollMax <= 0 {
		opts.PollMax = def.PollMax
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.AckGrace <= 0 {
		opts.AckGrace = def.AckGrace
	}
	return &Reconciler{broker: broker, orders: orders, book: book, rec: rec, opts: opts, now: time.Now}
}

func (r *Reconciler) fetch(ctx context.Context) ([]types.Position, []types.BrokerOrder, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	positions, err := r.broker.Positions(cctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch positions: %w", err)
	}
	open, err := r.broker.OpenOrders(cctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch open orders: %w", err)
	}
	return positions, open, nil
}

// Reconcile runs one pass. Local positions are replaced by the broker's,
// local orders the broker no longer reports are dropped, and broker orders
// this process does not track are cancelled. No position-changing orders
// are ever sent.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	timer := logger.StartOperation(ctx, "reconcile")
	ctx = timer.Context()

	positions, open, err := r.fetch(ctx)
	if err != nil {
		timer.EndWithError(err)
		return Report{}, err
	}

	var rep Report
	rep.Mismatches = diffPositions(r.book.Snapshot(), positions)
	for i := range rep.Mismatches {
		m := &rep.Mismatches[i]
		logger.Warn(ctx, "Reconciliation mismatch, adopting broker state",
			"type", "RECONCILE",
			"symbol", m.Symbol,
			"kind", m.Kind,
			"local_qty", m.LocalQty.String(),
			"broker_qty", m.BrokerQty.String(),
			"error", m,
		)
	}
	r.book.Adopt(ctx, positions)
	for _, p := range positions {
		if !p.Flat() {
			rep.Adopted = append(rep.Adopted, p)
		}
	}
	if r.rec != nil {
		if err := r.rec.SavePositions(ctx, rep.Adopted); err != nil {
			logger.ErrorWithErr(ctx, "Failed to persist reconciled positions", err)
		}
	}

	reported := make(map[string]bool, len(open))
	byTag := make(map[string]string, len(open))
	for _, o := range open {
		reported[o.BrokerOrderID] = true
		if o.ClientOrderID != "" {
			byTag[o.ClientOrderID] = o.BrokerOrderID
		}
	}
	for _, h := range r.orders.Open() {
		if h.BrokerOrderID == "" {
			if r.settleUnacked(ctx, h, byTag) {
				rep.Forgotten = append(rep.Forgotten, h.ClientOrderID)
			}
			continue
		}
		if reported[h.BrokerOrderID] {
			continue
		}
		r.orders.Forget(h.ClientOrderID)
		rep.Forgotten = append(rep.Forgotten, h.ClientOrderID)
		logger.Warn(ctx, "Local order unknown to broker, dropped",
			"type", "RECONCILE",
			"client_order_id", h.ClientOrderID,
			"broker_order_id", h.BrokerOrderID,
			"symbol", h.Symbol,
		)
	}

	var cancelErrs []error
	for _, o := range open {
		if r.orders.Tracked(o.BrokerOrderID) {
			continue
		}
		if err := r.cancelBrokerOrder(ctx, o); err != nil {
			cancelErrs = append(cancelErrs, err)
			continue
		}
		rep.Cancelled = append(rep.Cancelled, o.BrokerOrderID)
	}

	err = errors.Join(cancelErrs...)
	if err != nil {
		timer.EndWithError(err, "cancelled", len(rep.Cancelled))
		return rep, err
	}
	timer.End(
		"adopted", len(rep.Adopted),
		"mismatches", len(rep.Mismatches),
		"cancelled", len(rep.Cancelled),
		"forgotten", len(rep.Forgotten),
	)
	return rep, nil
}

// settleUnacked handles a local order whose acknowledgement never came
// back. It is bound when the broker reports an order carrying its client id,
// and dropped once older than AckGrace. Reports whether it was dropped.
func (r *Reconciler) settleUnacked(ctx context.Context, h types.BrokerOrderHandle, byTag map[string]string) bool {
	if id, ok := byTag[h.ClientOrderID]; ok && r.orders.Bind(ctx, h.ClientOrderID, id) {
		logger.Info(ctx, "Unacknowledged order found at broker",
			"type", "RECONCILE",
			"client_order_id", h.ClientOrderID,
			"broker_order_id", id,
			"symbol", h.Symbol,
		)
		return false
	}
	if r.now().Sub(h.SubmittedAt) < r.opts.AckGrace {
		return false
	}
	r.orders.Forget(h.ClientOrderID)
	logger.Warn(ctx, "Unacknowledged order expired",
		"type", "RECONCILE",
		"client_order_id", h.ClientOrderID,
		"symbol", h.Symbol,
		"submitted_at", h.SubmittedAt,
	)
	return true
}

func (r *Reconciler) cancelBrokerOrder(ctx context.Context, o types.BrokerOrder) error {
	err := r.broker.CancelOrder(ctx, o.BrokerOrderID)
	var warn *types.ClassifiedBrokerWarning
	switch {
	case err == nil:
		logger.Info(ctx, "Cancelled stale broker order",
			"type", "RECONCILE",
			"broker_order_id", o.BrokerOrderID,
			"symbol", o.Symbol,
			"side", o.Side,
			"order_type", o.Type,
		)
		return nil
	case errors.As(err, &warn):
		logger.BrokerCode(ctx, err, "broker_order_id", o.BrokerOrderID)
		return nil
	default:
		logger.BrokerCode(ctx, err, "op", "reconcile_cancel", "broker_order_id", o.BrokerOrderID)
		return fmt.Errorf("cancel stale order %s: %w", o.BrokerOrderID, err)
	}
}

func diffPositions(local, broker []types.Position) []types.ReconciliationMismatch {
	l := make(map[string]decimal.Decimal, len(local))
	for _, p := range local {
		l[p.Symbol] = p.Qty
	}
	b := make(map[string]decimal.Decimal, len(broker))
	for _, p := range broker {
		if !p.Flat() {
			b[p.Symbol] = p.Qty
		}
	}

	symbols := make(map[string]struct{}, len(l)+len(b))
	for s := range l {
		symbols[s] = struct{}{}
	}
	for s := range b {
		symbols[s] = struct{}{}
	}
	keys := make([]string, 0, len(symbols))
	for s := range symbols {
		keys = append(keys, s)
	}
	sort.Strings(keys)

	var out []types.ReconciliationMismatch
	for _, s := range keys {
		lq, lok := l[s]
		bq, bok := b[s]
		switch {
		case lok && !bok:
			out = append(out, types.ReconciliationMismatch{Symbol: s, Kind: "missing_at_broker", LocalQty: lq, BrokerQty: decimal.Zero})
		case !lok && bok:
			out = append(out, types.ReconciliationMismatch{Symbol: s, Kind: "missing_locally", LocalQty: decimal.Zero, BrokerQty: bq})
		case !lq.Equal(bq):
			out = append(out, types.ReconciliationMismatch{Symbol: s, Kind: "quantity", LocalQty: lq, BrokerQty: bq})
		}
	}
	return out
}

// Flatten cancels every open order, closes every position with a market
// order and waits for the broker to report nothing open. A timeout is
// returned as *types.ShutdownTimeout alongside the report.
func (r *Reconciler) Flatten(ctx context.Context) (types.FlattenReport, error) {
	start := r.now()
	ctx, cancel := context.WithTimeout(ctx, r.opts.FlattenTimeout)
	defer cancel()

	var rep types.FlattenReport
	logger.Info(ctx, "Flatten started", "type", "FLATTEN", "timeout_s", r.opts.FlattenTimeout.Seconds())

	positions, open, err := r.fetch(ctx)
	if err != nil {
		return r.finishFlatten(ctx, rep, start, err)
	}

	for _, o := range open {
		var cerr error
		if r.orders.Tracked(o.BrokerOrderID) {
			cerr = r.orders.Cancel(ctx, types.BrokerOrderHandle{ClientOrderID: o.ClientOrderID, BrokerOrderID: o.BrokerOrderID})
		} else {
			cerr = r.cancelBrokerOrder(ctx, o)
		}
		if cerr != nil {
			logger.ErrorWithErr(ctx, "Flatten cancel failed", cerr, "broker_order_id", o.BrokerOrderID)
			continue
		}
		rep.CancelledOrders++
	}

	for _, p := range positions {
		if p.Flat() {
			continue
		}
		side := types.SideSell
		if p.Qty.IsNegative() {
			side = types.SideBuy
		}
		req := types.OrderRequest{
			Symbol:    p.Symbol,
			Side:      side,
			Qty:       p.Qty.Abs(),
			IntentQty: p.Qty.Abs(),
			Type:      types.OrderTypeMarket,
			RefPrice:  p.AvgPrice,
			TIF:       types.TIFDay,
			Tag:       "flatten",
		}
		h, err := r.orders.Submit(ctx, req)
		if err != nil {
			logger.ErrorWithErr(ctx, "Flatten close order failed", err, "symbol", p.Symbol, "qty", p.Qty.String())
			continue
		}
		rep.ClosingOrders = append(rep.ClosingOrders, h)
		logger.Info(ctx, "Flatten close order sent",
			"type", "FLATTEN",
			"symbol", p.Symbol,
			"side", side,
			"qty", req.Qty.String(),
			"broker_order_id", h.BrokerOrderID,
		)
	}

	return r.finishFlatten(ctx, rep, start, r.awaitFlat(ctx, &rep))
}

// awaitFlat polls until the broker reports no positions and no open orders.
func (r *Reconciler) awaitFlat(ctx context.Context, rep *types.FlattenReport) error {
	b := &backoff.Backoff{Min: r.opts.PollMin, Max: r.opts.PollMax, Factor: 2}
	for {
		positions, open, err := r.fetch(ctx)
		if err == nil {
			residual := len(open)
			for _, p := range positions {
				if !p.Flat() {
					residual++
				}
			}
			rep.Residual = residual
			if residual == 0 {
				return nil
			}
		} else if ctx.Err() == nil {
			logger.Warn(ctx, "Flatten poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (r *Reconciler) finishFlatten(ctx context.Context, rep types.FlattenReport, start time.Time, err error) (types.FlattenReport, error) {
	rep.Elapsed = r.now().Sub(start)
	if errors.Is(err, context.DeadlineExceeded) {
		rep.TimedOut = true
		if rep.Residual == 0 {
			rep.Residual = -1 // unknown: broker never answered
		}
		err = &types.ShutdownTimeout{Residual: rep.Residual, Timeout: r.opts.FlattenTimeout}
	}
	if err != nil {
		logger.ErrorWithErr(ctx, "Flatten incomplete", err,
			"type", "FLATTEN",
			"residual", rep.Residual,
			"timed_out", rep.TimedOut,
			"elapsed_ms", rep.Elapsed.Milliseconds(),
		)
		return rep, err
	}
	logger.Info(ctx, "Flatten complete",
		"type", "FLATTEN",
		"closing_orders", len(rep.ClosingOrders),
		"cancelled_orders", rep.CancelledOrders,
		"elapsed_ms", rep.Elapsed.Milliseconds(),
	)
	return rep, nil
}
