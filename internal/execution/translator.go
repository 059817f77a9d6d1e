package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidRequest    = errors.New("invalid order request")
)

const healthSource = "orders"

// HealthReporter receives order-path health. Satisfied by session.Manager.
type HealthReporter interface {
	MarkDegraded(ctx context.Context, source, reason string)
	MarkRecovered(ctx context.Context, source string)
}

// order is the translator's view of one order.
type order struct {
	handle          types.BrokerOrderHandle
	status          types.OrderStatus
	filled          decimal.Decimal // cumulative
	avgPrice        decimal.Decimal // cumulative average
	fee             decimal.Decimal // cumulative
	cancelRequested bool
}

// OrderState is a read-only snapshot of a tracked order.
type OrderState struct {
	Handle    types.BrokerOrderHandle
	Status    types.OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Translator submits risk-approved requests, correlates broker pushes back
// to client order ids and turns cumulative broker fills into Fill events.
type Translator struct {
	exec   interfaces.Execution
	health HealthReporter
	events chan types.OrderEvent
	now    func() time.Time

	mu       sync.Mutex
	byClient map[string]*order
	byBroker map[string]string         // broker id -> client id
	pending  map[string]*queuedUpdates // updates for broker ids not yet acked
	inflight int                       // submits waiting on PlaceOrder
}

// Pushes for broker ids nobody has claimed are kept only while a submit is
// in flight, and only for a while.
const (
	pendingTTL = time.Minute
	maxPending = 256
)

type queuedUpdates struct {
	at      time.Time
	updates []types.OrderUpdate
}

// NewTranslator creates a translator. health may be nil.
func NewTranslator(exec interfaces.Execution, health HealthReporter) *Translator {
	return &Translator{
		exec:     exec,
		health:   health,
		events:   make(chan types.OrderEvent, 1024),
		now:      time.Now,
		byClient: make(map[string]*order),
		byBroker: make(map[string]string),
		pending:  make(map[string]*queuedUpdates),
	}
}

// NewClientOrderID returns a fresh client order id.
func NewClientOrderID() string {
	return uuid.NewString()
}

// Events delivers acks, fills, cancels and rejects in the order observed.
func (t *Translator) Events() <-chan types.OrderEvent {
	return t.events
}

func validate(req types.OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidRequest)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, req.Side)
	}
	if !req.Qty.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ErrInvalidRequest, req.Qty)
	}
	switch req.Type {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		if !req.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order without limit price", ErrInvalidRequest)
		}
	case types.OrderTypeStop:
		if !req.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop order without stop price", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidRequest, req.Type)
	}
	return nil
}

// Submit places req and returns once the broker acknowledges receipt.
// Fills and rejections arrive later on Events.
func (t *Translator) Submit(ctx context.Context, req types.OrderRequest) (types.BrokerOrderHandle, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	if err := validate(req); err != nil {
		return types.BrokerOrderHandle{}, err
	}

	o := &order{
		handle: types.BrokerOrderHandle{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Qty:           req.Qty,
			SubmittedAt:   t.now(),
		},
		status:   types.OrderStatusPending,
		filled:   decimal.Zero,
		avgPrice: decimal.Zero,
		fee:      decimal.Zero,
	}
	t.mu.Lock()
	if _, dup := t.byClient[req.ClientOrderID]; dup {
		t.mu.Unlock()
		return types.BrokerOrderHandle{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, req.ClientOrderID)
	}
	t.byClient[req.ClientOrderID] = o
	t.inflight++
	t.mu.Unlock()

	ack, err := t.exec.PlaceOrder(ctx, req)
	if err != nil {
		t.mu.Lock()
		t.inflight--
		t.mu.Unlock()
		if ctx.Err() != nil {
			// the broker may have received it; a later push carrying the
			// client id binds it
			logger.Warn(ctx, "Order submission abandoned by caller, outcome unknown",
				"client_order_id", req.ClientOrderID, "symbol", req.Symbol)
			return types.BrokerOrderHandle{}, fmt.Errorf("submit %s: %w", req.ClientOrderID, ctx.Err())
		}
		t.onSubmitError(ctx, o, err)
		return types.BrokerOrderHandle{}, fmt.Errorf("submit %s: %w", req.ClientOrderID, err)
	}

	var out []types.OrderEvent
	t.mu.Lock()
	t.inflight--
	o.handle.BrokerOrderID = ack.BrokerOrderID
	t.byBroker[ack.BrokerOrderID] = req.ClientOrderID
	if o.status == types.OrderStatusPending {
		o.status = types.OrderStatusOpen
	}
	out = append(out, types.OrderEvent{
		Kind:          types.EventAck,
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: ack.BrokerOrderID,
		Symbol:        req.Symbol,
		Status:        o.status,
		Reason:        ack.Message,
		Ts:            ack.Ts,
	})
	out = append(out, t.replayLocked(ctx, o)...)
	handle := o.handle
	t.mu.Unlock()

	if t.health != nil {
		t.health.MarkRecovered(ctx, healthSource)
	}
	logger.Info(ctx, "Order acknowledged",
		"client_order_id", handle.ClientOrderID,
		"broker_order_id", handle.BrokerOrderID,
		"symbol", handle.Symbol,
		"side", handle.Side,
		"type", handle.Type,
		"qty", handle.Qty.String(),
	)
	t.emit(ctx, out...)
	return handle, nil
}

func (t *Translator) onSubmitError(ctx context.Context, o *order, err error) {
	t.mu.Lock()
	o.status = types.OrderStatusRejected
	ev := types.OrderEvent{
		Kind:          types.EventReject,
		ClientOrderID: o.handle.ClientOrderID,
		Symbol:        o.handle.Symbol,
		Status:        o.status,
		Reason:        err.Error(),
		Ts:            t.now(),
	}
	t.mu.Unlock()

	logger.BrokerCode(ctx, err, "op", "place_order", "client_order_id", o.handle.ClientOrderID, "symbol", o.handle.Symbol)
	var unknown *types.UnclassifiedBrokerError
	if t.health != nil && (errors.As(err, &unknown) || types.IsRetriable(err)) {
		t.health.MarkDegraded(ctx, healthSource, err.Error())
	}
	t.emit(ctx, ev)
}

// Cancel requests cancellation. Cancelling a terminal order, or one whose
// cancel is already in flight, is a no-op.
func (t *Translator) Cancel(ctx context.Context, h types.BrokerOrderHandle) error {
	t.mu.Lock()
	o, ok := t.lookupLocked(h.ClientOrderID, h.BrokerOrderID)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", h.ClientOrderID, ErrUnknownOrder)
	}
	if o.status.Terminal() || o.cancelRequested {
		t.mu.Unlock()
		return nil
	}
	brokerID := o.handle.BrokerOrderID
	if brokerID == "" {
		t.mu.Unlock()
		return fmt.Errorf("cancel %s: not acknowledged yet: %w", h.ClientOrderID, ErrInvalidTransition)
	}
	o.cancelRequested = true
	t.mu.Unlock()

	err := t.exec.CancelOrder(ctx, brokerID)
	if err == nil {
		logger.Info(ctx, "Cancel requested", "client_order_id", o.handle.ClientOrderID, "broker_order_id", brokerID)
		return nil
	}

	var warn *types.ClassifiedBrokerWarning
	if errors.As(err, &warn) {
		// typically "already complete/cancelled": the push will settle it
		logger.BrokerCode(ctx, err, "op", "cancel_order", "broker_order_id", brokerID)
		return nil
	}

	t.mu.Lock()
	o.cancelRequested = false
	t.mu.Unlock()
	logger.BrokerCode(ctx, err, "op", "cancel_order", "broker_order_id", brokerID)
	return fmt.Errorf("cancel %s: %w", h.ClientOrderID, err)
}

func (t *Translator) lookupLocked(clientID, brokerID string) (*order, bool) {
	if clientID != "" {
		if o, ok := t.byClient[clientID]; ok {
			return o, true
		}
	}
	if brokerID != "" {
		if cid, ok := t.byBroker[brokerID]; ok {
			o, ok := t.byClient[cid]
			return o, ok
		}
	}
	return nil, false
}

// Run consumes broker order pushes until ctx is cancelled or the broker
// closes its update stream.
func (t *Translator) Run(ctx context.Context) error {
	updates := t.exec.OrderUpdates()
	logger.Info(ctx, "Order translator started")
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Order translator stopped")
			return nil
		case u, ok := <-updates:
			if !ok {
				logger.Warn(ctx, "Broker order update stream closed")
				return nil
			}
			t.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate applies one broker push.
func (t *Translator) HandleUpdate(ctx context.Context, u types.OrderUpdate) {
	t.mu.Lock()
	o, ok := t.lookupLocked(u.ClientOrderID, u.BrokerOrderID)
	if !ok {
		queued := t.queueLocked(u)
		t.mu.Unlock()
		msg := "Order update for untracked order ignored"
		if queued {
			msg = "Order update for unacknowledged order queued"
		}
		logger.Debug(ctx, msg,
			"broker_order_id", u.BrokerOrderID, "client_order_id", u.ClientOrderID, "status", u.Status)
		return
	}
	if o.handle.BrokerOrderID == "" && u.BrokerOrderID != "" {
		o.handle.BrokerOrderID = u.BrokerOrderID
		t.byBroker[u.BrokerOrderID] = o.handle.ClientOrderID
	}
	out := t.applyLocked(ctx, o, u)
	t.mu.Unlock()

	t.emit(ctx, out...)
}

// queueLocked keeps u for a submit still waiting on its ack. Pushes that
// carry an unknown client id, or arrive with nothing in flight, belong to
// orders placed elsewhere on the account and are dropped.
func (t *Translator) queueLocked(u types.OrderUpdate) bool {
	if u.BrokerOrderID == "" || u.ClientOrderID != "" || t.inflight == 0 {
		return false
	}
	now := t.now()
	for id, q := range t.pending {
		if now.Sub(q.at) > pendingTTL {
			delete(t.pending, id)
		}
	}
	q, ok := t.pending[u.BrokerOrderID]
	if !ok {
		if len(t.pending) >= maxPending {
			return false
		}
		q = &queuedUpdates{at: now}
		t.pending[u.BrokerOrderID] = q
	}
	q.updates = append(q.updates, u)
	return true
}

// replayLocked applies pushes that arrived before o was bound.
func (t *Translator) replayLocked(ctx context.Context, o *order) []types.OrderEvent {
	q, ok := t.pending[o.handle.BrokerOrderID]
	if !ok {
		return nil
	}
	delete(t.pending, o.handle.BrokerOrderID)
	var out []types.OrderEvent
	for _, u := range q.updates {
		out = append(out, t.applyLocked(ctx, o, u)...)
	}
	return out
}

// applyLocked derives events from a cumulative update. A fill is always
// applied, even after a cancel or reject was seen: executed quantity
// cannot be un-filled.
func (t *Translator) applyLocked(ctx context.Context, o *order, u types.OrderUpdate) []types.OrderEvent {
	var out []types.OrderEvent
	ts := u.Ts
	if ts.IsZero() {
		ts = t.now()
	}

	if u.FilledQty.GreaterThan(o.filled) {
		delta := u.FilledQty.Sub(o.filled)
		price := u.AvgPrice
		if o.filled.IsPositive() && u.AvgPrice.IsPositive() {
			// back out the price of this slice from the cumulative average
			price = u.AvgPrice.Mul(u.FilledQty).Sub(o.avgPrice.Mul(o.filled)).Div(delta)
		}
		fee := decimal.Zero
		if u.Fee.GreaterThan(o.fee) {
			fee = u.Fee.Sub(o.fee)
			o.fee = u.Fee
		}
		o.filled = u.FilledQty
		o.avgPrice = u.AvgPrice

		f := &types.Fill{
			FillID:        o.handle.BrokerOrderID + "-" + u.FilledQty.String(),
			ClientOrderID: o.handle.ClientOrderID,
			BrokerOrderID: o.handle.BrokerOrderID,
			Symbol:        o.handle.Symbol,
			Side:          o.handle.Side,
			Qty:           delta,
			Price:         price,
			Fee:           fee,
			Ts:            ts,
		}
		if o.filled.GreaterThanOrEqual(o.handle.Qty) {
			o.status = types.OrderStatusFilled
		} else if !o.status.Terminal() {
			o.status = types.OrderStatusPartFill
		}
		out = append(out, types.OrderEvent{
			Kind:          types.EventFill,
			ClientOrderID: o.handle.ClientOrderID,
			BrokerOrderID: o.handle.BrokerOrderID,
			Symbol:        o.handle.Symbol,
			Status:        o.status,
			Fill:          f,
			Ts:            ts,
		})
	} else if u.FilledQty.LessThan(o.filled) {
		logger.Warn(ctx, "Broker reported lower cumulative fill, ignoring",
			"broker_order_id", o.handle.BrokerOrderID,
			"reported", u.FilledQty.String(),
			"known", o.filled.String(),
		)
	}

	if o.status.Terminal() {
		return out
	}

	switch u.Status {
	case types.OrderStatusCancelled:
		o.status = types.OrderStatusCancelled
		out = append(out, types.OrderEvent{
			Kind:          types.EventCancel,
			ClientOrderID: o.handle.ClientOrderID,
			BrokerOrderID: o.handle.BrokerOrderID,
			Symbol:        o.handle.Symbol,
			Status:        o.status,
			Reason:        u.Message,
			Ts:            ts,
		})
	case types.OrderStatusRejected:
		o.status = types.OrderStatusRejected
		out = append(out, types.OrderEvent{
			Kind:          types.EventReject,
			ClientOrderID: o.handle.ClientOrderID,
			BrokerOrderID: o.handle.BrokerOrderID,
			Symbol:        o.handle.Symbol,
			Status:        o.status,
			Reason:        u.Message,
			Ts:            ts,
		})
		logger.Warn(ctx, "Order rejected by broker",
			"client_order_id", o.handle.ClientOrderID,
			"broker_order_id", o.handle.BrokerOrderID,
			"reason", u.Message,
		)
	case types.OrderStatusFilled:
		// filled without a quantity we could use; trust the status
		o.status = types.OrderStatusFilled
	case types.OrderStatusOpen, types.OrderStatusPartFill:
		if o.status == types.OrderStatusPending {
			o.status = types.OrderStatusOpen
		}
	}
	return out
}

func (t *Translator) emit(ctx context.Context, evs ...types.OrderEvent) {
	for _, ev := range evs {
		select {
		case t.events <- ev:
		case <-ctx.Done():
			logger.Warn(ctx, "Order event dropped on shutdown",
				"kind", ev.Kind, "client_order_id", ev.ClientOrderID)
			return
		}
	}
}

// Adopt starts tracking a broker-reported working order that was placed by
// an earlier run.
func (t *Translator) Adopt(bo types.BrokerOrder) error {
	clientID := bo.ClientOrderID
	if clientID == "" {
		clientID = bo.BrokerOrderID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byBroker[bo.BrokerOrderID]; ok {
		return fmt.Errorf("adopt %s: %w", bo.BrokerOrderID, ErrDuplicateOrder)
	}
	status := bo.Status
	if status == "" {
		status = types.OrderStatusOpen
	}
	t.byClient[clientID] = &order{
		handle: types.BrokerOrderHandle{
			ClientOrderID: clientID,
			BrokerOrderID: bo.BrokerOrderID,
			Symbol:        bo.Symbol,
			Side:          bo.Side,
			Type:          bo.Type,
			Qty:           bo.Qty,
			SubmittedAt:   bo.PlacedAt,
		},
		status:   status,
		filled:   bo.FilledQty,
		avgPrice: bo.Price,
		fee:      decimal.Zero,
	}
	t.byBroker[bo.BrokerOrderID] = clientID
	return nil
}

// Tracked reports whether brokerOrderID belongs to an order this process
// submitted or adopted.
func (t *Translator) Tracked(brokerOrderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byBroker[brokerOrderID]
	return ok
}

// Order returns the current state of a tracked order.
func (t *Translator) Order(clientOrderID string) (OrderState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byClient[clientOrderID]
	if !ok {
		return OrderState{}, false
	}
	return OrderState{Handle: o.handle, Status: o.status, FilledQty: o.filled, AvgPrice: o.avgPrice}, true
}

// Open returns handles of non-terminal orders, oldest first.
func (t *Translator) Open() []types.BrokerOrderHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.BrokerOrderHandle
	for _, o := range t.byClient {
		if !o.status.Terminal() {
			out = append(out, o.handle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Bind attaches a broker order id to an order whose acknowledgement never
// arrived. It reports false when the order is unknown or already bound.
func (t *Translator) Bind(ctx context.Context, clientOrderID, brokerOrderID string) bool {
	t.mu.Lock()
	o, ok := t.byClient[clientOrderID]
	if !ok || brokerOrderID == "" || o.handle.BrokerOrderID != "" {
		t.mu.Unlock()
		return false
	}
	if _, taken := t.byBroker[brokerOrderID]; taken {
		t.mu.Unlock()
		return false
	}
	o.handle.BrokerOrderID = brokerOrderID
	t.byBroker[brokerOrderID] = clientOrderID
	if o.status == types.OrderStatusPending {
		o.status = types.OrderStatusOpen
	}
	out := t.replayLocked(ctx, o)
	t.mu.Unlock()

	t.emit(ctx, out...)
	return true
}

// Forget drops local tracking for an order the broker no longer reports.
func (t *Translator) Forget(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byClient[clientOrderID]
	if !ok {
		return
	}
	delete(t.byClient, clientOrderID)
	if o.handle.BrokerOrderID != "" {
		delete(t.byBroker, o.handle.BrokerOrderID)
	}
}
