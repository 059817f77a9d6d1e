package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
)

// Config tunes the simulated venue.
type Config struct {
	Instruments []types.Instrument
	StartPrices map[string]decimal.Decimal
	Spread      decimal.Decimal // absolute bid/ask spread
	TickEvery   time.Duration   // synthetic tick spacing; zero disables generation
	StepPct     float64         // max random-walk step as a fraction of price
	FeeRate     decimal.Decimal // fee as a fraction of notional
	MaxTicks    int             // per-symbol tick buffer
	Seed        int64
}

// Broker is an in-process venue. Market orders fill immediately at the
// ask (buys) or bid (sells); limit orders rest until the quote crosses;
// stop orders become market orders once the trigger is crossed.
type Broker struct {
	cfg     Config
	updates chan types.OrderUpdate
	now     func() time.Time

	mu          sync.Mutex
	rng         *rand.Rand
	connected   bool
	connectErr  error
	pingErr     error
	updatesLost bool
	seq         int64
	ticks       map[string][]types.Tick
	quotes      map[string]types.Quote
	lastGen     map[string]time.Time
	orders      map[string]*resting
	positions   map[string]types.Position
	instruments map[string]types.Instrument
}

type resting struct {
	order types.BrokerOrder
	tag   string
	fee   decimal.Decimal
}

var _ interfaces.Broker = (*Broker)(nil)

// New creates a disconnected paper broker.
func New(cfg Config) *Broker {
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = 5000
	}
	if cfg.StepPct <= 0 {
		cfg.StepPct = 0.0005
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	b := &Broker{
		cfg:         cfg,
		updates:     make(chan types.OrderUpdate, 4096),
		now:         time.Now,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		ticks:       make(map[string][]types.Tick),
		quotes:      make(map[string]types.Quote),
		lastGen:     make(map[string]time.Time),
		orders:      make(map[string]*resting),
		positions:   make(map[string]types.Position),
		instruments: make(map[string]types.Instrument),
	}
	for _, in := range cfg.Instruments {
		b.instruments[in.Symbol] = in
	}
	return b
}

// SetConnectError makes the next Connect calls fail with err (nil clears).
func (b *Broker) SetConnectError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// SetPingError makes Ping fail with err (nil clears).
func (b *Broker) SetPingError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

// SetPosition seeds a position, as if left over from an earlier session.
func (b *Broker) SetPosition(p types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Flat() {
		delete(b.positions, p.Symbol)
		return
	}
	b.positions[p.Symbol] = p
}

// SeedOrder places a working order directly, bypassing the session, as if
// left over from an earlier session. Returns the broker order id.
func (b *Broker) SeedOrder(o types.BrokerOrder) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.BrokerOrderID == "" {
		o.BrokerOrderID = b.nextIDLocked()
	}
	if o.Status == "" {
		o.Status = types.OrderStatusOpen
	}
	o.FilledQty = decimal.Zero
	b.orders[o.BrokerOrderID] = &resting{order: o, tag: o.ClientOrderID, fee: decimal.Zero}
	return o.BrokerOrderID
}

func (b *Broker) nextIDLocked() string {
	b.seq++
	return fmt.Sprintf("SIM-%d", b.seq)
}

func (b *Broker) Connect(ctx context.Context, creds types.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	logger.Info(ctx, "Paper broker connected", "login", creds.Login)
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return notConnected("ping")
	}
	if b.updatesLost {
		b.updatesLost = false
		return &types.BrokerError{Op: "ping", Code: "UPDATES_LOST", Class: types.CodeFatal, Message: "paper order updates were dropped"}
	}
	return b.pingErr
}

func notConnected(op string) error {
	return &types.ConnectionError{Kind: types.ConnUnreachable, Op: op, Err: fmt.Errorf("paper session not connected")}
}

func (b *Broker) Instruments(ctx context.Context) ([]types.Instrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Instrument, 0, len(b.instruments))
	for _, in := range b.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PushTick injects a tick and runs resting order matching against it.
func (b *Broker) PushTick(t types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordTickLocked(t)
}

func (b *Broker) recordTickLocked(t types.Tick) {
	buf := append(b.ticks[t.Symbol], t)
	if len(buf) > b.cfg.MaxTicks {
		buf = buf[len(buf)-b.cfg.MaxTicks:]
	}
	b.ticks[t.Symbol] = buf
	b.quotes[t.Symbol] = types.Quote{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Price(), Ts: t.Ts}
	b.matchLocked(t.Symbol)
}

// generateLocked extends the synthetic random walk up to now.
func (b *Broker) generateLocked(symbol string, now time.Time) {
	if b.cfg.TickEvery <= 0 {
		return
	}
	last, ok := b.lastGen[symbol]
	if !ok {
		last = now.Add(-b.cfg.TickEvery * time.Duration(b.cfg.MaxTicks/10))
	}
	price := b.quotes[symbol].Last
	if !price.IsPositive() {
		price = b.cfg.StartPrices[symbol]
		if !price.IsPositive() {
			price = decimal.NewFromInt(1000)
		}
	}
	half := b.cfg.Spread.Div(decimal.NewFromInt(2))
	for ts := last.Add(b.cfg.TickEvery); !ts.After(now); ts = ts.Add(b.cfg.TickEvery) {
		step := (b.rng.Float64() - 0.5) * 2 * b.cfg.StepPct
		price = price.Mul(decimal.NewFromFloat(1 + step)).Round(6)
		b.recordTickLocked(types.Tick{
			Ts:     ts,
			Symbol: symbol,
			Bid:    price.Sub(half),
			Ask:    price.Add(half),
			Last:   price,
			Size:   decimal.NewFromInt(int64(1 + b.rng.Intn(100))),
			Venue:  "PAPER",
		})
		last = ts
	}
	b.lastGen[symbol] = last
}

func (b *Broker) TicksSince(ctx context.Context, symbol string, since time.Time, max int) ([]types.Tick, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, notConnected("ticks")
	}
	b.generateLocked(symbol, b.now())

	buf := b.ticks[symbol]
	i := sort.Search(len(buf), func(i int) bool { return !buf[i].Ts.Before(since) })
	end := len(buf)
	if max > 0 && end-i > max {
		end = i + max
	}
	out := make([]types.Tick, end-i)
	copy(out, buf[i:end])
	return out, nil
}

func (b *Broker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return types.Quote{}, notConnected("quote")
	}
	b.generateLocked(symbol, b.now())
	q, ok := b.quotes[symbol]
	if !ok {
		return types.Quote{}, &types.BrokerError{Op: "quote", Code: "NO_QUOTE", Class: types.CodeRetryable, Message: "no quote for " + symbol}
	}
	return q, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.BrokerAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return types.BrokerAck{}, notConnected("place_order")
	}
	if in, ok := b.instruments[req.Symbol]; ok && !in.Tradeable {
		return types.BrokerAck{}, &types.BrokerError{Op: "place_order", Code: "MARKET_CLOSED", Class: types.CodeRetryable, Message: req.Symbol + " not tradeable"}
	}

	id := b.nextIDLocked()
	price := req.LimitPrice
	if req.Type == types.OrderTypeStop {
		price = decimal.Zero
	}
	r := &resting{
		order: types.BrokerOrder{
			BrokerOrderID: id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Qty:           req.Qty,
			FilledQty:     decimal.Zero,
			Price:         price,
			TriggerPrice:  req.StopPrice,
			Status:        types.OrderStatusOpen,
			PlacedAt:      b.now(),
		},
		tag: req.ClientOrderID,
		fee: decimal.Zero,
	}
	b.orders[id] = r
	b.pushLocked(ctx, r, "")

	if req.Type == types.OrderTypeMarket {
		px := b.quotes[req.Symbol].ForSide(req.Side)
		if !px.IsPositive() {
			px = req.RefPrice
		}
		if !px.IsPositive() {
			r.order.Status = types.OrderStatusRejected
			b.pushLocked(ctx, r, "no price available")
			return types.BrokerAck{BrokerOrderID: id, Status: types.OrderStatusRejected, Message: "no price", Ts: b.now()}, nil
		}
		b.fillLocked(ctx, r, px)
	} else {
		b.matchLocked(req.Symbol)
	}
	return types.BrokerAck{BrokerOrderID: id, Status: types.OrderStatusOpen, Message: "paper", Ts: b.now()}, nil
}

// matchLocked fills resting orders the current quote has crossed.
func (b *Broker) matchLocked(symbol string) {
	q, ok := b.quotes[symbol]
	if !ok {
		return
	}
	ctx := context.Background()
	for _, r := range b.sortedOrdersLocked() {
		o := r.order
		if o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		switch o.Type {
		case types.OrderTypeLimit:
			if o.Side == types.SideBuy && q.Ask.IsPositive() && q.Ask.LessThanOrEqual(o.Price) {
				b.fillLocked(ctx, r, o.Price)
			}
			if o.Side == types.SideSell && q.Bid.IsPositive() && q.Bid.GreaterThanOrEqual(o.Price) {
				b.fillLocked(ctx, r, o.Price)
			}
		case types.OrderTypeStop:
			px := q.ForSide(o.Side)
			if o.Side == types.SideBuy && px.GreaterThanOrEqual(o.TriggerPrice) {
				b.fillLocked(ctx, r, px)
			}
			if o.Side == types.SideSell && px.IsPositive() && px.LessThanOrEqual(o.TriggerPrice) {
				b.fillLocked(ctx, r, px)
			}
		}
	}
}

func (b *Broker) sortedOrdersLocked() []*resting {
	out := make([]*resting, 0, len(b.orders))
	for _, r := range b.orders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order.PlacedAt.Before(out[j].order.PlacedAt) })
	return out
}

func (b *Broker) fillLocked(ctx context.Context, r *resting, px decimal.Decimal) {
	o := &r.order
	qty := o.Qty.Sub(o.FilledQty)
	o.FilledQty = o.Qty
	o.Price = px
	o.Status = types.OrderStatusFilled
	r.fee = r.fee.Add(qty.Mul(px).Mul(b.cfg.FeeRate))

	pos := b.positions[o.Symbol]
	pos.Symbol = o.Symbol
	signed := qty.Mul(o.Side.Sign())
	next := pos.Qty.Add(signed)
	switch {
	case next.IsZero():
		delete(b.positions, o.Symbol)
	case pos.Qty.IsZero() || pos.Qty.Sign() == signed.Sign():
		pos.AvgPrice = pos.Qty.Abs().Mul(pos.AvgPrice).Add(qty.Mul(px)).Div(next.Abs())
		pos.Qty = next
		b.positions[o.Symbol] = pos
	case next.Sign() != pos.Qty.Sign():
		pos.Qty, pos.AvgPrice = next, px
		b.positions[o.Symbol] = pos
	default:
		pos.Qty = next
		b.positions[o.Symbol] = pos
	}
	b.pushLocked(ctx, r, "")
}

func (b *Broker) pushLocked(ctx context.Context, r *resting, msg string) {
	u := types.OrderUpdate{
		BrokerOrderID: r.order.BrokerOrderID,
		ClientOrderID: r.tag,
		Symbol:        r.order.Symbol,
		Side:          r.order.Side,
		Status:        r.order.Status,
		Qty:           r.order.Qty,
		FilledQty:     r.order.FilledQty,
		AvgPrice:      decimal.Zero,
		Fee:           r.fee,
		Message:       msg,
		Ts:            b.now(),
	}
	if r.order.FilledQty.IsPositive() {
		u.AvgPrice = r.order.Price
	}
	select {
	case b.updates <- u:
	default:
		// b.mu is held, so no waiting here. The next Ping reports the loss
		// and the reconnect that follows reconciles.
		b.updatesLost = true
		logger.Error(ctx, "Paper order update dropped, consumer lagging; forcing reconciliation", "broker_order_id", u.BrokerOrderID)
	}
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return notConnected("cancel_order")
	}
	r, ok := b.orders[brokerOrderID]
	if !ok {
		return &types.ClassifiedBrokerWarning{Op: "cancel_order", Code: "ORDER_NOT_FOUND", Message: brokerOrderID}
	}
	if r.order.Status.Terminal() {
		return &types.ClassifiedBrokerWarning{Op: "cancel_order", Code: "ORDER_ALREADY_TERMINAL", Message: string(r.order.Status)}
	}
	r.order.Status = types.OrderStatusCancelled
	b.pushLocked(ctx, r, "cancelled by user")
	return nil
}

func (b *Broker) OpenOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, notConnected("open_orders")
	}
	var out []types.BrokerOrder
	for _, r := range b.sortedOrdersLocked() {
		if !r.order.Status.Terminal() {
			out = append(out, r.order)
		}
	}
	return out, nil
}

func (b *Broker) Positions(ctx context.Context) ([]types.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, notConnected("positions")
	}
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (b *Broker) OrderUpdates() <-chan types.OrderUpdate {
	return b.updates
}
