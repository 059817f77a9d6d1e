package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP" // triggers a market order once the stop price is crossed
)

type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
	TIFGTC TimeInForce = "GTC"
)

// Tick is a single quote/trade observation from the broker feed.
type Tick struct {
	Ts     time.Time
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Size   decimal.Decimal
	Venue  string
}

// Price is the last traded price, or the bid/ask midpoint when the feed
// carries quotes only.
func (t Tick) Price() decimal.Decimal {
	if t.Last.IsPositive() {
		return t.Last
	}
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	if t.Bid.IsPositive() {
		return t.Bid
	}
	return t.Ask
}

// Bar is a sealed OHLCV aggregate. Ts is the interval close.
type Bar struct {
	Ts     time.Time
	Start  time.Time
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	NTicks int
}

// Quote is the best known bid/ask/last for an instrument.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Ts     time.Time
}

// ForSide returns the price a market order on side would expect to pay:
// ask for buys, bid for sells, last price when the side is missing.
func (q Quote) ForSide(side Side) decimal.Decimal {
	switch {
	case side == SideBuy && q.Ask.IsPositive():
		return q.Ask
	case side == SideSell && q.Bid.IsPositive():
		return q.Bid
	}
	return q.Last
}

// OrderIntent is what a strategy wants. Never mutated after creation.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal // zero when absent
	StopPrice     decimal.Decimal // zero when absent
	RefPrice      decimal.Decimal // zero when absent
	TIF           TimeInForce
	Tag           string
	CreatedAt     time.Time
}

// OrderRequest is a risk-approved instruction derived from an OrderIntent.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	RefPrice      decimal.Decimal
	TIF           TimeInForce
	Tag           string
	IntentQty     decimal.Decimal
}

// Adjusted reports whether risk normalization changed the quantity.
func (r OrderRequest) Adjusted() bool {
	return !r.Qty.Equal(r.IntentQty)
}

// BrokerAck is the broker's acknowledgement of a submission.
type BrokerAck struct {
	BrokerOrderID string
	Status        OrderStatus
	Message       string
	Ts            time.Time
}

// BrokerOrderHandle maps a client order id to the broker-assigned id.
type BrokerOrderHandle struct {
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	SubmittedAt   time.Time
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartFill  OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderUpdate is a broker push about one order. FilledQty and AvgPrice are
// cumulative, the way most venues report them.
type OrderUpdate struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Fee           decimal.Decimal
	Message       string
	Ts            time.Time
}

type OrderEventKind string

const (
	EventAck    OrderEventKind = "ACK"
	EventFill   OrderEventKind = "FILL"
	EventCancel OrderEventKind = "CANCEL"
	EventReject OrderEventKind = "REJECT"
)

// OrderEvent is the internal, venue-agnostic event the translator emits.
type OrderEvent struct {
	Kind          OrderEventKind
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Status        OrderStatus
	Fill          *Fill
	Reason        string
	Ts            time.Time
}

// Fill is append-only; consumers must be idempotent on FillID.
type Fill struct {
	FillID        string
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	Ts            time.Time
}

// SignedQty is positive for buys and negative for sells.
func (f Fill) SignedQty() decimal.Decimal {
	return f.Qty.Mul(f.Side.Sign())
}

// Position is a signed holding. Qty > 0 is long.
type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
}

func (p Position) Flat() bool {
	return p.Qty.IsZero()
}

// BrokerOrder is a broker-reported working order.
type BrokerOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	Status        OrderStatus
	PlacedAt      time.Time
}

// Instrument carries the tradeable unit rules for a symbol.
type Instrument struct {
	Symbol    string
	Token     uint32
	Exchange  string
	MinQty    decimal.Decimal
	QtyStep   decimal.Decimal
	MaxQty    decimal.Decimal // zero means unbounded
	TickSize  decimal.Decimal
	Tradeable bool
}

// Credentials identify a broker account. Login set means Password and
// Server are required.
type Credentials struct {
	Login    string
	Password string
	Server   string
	Path     string
}

type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionDegraded
	SessionShuttingDown
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "DISCONNECTED"
	case SessionConnecting:
		return "CONNECTING"
	case SessionConnected:
		return "CONNECTED"
	case SessionDegraded:
		return "DEGRADED"
	case SessionShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether the session can serve feed and order traffic.
func (s SessionState) Live() bool {
	return s == SessionConnected || s == SessionDegraded
}

// SessionTransition is published on every state change.
type SessionTransition struct {
	From   SessionState
	To     SessionState
	Reason string
	Ts     time.Time
}

// FlattenReport is the outcome of the shutdown flatten sequence.
type FlattenReport struct {
	ClosingOrders   []BrokerOrderHandle
	CancelledOrders int
	Residual        int
	TimedOut        bool
	Elapsed         time.Duration
}
