package zerodha

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"broker-bridge/internal/interfaces"
	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"
)

type Params struct {
	Exchange     string   // e.g. NSE, MCX, CDS
	Product      string   // MIS (intraday) by default
	Symbols      []string // instruments to map and stream
	OrdersPerSec float64  // Kite allows 10/s; default 8
	TickBuffer   int      // ticks kept per symbol
	Deviation    int      // max ticks a market order may fill through RefPrice; <= 0 sends MARKET
}

// kiteAPI is the subset of the Kite Connect REST client the adapter uses.
type kiteAPI interface {
	SetAccessToken(accessToken string)
	SetBaseURI(baseURI string)
	GetUserProfile() (kiteconnect.UserProfile, error)
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
	GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error)
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
	GetOrders() (kiteconnect.Orders, error)
	GetPositions() (kiteconnect.Positions, error)
	InvalidateAccessToken() (bool, error)
}

// Adapter implements interfaces.Broker over Kite Connect. Credentials map
// as Login = API key, Password = access token, Server = API root. LIVE
// config requires Server; an empty one leaves the Kite default in place.
type Adapter struct {
	p       Params
	newKite func(apiKey string) kiteAPI
	dial    func(apiKey, accessToken string) tickerConn
	limiter *rate.Limiter
	mapper  *instrumentMapper
	ticks   *tickCache
	updates chan types.OrderUpdate
	now     func() time.Time

	// updateWait bounds how long a push may wait on a full update buffer.
	// Past it the update is dropped and the next Ping forces a reconnect,
	// whose reconciliation restores the lost state from the broker.
	updateWait  time.Duration
	updatesLost atomic.Bool

	mu        sync.RWMutex
	kc        kiteAPI
	connected bool
	tags      map[string]string // kite tag -> client order id

	tickerMu   sync.Mutex
	ticker     tickerConn
	tickerDown atomic.Bool
}

var _ interfaces.Broker = (*Adapter)(nil)

func New(p Params) *Adapter {
	if p.Exchange == "" {
		p.Exchange = kiteconnect.ExchangeNSE
	}
	if p.Product == "" {
		p.Product = kiteconnect.ProductMIS
	}
	if p.OrdersPerSec <= 0 {
		p.OrdersPerSec = 8
	}
	return &Adapter{
		p:       p,
		newKite: func(apiKey string) kiteAPI { return kiteconnect.New(apiKey) },
		dial:    dialTicker,
		limiter: rate.NewLimiter(rate.Limit(p.OrdersPerSec), int(p.OrdersPerSec)),
		mapper:  newInstrumentMapper(),
		ticks:   newTickCache(p.TickBuffer),
		updates: make(chan types.OrderUpdate, 4096),
		now:     time.Now,
		tags:    make(map[string]string),

		updateWait: 2 * time.Second,
	}
}

func (z *Adapter) client(op string) (kiteAPI, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if !z.connected || z.kc == nil {
		return nil, &types.ConnectionError{Kind: types.ConnUnreachable, Op: op, Err: fmt.Errorf("kite session not connected")}
	}
	return z.kc, nil
}

// Connect validates the token against the profile endpoint, loads
// instrument metadata and starts the websocket.
func (z *Adapter) Connect(ctx context.Context, creds types.Credentials) error {
	if creds.Login == "" || creds.Password == "" {
		return &types.ConfigurationError{Field: "credentials", Msg: "kite requires api key (login) and access token (password)"}
	}
	kc := z.newKite(creds.Login)
	kc.SetAccessToken(creds.Password)
	if creds.Server != "" {
		kc.SetBaseURI(creds.Server)
	}

	profile, err := kc.GetUserProfile()
	if err != nil {
		cerr := classify(ctx, "connect", err)
		if _, ok := cerr.(*types.ConnectionError); !ok {
			cerr = &types.ConnectionError{Kind: types.ConnUnreachable, Op: "connect", Err: cerr}
		}
		return cerr
	}

	dump, err := kc.GetInstrumentsByExchange(z.p.Exchange)
	if err != nil {
		return &types.ConnectionError{Kind: types.ConnUnreachable, Op: "instruments", Err: classify(ctx, "instruments", err)}
	}
	if missing := z.mapper.load(dump, z.p.Symbols); len(missing) > 0 {
		return &types.ConfigurationError{Field: "symbols", Msg: fmt.Sprintf("not listed on %s: %s", z.p.Exchange, strings.Join(missing, ","))}
	}

	z.mu.Lock()
	z.kc = kc
	z.connected = true
	z.mu.Unlock()

	logger.Info(ctx, "Kite session established",
		"user_id", profile.UserID,
		"exchange", z.p.Exchange,
		"instruments", len(z.mapper.all()),
	)
	return z.startTicker(ctx, creds.Login, creds.Password)
}

func (z *Adapter) Disconnect(ctx context.Context) error {
	z.stopTicker(ctx)

	z.mu.Lock()
	kc := z.kc
	z.kc = nil
	z.connected = false
	z.mu.Unlock()
	if kc == nil {
		return nil
	}
	if _, err := kc.InvalidateAccessToken(); err != nil {
		return classify(ctx, "disconnect", err)
	}
	return nil
}

// Ping checks the REST session and that the websocket has not given up.
func (z *Adapter) Ping(ctx context.Context) error {
	kc, err := z.client("ping")
	if err != nil {
		return err
	}
	if z.tickerDown.Load() {
		return &types.ConnectionError{Kind: types.ConnUnreachable, Op: "ping", Err: fmt.Errorf("ticker stopped reconnecting")}
	}
	if z.updatesLost.Swap(false) {
		return errUpdatesLost("ping")
	}
	if _, err := kc.GetUserProfile(); err != nil {
		return classify(ctx, "ping", err)
	}
	return nil
}

func (z *Adapter) Instruments(ctx context.Context) ([]types.Instrument, error) {
	if _, err := z.client("instruments"); err != nil {
		return nil, err
	}
	return z.mapper.all(), nil
}

func (z *Adapter) TicksSince(ctx context.Context, symbol string, since time.Time, max int) ([]types.Tick, error) {
	if _, err := z.client("ticks"); err != nil {
		return nil, err
	}
	if _, ok := z.mapper.get(symbol); !ok {
		return nil, &types.BrokerError{Op: "ticks", Code: "UNKNOWN_SYMBOL", Class: types.CodeFatal, Message: symbol}
	}
	return z.ticks.since(symbol, since, max), nil
}

// Quote serves the streamed top of book, falling back to REST LTP.
func (z *Adapter) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	if q, ok := z.ticks.quote(symbol); ok {
		return q, nil
	}
	kc, err := z.client("quote")
	if err != nil {
		return types.Quote{}, err
	}
	key := z.p.Exchange + ":" + symbol
	ltp, err := kc.GetLTP(key)
	if err != nil {
		return types.Quote{}, classify(ctx, "quote", err)
	}
	v, ok := ltp[key]
	if !ok {
		return types.Quote{}, &types.BrokerError{Op: "quote", Code: "NO_QUOTE", Class: types.CodeRetryable, Message: key}
	}
	return types.Quote{Symbol: symbol, Last: decimal.NewFromFloat(v.LastPrice), Ts: z.now()}, nil
}

func (z *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.BrokerAck, error) {
	kc, err := z.client("place_order")
	if err != nil {
		return types.BrokerAck{}, err
	}
	params, err := z.toParams(req)
	if err != nil {
		return types.BrokerAck{}, err
	}
	if err := z.limiter.Wait(ctx); err != nil {
		return types.BrokerAck{}, &types.ConnectionError{Kind: types.ConnTimeout, Op: "place_order", Err: err}
	}

	z.mu.Lock()
	z.tags[params.Tag] = req.ClientOrderID
	z.mu.Unlock()

	resp, err := kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return types.BrokerAck{}, classify(ctx, "place_order", err)
	}
	return types.BrokerAck{BrokerOrderID: resp.OrderID, Status: types.OrderStatusOpen, Message: "accepted", Ts: z.now()}, nil
}

func (z *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	kc, err := z.client("cancel_order")
	if err != nil {
		return err
	}
	if err := z.limiter.Wait(ctx); err != nil {
		return &types.ConnectionError{Kind: types.ConnTimeout, Op: "cancel_order", Err: err}
	}
	if _, err := kc.CancelOrder(kiteconnect.VarietyRegular, brokerOrderID, nil); err != nil {
		return classify(ctx, "cancel_order", err)
	}
	return nil
}

func (z *Adapter) OpenOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	kc, err := z.client("open_orders")
	if err != nil {
		return nil, err
	}
	orders, err := kc.GetOrders()
	if err != nil {
		return nil, classify(ctx, "open_orders", err)
	}
	var out []types.BrokerOrder
	for _, o := range orders {
		bo := z.toBrokerOrder(o)
		if !bo.Status.Terminal() {
			out = append(out, bo)
		}
	}
	return out, nil
}

// Positions returns non-flat net positions for the configured product.
func (z *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	kc, err := z.client("positions")
	if err != nil {
		return nil, err
	}
	pos, err := kc.GetPositions()
	if err != nil {
		return nil, classify(ctx, "positions", err)
	}
	var out []types.Position
	for _, p := range pos.Net {
		if p.Product != z.p.Product || p.Exchange != z.p.Exchange {
			continue
		}
		qty := decimal.NewFromFloat(float64(p.Quantity))
		if qty.IsZero() {
			continue
		}
		out = append(out, types.Position{Symbol: p.Tradingsymbol, Qty: qty, AvgPrice: decimal.NewFromFloat(p.AveragePrice)})
	}
	return out, nil
}

func (z *Adapter) OrderUpdates() <-chan types.OrderUpdate {
	return z.updates
}
