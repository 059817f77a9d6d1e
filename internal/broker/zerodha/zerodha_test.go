package zerodha

import (
	"context"
	"errors"
	"testing"
	"time"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

type fakeKite struct {
	token       string
	baseURI     string
	profileErr  error
	instruments kiteconnect.Instruments
	placed      []kiteconnect.OrderParams
	placeErr    error
	cancelErr   error
	orders      kiteconnect.Orders
	positions   kiteconnect.Positions
	ltp         kiteconnect.QuoteLTP
	invalidated bool
}

func (f *fakeKite) SetAccessToken(t string) { f.token = t }
func (f *fakeKite) SetBaseURI(u string) { f.baseURI = u }
func (f *fakeKite) GetUserProfile() (kiteconnect.UserProfile, error) {
	return kiteconnect.UserProfile{UserID: "AB1234"}, f.profileErr
}
func (f *fakeKite) GetInstrumentsByExchange(string) (kiteconnect.Instruments, error) {
	return f.instruments, nil
}
func (f *fakeKite) GetLTP(...string) (kiteconnect.QuoteLTP, error) { return f.ltp, nil }
func (f *fakeKite) PlaceOrder(variety string, p kiteconnect.OrderParams) (kiteconnect.OrderResponse, error) {
	if f.placeErr != nil {
		return kiteconnect.OrderResponse{}, f.placeErr
	}
	f.placed = append(f.placed, p)
	return kiteconnect.OrderResponse{OrderID: "240304000000001"}, nil
}
func (f *fakeKite) CancelOrder(string, string, *string) (kiteconnect.OrderResponse, error) {
	return kiteconnect.OrderResponse{}, f.cancelErr
}
func (f *fakeKite) GetOrders() (kiteconnect.Orders, error) { return f.orders, nil }
func (f *fakeKite) GetPositions() (kiteconnect.Positions, error) { return f.positions, nil }
func (f *fakeKite) InvalidateAccessToken() (bool, error) {
	f.invalidated = true
	return true, nil
}

type fakeTicker struct {
	connect  func()
	served   chan struct{}
	stopped  bool
	tokens   []uint32
	modeSet  kiteticker.Mode
	onTick   func(models.Tick)
	onUpdate func(kiteconnect.Order)
}

func (t *fakeTicker) OnConnect(f func()) { t.connect = f }
func (t *fakeTicker) OnError(func(error)) {}
func (t *fakeTicker) OnClose(func(int, string)) {}
func (t *fakeTicker) OnReconnect(func(int, time.Duration)) {}
func (t *fakeTicker) OnNoReconnect(func(int)) {}
func (t *fakeTicker) OnTick(f func(models.Tick)) { t.onTick = f }
func (t *fakeTicker) OnOrderUpdate(f func(kiteconnect.Order)) { t.onUpdate = f }
func (t *fakeTicker) Serve() { close(t.served) }
func (t *fakeTicker) Stop() { t.stopped = true }
func (t *fakeTicker) Subscribe(tokens []uint32) error { t.tokens = tokens; return nil }
func (t *fakeTicker) SetMode(m kiteticker.Mode, _ []uint32) error { t.modeSet = m; return nil }

func newAdapter(t *testing.T) (*Adapter, *fakeKite, *fakeTicker) {
	t.Helper()
	kite := &fakeKite{
		instruments: kiteconnect.Instruments{
			{InstrumentToken: 738561, Tradingsymbol: "RELIANCE", Exchange: "NSE", TickSize: 0.05, LotSize: 1},
			{InstrumentToken: 2953217, Tradingsymbol: "TCS", Exchange: "NSE", TickSize: 0.05, LotSize: 1},
		},
	}
	tk := &fakeTicker{served: make(chan struct{})}
	z := New(Params{Exchange: "NSE", Symbols: []string{"RELIANCE"}})
	z.newKite = func(string) kiteAPI { return kite }
	z.dial = func(string, string) tickerConn { return tk }
	return z, kite, tk
}

func connect(t *testing.T, z *Adapter) {
	t.Helper()
	require.NoError(t, z.Connect(context.Background(), types.Credentials{Login: "key", Password: "token", Server: "https://api.example"}))
}

func TestConnectLoadsInstrumentsAndSubscribes(t *testing.T) {
	z, kite, tk := newAdapter(t)
	connect(t, z)

	assert.Equal(t, "token", kite.token)
	assert.Equal(t, "https://api.example", kite.baseURI)

	ins, err := z.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, ins, 1, "only configured symbols are mapped")
	assert.Equal(t, uint32(738561), ins[0].Token)
	assert.True(t, decimal.NewFromInt(1).Equal(ins[0].MinQty))

	select {
	case <-tk.served:
	case <-time.After(time.Second):
		t.Fatal("ticker not started")
	}
	tk.connect()
	assert.Equal(t, []uint32{738561}, tk.tokens)
	assert.Equal(t, kiteticker.ModeFull, tk.modeSet)
}

func TestConnectErrors(t *testing.T) {
	z, kite, _ := newAdapter(t)

	err := z.Connect(context.Background(), types.Credentials{Login: "key"})
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	kite.profileErr = kiteconnect.Error{ErrorType: excToken, Message: "Incorrect api_key or access_token."}
	err = z.Connect(context.Background(), types.Credentials{Login: "key", Password: "bad"})
	var connErr *types.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, types.ConnAuth, connErr.Kind)

	kite.profileErr = nil
	z.p.Symbols = []string{"NOPE"}
	err = z.Connect(context.Background(), types.Credentials{Login: "key", Password: "token"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Msg, "NOPE")
}

func TestPlaceOrderMapsParams(t *testing.T) {
	z, kite, _ := newAdapter(t)
	connect(t, z)
	ctx := context.Background()

	ack, err := z.PlaceOrder(ctx, types.OrderRequest{
		ClientOrderID: "0b7c4a52-2f8e-4d3c-9c1a-5e6f7a8b9c0d",
		Symbol:        "RELIANCE", Side: types.SideSell, Qty: decimal.NewFromInt(5),
		Type: types.OrderTypeStop, StopPrice: decimal.NewFromFloat(2890.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "240304000000001", ack.BrokerOrderID)

	require.Len(t, kite.placed, 1)
	p := kite.placed[0]
	assert.Equal(t, kiteconnect.OrderTypeSLM, p.OrderType)
	assert.Equal(t, kiteconnect.TransactionTypeSell, p.TransactionType)
	assert.Equal(t, kiteconnect.ProductMIS, p.Product)
	assert.InDelta(t, 2890.5, p.TriggerPrice, 1e-9)
	assert.Len(t, p.Tag, maxTagLen)
	assert.Equal(t, "0b7c4a522f8e4d3c9c1a", p.Tag)

	_, err = z.PlaceOrder(ctx, types.OrderRequest{Symbol: "RELIANCE", Side: types.SideBuy, Qty: decimal.NewFromFloat(0.5), Type: types.OrderTypeMarket})
	var be *types.BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, types.CodeFatal, be.Class)
}

func TestMarketOrdersCappedByDeviation(t *testing.T) {
	z, kite, _ := newAdapter(t)
	z.p.Deviation = 20
	connect(t, z)
	ctx := context.Background()

	place := func(side types.Side, ref decimal.Decimal) kiteconnect.OrderParams {
		t.Helper()
		_, err := z.PlaceOrder(ctx, types.OrderRequest{
			ClientOrderID: "c-" + string(side) + ref.String(), Symbol: "RELIANCE", Side: side,
			Qty: decimal.NewFromInt(1), Type: types.OrderTypeMarket, RefPrice: ref,
		})
		require.NoError(t, err)
		return kite.placed[len(kite.placed)-1]
	}

	buy := place(types.SideBuy, decimal.NewFromFloat(2900.02))
	assert.Equal(t, kiteconnect.OrderTypeLimit, buy.OrderType)
	assert.InDelta(t, 2901.05, buy.Price, 1e-9, "20 ticks above ref, rounded up to the grid")

	sell := place(types.SideSell, decimal.NewFromInt(2900))
	assert.Equal(t, kiteconnect.OrderTypeLimit, sell.OrderType)
	assert.InDelta(t, 2899.0, sell.Price, 1e-9)

	noRef := place(types.SideBuy, decimal.Zero)
	assert.Equal(t, kiteconnect.OrderTypeMarket, noRef.OrderType)
	assert.Zero(t, noRef.Price)

	z.p.Deviation = -1
	off := place(types.SideSell, decimal.NewFromInt(2900))
	assert.Equal(t, kiteconnect.OrderTypeMarket, off.OrderType)
}

func TestOrderUpdatesCarryClientID(t *testing.T) {
	z, _, tk := newAdapter(t)
	connect(t, z)
	<-tk.served

	_, err := z.PlaceOrder(context.Background(), types.OrderRequest{
		ClientOrderID: "client-1", Symbol: "RELIANCE", Side: types.SideBuy,
		Qty: decimal.NewFromInt(10), Type: types.OrderTypeLimit, LimitPrice: decimal.NewFromInt(2900),
	})
	require.NoError(t, err)

	tk.onUpdate(kiteconnect.Order{
		OrderID: "240304000000001", Tag: "client1", TradingSymbol: "RELIANCE",
		TransactionType: "BUY", Status: "OPEN", Quantity: 10, FilledQuantity: 4, AveragePrice: 2899.5,
	})
	u := <-z.OrderUpdates()
	assert.Equal(t, "client-1", u.ClientOrderID)
	assert.Equal(t, types.OrderStatusPartFill, u.Status)
	assert.True(t, decimal.NewFromInt(4).Equal(u.FilledQty))
	assert.True(t, decimal.NewFromFloat(2899.5).Equal(u.AvgPrice))
}

func TestLostOrderUpdateForcesReconnect(t *testing.T) {
	z, _, tk := newAdapter(t)
	connect(t, z)
	<-tk.served
	z.updates = make(chan types.OrderUpdate, 1)
	z.updateWait = 10 * time.Millisecond

	order := kiteconnect.Order{OrderID: "240304000000001", TradingSymbol: "RELIANCE", TransactionType: "BUY", Status: "OPEN", Quantity: 10}
	tk.onUpdate(order)
	require.NoError(t, z.Ping(context.Background()), "buffered, nothing lost")

	order.Status = "COMPLETE"
	tk.onUpdate(order)
	err := z.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsFatal(err), "fatal ping makes the session reconnect and reconcile")
	var be *types.BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "UPDATES_LOST", be.Code)

	assert.NoError(t, z.Ping(context.Background()), "reported once")
	u := <-z.OrderUpdates()
	assert.Equal(t, types.OrderStatusOpen, u.Status)
}

func TestTicksStreamIntoCache(t *testing.T) {
	z, _, tk := newAdapter(t)
	connect(t, z)
	<-tk.served
	ts := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)

	tick := models.Tick{InstrumentToken: 738561, LastPrice: 2900, LastTradedQuantity: 3}
	tick.Timestamp = models.Time{Time: ts}
	tick.Depth.Buy[0].Price = 2899.95
	tick.Depth.Sell[0].Price = 2900.05
	tk.onTick(tick)
	tick.Timestamp = models.Time{Time: ts.Add(-time.Second)}
	tk.onTick(tick) // replayed, older
	tk.onTick(models.Tick{InstrumentToken: 1, LastPrice: 1})

	got, err := z.TicksSince(context.Background(), "RELIANCE", ts.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, decimal.NewFromFloat(2899.95).Equal(got[0].Bid))
	assert.Equal(t, "KITE", got[0].Venue)

	q, err := z.Quote(context.Background(), "RELIANCE")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(2900.05).Equal(q.Ask))

	_, err = z.TicksSince(context.Background(), "TCS", ts, 10)
	assert.Error(t, err)
}

func TestPositionsAndOpenOrders(t *testing.T) {
	z, kite, _ := newAdapter(t)
	connect(t, z)
	kite.positions = kiteconnect.Positions{Net: []kiteconnect.Position{
		{Tradingsymbol: "RELIANCE", Exchange: "NSE", Product: "MIS", Quantity: -3, AveragePrice: 2901},
		{Tradingsymbol: "TCS", Exchange: "NSE", Product: "CNC", Quantity: 10, AveragePrice: 3900},
		{Tradingsymbol: "INFY", Exchange: "NSE", Product: "MIS", Quantity: 0},
	}}
	kite.orders = kiteconnect.Orders{
		{OrderID: "1", TradingSymbol: "RELIANCE", Status: "TRIGGER PENDING", OrderType: "SL-M", TransactionType: "BUY", Quantity: 3},
		{OrderID: "2", TradingSymbol: "RELIANCE", Status: "COMPLETE", OrderType: "MARKET", TransactionType: "SELL", Quantity: 3, FilledQuantity: 3},
	}

	pos, err := z.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, decimal.NewFromInt(-3).Equal(pos[0].Qty))

	open, err := z.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.OrderTypeStop, open[0].Type)
	assert.Equal(t, types.OrderStatusOpen, open[0].Status)
}

func TestCallsFailWhenDisconnected(t *testing.T) {
	z, kite, tk := newAdapter(t)
	_, err := z.Positions(context.Background())
	assert.True(t, types.IsFatal(err))

	connect(t, z)
	require.NoError(t, z.Disconnect(context.Background()))
	assert.True(t, kite.invalidated)
	assert.True(t, tk.stopped)
	assert.Error(t, z.Ping(context.Background()))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		op    string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "token is auth",
			op:   "positions",
			err:  kiteconnect.Error{ErrorType: excToken, Message: "expired"},
			check: func(t *testing.T, err error) {
				var ce *types.ConnectionError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, types.ConnAuth, ce.Kind)
			},
		},
		{
			name: "network is retryable",
			op:   "place_order",
			err:  kiteconnect.Error{ErrorType: excNetwork, Message: "gateway timed out"},
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsRetriable(err))
				assert.False(t, types.IsFatal(err))
			},
		},
		{
			name: "margin is fatal for the order",
			op:   "place_order",
			err:  kiteconnect.Error{ErrorType: excMargin, Message: "Insufficient funds"},
			check: func(t *testing.T, err error) {
				var be *types.BrokerError
				require.ErrorAs(t, err, &be)
				assert.Equal(t, types.CodeFatal, be.Class)
			},
		},
		{
			name: "cancel of completed order is benign",
			op:   "cancel_order",
			err:  kiteconnect.Error{ErrorType: excInput, Message: "Order cannot be cancelled as it is being processed. Try later."},
			check: func(t *testing.T, err error) {
				var w *types.ClassifiedBrokerWarning
				require.ErrorAs(t, err, &w)
				assert.Equal(t, "ORDER_NOT_CANCELLABLE", w.Code)
			},
		},
		{
			name: "unknown exception type stays unclassified",
			op:   "place_order",
			err:  kiteconnect.Error{ErrorType: "BrandNewException", Message: "?"},
			check: func(t *testing.T, err error) {
				var ue *types.UnclassifiedBrokerError
				require.ErrorAs(t, err, &ue)
				assert.Equal(t, "BrandNewException", ue.Code)
				assert.False(t, types.IsFatal(err))
			},
		},
		{
			name: "plain error stays unclassified",
			op:   "open_orders",
			err:  errors.New("boom"),
			check: func(t *testing.T, err error) {
				var ue *types.UnclassifiedBrokerError
				require.ErrorAs(t, err, &ue)
			},
		},
		{
			name: "deadline is timeout",
			op:   "positions",
			err:  context.DeadlineExceeded,
			check: func(t *testing.T, err error) {
				var ce *types.ConnectionError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, types.ConnTimeout, ce.Kind)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, classify(ctx, tt.op, tt.err))
		})
	}
	assert.NoError(t, classify(ctx, "x", nil))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, types.OrderStatusFilled, mapStatus("COMPLETE", 10))
	assert.Equal(t, types.OrderStatusCancelled, mapStatus("CANCELLED", 2))
	assert.Equal(t, types.OrderStatusRejected, mapStatus("REJECTED", 0))
	assert.Equal(t, types.OrderStatusPending, mapStatus("VALIDATION PENDING", 0))
	assert.Equal(t, types.OrderStatusPartFill, mapStatus("OPEN", 1))
	assert.Equal(t, types.OrderStatusOpen, mapStatus("TRIGGER PENDING", 0))
}
