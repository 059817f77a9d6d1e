package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"broker-bridge/internal/broker/paper"
	"broker-bridge/internal/execution"
	"broker-bridge/internal/portfolio"
	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fixture struct {
	broker *paper.Broker
	orders *execution.Translator
	book   *portfolio.Book
	rec    *recorder
	r      *Reconciler
}

type recorder struct {
	saved []types.Position
	err   error
}

func (r *recorder) SavePositions(ctx context.Context, positions []types.Position) error {
	r.saved = positions
	return r.err
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	b := paper.New(paper.Config{})
	require.NoError(t, b.Connect(context.Background(), types.Credentials{}))
	f := &fixture{
		broker: b,
		orders: execution.NewTranslator(b, nil),
		book:   portfolio.NewBook(d(10_000)),
		rec:    &recorder{},
	}
	f.r = New(b, f.orders, f.book, f.rec, opts)
	return f
}

func TestReconcileAdoptsBrokerPositionsWithoutOrders(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.SetPosition(types.Position{Symbol: "EURUSD", Qty: d(2), AvgPrice: d(1.08)})
	f.broker.SetPosition(types.Position{Symbol: "GBPUSD", Qty: d(-1), AvgPrice: d(1.27)})

	rep, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Mismatches, 2)
	assert.Equal(t, "missing_locally", rep.Mismatches[0].Kind)
	assert.Len(t, rep.Adopted, 2)
	assert.Len(t, f.rec.saved, 2)

	snap := f.book.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "EURUSD", snap[0].Symbol)
	assert.True(t, d(2).Equal(snap[0].Qty))
	assert.True(t, d(-1).Equal(snap[1].Qty))

	open, err := f.broker.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "reconciliation never places orders")
	pos, _ := f.broker.Positions(context.Background())
	assert.Len(t, pos, 2, "broker positions untouched")
}

func TestReconcileCancelsUntrackedAndForgetsVanished(t *testing.T) {
	f := newFixture(t, Options{})
	stale := f.broker.SeedOrder(types.BrokerOrder{Symbol: "EURUSD", Side: types.SideBuy, Type: types.OrderTypeLimit, Qty: d(1), Price: d(1)})
	require.NoError(t, f.orders.Adopt(types.BrokerOrder{
		BrokerOrderID: "SIM-gone", ClientOrderID: "c-gone", Symbol: "EURUSD",
		Side: types.SideSell, Type: types.OrderTypeLimit, Qty: d(1), Status: types.OrderStatusOpen,
	}))

	rep, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{stale}, rep.Cancelled)
	assert.Equal(t, []string{"c-gone"}, rep.Forgotten)
	assert.Empty(t, f.orders.Open())
	open, _ := f.broker.OpenOrders(context.Background())
	assert.Empty(t, open)
}

func TestReconcileKeepsTrackedOrders(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.PushTick(types.Tick{Ts: time.Now(), Symbol: "EURUSD", Bid: d(1.08), Ask: d(1.0802)})
	h, err := f.orders.Submit(context.Background(), types.OrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: d(1), Type: types.OrderTypeLimit, LimitPrice: d(1.0),
	})
	require.NoError(t, err)

	rep, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Cancelled)
	assert.Empty(t, rep.Forgotten)
	assert.True(t, f.orders.Tracked(h.BrokerOrderID))
}

// lostAck places through the paper broker, or not at all, and then reports
// the caller's context as cancelled.
type lostAck struct {
	*paper.Broker
	place  bool
	cancel context.CancelFunc
}

func (l *lostAck) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.BrokerAck, error) {
	if l.place {
		if _, err := l.Broker.PlaceOrder(context.Background(), req); err != nil {
			return types.BrokerAck{}, err
		}
	}
	l.cancel()
	return types.BrokerAck{}, ctx.Err()
}

func submitLosingAck(t *testing.T, f *fixture, place bool) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.orders = execution.NewTranslator(&lostAck{Broker: f.broker, place: place, cancel: cancel}, nil)
	f.r = New(f.broker, f.orders, f.book, f.rec, Options{})
	_, err := f.orders.Submit(ctx, types.OrderRequest{
		ClientOrderID: "c-lost", Symbol: "EURUSD", Side: types.SideBuy, Qty: d(1), Type: types.OrderTypeLimit, LimitPrice: d(1.0),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, f.orders.Open(), 1)
	return "c-lost"
}

func TestReconcileBindsOrderWhoseAckWasLost(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.PushTick(types.Tick{Ts: time.Now(), Symbol: "EURUSD", Bid: d(1.08), Ask: d(1.0802)})
	id := submitLosingAck(t, f, true)

	rep, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Cancelled, "our own order is not stale")
	assert.Empty(t, rep.Forgotten)

	st, ok := f.orders.Order(id)
	require.True(t, ok)
	assert.NotEmpty(t, st.Handle.BrokerOrderID)
	assert.True(t, f.orders.Tracked(st.Handle.BrokerOrderID))
}

func TestReconcileExpiresUnacknowledgedOrders(t *testing.T) {
	f := newFixture(t, Options{})
	id := submitLosingAck(t, f, false)

	// still within the grace period: may yet be acknowledged
	rep, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Forgotten)
	require.Len(t, f.orders.Open(), 1)

	f.r.now = func() time.Time { return time.Now().Add(time.Minute) }
	rep, err = f.r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rep.Forgotten)
	assert.Empty(t, f.orders.Open())
}

func TestReconcileReportsLocalOnlyPosition(t *testing.T) {
	f := newFixture(t, Options{})
	f.book.Adopt(context.Background(), []types.Position{{Symbol: "USDJPY", Qty: d(3), AvgPrice: d(150)}})

	rep, err := f.r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "missing_at_broker", rep.Mismatches[0].Kind)
	assert.Empty(t, f.book.Snapshot())
}

func TestReconcileFetchFailure(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.broker.Disconnect(context.Background()))

	_, err := f.r.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
}

func TestFlattenClosesSmallLong(t *testing.T) {
	f := newFixture(t, Options{FlattenTimeout: time.Second, PollMin: 5 * time.Millisecond, PollMax: 20 * time.Millisecond})
	f.broker.SetPosition(types.Position{Symbol: "EURUSD", Qty: d(0.01), AvgPrice: d(1.08)})
	f.broker.PushTick(types.Tick{Ts: time.Now(), Symbol: "EURUSD", Bid: d(1.0849), Ask: d(1.0851)})

	rep, err := f.r.Flatten(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.ClosingOrders, 1)
	closing := rep.ClosingOrders[0]
	assert.Equal(t, types.SideSell, closing.Side)
	assert.Equal(t, types.OrderTypeMarket, closing.Type)
	assert.True(t, d(0.01).Equal(closing.Qty))
	assert.Equal(t, 0, rep.Residual)
	assert.False(t, rep.TimedOut)

	pos, _ := f.broker.Positions(context.Background())
	assert.Empty(t, pos)
}

func TestFlattenCancelsWorkingOrdersAndCoversShorts(t *testing.T) {
	f := newFixture(t, Options{FlattenTimeout: time.Second, PollMin: 5 * time.Millisecond, PollMax: 20 * time.Millisecond})
	f.broker.SetPosition(types.Position{Symbol: "GBPUSD", Qty: d(-2), AvgPrice: d(1.27)})
	f.broker.PushTick(types.Tick{Ts: time.Now(), Symbol: "GBPUSD", Bid: d(1.27), Ask: d(1.2702)})
	f.broker.SeedOrder(types.BrokerOrder{Symbol: "GBPUSD", Side: types.SideBuy, Type: types.OrderTypeStop, Qty: d(2), TriggerPrice: d(1.3)})

	rep, err := f.r.Flatten(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CancelledOrders)
	require.Len(t, rep.ClosingOrders, 1)
	assert.Equal(t, types.SideBuy, rep.ClosingOrders[0].Side)
	assert.True(t, d(2).Equal(rep.ClosingOrders[0].Qty))
}

func TestFlattenTimesOutWithResidual(t *testing.T) {
	f := newFixture(t, Options{FlattenTimeout: 100 * time.Millisecond, PollMin: 5 * time.Millisecond, PollMax: 20 * time.Millisecond})
	// no quote and no average price: the paper venue rejects the close
	f.broker.SetPosition(types.Position{Symbol: "USDJPY", Qty: d(1)})

	rep, err := f.r.Flatten(context.Background())
	require.Error(t, err)

	var st *types.ShutdownTimeout
	require.True(t, errors.As(err, &st))
	assert.Equal(t, 1, st.Residual)
	assert.True(t, rep.TimedOut)
	assert.Equal(t, 1, rep.Residual)
}

func TestDiffPositions(t *testing.T) {
	local := []types.Position{
		{Symbol: "A", Qty: d(1)},
		{Symbol: "B", Qty: d(2)},
	}
	broker := []types.Position{
		{Symbol: "B", Qty: d(3)},
		{Symbol: "C", Qty: d(-1)},
		{Symbol: "D", Qty: decimal.Zero},
	}
	got := diffPositions(local, broker)
	require.Len(t, got, 3)
	assert.Equal(t, "missing_at_broker", got[0].Kind)
	assert.Equal(t, "quantity", got[1].Kind)
	assert.Equal(t, "missing_locally", got[2].Kind)

	assert.Empty(t, diffPositions(broker[:2], broker[:2]))
}
