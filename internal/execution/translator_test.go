package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExecution struct {
	mock.Mock
	updates chan types.OrderUpdate
}

func newMockExecution() *MockExecution {
	return &MockExecution{updates: make(chan types.OrderUpdate, 16)}
}

func (m *MockExecution) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.BrokerAck, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.BrokerAck), args.Error(1)
}

func (m *MockExecution) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return m.Called(ctx, brokerOrderID).Error(0)
}

func (m *MockExecution) OpenOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	args := m.Called(ctx)
	return args.Get(0).([]types.BrokerOrder), args.Error(1)
}

func (m *MockExecution) Positions(ctx context.Context) ([]types.Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]types.Position), args.Error(1)
}

func (m *MockExecution) OrderUpdates() <-chan types.OrderUpdate { return m.updates }

type healthRecorder struct {
	mu        sync.Mutex
	degraded  []string
	recovered int
}

func (h *healthRecorder) MarkDegraded(ctx context.Context, source, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = append(h.degraded, source)
}

func (h *healthRecorder) MarkRecovered(ctx context.Context, source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered++
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func marketReq(id string, side types.Side, qty float64) types.OrderRequest {
	return types.OrderRequest{
		ClientOrderID: id, Symbol: "EURUSD", Side: side,
		Qty: d(qty), IntentQty: d(qty), Type: types.OrderTypeMarket, TIF: types.TIFDay,
	}
}

func drain(tr *Translator) []types.OrderEvent {
	var out []types.OrderEvent
	for {
		select {
		case ev := <-tr.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []types.OrderEvent) []types.OrderEventKind {
	out := make([]types.OrderEventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func submitAcked(t *testing.T, tr *Translator, exec *MockExecution, req types.OrderRequest, brokerID string) types.BrokerOrderHandle {
	t.Helper()
	exec.On("PlaceOrder", mock.Anything, req).Return(types.BrokerAck{BrokerOrderID: brokerID, Status: types.OrderStatusOpen}, nil).Once()
	h, err := tr.Submit(context.Background(), req)
	require.NoError(t, err)
	return h
}

func TestSubmitReturnsHandleOnAck(t *testing.T) {
	exec := newMockExecution()
	health := &healthRecorder{}
	tr := NewTranslator(exec, health)

	h := submitAcked(t, tr, exec, marketReq("c1", types.SideBuy, 0.01), "B1")

	assert.Equal(t, "c1", h.ClientOrderID)
	assert.Equal(t, "B1", h.BrokerOrderID)
	assert.Equal(t, []types.OrderEventKind{types.EventAck}, kinds(drain(tr)))
	assert.True(t, tr.Tracked("B1"))
	assert.Equal(t, 1, health.recovered)

	st, ok := tr.Order("c1")
	require.True(t, ok)
	assert.Equal(t, types.OrderStatusOpen, st.Status)
}

func TestSubmitAssignsClientIDAndRejectsDuplicates(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	exec.On("PlaceOrder", mock.Anything, mock.Anything).Return(types.BrokerAck{BrokerOrderID: "B1"}, nil).Once()

	req := marketReq("", types.SideBuy, 1)
	h, err := tr.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ClientOrderID)

	req.ClientOrderID = h.ClientOrderID
	_, err = tr.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestSubmitValidatesOrderShape(t *testing.T) {
	tr := NewTranslator(newMockExecution(), nil)

	limit := marketReq("l", types.SideBuy, 1)
	limit.Type = types.OrderTypeLimit
	stop := marketReq("s", types.SideSell, 1)
	stop.Type = types.OrderTypeStop
	zero := marketReq("z", types.SideBuy, 0)

	for _, req := range []types.OrderRequest{limit, stop, zero} {
		_, err := tr.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, req.ClientOrderID)
	}
}

func TestSubmitErrorIsRejectedAndClassified(t *testing.T) {
	exec := newMockExecution()
	health := &healthRecorder{}
	tr := NewTranslator(exec, health)
	req := marketReq("c1", types.SideBuy, 1)
	unknown := &types.UnclassifiedBrokerError{Op: "place_order", Code: "E999", Message: "weird"}
	exec.On("PlaceOrder", mock.Anything, req).Return(types.BrokerAck{}, unknown)

	_, err := tr.Submit(context.Background(), req)

	var ue *types.UnclassifiedBrokerError
	require.ErrorAs(t, err, &ue)
	evs := drain(tr)
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventReject, evs[0].Kind)
	assert.Equal(t, []string{healthSource}, health.degraded)
}

func TestPartialFillsDerivePerSliceQuantityAndPrice(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	submitAcked(t, tr, exec, marketReq("c1", types.SideBuy, 3), "B1")
	drain(tr)
	ctx := context.Background()

	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusPartFill, FilledQty: d(1), AvgPrice: d(100)})
	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusPartFill, FilledQty: d(1), AvgPrice: d(100)}) // replay
	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusFilled, FilledQty: d(3), AvgPrice: d(102)})

	evs := drain(tr)
	require.Len(t, evs, 2)
	f1, f2 := evs[0].Fill, evs[1].Fill
	assert.True(t, d(1).Equal(f1.Qty))
	assert.True(t, d(100).Equal(f1.Price))
	assert.True(t, d(2).Equal(f2.Qty))
	assert.True(t, d(103).Equal(f2.Price), "got %s", f2.Price)
	assert.NotEqual(t, f1.FillID, f2.FillID)
	assert.Equal(t, "c1", f2.ClientOrderID)
	assert.Equal(t, types.SideBuy, f2.Side)

	st, _ := tr.Order("c1")
	assert.Equal(t, types.OrderStatusFilled, st.Status)
	assert.Empty(t, tr.Open())
}

func TestCancelIsIdempotentOnTerminalOrders(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	h := submitAcked(t, tr, exec, marketReq("c1", types.SideBuy, 1), "B1")
	ctx := context.Background()
	exec.On("CancelOrder", mock.Anything, "B1").Return(nil).Once()

	require.NoError(t, tr.Cancel(ctx, h))
	require.NoError(t, tr.Cancel(ctx, h), "in-flight cancel is a no-op")

	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusCancelled})
	before := drain(tr)

	require.NoError(t, tr.Cancel(ctx, h))
	require.NoError(t, tr.Cancel(ctx, h))
	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusCancelled})

	assert.Empty(t, drain(tr), "no duplicate cancellation event")
	assert.Equal(t, []types.OrderEventKind{types.EventAck, types.EventCancel}, kinds(before))
	exec.AssertNumberOfCalls(t, "CancelOrder", 1)
}

func TestCancelTreatsBenignBrokerCodeAsNoop(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	h := submitAcked(t, tr, exec, marketReq("c1", types.SideBuy, 1), "B1")
	exec.On("CancelOrder", mock.Anything, "B1").Return(&types.ClassifiedBrokerWarning{Op: "cancel_order", Code: "ORDER_COMPLETE"}).Once()

	assert.NoError(t, tr.Cancel(context.Background(), h))
}

func TestCancelFailureAllowsRetry(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	h := submitAcked(t, tr, exec, marketReq("c1", types.SideBuy, 1), "B1")
	exec.On("CancelOrder", mock.Anything, "B1").Return(errors.New("timeout")).Once()
	exec.On("CancelOrder", mock.Anything, "B1").Return(nil).Once()

	assert.Error(t, tr.Cancel(context.Background(), h))
	assert.NoError(t, tr.Cancel(context.Background(), h))
	exec.AssertNumberOfCalls(t, "CancelOrder", 2)
}

func TestCancelUnknownOrder(t *testing.T) {
	tr := NewTranslator(newMockExecution(), nil)
	err := tr.Cancel(context.Background(), types.BrokerOrderHandle{ClientOrderID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestFillWinsOverCancel(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	submitAcked(t, tr, exec, marketReq("c1", types.SideSell, 2), "B1")
	drain(tr)
	ctx := context.Background()

	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusCancelled})
	tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusFilled, FilledQty: d(2), AvgPrice: d(50)})

	evs := drain(tr)
	require.Equal(t, []types.OrderEventKind{types.EventCancel, types.EventFill}, kinds(evs))
	assert.True(t, d(2).Equal(evs[1].Fill.Qty))

	st, _ := tr.Order("c1")
	assert.Equal(t, types.OrderStatusFilled, st.Status)
}

func TestUpdateBeforeAckIsCorrelatedByClientID(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	req := marketReq("c1", types.SideBuy, 1)
	ctx := context.Background()

	exec.On("PlaceOrder", mock.Anything, req).Run(func(mock.Arguments) {
		tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", ClientOrderID: "c1", Status: types.OrderStatusFilled, FilledQty: d(1), AvgPrice: d(10)})
	}).Return(types.BrokerAck{BrokerOrderID: "B1"}, nil)

	_, err := tr.Submit(ctx, req)
	require.NoError(t, err)

	evs := drain(tr)
	assert.ElementsMatch(t, []types.OrderEventKind{types.EventFill, types.EventAck}, kinds(evs))
	st, _ := tr.Order("c1")
	assert.Equal(t, types.OrderStatusFilled, st.Status, "ack must not downgrade a filled order")
}

func TestUpdateForUnackedBrokerIDIsQueued(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	req := marketReq("c1", types.SideBuy, 1)
	ctx := context.Background()

	exec.On("PlaceOrder", mock.Anything, req).Run(func(mock.Arguments) {
		// no client id on the push, only the broker id
		tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusFilled, FilledQty: d(1), AvgPrice: d(10)})
	}).Return(types.BrokerAck{BrokerOrderID: "B1"}, nil)

	_, err := tr.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []types.OrderEventKind{types.EventAck, types.EventFill}, kinds(drain(tr)))
}

func TestForeignUpdatesAreNotKept(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	ctx := context.Background()

	// nothing in flight: manual orders elsewhere on the account
	for i := 0; i < 1000; i++ {
		tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: fmt.Sprintf("M%d", i), Status: types.OrderStatusFilled, FilledQty: d(1), AvgPrice: d(10)})
	}
	assert.Empty(t, tr.pending)

	// unknown client id while a submit is in flight
	req := marketReq("c1", types.SideBuy, 1)
	exec.On("PlaceOrder", mock.Anything, req).Run(func(mock.Arguments) {
		tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "X1", ClientOrderID: "other-app", Status: types.OrderStatusOpen})
		for i := 0; i < 2*maxPending; i++ {
			tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: fmt.Sprintf("N%d", i), Status: types.OrderStatusOpen})
		}
		assert.NotContains(t, tr.pending, "X1")
		assert.Len(t, tr.pending, maxPending)
	}).Return(types.BrokerAck{BrokerOrderID: "B1"}, nil)

	_, err := tr.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.inflight)
}

func TestQueuedUpdatesExpire(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	ctx := context.Background()
	clock := time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	req := marketReq("c1", types.SideBuy, 1)
	exec.On("PlaceOrder", mock.Anything, req).Run(func(mock.Arguments) {
		tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "OLD", Status: types.OrderStatusOpen})
		clock = clock.Add(pendingTTL + time.Second)
		tr.HandleUpdate(ctx, types.OrderUpdate{BrokerOrderID: "NEW", Status: types.OrderStatusOpen})
	}).Return(types.BrokerAck{BrokerOrderID: "B1"}, nil)

	_, err := tr.Submit(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, tr.pending, "OLD")
	assert.Contains(t, tr.pending, "NEW")
}

func TestBindAttachesLostAck(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	req := marketReq("c1", types.SideBuy, 1)

	ctx, cancel := context.WithCancel(context.Background())
	exec.On("PlaceOrder", mock.Anything, req).Run(func(mock.Arguments) {
		cancel()
	}).Return(types.BrokerAck{}, context.Canceled)

	_, err := tr.Submit(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	open := tr.Open()
	require.Len(t, open, 1)
	assert.Empty(t, open[0].BrokerOrderID)
	assert.Equal(t, 0, tr.inflight)

	bg := context.Background()
	require.True(t, tr.Bind(bg, "c1", "B7"))
	assert.False(t, tr.Bind(bg, "c1", "B8"), "already bound")
	assert.False(t, tr.Bind(bg, "nope", "B9"))
	assert.True(t, tr.Tracked("B7"))

	st, ok := tr.Order("c1")
	require.True(t, ok)
	assert.Equal(t, types.OrderStatusOpen, st.Status)
}

func TestRunConsumesUpdates(t *testing.T) {
	exec := newMockExecution()
	tr := NewTranslator(exec, nil)
	submitAcked(t, tr, exec, marketReq("c1", types.SideBuy, 1), "B1")
	drain(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	exec.updates <- types.OrderUpdate{BrokerOrderID: "B1", Status: types.OrderStatusFilled, FilledQty: d(1), AvgPrice: d(9)}
	select {
	case ev := <-tr.Events():
		assert.Equal(t, types.EventFill, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no fill event")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestAdoptTracksLeftoverOrders(t *testing.T) {
	tr := NewTranslator(newMockExecution(), nil)
	bo := types.BrokerOrder{BrokerOrderID: "B9", Symbol: "X", Side: types.SideSell, Type: types.OrderTypeStop, Qty: d(1), Status: types.OrderStatusOpen}

	require.NoError(t, tr.Adopt(bo))
	assert.ErrorIs(t, tr.Adopt(bo), ErrDuplicateOrder)
	assert.True(t, tr.Tracked("B9"))
	require.Len(t, tr.Open(), 1)

	tr.Forget("B9")
	assert.False(t, tr.Tracked("B9"))
}
