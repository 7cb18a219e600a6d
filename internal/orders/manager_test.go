package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/schema"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]any
	err    error
}

func (s *recordingSender) SendCommand(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var decoded []any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return err
	}
	s.frames = append(s.frames, decoded)
	return nil
}

func (s *recordingSender) last(t *testing.T) (string, map[string]any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	frame := s.frames[len(s.frames)-1]
	require.Len(t, frame, 4)
	require.EqualValues(t, 0, frame[0])
	require.Nil(t, frame[2])
	return frame[1].(string), frame[3].(map[string]any)
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestManager(sender Sender) *Manager {
	return NewManager(sender, Config{Now: fixedClock(1_700_000_000_000), ClosedCapacity: 4})
}

func resolved(t *testing.T, fut *Future) (schema.Order, error) {
	t.Helper()
	select {
	case <-fut.Done():
		return fut.Wait(context.Background())
	default:
		t.Fatal("future not resolved")
		return schema.Order{}, nil
	}
}

func pendingFuture(t *testing.T, fut *Future) {
	t.Helper()
	select {
	case <-fut.Done():
		t.Fatal("future resolved early")
	default:
	}
}

func TestSubmitSendsNewOrderWithMonotonicCID(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)

	cid1, _, err := m.Submit(context.Background(), OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.RequireFromString("0.5"), Price: decimal.NewFromInt(30000)})
	require.NoError(t, err)
	tag, body := sender.last(t)
	require.Equal(t, "on", tag)
	require.Equal(t, "0.5", body["amount"])
	require.Equal(t, "30000", body["price"])
	require.Equal(t, "tBTCUSD", body["symbol"])
	require.NotContains(t, body, "price_trailing")

	cid2, _, err := m.Submit(context.Background(), OrderParams{Type: "EXCHANGE MARKET", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(-1)})
	require.NoError(t, err)
	require.Greater(t, cid2, cid1)
	_, body = sender.last(t)
	require.NotContains(t, body, "price")

	require.Len(t, m.Pending(), 2)
}

func TestSubmitFailureLeavesNoPendingOrder(t *testing.T) {
	sender := &recordingSender{err: errors.New("offline")}
	m := newTestManager(sender)
	_, fut, err := m.Submit(context.Background(), OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	require.Nil(t, fut)
	require.Empty(t, m.Pending())
}

func TestLifecycleResolvesSubmitFutureExactlyOnce(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)
	ctx := context.Background()

	cid, fut, err := m.Submit(ctx, OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(2), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	pendingFuture(t, fut)

	m.HandleNew(ctx, schema.Order{ID: 42, CID: cid, Symbol: "tBTCUSD", Amount: decimal.NewFromInt(2), AmountOrig: decimal.NewFromInt(2), RawStatus: "ACTIVE", Status: schema.OrderStatusActive})
	order, err := resolved(t, fut)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusActive, order.Status)
	require.Equal(t, int64(42), order.ID)
	require.Empty(t, m.Pending())

	closeFut := m.Watch(ByID(42))
	closed := m.HandleClose(ctx, schema.Order{ID: 42, CID: cid, Symbol: "tBTCUSD", Amount: decimal.Zero, AmountOrig: decimal.NewFromInt(2), RawStatus: "EXECUTED @ 100.0(2.0)", Status: schema.OrderStatusExecuted})
	require.Equal(t, schema.OrderStatusExecuted, closed.Status)
	require.True(t, closed.AmountFilled().Equal(closed.AmountOrig))

	again, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusActive, again.Status)

	final, err := resolved(t, closeFut)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusExecuted, final.Status)

	got, err := m.Order(ByCID(cid))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusExecuted, got.Status)
	require.Empty(t, m.Open())
}

func TestPartialFillKeepsOrderOpen(t *testing.T) {
	m := newTestManager(&recordingSender{})
	ctx := context.Background()

	m.HandleNew(ctx, schema.Order{ID: 7, CID: 1, Amount: decimal.NewFromInt(3), AmountOrig: decimal.NewFromInt(3), Status: schema.OrderStatusActive})
	updated := m.HandleUpdate(ctx, schema.Order{ID: 7, CID: 1, Amount: decimal.NewFromInt(1), AmountOrig: decimal.NewFromInt(3), Status: schema.OrderStatusPartiallyFilled})
	require.True(t, updated.AmountFilled().Equal(decimal.NewFromInt(2)))

	got, err := m.Order(ByID(7))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPartiallyFilled, got.Status)
}

func TestGroupCancelFansOutToDistinctFutures(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)
	ctx := context.Background()

	m.HandleNew(ctx, schema.Order{ID: 1, CID: 11, GID: 5, AmountOrig: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1), Status: schema.OrderStatusActive})
	m.HandleNew(ctx, schema.Order{ID: 2, CID: 12, GID: 5, AmountOrig: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1), Status: schema.OrderStatusActive})

	futs, err := m.CancelMany(ctx, CancelManyParams{GIDs: []int64{5}})
	require.NoError(t, err)
	require.Len(t, futs, 1)
	tag, body := sender.last(t)
	require.Equal(t, "oc_multi", tag)
	require.Equal(t, []any{float64(5)}, body["gid"])

	perOrder := m.Watch(ByID(1))
	shared := m.Watch(ByCID(11))

	m.HandleClose(ctx, schema.Order{ID: 1, CID: 11, GID: 5, AmountOrig: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1), RawStatus: "CANCELED", Status: schema.OrderStatusCanceled})
	groupOrder, err := resolved(t, futs[0])
	require.NoError(t, err)
	require.Equal(t, int64(1), groupOrder.ID)
	_, err = resolved(t, perOrder)
	require.NoError(t, err)
	_, err = resolved(t, shared)
	require.NoError(t, err)

	m.HandleClose(ctx, schema.Order{ID: 2, CID: 12, GID: 5, AmountOrig: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1), RawStatus: "CANCELED", Status: schema.OrderStatusCanceled})
	again, err := futs[0].Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), again.ID)
}

func TestFutureRegisteredUnderSeveralKeysFiresOnce(t *testing.T) {
	m := newTestManager(&recordingSender{})
	fut := newFuture()
	m.mu.Lock()
	m.waiters[ByID(9)] = []*Future{fut}
	m.waiters[ByCID(19)] = []*Future{fut}
	m.mu.Unlock()

	futs := func() []*Future {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.takeLocked(orderKeys(9, 19, 0))
	}()
	require.Len(t, futs, 1)
}

func TestRejectedNewOrder(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)
	ctx := context.Background()

	cid, fut, err := m.Submit(ctx, OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1000), Price: decimal.NewFromInt(1)})
	require.NoError(t, err)

	m.HandleNotification(ctx, schema.Notification{
		Type:   "on-req",
		Status: schema.NotificationError,
		Text:   "Invalid order: not enough exchange balance",
		Order:  &schema.Order{CID: cid, Symbol: "tBTCUSD"},
	})
	order, err := resolved(t, fut)
	require.ErrorIs(t, err, errs.ErrOrderRejected)
	require.Equal(t, schema.OrderStatusCanceled, order.Status)
	require.Empty(t, m.Pending())

	got, err := m.Order(ByCID(cid))
	require.NoError(t, err)
	require.Equal(t, "Invalid order: not enough exchange balance", got.RawStatus)
}

func TestSuccessNotificationIsIgnored(t *testing.T) {
	m := newTestManager(&recordingSender{})
	ctx := context.Background()
	cid, fut, err := m.Submit(ctx, OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)})
	require.NoError(t, err)
	m.HandleNotification(ctx, schema.Notification{Type: "on-req", Status: "SUCCESS", Order: &schema.Order{CID: cid}})
	pendingFuture(t, fut)
	require.Len(t, m.Pending(), 1)
}

func TestAbandonLeavesOrdersPending(t *testing.T) {
	m := newTestManager(&recordingSender{})
	ctx := context.Background()
	_, fut, err := m.Submit(ctx, OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)})
	require.NoError(t, err)

	m.Abandon(nil)
	_, err = resolved(t, fut)
	require.ErrorIs(t, err, errs.ErrSessionClosed)

	pending := m.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, schema.OrderStatusPending, pending[0].Status)
}

func TestCancelByCIDDerivesDate(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)
	cid := time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC).UnixMilli()

	_, err := m.Cancel(context.Background(), Ref{CID: cid})
	require.NoError(t, err)
	tag, body := sender.last(t)
	require.Equal(t, "oc", tag)
	require.Equal(t, "2024-03-09", body["cid_date"])
	require.NotContains(t, body, "id")

	_, err = m.Cancel(context.Background(), Ref{})
	require.Error(t, err)
}

func TestUpdateNeedsServerID(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)
	ctx := context.Background()

	_, err := m.Update(ctx, UpdateParams{Ref: Ref{CID: 77}, Price: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, errs.ErrOrderNotFound)

	m.HandleNew(ctx, schema.Order{ID: 700, CID: 77, Status: schema.OrderStatusActive})
	fut, err := m.Update(ctx, UpdateParams{Ref: Ref{CID: 77}, Price: decimal.NewFromInt(5)})
	require.NoError(t, err)
	tag, body := sender.last(t)
	require.Equal(t, "ou", tag)
	require.EqualValues(t, 700, body["id"])
	require.Equal(t, "5", body["price"])

	m.HandleUpdate(ctx, schema.Order{ID: 700, CID: 77, Price: decimal.NewFromInt(5), Status: schema.OrderStatusActive})
	order, err := resolved(t, fut)
	require.NoError(t, err)
	require.True(t, order.Price.Equal(decimal.NewFromInt(5)))
}

func TestSnapshotSeedsOpenOrders(t *testing.T) {
	m := newTestManager(&recordingSender{})
	ctx := context.Background()
	cid, fut, err := m.Submit(ctx, OrderParams{Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)})
	require.NoError(t, err)

	m.HandleSnapshot(ctx, []schema.Order{
		{ID: 1, CID: cid, Symbol: "tBTCUSD", Status: schema.OrderStatusActive},
		{ID: 2, CID: 3, Symbol: "tETHUSD", Status: schema.OrderStatusActive},
	})
	order, err := resolved(t, fut)
	require.NoError(t, err)
	require.Equal(t, int64(1), order.ID)
	require.Len(t, m.Open(), 2)
	require.Empty(t, m.Pending())
}

func TestClosedSetIsBounded(t *testing.T) {
	m := newTestManager(&recordingSender{})
	ctx := context.Background()
	for id := int64(1); id <= 6; id++ {
		m.HandleClose(ctx, schema.Order{ID: id, Status: schema.OrderStatusCanceled})
	}
	_, err := m.Order(ByID(1))
	require.ErrorIs(t, err, errs.ErrOrderNotFound)
	_, err = m.Order(ByID(2))
	require.ErrorIs(t, err, errs.ErrOrderNotFound)
	got, err := m.Order(ByID(6))
	require.NoError(t, err)
	require.Equal(t, int64(6), got.ID)
}
