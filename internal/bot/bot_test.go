package bot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/megafartCc/funpay-rental-bot/internal/aiadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
)

type fakeClient struct {
	marketplace.Client
	orders        map[string]marketplace.Order
	raiseCalls    []int
	raiseErrs     map[int]error
	categories    []marketplace.Category
	ticketCalls   []string
	ticketErr     error
}

func (f *fakeClient) GetOrder(ctx context.Context, orderID string) (marketplace.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return marketplace.Order{}, marketplace.ErrUnauthorized
	}
	return o, nil
}

func (f *fakeClient) RaiseLots(ctx context.Context, categoryID int) error {
	f.raiseCalls = append(f.raiseCalls, categoryID)
	if f.raiseErrs != nil {
		if err, ok := f.raiseErrs[categoryID]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeClient) GetSortedCategories(ctx context.Context) ([]marketplace.Category, error) {
	return f.categories, nil
}

func (f *fakeClient) SubmitSupportTicket(ctx context.Context, topic, role, orderID, body string) error {
	f.ticketCalls = append(f.ticketCalls, orderID)
	return f.ticketErr
}

type fakeSessionClient struct {
	fakeClient
	session   marketplace.Session
	getErr    error
	ipCheckErr error
	getCalls  int
}

func (f *fakeSessionClient) Get(ctx context.Context) (marketplace.Session, error) {
	f.getCalls++
	if f.getErr != nil {
		return marketplace.Session{}, f.getErr
	}
	return f.session, nil
}

func (f *fakeSessionClient) CheckExitIP(ctx context.Context, ipEchoURL string) error {
	return f.ipCheckErr
}

func newTestStore(t *testing.T) *dbstore.Store {
	t.Helper()
	s, err := dbstore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertWorkspace(context.Background(), dbstore.Workspace{
		ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p",
	}))
	return s
}

func newTestBot(t *testing.T, store *dbstore.Store) (*Bot, *fakeClient) {
	t.Helper()
	ws := dbstore.Workspace{ID: "ws1", UserID: "u1", Token: "t", ProxyURI: "socks5://p"}
	cfg := DefaultConfig()
	box, err := cryptbox.New("")
	require.NoError(t, err)
	b, err := New(ws, store, aiadapter.New("", "", ""), box, cfg, zerolog.Nop())
	require.NoError(t, err)
	fc := &fakeClient{orders: map[string]marketplace.Order{}}
	b.proxy = newClientProxy(fc)
	return b, fc
}

func TestReviewBonusGrantedOnFiveStarFeedbackAndIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	fc.orders["o1"] = marketplace.Order{OrderID: "o1", Buyer: "buyer1"}

	ev := marketplace.Event{Type: marketplace.EventNewFeedback, OrderID: "o1", Rating: 5}
	require.NoError(t, b.dispatch(ctx, ev))

	balance, err := store.GetBonusBalance(ctx, "ws1", "buyer1")
	require.NoError(t, err)
	require.Equal(t, 60, balance)

	reward, err := store.GetReviewReward(ctx, "o1")
	require.NoError(t, err)
	require.Nil(t, reward.RevokedAt)

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "o1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, dbstore.ActionReviewBonus, events[0].Action)

	// Replaying NEW_FEEDBACK (or FEEDBACK_CHANGED) must not double-grant.
	require.NoError(t, b.dispatch(ctx, ev))
	balance, err = store.GetBonusBalance(ctx, "ws1", "buyer1")
	require.NoError(t, err)
	require.Equal(t, 60, balance)
}

func TestReviewBonusNotGrantedForLowRating(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	fc.orders["o1"] = marketplace.Order{OrderID: "o1", Buyer: "buyer1"}

	require.NoError(t, b.dispatch(ctx, marketplace.Event{Type: marketplace.EventNewFeedback, OrderID: "o1", Rating: 3}))

	balance, err := store.GetBonusBalance(ctx, "ws1", "buyer1")
	require.NoError(t, err)
	require.Equal(t, 0, balance)

	_, err = store.GetReviewReward(ctx, "o1")
	require.ErrorIs(t, err, dbstore.ErrNotFound)
}

func TestReviewBonusRevokedOnFeedbackDeleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	fc.orders["o1"] = marketplace.Order{OrderID: "o1", Buyer: "buyer1"}

	require.NoError(t, b.dispatch(ctx, marketplace.Event{Type: marketplace.EventNewFeedback, OrderID: "o1", Rating: 5}))
	require.NoError(t, b.dispatch(ctx, marketplace.Event{Type: marketplace.EventFeedbackDeleted, OrderID: "o1"}))

	balance, err := store.GetBonusBalance(ctx, "ws1", "buyer1")
	require.NoError(t, err)
	require.Equal(t, 0, balance, "reverting a 60-minute grant from a 0 baseline must clamp at 0, not go negative")

	reward, err := store.GetReviewReward(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, reward.RevokedAt)

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "o1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, dbstore.ActionReviewBonusRevert, events[1].Action)
}

func TestOrderConfirmedRecordsClosedAndCancelsTicketWatcher(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	fc.orders["o1"] = marketplace.Order{OrderID: "o1", Buyer: "buyer1", Amount: 1, Price: 10}

	b.scheduleTicketWatcher("o1", "acc1", time.Hour)
	require.NoError(t, b.dispatch(ctx, marketplace.Event{Type: marketplace.EventOrderConfirmed, OrderID: "o1"}))

	b.ticketMu.Lock()
	_, stillScheduled := b.ticketWatchers["o1"]
	b.ticketMu.Unlock()
	require.False(t, stillScheduled, "a closed order must cancel its auto-ticket watcher")

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "o1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, dbstore.ActionClosed, events[0].Action)
}

func TestRefundRecordsRefunded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	fc.orders["o1"] = marketplace.Order{OrderID: "o1", Buyer: "buyer1"}

	require.NoError(t, b.dispatch(ctx, marketplace.Event{Type: marketplace.EventRefund, OrderID: "o1"}))

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "o1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, dbstore.ActionRefunded, events[0].Action)
}

func TestAutoRaiseUsesConfiguredCategories(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	require.NoError(t, store.SetSetting(ctx, "u1", "auto_raise_categories", "10, 20"))

	b.runAutoRaise(ctx)
	require.Equal(t, []int{10, 20}, fc.raiseCalls)
}

func TestAutoRaiseFallsBackToAllCategoriesWhenUnset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	fc.categories = []marketplace.Category{{ID: 1}, {ID: 2}}

	b.runAutoRaise(ctx)
	require.Equal(t, []int{1, 2}, fc.raiseCalls)
}

func TestAutoRaiseSkippedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	require.NoError(t, store.SetSetting(ctx, "u1", "auto_raise_enabled", "false"))
	fc.categories = []marketplace.Category{{ID: 1}}

	b.runAutoRaise(ctx)
	require.Empty(t, fc.raiseCalls)
}

func TestAutoRaiseReschedulesOnRateLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	require.NoError(t, store.SetSetting(ctx, "u1", "auto_raise_categories", "10,20"))
	fc.raiseErrs = map[int]error{10: &marketplace.RateLimited{WaitSeconds: 3600}}

	b.runAutoRaise(ctx)
	require.Equal(t, []int{10, 20}, fc.raiseCalls)

	// Second tick: category 10 is still within its backoff window and
	// must not be retried, but 20 fires again.
	b.runAutoRaise(ctx)
	require.Equal(t, []int{10, 20, 20}, fc.raiseCalls)
}

func TestAutoTicketWatcherFiresAfterGraceAndRecordsEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, fc := newTestBot(t, store)
	b.cfg.AutoTicketGrace = 0

	owner := "buyer1"
	rentalStart := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{
		ID: "acc1", WorkspaceID: "ws1", DisplayName: "Acc 1", Owner: &owner,
		RentalStart: &rentalStart, RentalDurationMinutes: 1,
	}))
	require.NoError(t, store.AppendOrderEvent(ctx, dbstore.OrderEvent{
		ID: "evt1", WorkspaceID: "ws1", UserID: "u1", OrderID: "o1", Owner: owner,
		AccountID: strPtr("acc1"), Action: dbstore.ActionIssued,
	}))
	require.NoError(t, store.SetSetting(ctx, "u1", "auto_ticket_enabled", "true"))

	b.maybeScheduleAutoTicket(ctx, "o1")

	require.Eventually(t, func() bool {
		return len(fc.ticketCalls) == 1
	}, time.Second, 5*time.Millisecond)

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "o1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, dbstore.ActionTicketAuto, events[1].Action)
}

func TestAutoTicketWatcherSkippedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, _ := newTestBot(t, store)

	require.NoError(t, store.AppendOrderEvent(ctx, dbstore.OrderEvent{
		ID: "evt1", WorkspaceID: "ws1", UserID: "u1", OrderID: "o1", Owner: "buyer1",
		AccountID: strPtr("acc1"), Action: dbstore.ActionIssued,
	}))

	b.maybeScheduleAutoTicket(ctx, "o1")

	b.ticketMu.Lock()
	_, scheduled := b.ticketWatchers["o1"]
	b.ticketMu.Unlock()
	require.False(t, scheduled, "auto-ticket must stay off unless the setting is enabled")
}

func TestCancelTicketWatcherPreventsFiring(t *testing.T) {
	store := newTestStore(t)
	b, fc := newTestBot(t, store)

	b.scheduleTicketWatcher("o1", "acc1", 20*time.Millisecond)
	b.cancelTicketWatcher("o1")
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, fc.ticketCalls)
}

func TestEnsureSessionSkipsRefreshUntilInterval(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, _ := newTestBot(t, store)
	b.cfg.TokenRefreshInterval = time.Hour

	fsc := &fakeSessionClient{session: marketplace.Session{DisplayName: "tester"}}
	b.newClient = func(token, proxyURI, proxyUser, proxyPass string) (sessionClient, error) {
		return fsc, nil
	}

	require.NoError(t, b.ensureSession(ctx))
	require.Equal(t, 1, fsc.getCalls)

	ws, err := store.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, "ok", ws.Status)

	// Within the refresh interval and with nothing forcing a refresh,
	// a second call must not rebuild the session.
	require.NoError(t, b.ensureSession(ctx))
	require.Equal(t, 1, fsc.getCalls)

	b.RequestTokenUpdate("new-token")
	require.NoError(t, b.ensureSession(ctx))
	require.Equal(t, 2, fsc.getCalls)
}

func TestEnsureSessionMarksUnauthorized(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b, _ := newTestBot(t, store)

	fsc := &fakeSessionClient{getErr: marketplace.ErrUnauthorized}
	b.newClient = func(token, proxyURI, proxyUser, proxyPass string) (sessionClient, error) {
		return fsc, nil
	}

	require.Error(t, b.ensureSession(ctx))

	ws, err := store.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	require.Equal(t, "unauthorized", ws.Status)
}

func strPtr(s string) *string { return &s }
