package orderhandler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
)

type fakeClient struct {
	marketplace.Client
	orders    map[string]marketplace.Order
	confirmed []string
}

func (f *fakeClient) GetOrder(ctx context.Context, orderID string) (marketplace.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return marketplace.Order{}, marketplace.ErrUnauthorized
	}
	return o, nil
}

func (f *fakeClient) Confirm(ctx context.Context, orderID string) error {
	f.confirmed = append(f.confirmed, orderID)
	return nil
}

func intPtr(n int) *int { return &n }

func newTestStore(t *testing.T) *dbstore.Store {
	t.Helper()
	s, err := dbstore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWorkspaceAndLot(t *testing.T, s *dbstore.Store, accountID string, account dbstore.Account) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	account.ID = accountID
	account.WorkspaceID = "ws1"
	require.NoError(t, s.UpsertAccount(ctx, account))
	require.NoError(t, s.UpsertLotMapping(ctx, dbstore.LotMapping{WorkspaceID: "ws1", UserID: "u1", LotNumber: 100, AccountID: accountID}))
}

func newHandler(store *dbstore.Store, client marketplace.Client) *Handler {
	cfg := Config{UnitMinutes: 60, BlacklistCompThresholdMinutes: 300, MMRBand: 1000}
	return New("ws1", "u1", store, client, nil, cfg, zerolog.Nop())
}

func TestHandleOrderPurchasedIssuesFreeAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkspaceAndLot(t, store, "acc1", dbstore.Account{MMR: 2000})

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 2, Price: 100, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	acc, err := store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	require.NotNil(t, acc.Owner)
	require.Equal(t, "buyer1", *acc.Owner)
	require.Equal(t, 120, acc.RentalDurationMinutes)
	require.Equal(t, []string{"order-1"}, client.confirmed)

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, dbstore.ActionPaid, events[0].Action)
	require.Equal(t, dbstore.ActionIssued, events[1].Action)
}

func TestHandleOrderPurchasedIsIdempotentOnReplay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedWorkspaceAndLot(t, store, "acc1", dbstore.Account{MMR: 2000})

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 1, Price: 50, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))
	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2, "replayed order must not be reprocessed")
	require.Len(t, client.confirmed, 1)
}

func TestHandleOrderPurchasedUnmappedLot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 1, Price: 50, LotNumber: intPtr(999)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, dbstore.ActionUnmapped, events[1].Action)

	pending, err := store.ListPendingOutbox(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestHandleOrderPurchasedReplacesOccupiedAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))

	taken := "other-buyer"
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{ID: "acc1", WorkspaceID: "ws1", MMR: 2000, Owner: &taken}))
	require.NoError(t, store.UpsertLotMapping(ctx, dbstore.LotMapping{WorkspaceID: "ws1", UserID: "u1", LotNumber: 100, AccountID: "acc1"}))
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{ID: "acc2", WorkspaceID: "ws1", MMR: 2050}))

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 1, Price: 50, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	acc2, err := store.GetAccount(ctx, "acc2")
	require.NoError(t, err)
	require.NotNil(t, acc2.Owner)
	require.Equal(t, "buyer1", *acc2.Owner)

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Equal(t, dbstore.ActionReplaceAssign, events[1].Action)
}

func TestHandleOrderPurchasedUsesExtendPendingHintOverStaleLotMapping(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "buyer1"
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{ID: "stale", WorkspaceID: "ws1", MMR: 2000, Owner: &owner}))
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{ID: "current", WorkspaceID: "ws1", MMR: 2000, Owner: &owner}))
	require.NoError(t, store.UpsertLotMapping(ctx, dbstore.LotMapping{WorkspaceID: "ws1", UserID: "u1", LotNumber: 100, AccountID: "stale"}))

	// A !replace/!lpexchange swap moved buyer1 onto "current" without
	// repointing the lot mapping, and !продлить recorded the hint for
	// the lot they actually paid against.
	require.NoError(t, store.SetExtendPendingHint(ctx, dbstore.ExtendPendingHint{
		WorkspaceID: "ws1", Owner: "buyer1", LotNumber: 100, AccountID: "current",
		ExpiresAt: time.Now().UTC().Add(6 * time.Hour),
	}))

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 1, Price: 50, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	current, err := store.GetAccount(ctx, "current")
	require.NoError(t, err)
	require.Equal(t, 60, current.RentalDurationMinutes, "the hinted account should have been extended")

	stale, err := store.GetAccount(ctx, "stale")
	require.NoError(t, err)
	require.Zero(t, stale.RentalDurationMinutes, "the stale lot-mapped account must not be touched")

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Equal(t, dbstore.ActionExtended, events[1].Action)

	_, err = store.GetExtendPendingHint(ctx, "ws1", "buyer1", 100)
	require.ErrorIs(t, err, dbstore.ErrNotFound, "the hint must be consumed after use")
}

func TestHandleOrderPurchasedExpiredExtendPendingHintIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "buyer1"
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{ID: "stale", WorkspaceID: "ws1", MMR: 2000, Owner: &owner}))
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{ID: "current", WorkspaceID: "ws1", MMR: 2000}))
	require.NoError(t, store.UpsertLotMapping(ctx, dbstore.LotMapping{WorkspaceID: "ws1", UserID: "u1", LotNumber: 100, AccountID: "stale"}))
	require.NoError(t, store.SetExtendPendingHint(ctx, dbstore.ExtendPendingHint{
		WorkspaceID: "ws1", Owner: "buyer1", LotNumber: 100, AccountID: "current",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 1, Price: 50, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Equal(t, dbstore.ActionExtended, events[1].Action, "an expired hint must fall back to the plain lot mapping")

	stale, err := store.GetAccount(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, 60, stale.RentalDurationMinutes)
}

func TestHandleOrderPurchasedBlacklistedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	require.NoError(t, store.AddBlacklistEntry(ctx, dbstore.BlacklistEntry{ID: "bl1", WorkspaceID: "ws1", UserID: "u1", Owner: "buyer1", Reason: "abuse"}))

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 1, Price: 50, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	blacklisted, err := store.IsBlacklisted(ctx, "ws1", "buyer1")
	require.NoError(t, err)
	require.True(t, blacklisted, "60 paid minutes is below the 300 minute threshold")

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	var sawComp, sawBlocked bool
	for _, e := range events {
		if e.Action == dbstore.ActionBlacklistComp {
			sawComp = true
		}
		if e.Action == dbstore.ActionBlockedOrder {
			sawBlocked = true
		}
	}
	require.True(t, sawComp)
	require.True(t, sawBlocked)
}

func TestHandleOrderPurchasedBlacklistAutoLiftsAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	require.NoError(t, store.AddBlacklistEntry(ctx, dbstore.BlacklistEntry{ID: "bl1", WorkspaceID: "ws1", UserID: "u1", Owner: "buyer1", Reason: "abuse"}))

	client := &fakeClient{orders: map[string]marketplace.Order{
		"order-1": {OrderID: "order-1", Buyer: "buyer1", Amount: 5, Price: 500, LotNumber: intPtr(100)},
	}}
	h := newHandler(store, client)

	require.NoError(t, h.HandleOrderPurchased(ctx, "order-1", "chat1"))

	blacklisted, err := store.IsBlacklisted(ctx, "ws1", "buyer1")
	require.NoError(t, err)
	require.False(t, blacklisted, "300 paid minutes meets the threshold and lifts the block")
}
