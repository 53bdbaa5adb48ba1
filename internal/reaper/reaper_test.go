package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/megafartCc/funpay-rental-bot/internal/cache"
	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/presence"
	"github.com/megafartCc/funpay-rental-bot/internal/steamadapter"
)

func newTestStore(t *testing.T) *dbstore.Store {
	t.Helper()
	s, err := dbstore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertWorkspace(context.Background(), dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	return s
}

func testMafile(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(steamadapter.Mafile{SharedSecret: "AAAAAAAAAAAAAAAAAAAAAAAAAAAA", SteamID: "76561198000000001"})
	require.NoError(t, err)
	return string(raw)
}

type notification struct {
	accountID string
	text      string
}

func newReaper(t *testing.T, store *dbstore.Store, cfg Config) (*Reaper, *[]notification) {
	t.Helper()
	var log []notification
	notify := func(ctx context.Context, a dbstore.Account, text string) error {
		log = append(log, notification{accountID: a.ID, text: text})
		return nil
	}
	c, err := cache.New("", zerolog.Nop())
	require.NoError(t, err)
	box, err := cryptbox.New("")
	require.NoError(t, err)
	r := New(store, steamadapter.New(""), presence.New("", c), box, cfg, notify, zerolog.Nop())
	return r, &log
}

func TestScanUnfreezesAfterPauseAutoExpires(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "buyer1"
	start := time.Now().UTC().Add(-5 * time.Minute)
	frozenAt := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{
		ID: "acc1", WorkspaceID: "ws1", Owner: &owner, RentalStart: &start, RentalDurationMinutes: 600,
		RentalFrozen: true, RentalFrozenAt: &frozenAt,
	}))

	cfg := DefaultConfig()
	r, log := newReaper(t, store, cfg)
	require.NoError(t, r.Scan(ctx))

	acc, err := store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	require.False(t, acc.RentalFrozen)
	require.True(t, acc.RentalStart.After(start))
	require.NotEmpty(t, *log)
}

func TestScanSendsNearExpiryReminderOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "buyer1"
	start := time.Now().UTC().Add(-55 * time.Minute)
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{
		ID: "acc1", WorkspaceID: "ws1", Owner: &owner, RentalStart: &start, RentalDurationMinutes: 60,
	}))

	cfg := DefaultConfig()
	r, log := newReaper(t, store, cfg)
	require.NoError(t, r.Scan(ctx))
	require.NoError(t, r.Scan(ctx))

	count := 0
	for _, n := range *log {
		if n.accountID == "acc1" {
			count++
		}
	}
	require.Equal(t, 1, count, "reminder must be sent only once per expiry timestamp")
}

func TestScanExpiresAndReleasesAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "buyer1"
	orderID := "order-1"
	start := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{
		ID: "acc1", WorkspaceID: "ws1", UserID: "u1", Owner: &owner, RentalOrderID: &orderID,
		RentalStart: &start, RentalDurationMinutes: 60, MafileJSON: testMafile(t),
	}))

	cfg := DefaultConfig()
	cfg.MatchGraceEnabled = false
	r, log := newReaper(t, store, cfg)
	require.NoError(t, r.Scan(ctx))

	acc, err := store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	require.True(t, acc.IsFree())

	events, err := store.ListOrderEventsForOrder(ctx, "ws1", "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, dbstore.ActionExpired, events[0].Action)
	require.NotEmpty(t, *log)
}

func TestScanDefersExpiryWhileInMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "buyer1"
	start := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpsertAccount(ctx, dbstore.Account{
		ID: "acc1", WorkspaceID: "ws1", Owner: &owner, RentalStart: &start,
		RentalDurationMinutes: 60, MafileJSON: testMafile(t),
	}))

	var log []notification
	notify := func(ctx context.Context, a dbstore.Account, text string) error {
		log = append(log, notification{accountID: a.ID, text: text})
		return nil
	}
	cfg := DefaultConfig()
	cfg.MatchGraceEnabled = true

	box, err := cryptbox.New("")
	require.NoError(t, err)
	r := New(store, steamadapter.New(""), inMatchPresence{}, box, cfg, notify, zerolog.Nop())
	require.NoError(t, r.Scan(ctx))

	acc, err := store.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	require.False(t, acc.IsFree(), "match grace must defer release")
	require.NotNil(t, acc.ExpireDelaySince)
}

type inMatchPresence struct{}

func (inMatchPresence) Get(ctx context.Context, steamID uint64) (presence.Snapshot, error) {
	return presence.Snapshot{InMatch: true}, nil
}
