package botmanager

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/megafartCc/funpay-rental-bot/internal/aiadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/presence"
)

type stubPresence struct{}

func (stubPresence) Get(ctx context.Context, steamID uint64) (presence.Snapshot, error) {
	return presence.Snapshot{Idle: true}, nil
}

func newTestStore(t *testing.T) *dbstore.Store {
	t.Helper()
	s, err := dbstore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, store *dbstore.Store) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReconcileInterval = time.Hour // tests drive Reconcile manually
	box, _ := cryptbox.New("")
	return New(store, aiadapter.New("", "", ""), stubPresence{}, nil, box, cfg, zerolog.Nop())
}

func TestStartAllStartsEveryValidWorkspace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Token: "t1", ProxyURI: "socks5://p1"}))
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws2", UserID: "u1", Token: "", ProxyURI: ""}))

	m := newTestManager(t, store)
	require.NoError(t, m.StartAll(ctx))
	t.Cleanup(m.Stop)

	require.ElementsMatch(t, []string{"ws1"}, m.RunningWorkspaceIDs(), "a workspace with no token/proxy must not get a bot")
}

func TestStartForWorkspaceRefusesCrossUserTokenConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Token: "shared", ProxyURI: "socks5://p1"}))
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws2", UserID: "u2", Token: "shared", ProxyURI: "socks5://p2"}))

	m := newTestManager(t, store)
	require.NoError(t, m.StartForWorkspace(ctx, "ws1"))
	t.Cleanup(m.Stop)

	err := m.StartForWorkspace(ctx, "ws2")
	require.Error(t, err, "a second user must not be able to start a bot on a token another user's workspace already owns")

	ws2, err := store.GetWorkspace(ctx, "ws2")
	require.NoError(t, err)
	require.Equal(t, "error", ws2.Status)

	require.ElementsMatch(t, []string{"ws1"}, m.RunningWorkspaceIDs())
}

func TestStartForWorkspaceAliasesSameUserSameToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "shared", ProxyURI: "socks5://p1"}))
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws2", UserID: "u1", Label: "alias", Token: "shared", ProxyURI: "socks5://p1"}))

	m := newTestManager(t, store)
	require.NoError(t, m.StartForWorkspace(ctx, "ws1"))
	require.NoError(t, m.StartForWorkspace(ctx, "ws2"))
	t.Cleanup(m.Stop)

	require.ElementsMatch(t, []string{"ws1", "ws2"}, m.RunningWorkspaceIDs())
	require.Len(t, m.bots, 1, "the same token for the same user must run only one underlying session")
}

func TestReconcileStopsDeletedWorkspaceAndStartsNewOne(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Token: "t1", ProxyURI: "socks5://p1"}))

	m := newTestManager(t, store)
	require.NoError(t, m.StartAll(ctx))
	t.Cleanup(m.Stop)
	require.ElementsMatch(t, []string{"ws1"}, m.RunningWorkspaceIDs())

	require.NoError(t, store.DeleteWorkspace(ctx, "ws1"))
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws2", UserID: "u1", Token: "t2", ProxyURI: "socks5://p2"}))

	require.NoError(t, m.Reconcile(ctx))
	require.ElementsMatch(t, []string{"ws2"}, m.RunningWorkspaceIDs())
}

func TestStopForWorkspaceDropsAliasWithoutStoppingCanonical(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Token: "shared", ProxyURI: "socks5://p1"}))
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws2", UserID: "u1", Token: "shared", ProxyURI: "socks5://p1"}))

	m := newTestManager(t, store)
	require.NoError(t, m.StartForWorkspace(ctx, "ws1"))
	require.NoError(t, m.StartForWorkspace(ctx, "ws2"))
	t.Cleanup(m.Stop)

	m.StopForWorkspace("ws2")
	require.ElementsMatch(t, []string{"ws1"}, m.RunningWorkspaceIDs())
}

func TestNotifyOwnerEnqueuesToKnownChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertWorkspace(ctx, dbstore.Workspace{ID: "ws1", UserID: "u1", Token: "t1", ProxyURI: "socks5://p1"}))
	require.NoError(t, store.UpsertChatSnapshot(ctx, dbstore.ChatSnapshot{WorkspaceID: "ws1", UserID: "u1", ChatID: "chat1", PeerName: "buyer1"}))

	m := newTestManager(t, store)
	owner := "buyer1"
	require.NoError(t, m.notifyOwner(ctx, dbstore.Account{WorkspaceID: "ws1", UserID: "u1", Owner: &owner}, "hello"))

	pending, err := store.ListPendingOutbox(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "chat1", pending[0].ChatID)
	require.Equal(t, "hello", pending[0].Text)
}

func TestNotifyOwnerSkipsWithNoKnownChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := newTestManager(t, store)
	owner := "buyer1"
	require.NoError(t, m.notifyOwner(ctx, dbstore.Account{WorkspaceID: "ws1", UserID: "u1", Owner: &owner}, "hello"))

	pending, err := store.ListPendingOutbox(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
