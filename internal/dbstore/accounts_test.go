package dbstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWorkspace(t *testing.T, s *Store) Workspace {
	t.Helper()
	w := Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "golden", ProxyURI: "socks5://p", Status: "ok"}
	require.NoError(t, s.UpsertWorkspace(context.Background(), w))
	return w
}

func TestAccountAssignAndRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedWorkspace(t, s)

	a := Account{ID: "acc1", WorkspaceID: "ws1", Login: "steamlogin", Password: "enc:x", MMR: 2500, RentalDurationMinutes: 60}
	require.NoError(t, s.UpsertAccount(ctx, a))

	updated, err := s.WithAccountLock(ctx, "acc1", func(cur Account) (Account, error) {
		return AssignAccount(cur, "buyer1", "order-1", 60), nil
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Owner)
	require.Equal(t, "buyer1", *updated.Owner)
	require.Nil(t, updated.RentalStart)

	now := time.Now().UTC()
	started, err := s.WithAccountLock(ctx, "acc1", func(cur Account) (Account, error) {
		return StartRentalTimer(cur, now)
	})
	require.NoError(t, err)
	require.NotNil(t, started.RentalStart)

	_, err = s.WithAccountLock(ctx, "acc1", func(cur Account) (Account, error) {
		return StartRentalTimer(cur, now)
	})
	require.ErrorIs(t, err, errRentalAlreadyStarted)

	released, err := s.WithAccountLock(ctx, "acc1", func(cur Account) (Account, error) {
		return ReleaseAccount(cur), nil
	})
	require.NoError(t, err)
	require.True(t, released.IsFree())
	require.Nil(t, released.RentalStart)
}

func TestFindFreeCandidatesPrefersSameLot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedWorkspace(t, s)

	require.NoError(t, s.UpsertAccount(ctx, Account{ID: "a1", WorkspaceID: "ws1", MMR: 2000}))
	require.NoError(t, s.UpsertAccount(ctx, Account{ID: "a2", WorkspaceID: "ws1", MMR: 2050}))
	require.NoError(t, s.UpsertLotMapping(ctx, LotMapping{WorkspaceID: "ws1", LotNumber: 42, AccountID: "a2"}))

	candidates, err := s.FindFreeCandidates(ctx, "ws1", 42, 2000, 100)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "a2", candidates[0].ID)
}

func TestFindFreeCandidatesFallsBackToMMRBand(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedWorkspace(t, s)

	require.NoError(t, s.UpsertAccount(ctx, Account{ID: "a1", WorkspaceID: "ws1", MMR: 1000}))
	require.NoError(t, s.UpsertAccount(ctx, Account{ID: "a2", WorkspaceID: "ws1", MMR: 2010}))

	candidates, err := s.FindFreeCandidates(ctx, "ws1", 99, 2000, 100)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "a2", candidates[0].ID)
}
