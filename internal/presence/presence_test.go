package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/megafartCc/funpay-rental-bot/internal/cache"
)

func TestGetReturnsIdleWhenDisabled(t *testing.T) {
	a := New("", cache.Noop{})
	snap, err := a.Get(context.Background(), 76561198000000000)
	require.NoError(t, err)
	require.True(t, snap.Idle)
}

func TestGetFetchesOnCacheMiss(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"state":"in_match","match_start_unix":1700000000}`))
	}))
	defer srv.Close()

	c, err := cache.New("", zerolog.Nop())
	require.NoError(t, err)
	a := New(srv.URL, c)

	snap, err := a.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, snap.InMatch)

	// cache.New("") is the Noop cache, which never hits, so the
	// snapshot must come from a real HTTP round trip.
	require.GreaterOrEqual(t, calls, 1)
}
