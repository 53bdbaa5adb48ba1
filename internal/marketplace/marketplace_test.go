package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLotNumber(t *testing.T) {
	n, ok := ParseLotNumber("Оплачен заказ №12345 на аккаунт")
	require.True(t, ok)
	require.Equal(t, 12345, n)

	n, ok = ParseLotNumber("paid for lot #42")
	require.True(t, ok)
	require.Equal(t, 42, n)

	_, ok = ParseLotNumber("no lot number here")
	require.False(t, ok)
}

func TestGetSessionAndBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account/":
			w.Write([]byte(`<html><body data-app-data="u1"><span class="user-link-name">Seller</span><span class="badge-balance">123.45</span></body></html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "golden", "", "", "")
	require.NoError(t, err)

	sess, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", sess.UserID)
	require.Equal(t, "Seller", sess.DisplayName)
	require.InDelta(t, 123.45, sess.Balance, 0.001)
}

func TestRateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "golden", "", "", "")
	require.NoError(t, err)

	_, err = c.Get(context.Background())
	require.Error(t, err)
	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, 17, rl.WaitSeconds)
}

func TestUnauthorizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "golden", "", "", "")
	require.NoError(t, err)

	_, err = c.Get(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}
