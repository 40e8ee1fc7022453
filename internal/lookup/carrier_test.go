package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixCarrier(t *testing.T) {
	t.Parallel()

	c := NewPrefixCarrier()
	ctx := context.Background()

	got, err := c.Lookup(ctx, "0821234567")
	require.NoError(t, err)
	require.Equal(t, "Vodacom", got)

	got, err = c.Lookup(ctx, "+27 83 999 9999")
	require.NoError(t, err)
	require.Equal(t, "MTN", got)

	_, err = c.Lookup(ctx, "0115551234")
	require.ErrorIs(t, err, ErrPermanent)

	_, err = c.Lookup(ctx, "12345")
	require.ErrorIs(t, err, ErrPermanent)
}

type countingLimiter struct{ keys []string }

func (l *countingLimiter) Wait(_ context.Context, key string) error {
	l.keys = append(l.keys, key)
	return nil
}

func TestHTTPCarrier(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("phone") {
		case "0821234567":
			_, _ = w.Write([]byte(`{"provider":"Vodacom"}`))
		case "0831234567":
			_, _ = w.Write([]byte(`{"carrier":"MTN"}`))
		case "0840000000":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{}
	c, err := NewHTTPCarrier(HTTPCarrierConfig{Endpoint: srv.URL + "/v1/lookup", APIKey: "secret"}, limiter)
	require.NoError(t, err)
	t.Cleanup(c.CloseIdleConnections)
	ctx := context.Background()

	got, err := c.Lookup(ctx, "0821234567")
	require.NoError(t, err)
	require.Equal(t, "Vodacom", got)

	got, err = c.Lookup(ctx, "0831234567")
	require.NoError(t, err)
	require.Equal(t, "MTN", got)

	_, err = c.Lookup(ctx, "0840000000")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPermanent)

	_, err = c.Lookup(ctx, "0110000000")
	require.ErrorIs(t, err, ErrPermanent)

	require.Len(t, limiter.keys, 4)
	require.Equal(t, srv.Listener.Addr().String(), limiter.keys[0])
}

func TestNewHTTPCarrierRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPCarrier(HTTPCarrierConfig{}, nil)
	require.Error(t, err)
}
