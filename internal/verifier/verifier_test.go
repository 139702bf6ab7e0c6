package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, url string, maxFailures uint32) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:       url,
		Token:         "tok",
		Timeout:       time.Second,
		RatePerSecond: 1000,
		Burst:         100,
		MaxFailures:   maxFailures,
		OpenFor:       time.Minute,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestVerifyAccountPostsCheck(t *testing.T) {
	var gotPath, gotMethod, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod, gotAuth = r.URL.Path, r.Method, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/", 3)
	require.NoError(t, c.VerifyAccount(context.Background(), "r-1", "acc-9"))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/restaurants/r-1/orders-accounts/acc-9/check", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestVerifyAccountRejectedDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 2)
	for i := 0; i < 4; i++ {
		err := c.VerifyAccount(context.Background(), "r-1", "acc-1")
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, gobreaker.StateClosed.String(), c.State())
}

func TestVerifyAccountOpensBreakerOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 2)
	for i := 0; i < 2; i++ {
		require.Error(t, c.VerifyAccount(context.Background(), "r-1", "acc-1"))
	}
	assert.Equal(t, gobreaker.StateOpen.String(), c.State())

	err := c.VerifyAccount(context.Background(), "r-1", "acc-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestVerifyAccountHonoursContext(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", RatePerSecond: 0.001, Burst: 1}, nil)
	require.NoError(t, err)
	c.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.VerifyAccount(ctx, "r-1", "acc-1"))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
