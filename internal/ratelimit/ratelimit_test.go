package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiterBurstAndRefill(t *testing.T) {
	l := NewLocal(LimiterConfig{RPS: 1, Burst: 2})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok, "burst exhausted")
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok, "one token refilled")
}

func TestLocalLimiterDropsIdleBuckets(t *testing.T) {
	l := NewLocal(LimiterConfig{RPS: 1, Burst: 1})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	_, _ = l.Allow(context.Background(), "a")
	now = now.Add(2 * idleBucket)
	_, _ = l.Allow(context.Background(), "b")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "a")
	assert.Contains(t, l.buckets, "b")
}

type limiterFunc func(ctx context.Context, key string) (bool, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (bool, error) { return f(ctx, key) }

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	var seen string
	cases := []struct {
		name   string
		lim    Limiter
		status int
	}{
		{"allowed", limiterFunc(func(_ context.Context, key string) (bool, error) { seen = key; return true, nil }), http.StatusAccepted},
		{"limited", limiterFunc(func(context.Context, string) (bool, error) { return false, nil }), http.StatusTooManyRequests},
		{"error", limiterFunc(func(context.Context, string) (bool, error) { return false, errors.New("down") }), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/orders", nil)
			req.RemoteAddr = "10.0.0.7:5555"
			rec := httptest.NewRecorder()
			Middleware(tc.lim, KeyByPathAndIP)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusTooManyRequests {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
	assert.Equal(t, "/webhooks/orders|10.0.0.7", seen)
}

func TestKeyByIPWithoutPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9"
	assert.Equal(t, "10.0.0.9", KeyByIP(req))
}
