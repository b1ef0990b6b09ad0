package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window, nil)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	ok, _ := rl.Allow("a")
	assert.True(t, ok)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)
	ok, resetAt := rl.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, clock.t.Add(time.Minute), resetAt)

	ok, _ = rl.Allow("b")
	assert.True(t, ok, "keys are independent")

	clock.t = clock.t.Add(time.Minute)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)
}

func TestRateLimiter_SweepRemovesExpiredBuckets(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Second)

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	require.Len(t, rl.buckets, 50)

	clock.t = clock.t.Add(2 * time.Second)
	for i := 0; i < rl.sweepEvery; i++ {
		rl.Allow("10.0.1.1")
	}
	assert.LessOrEqual(t, len(rl.buckets), 1)
}

func TestRateLimiter_SweepOnSize(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Second)
	rl.sweepEvery = 1 << 30
	rl.sweepAtSize = 20

	for i := 0; i < 21; i++ {
		rl.Allow(fmt.Sprintf("k%d", i))
	}
	clock.t = clock.t.Add(2 * time.Second)
	rl.Allow("fresh")
	assert.Len(t, rl.buckets, 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, 30*time.Second)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.1:5555"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "31", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req, nil))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ClientIP(req, nil), "forwarded header ignored without trusted proxies")

	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", ClientIP(req, trusted), "peer is not a trusted proxy")
}

func TestClientIP_TrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", ""})
	require.NoError(t, err)
	require.Len(t, trusted, 2)

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "10.1.2.3:443"

	tests := []struct {
		name string
		xff  string
		want string
	}{
		{name: "no header", xff: "", want: "10.1.2.3"},
		{name: "single hop", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "spoofed leftmost hop", xff: "198.51.100.7, 203.0.113.9", want: "203.0.113.9"},
		{name: "chain of proxies", xff: "203.0.113.9, 192.0.2.1, 10.0.0.1", want: "203.0.113.9"},
		{name: "only proxies", xff: "10.0.0.2, 10.0.0.1", want: "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req.Header.Set("X-Forwarded-For", tt.xff)
			assert.Equal(t, tt.want, ClientIP(req, trusted))
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"not-an-ip"})
	assert.ErrorContains(t, err, "invalid trusted proxy")

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
