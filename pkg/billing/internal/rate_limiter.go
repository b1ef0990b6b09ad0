package internal

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client limiter for the webhook route.
// It runs before signature verification.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    int
	window   time.Duration
	trusted  []netip.Prefix
	now      func() time.Time
	requests int
	// sweep expired buckets every sweepEvery requests or above sweepAtSize keys
	sweepEvery  int
	sweepAtSize int
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per
// client. Clients are keyed by ClientIP with the given trusted proxies.
func NewRateLimiter(limit int, window time.Duration, trusted []netip.Prefix) *RateLimiter {
	return &RateLimiter{
		buckets:     make(map[string]*bucket),
		limit:       limit,
		window:      window,
		trusted:     trusted,
		now:         time.Now,
		sweepEvery:  100,
		sweepAtSize: 1000,
	}
}

// Allow reports whether key may make another request, and when its window resets
func (rl *RateLimiter) Allow(key string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.requests++
	if rl.requests >= rl.sweepEvery || len(rl.buckets) > rl.sweepAtSize {
		rl.sweep(now)
		rl.requests = 0
	}

	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(rl.window)}
		rl.buckets[key] = b
	}
	if b.count >= rl.limit {
		return false, b.resetAt
	}
	b.count++
	return true, b.resetAt
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
}

// Middleware rejects over-limit clients with 429 and a Retry-After header
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, resetAt := rl.Allow(ClientIP(r, rl.trusted))
		if !ok {
			retry := int(resetAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			_ = WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParseTrustedProxies parses proxy addresses given as IPs or CIDR prefixes
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ClientIP returns the RemoteAddr host. X-Forwarded-For is only honored when
// the peer is a trusted proxy: hops are read right to left and the first one
// that is not a trusted proxy is returned.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if len(trusted) == 0 || !isTrusted(host, trusted) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
