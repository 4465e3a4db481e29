package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a keyed token bucket. Each key's bucket refills
// continuously at rate tokens per second up to burst.
type rateLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	updated  time.Time
	lastSeen time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		rate:    requestsPerSecond,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{tokens: rl.burst, updated: now}
		rl.buckets[key] = b
	}

	b.tokens = min(rl.burst, b.tokens+now.Sub(b.updated).Seconds()*rl.rate)
	b.updated = now
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) dropIdle(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup drops buckets idle for longer than maxAge, once per interval.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.dropIdle(time.Now().Add(-maxAge))
			}
		}
	}()
}

// limitBy builds middleware that rejects requests whose key has exhausted
// its bucket. An empty key passes through unlimited.
func limitBy(rl *rateLimiter, msg string, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if k := key(r); k != "" && !rl.allow(k) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipRateLimitMiddleware rate-limits by remote IP. Used on the
// unauthenticated login and signup routes; chi's RealIP runs before this,
// so RemoteAddr already carries the client address.
func ipRateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return limitBy(rl, "too many attempts", func(r *http.Request) string {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return ip
	})
}

// rateLimitMiddleware rate-limits authenticated requests by user ID.
func rateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return limitBy(rl, "rate limit exceeded", func(r *http.Request) string {
		if u := getUserFromContext(r.Context()); u != nil {
			return u.ID
		}
		return ""
	})
}
