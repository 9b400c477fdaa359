package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/polis-authz/pkg/domain"
)

// RateLimit bounds decision requests per endpoint with a token bucket.
// A zero RequestsPerSecond disables limiting.
type RateLimit struct {
	RequestsPerSecond int
	Burst             int
}

// rateLimiter holds one bucket per decision endpoint.
type rateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimit
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond
	}
	return &rateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (rl *rateLimiter) bucket(endpoint string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[endpoint]
	if !ok {
		b = &tokenBucket{
			rate:       float64(rl.cfg.RequestsPerSecond),
			capacity:   float64(rl.cfg.Burst),
			tokens:     float64(rl.cfg.Burst),
			lastRefill: rl.now(),
		}
		rl.buckets[endpoint] = b
	}
	return b
}

// wrap rejects requests with 429 once the endpoint's bucket is empty.
func (rl *rateLimiter) wrap(s *Server, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if rl == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		b := rl.bucket(endpoint)
		allowed, remaining := b.take(rl.now())

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerSecond))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusTooManyRequests, domain.CodeRateLimited, "rate limit exceeded for "+endpoint)
			return
		}
		next(w, r)
	}
}

// tokenBucket refills continuously at rate tokens per second up to capacity.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) take(now time.Time) (bool, int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
		tb.lastRefill = now
	}

	if tb.tokens < 1 {
		return false, 0
	}
	tb.tokens--
	return true, int(tb.tokens)
}
