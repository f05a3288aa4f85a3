package limiter

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/michaelbrown/runbox/internal/metrics"
)

// KeyFunc derives the rate limiting key of a request.
type KeyFunc func(r *http.Request) string

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies one token bucket per caller key.
type RateLimiter struct {
	rate  rate.Limit
	burst int
	key   KeyFunc

	mu      sync.Mutex
	callers map[string]*entry
	now     func() time.Time
}

// New creates a limiter allowing rps requests per second with the given burst per key.
func New(rps float64, burst int, key KeyFunc) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:    rate.Limit(rps),
		burst:   burst,
		key:     key,
		callers: make(map[string]*entry),
		now:     time.Now,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.callers[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.callers[key] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.get(key).Allow() {
		return true
	}
	metrics.RateLimitHits.Inc()
	return false
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.key(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Prune drops limiters not used within idle and returns how many were removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for k, e := range rl.callers {
		if e.lastSeen.Before(cutoff) {
			delete(rl.callers, k)
			removed++
		}
	}
	return removed
}

// StartCleanup prunes idle limiters every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Prune(interval)
			case <-stop:
				return
			}
		}
	}()
}
