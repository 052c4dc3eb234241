package auth

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/proveniq/ledger-core/pkg/api"
)

// RateLimiter keeps a token bucket per client key. It is protective only:
// it shields the chain lock and the delivery tables from a misbehaving
// client, nothing more.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst per client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow consumes one token for the client key.
func (l *RateLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// RateLimitMiddleware enforces per-client rate limiting at the HTTP layer.
// The client key is the authenticated principal ID, falling back to the
// remote address. On limit exceeded it returns 429 with Retry-After.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// No limiter configured: fail open.
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.RemoteAddr
			if p, err := GetPrincipal(r.Context()); err == nil {
				key = p.ID
			}

			if !limiter.Allow(key) {
				retryAfter := 1
				if limiter.rps > 0 && limiter.rps < 1 {
					retryAfter = int(1 / float64(limiter.rps))
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
