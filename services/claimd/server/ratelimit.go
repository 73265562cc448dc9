package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit configures the per-user token bucket for claim endpoints.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter throttles claim operations per authenticated user. Claim
// correctness never depends on this; the conditional writes absorb retries.
// It only keeps an aggressive client from hammering the signer and the store.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter; a zero rate disables throttling.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{limit: limit, visitors: make(map[string]*rate.Limiter)}
}

// Middleware enforces the per-user limit.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		user, ok := UserFromContext(req.Context())
		if !ok {
			next.ServeHTTP(w, req)
			return
		}
		if !r.obtain(user).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtain(user string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.visitors[user]; ok {
		return limiter
	}
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)
	r.visitors[user] = limiter
	return limiter
}
