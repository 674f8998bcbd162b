package middleware

import (
	"net/http"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/maypok86/otter/v2"
	"golang.org/x/time/rate"
)

// ClientLimiter applies a token bucket per client IP. Buckets of clients
// that go quiet are evicted.
type ClientLimiter struct {
	rps      rate.Limit
	burst    int
	limiters *otter.Cache[string, *rate.Limiter]
}

// NewClientLimiter creates a limiter allowing rps requests per second with
// the given burst for each client. A non-positive rps disables limiting.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		limiters: otter.Must(&otter.Options[string, *rate.Limiter]{
			MaximumSize:      10_000,
			ExpiryCalculator: otter.ExpiryAccessing[string, *rate.Limiter](10 * time.Minute),
		}),
	}
}

// Allow reports whether a request from ip may proceed.
func (l *ClientLimiter) Allow(ip string) bool {
	if l.rps <= 0 {
		return true
	}
	limiter, ok := l.limiters.GetIfPresent(ip)
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters.Set(ip, limiter)
	}
	return limiter.Allow()
}

// Middleware rejects requests over the limit with 429. Health and metrics
// endpoints are never limited.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := utils.ClientIP(r)
		if !l.Allow(ip) {
			logger.Debug("{middleware/ratelimit - Middleware} rate limited %s on %s", ip, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
