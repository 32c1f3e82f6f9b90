package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles connection attempts per remote IP — an
// admission-control concern distinct from the tenant token quota enforced
// deeper in the proxy engine. Used in front of the WebSocket upgrade
// endpoint, which has no tenant credential to key a rolling window on.
type ConnectionRateLimiter struct {
	qps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewConnectionRateLimiter(qps float64, burst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		qps:      rate.Limit(qps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *ConnectionRateLimiter) limiterFor(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[ip]
	if !ok {
		l = rate.NewLimiter(c.qps, c.burst)
		c.limiters[ip] = l
	}
	return l
}

// Handler rejects with 429 once an IP exceeds its allowance; the limiter
// entry otherwise lives for the lifetime of the process, matching the
// modest cardinality of a single gateway's connecting IPs.
func (c *ConnectionRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !c.limiterFor(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate_limited","message":"too many connection attempts"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
