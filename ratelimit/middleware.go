package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Policy configures Middleware.
type Policy struct {
	MaxEvents int
	Window    time.Duration
	// KeyFunc extracts the identifier from a request. Defaults to ClientIP.
	KeyFunc func(r *http.Request) string
}

// DefaultPolicy allows 100 requests per minute per client address.
func DefaultPolicy() Policy {
	return Policy{MaxEvents: 100, Window: time.Minute, KeyFunc: ClientIP}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the policy's limit with 429.
func Middleware(l *Limiter, p Policy) func(http.Handler) http.Handler {
	if p.KeyFunc == nil {
		p.KeyFunc = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(r.Context(), p.KeyFunc(r), p.MaxEvents, p.Window)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
