package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"maestro/pkg/logger"
)

// Recovery converts handler panics into 500 responses.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging logs each request with its duration.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// RateLimiter throttles requests per client IP on a fixed one-minute window
// with a burst allowance.
type RateLimiter struct {
	mu       sync.Mutex
	counts   map[string]int
	windowAt time.Time
	perMin   int
	burst    int
	enabled  bool
}

// NewRateLimiter creates a limiter; disabled limiters pass everything.
func NewRateLimiter(enabled bool, perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		counts:   make(map[string]int),
		windowAt: time.Now(),
		perMin:   perMinute,
		burst:    burst,
		enabled:  enabled,
	}
}

// Middleware applies the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		rl.mu.Lock()
		if time.Since(rl.windowAt) > time.Minute {
			rl.counts = make(map[string]int)
			rl.windowAt = time.Now()
		}
		rl.counts[host]++
		over := rl.counts[host] > rl.perMin+rl.burst
		rl.mu.Unlock()

		if over {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
