package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/metrics"
)

// Middleware rejects requests over the per-client limit with 429 and a
// Retry-After header. Its signature matches mux.MiddlewareFunc.
func (l *Limiter) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := extractClientIP(r, l.trustProxy)
			ok, wait := l.Allow(clientIP)
			if !ok {
				metrics.APIRateLimitedTotal.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				logger.Warn("rate limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"client_ip", clientIP,
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(wait time.Duration) int {
	s := int(math.Ceil(wait.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// extractClientIP returns the connection's remote host. With trustProxy it
// prefers the first X-Forwarded-For entry, then X-Real-IP; those headers are
// client-controlled unless a proxy in front rewrites them.
func extractClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
