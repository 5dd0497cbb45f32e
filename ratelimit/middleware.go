package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnknownClient is the key used when no client address can be determined.
const UnknownClient = "unknown"

// ClientIP returns the caller address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xr) != nil {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) != nil {
		return host
	}
	return UnknownClient
}

// Middleware rejects requests over the limit with onLimited. Limiter errors
// let the request through.
func Middleware(l Limiter, scope string, log *zap.Logger, onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			d, err := l.Allow(r.Context(), scope+":"+ip)
			if err != nil {
				log.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(seconds(d.RetryAfter)))
				log.Info("rate limited", zap.String("scope", scope), zap.String("client_ip", ip))
				onLimited(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(seconds(d.Reset)))
			next.ServeHTTP(w, r)
		})
	}
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
