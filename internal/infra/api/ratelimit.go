package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/infra/metrics"
	red "tablebook-referrals/internal/infra/redis"
)

// Limiter is satisfied by redis.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// KeyFunc picks the bucket subject for a request.
type KeyFunc func(r *http.Request) string

// ByClientIP expects chi's RealIP to have normalised RemoteAddr.
func ByClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ByUser falls back to the client IP on unauthenticated routes.
func ByUser(r *http.Request) string {
	if u := UserFrom(r.Context()); u != nil {
		return "user:" + u.ID
	}
	return ByClientIP(r)
}

// RateLimit allows perMinute requests per subject. A nil limiter or a
// non-positive limit disables it. Limiter errors fail open.
func RateLimit(l Limiter, scope string, perMinute int, key KeyFunc, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if l == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), red.RateKey(scope, key(r)), perMinute, time.Minute)
			if err != nil {
				logging.With(r.Context(), logger).Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.IncRateLimited(scope)
				w.Header().Set("Retry-After", strconv.Itoa(60))
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
