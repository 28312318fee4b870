package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"fundsettle/pkg/ratelimit"
)

// RateLimit - ограничение частоты запросов на вызывающего
//
// Ключ - адрес вызывающего из context (после Auth), иначе IP клиента.
// При исчерпании ведра отвечает 429 с Retry-After в секундах.
func RateLimit(limiter *ratelimit.KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := string(CallerFromContext(r.Context()))
			if key == "" {
				key = clientIP(r)
			}

			bucket := limiter.Get(key)
			if !bucket.Allow() {
				wait := bucket.RetryAfter()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
