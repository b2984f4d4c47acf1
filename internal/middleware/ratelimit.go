package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitMessage is returned once a caller exhausts its hourly budget.
const RateLimitMessage = "Too many request from this IP in 1 hour"

// ChatRateLimit limits each user to perHour requests in a sliding hour.
// Anonymous callers are keyed by IP. Zero or less disables the limit.
func ChatRateLimit(perHour int) func(http.Handler) http.Handler {
	return UserRateLimit(perHour, time.Hour)
}

// UserRateLimit creates per-user rate limiting middleware.
func UserRateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	if requestLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	retryAfter := strconv.Itoa(int(windowLength.Seconds()))
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := GetUserID(r.Context()); userID != "" {
				return "user:" + userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			writeFail(w, http.StatusTooManyRequests, RateLimitMessage)
		}),
	)
}
