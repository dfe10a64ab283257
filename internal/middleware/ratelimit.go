package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// RateLimit limits SILA API calls per client IP.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return limit(requestsPerMinute, httprate.KeyByIP)
}

// WebhookRateLimit limits callbacks per rail, since a rail delivers from a pool of addresses.
func WebhookRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return limit(requestsPerMinute, func(r *http.Request) (string, error) {
		return "webhook:" + chi.URLParam(r, "provider"), nil
	})
}

func limit(requestsPerMinute int, keyFunc httprate.KeyFunc) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeErrorJSON(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit")
		}),
	)
}
