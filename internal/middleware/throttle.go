package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"apiguard/internal/utils"
)

// IPThrottle limits requests per client IP before any credential lookup,
// which caps how fast a single address can guess keys. Rejections carry
// the same body as per-key rate limiting. requests <= 0 disables it.
func IPThrottle(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			utils.RespondWithErrorMessage(w, http.StatusTooManyRequests,
				"Rate limit exceeded", "Too many requests, please try again later")
		}),
	)
}

// Chain wraps h with mws; the first middleware is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
