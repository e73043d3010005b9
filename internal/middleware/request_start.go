package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/audit"
)

const requestIDHeader = "X-Request-ID"

// RequestStart stamps the ingress time and a request id into the context.
// Mount it outermost so audited durations include every later middleware.
// An inbound X-Request-ID is kept; otherwise a UUID v7 is generated.
func RequestStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithIngress(r.Context(), start, id)))
	})
}

// GetRequestID returns the id assigned by RequestStart, or "".
func GetRequestID(ctx context.Context) string {
	return audit.RequestID(ctx)
}
