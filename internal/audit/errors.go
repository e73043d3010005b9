package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"apiguard/internal/auth"
	"apiguard/internal/ratelimit"
)

// Error kinds stored in RequestStat.ErrorKind.
const (
	KindRateLimitExceeded   = "RateLimitExceeded"
	KindUnauthenticated     = "Unauthenticated"
	KindUpstreamUnavailable = "UpstreamUnavailable"
	KindHandlerPanic        = "HandlerPanic"
	KindHandlerError        = "HandlerError"
	KindClientClosedRequest = "ClientClosedRequest"
)

// StatusClientClosedRequest is recorded when the caller went away before the
// handler finished. Nothing is written to the client with this status.
const StatusClientClosedRequest = 499

// PanicError carries a value recovered from a handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// KindOf classifies err for the audit record.
func KindOf(err error) string {
	var pe *PanicError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ratelimit.ErrRateLimited):
		return KindRateLimitExceeded
	case errors.Is(err, auth.ErrKeyNotFound):
		return KindUnauthenticated
	case errors.Is(err, auth.ErrStoreUnavailable), errors.Is(err, ratelimit.ErrCounterUnavailable):
		return KindUpstreamUnavailable
	case errors.As(err, &pe):
		return KindHandlerPanic
	case errors.Is(err, context.Canceled):
		return KindClientClosedRequest
	default:
		return KindHandlerError
	}
}

// StatusForError maps a handler error to the status recorded for it:
// 429 for rate limit errors, 500 for everything else.
func StatusForError(err error) int {
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
