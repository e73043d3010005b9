package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"apiguard/internal/auth"
	"apiguard/internal/ratelimit"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ""},
		{"rate limited", &ratelimit.LimitError{}, KindRateLimitExceeded},
		{"wrapped rate limited", fmt.Errorf("handler: %w", ratelimit.ErrRateLimited), KindRateLimitExceeded},
		{"unknown key", auth.ErrKeyNotFound, KindUnauthenticated},
		{"store down", fmt.Errorf("%w: timeout", auth.ErrStoreUnavailable), KindUpstreamUnavailable},
		{"counter down", ratelimit.ErrCounterUnavailable, KindUpstreamUnavailable},
		{"panic", &PanicError{Value: "boom"}, KindHandlerPanic},
		{"cancelled", context.Canceled, KindClientClosedRequest},
		{"other", errors.New("nope"), KindHandlerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, StatusForError(&ratelimit.LimitError{}))
	assert.Equal(t, http.StatusInternalServerError, StatusForError(errors.New("x")))
	assert.Equal(t, http.StatusInternalServerError, StatusForError(&PanicError{Value: 1}))
}

func TestPanicError_Message(t *testing.T) {
	assert.Equal(t, "panic: boom", (&PanicError{Value: "boom"}).Error())
	assert.Equal(t, "panic: bad state", (&PanicError{Value: errors.New("bad state")}).Error())
}
