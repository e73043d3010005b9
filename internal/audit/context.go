package audit

import (
	"context"
	"time"
)

type ingressKey struct{}

type ingress struct {
	start     time.Time
	requestID string
}

// WithIngress stores the time the request entered the process and its
// request id. Set once at the outermost middleware.
func WithIngress(ctx context.Context, start time.Time, requestID string) context.Context {
	return context.WithValue(ctx, ingressKey{}, ingress{start: start, requestID: requestID})
}

// IngressStart returns the ingress time recorded by WithIngress.
func IngressStart(ctx context.Context) (time.Time, bool) {
	in, ok := ctx.Value(ingressKey{}).(ingress)
	if !ok || in.start.IsZero() {
		return time.Time{}, false
	}
	return in.start, true
}

// RequestID returns the request id recorded by WithIngress, or "".
func RequestID(ctx context.Context) string {
	in, _ := ctx.Value(ingressKey{}).(ingress)
	return in.requestID
}
