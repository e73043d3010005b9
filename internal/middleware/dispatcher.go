package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"apiguard/internal/audit"
	"apiguard/internal/models"
	"apiguard/internal/ratelimit"
	"apiguard/internal/utils"
)

// APIHandlerFunc is an endpoint that runs behind the dispatcher. It receives
// the resolved credential; a returned error is audited and then handed to
// the dispatcher's ErrorHandler.
type APIHandlerFunc func(w http.ResponseWriter, r *http.Request, key *models.APIKey) error

// ErrorHandler writes the response for an error returned by an APIHandlerFunc.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Dispatcher runs every protected endpoint through the same pipeline:
// authenticate, rate limit, invoke, audit.
type Dispatcher struct {
	resolver     KeyResolver
	limiter      ratelimit.Limiter
	auditor      *audit.Auditor
	errorHandler ErrorHandler
	logger       *utils.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithErrorHandler replaces DefaultErrorHandler.
func WithErrorHandler(h ErrorHandler) DispatcherOption {
	return func(d *Dispatcher) {
		if h != nil {
			d.errorHandler = h
		}
	}
}

// WithDispatcherLogger sets the logger used for auth and limiter failures.
func WithDispatcherLogger(logger *utils.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher. A nil limiter disables rate limiting
// and a nil auditor discards records.
func NewDispatcher(resolver KeyResolver, limiter ratelimit.Limiter, auditor *audit.Auditor, opts ...DispatcherOption) *Dispatcher {
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}
	if auditor == nil {
		auditor = audit.NewAuditor(nil)
	}
	d := &Dispatcher{
		resolver:     resolver,
		limiter:      limiter,
		auditor:      auditor,
		errorHandler: DefaultErrorHandler,
		logger:       utils.NewLogger("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wrap protects h. The route used for rate limiting and auditing is the
// chi route pattern, or the request path outside chi.
func (d *Dispatcher) Wrap(h APIHandlerFunc) http.Handler {
	return d.WrapRoute("", h)
}

// WrapRoute protects h under an explicit route name.
func (d *Dispatcher) WrapRoute(route string, h APIHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := authenticate(d.resolver, d.logger, w, r)
		if !ok {
			return
		}

		routeName := route
		if routeName == "" {
			routeName = routeOf(r)
		}

		capture := d.auditor.Begin(r)
		rw := newResponseRecorder(w)
		keyID := key.ID
		outcome := audit.Outcome{APIKeyID: &keyID, Route: routeName}

		decision, err := d.limiter.Check(r.Context(), key.ID.String(), routeName, key.RateLimitOverride())
		if err != nil {
			d.logger.Error("Rate limit check failed, rejecting request",
				"route", routeName, "api_key_id", key.ID, "error", err)
			utils.RespondWithError(rw, http.StatusInternalServerError, "Internal server error")
			outcome.StatusCode = http.StatusInternalServerError
			outcome.Err = err
			outcome.Kind = audit.KindUpstreamUnavailable
			d.finish(capture, rw, outcome)
			return
		}

		setRateLimitHeaders(rw.Header(), decision)
		if !decision.Allowed {
			limitErr := &ratelimit.LimitError{Decision: decision}
			writeRateLimited(rw, decision)
			outcome.StatusCode = http.StatusTooManyRequests
			outcome.Err = limitErr
			d.finish(capture, rw, outcome)
			return
		}

		r = r.WithContext(withAPIKey(r.Context(), key))
		d.invoke(rw, r, key, h, capture, outcome, decision)
	})
}

func (d *Dispatcher) invoke(rw *responseRecorder, r *http.Request, key *models.APIKey, h APIHandlerFunc, capture *audit.Capture, outcome audit.Outcome, decision ratelimit.Decision) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		outcome.Err = &audit.PanicError{Value: v}
		outcome.StatusCode = http.StatusInternalServerError
		if rw.Committed() {
			outcome.StatusCode = rw.status
		}
		d.finish(capture, rw, outcome)
		panic(v)
	}()

	err := h(rw, r, key)

	switch {
	case r.Context().Err() != nil && !rw.Committed():
		outcome.StatusCode = audit.StatusClientClosedRequest
		outcome.Kind = audit.KindClientClosedRequest
		outcome.Err = err
		if outcome.Err == nil {
			outcome.Err = r.Context().Err()
		}
	case err != nil:
		outcome.Err = err
		outcome.StatusCode = audit.StatusForError(err)
		if rw.Committed() {
			outcome.StatusCode = rw.status
		}
	default:
		outcome.StatusCode = rw.status
	}

	d.finish(capture, rw, outcome)

	if err != nil {
		// A bare ErrRateLimited carries no window; use the route's.
		var limitErr *ratelimit.LimitError
		if errors.Is(err, ratelimit.ErrRateLimited) && !errors.As(err, &limitErr) && !rw.Committed() {
			rw.Header().Set("Retry-After", retryAfter(decision))
		}
		d.errorHandler(rw, r, err)
	}
}

func (d *Dispatcher) finish(capture *audit.Capture, rw *responseRecorder, outcome audit.Outcome) {
	outcome.Header = rw.Header()
	outcome.BytesWritten = rw.bytes
	d.auditor.Record(capture.Finish(outcome))
}

// DefaultErrorHandler writes the standard JSON error bodies. Nothing is
// written when the handler already sent a response.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if committed(w) {
		return
	}
	var limitErr *ratelimit.LimitError
	switch {
	case errors.As(err, &limitErr):
		writeRateLimited(w, limitErr.Decision)
	case errors.Is(err, ratelimit.ErrRateLimited):
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", retryAfter(ratelimit.Decision{}))
		}
		utils.RespondWithErrorMessage(w, http.StatusTooManyRequests,
			"Rate limit exceeded", "Too many requests, please try again later")
	default:
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeRateLimited(w http.ResponseWriter, decision ratelimit.Decision) {
	w.Header().Set("Retry-After", retryAfter(decision))
	utils.RespondWithErrorMessage(w, http.StatusTooManyRequests,
		"Rate limit exceeded", "Too many requests, please try again later")
}

// retryAfter is the Retry-After value in whole seconds. Decisions without a
// window (NoopLimiter) fall back to the default policy's.
func retryAfter(decision ratelimit.Decision) string {
	wait := decision.RetryAfter
	if wait <= 0 {
		wait = ratelimit.DefaultPolicy.Window
	}
	return strconv.Itoa(max(int(wait/time.Second), 1))
}

func setRateLimitHeaders(h http.Header, decision ratelimit.Decision) {
	if decision.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	if decision.Remaining >= 0 {
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
