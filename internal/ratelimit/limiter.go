package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"apiguard/internal/utils"
)

var (
	// ErrRateLimited marks a request rejected for exceeding its window budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCounterUnavailable is returned in fail-closed mode when the counter cache errors.
	ErrCounterUnavailable = errors.New("rate limit counter unavailable")
)

// Decision is the outcome of one check-and-increment.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int
	Remaining int
	Window    time.Duration
	// RetryAfter is what callers should send in the Retry-After header.
	RetryAfter time.Duration
	// Degraded is set when the counter failed and the request was let through.
	Degraded bool
}

// LimitError carries the rejecting decision. errors.Is(err, ErrRateLimited) holds.
type LimitError struct {
	Decision Decision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d requests in %s", e.Decision.Count, e.Decision.Limit, e.Decision.Window)
}

func (e *LimitError) Unwrap() error {
	return ErrRateLimited
}

// Limiter is used to enforce per-key, per-route rate limits.
type Limiter interface {
	Check(ctx context.Context, credentialID, route string, override *int) (Decision, error)
	Reset(ctx context.Context, credentialID, route string) error
	ResetAll(ctx context.Context, credentialID string) error
}

// NoopLimiter allows all requests.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Check(ctx context.Context, credentialID, route string, override *int) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

func (l *NoopLimiter) Reset(ctx context.Context, credentialID, route string) error {
	return nil
}

func (l *NoopLimiter) ResetAll(ctx context.Context, credentialID string) error {
	return nil
}

// FixedWindowLimiter counts requests per (credential, route) in windows that
// start on the first request and end when the counter key expires.
type FixedWindowLimiter struct {
	counter    Counter
	policies   *PolicyTable
	failClosed bool
	logger     *utils.Logger

	// degradedLog keeps a dead counter cache from flooding the log.
	degradedLog *rate.Sometimes
	suppressed  atomic.Int64
}

// DegradedLogInterval is the minimum gap between fail-open warnings.
const DegradedLogInterval = 10 * time.Second

// Option configures a FixedWindowLimiter.
type Option func(*FixedWindowLimiter)

// WithFailClosed makes counter errors reject the request instead of allowing it.
func WithFailClosed() Option {
	return func(l *FixedWindowLimiter) { l.failClosed = true }
}

// WithLogger replaces the default logger.
func WithLogger(logger *utils.Logger) Option {
	return func(l *FixedWindowLimiter) { l.logger = logger }
}

// NewFixedWindowLimiter creates a limiter. A nil table uses DefaultPolicy for every route.
func NewFixedWindowLimiter(counter Counter, policies *PolicyTable, opts ...Option) *FixedWindowLimiter {
	if policies == nil {
		policies = NewPolicyTable(DefaultPolicy, nil)
	}
	l := &FixedWindowLimiter{
		counter:     counter,
		policies:    policies,
		logger:      utils.NewLogger("ratelimit"),
		degradedLog: &rate.Sometimes{First: 1, Interval: DegradedLogInterval},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CounterKey is the cache key for a (credential, route) pair.
func CounterKey(credentialID, route string) string {
	return fmt.Sprintf("ratelimit:%s:%s", credentialID, route)
}

// Check increments the counter for (credentialID, route) and reports whether
// the request fits the effective limit. It never returns ErrRateLimited itself;
// callers turn !Allowed into a rejection.
func (l *FixedWindowLimiter) Check(ctx context.Context, credentialID, route string, override *int) (Decision, error) {
	policy := l.policies.Resolve(route)
	limit := EffectiveLimit(policy, override)

	d := Decision{
		Limit:      limit,
		Window:     policy.Window,
		RetryAfter: policy.Window,
	}

	// A non-positive limit disables limiting for the route.
	if limit <= 0 {
		d.Allowed = true
		d.Remaining = -1
		return d, nil
	}

	count, err := l.counter.IncrementWithExpiry(ctx, CounterKey(credentialID, route), policy.Window)
	if err != nil {
		if l.failClosed {
			return d, fmt.Errorf("%w: %w", ErrCounterUnavailable, err)
		}
		l.warnDegraded(credentialID, route, err)
		d.Allowed = true
		d.Degraded = true
		d.Remaining = -1
		return d, nil
	}

	d.Count = count
	d.Allowed = count <= int64(limit)
	d.Remaining = max(limit-int(count), 0)
	return d, nil
}

func (l *FixedWindowLimiter) warnDegraded(credentialID, route string, err error) {
	logged := false
	l.degradedLog.Do(func() {
		logged = true
		l.logger.Warn("Rate limit counter unavailable, allowing request",
			"api_key_id", credentialID, "route", route, "suppressed", l.suppressed.Swap(0), "error", err)
	})
	if !logged {
		l.suppressed.Add(1)
	}
}

// Reset clears the counter for one route.
func (l *FixedWindowLimiter) Reset(ctx context.Context, credentialID, route string) error {
	return l.counter.Delete(ctx, CounterKey(credentialID, route))
}

// ResetAll clears every counter held for credentialID.
func (l *FixedWindowLimiter) ResetAll(ctx context.Context, credentialID string) error {
	lister, ok := l.counter.(keyLister)
	if !ok {
		return fmt.Errorf("counter does not support listing keys")
	}
	keys, err := lister.Keys(ctx, CounterKey(credentialID, "*"))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	l.logger.Info("Clearing rate limit counters", "api_key_id", credentialID, "count", len(keys))
	return l.counter.Delete(ctx, keys...)
}
