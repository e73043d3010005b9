package audit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/models"
	"apiguard/internal/utils"
)

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = time.Second

// Auditor builds one RequestStat per dispatched call and writes it to a
// sink off the response path.
type Auditor struct {
	sink    Sink
	timeout time.Duration
	logger  *utils.Logger
	now     func() time.Time

	inflight sync.WaitGroup
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithWriteTimeout bounds each sink write. Non-positive values are ignored.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Auditor) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *utils.Logger) Option {
	return func(a *Auditor) { a.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// NewAuditor creates an auditor writing to sink. A nil sink discards records.
func NewAuditor(sink Sink, opts ...Option) *Auditor {
	a := &Auditor{
		sink:    sink,
		timeout: DefaultWriteTimeout,
		logger:  utils.NewLogger("audit"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capture holds the "before" half of a measurement.
type Capture struct {
	auditor   *Auditor
	req       *http.Request
	start     time.Time
	requestID string
	before    Snapshot
}

// Outcome describes how a call settled.
type Outcome struct {
	APIKeyID *uuid.UUID
	Route    string
	// StatusCode is what was sent to the client. Zero means 200, or the
	// status derived from Err when Err is set.
	StatusCode int
	// Header is the response header map, read for Content-Length and X-Cache.
	Header http.Header
	// BytesWritten is used when no Content-Length header was set.
	BytesWritten int64
	Err          error
	// Kind overrides KindOf(Err) when set.
	Kind string
}

// Begin snapshots resources before the handler runs. The start time is the
// ingress marker when one is present, so time spent in outer middleware
// counts towards the duration.
func (a *Auditor) Begin(r *http.Request) *Capture {
	now := a.now()
	start, ok := IngressStart(r.Context())
	if !ok {
		start = now
	}
	requestID := RequestID(r.Context())
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Capture{
		auditor:   a,
		req:       r,
		start:     start,
		requestID: requestID,
		before:    TakeSnapshot(now),
	}
}

// Finish builds the audit record for the call. It does not write it.
func (c *Capture) Finish(o Outcome) *models.RequestStat {
	after := TakeSnapshot(c.auditor.now())
	r := c.req

	rec := &models.RequestStat{
		ID:          uuid.New(),
		APIKeyID:    o.APIKeyID,
		RequestID:   c.requestID,
		Route:       o.Route,
		Path:        r.URL.Path,
		Method:      r.Method,
		StatusCode:  o.StatusCode,
		DurationMS:  float64(after.At.Sub(c.start).Microseconds()) / 1000.0,
		UserAgent:   r.UserAgent(),
		IPAddress:   utils.ClientIP(r),
		QueryParams: models.JSONBFromQuery(r.URL.Query()),
		CreatedAt:   c.start.UTC(),
	}
	if rec.Route == "" {
		rec.Route = r.URL.Path
	}

	if cpu, ok := c.before.CPUDelta(after); ok {
		rec.CPUTimeMS = utils.Ptr(float64(cpu.Microseconds()) / 1000.0)
	}
	rec.MemoryDeltaBytes = utils.Ptr(c.before.HeapDelta(after))

	if size, ok := responseSize(o.Header, o.BytesWritten); ok {
		rec.ResponseSize = utils.Ptr(size)
	}
	if hit, ok := cacheHit(o.Header); ok {
		rec.CacheHit = utils.Ptr(hit)
	}

	if o.Err != nil {
		rec.ErrorMessage = utils.Ptr(o.Err.Error())
		if rec.StatusCode == 0 {
			rec.StatusCode = StatusForError(o.Err)
		}
	}
	kind := o.Kind
	if kind == "" {
		kind = KindOf(o.Err)
	}
	if kind != "" {
		rec.ErrorKind = utils.Ptr(kind)
	}
	if rec.StatusCode == 0 {
		rec.StatusCode = http.StatusOK
	}
	return rec
}

// Record writes rec on its own goroutine with a bounded timeout. Sink
// errors are logged and dropped.
func (a *Auditor) Record(rec *models.RequestStat) {
	if a.sink == nil || rec == nil {
		return
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()

		// Detached from the request: the client may already be gone.
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.sink.Record(ctx, rec); err != nil {
			a.logger.Warn("Failed to write audit record",
				"request_id", rec.RequestID, "route", rec.Route, "error", err)
		}
	}()
}

// Close waits for in-flight writes or until ctx is done.
func (a *Auditor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func responseSize(h http.Header, written int64) (int64, bool) {
	if h != nil {
		if cl := h.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	if written > 0 {
		return written, true
	}
	return 0, false
}

// cacheHit reads X-Cache values such as "HIT" or "MISS from edge-1".
func cacheHit(h http.Header) (bool, bool) {
	if h == nil {
		return false, false
	}
	v := strings.ToUpper(strings.TrimSpace(h.Get("X-Cache")))
	switch {
	case strings.HasPrefix(v, "HIT"):
		return true, true
	case strings.HasPrefix(v, "MISS"):
		return false, true
	default:
		return false, false
	}
}
