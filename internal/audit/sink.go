package audit

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"apiguard/internal/models"
	"apiguard/internal/queue"
	"apiguard/internal/utils"
)

// Sink receives finished audit records.
type Sink interface {
	Record(ctx context.Context, rec *models.RequestStat) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *models.RequestStat) error

func (f SinkFunc) Record(ctx context.Context, rec *models.RequestStat) error {
	return f(ctx, rec)
}

// MultiSink writes every record to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec *models.RequestStat) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueueSink hands records to a queue drained by storage.AuditQueueWorker.
type QueueSink struct {
	queue queue.Queue
}

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{queue: q}
}

func (s *QueueSink) Record(ctx context.Context, rec *models.RequestStat) error {
	return s.queue.Enqueue(ctx, rec)
}

// LogSink writes one structured log line per record.
type LogSink struct {
	logger *utils.Logger
}

func NewLogSink(logger *utils.Logger) *LogSink {
	if logger == nil {
		logger = utils.NewLogger("audit")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, rec *models.RequestStat) error {
	keyvals := []interface{}{
		"request_id", rec.RequestID,
		"route", rec.Route,
		"method", rec.Method,
		"status", rec.StatusCode,
		"duration_ms", rec.DurationMS,
		"ip", rec.IPAddress,
	}
	if rec.APIKeyID != nil {
		keyvals = append(keyvals, "api_key_id", rec.APIKeyID.String())
	}
	if rec.CPUTimeMS != nil {
		keyvals = append(keyvals, "cpu_ms", *rec.CPUTimeMS)
	}
	if rec.ErrorKind != nil {
		keyvals = append(keyvals, "error_kind", *rec.ErrorKind)
	}
	if rec.ErrorMessage != nil {
		keyvals = append(keyvals, "error", *rec.ErrorMessage)
	}

	switch {
	case rec.StatusCode >= 500:
		s.logger.Error("api request", keyvals...)
	case rec.StatusCode >= 400:
		s.logger.Warn("api request", keyvals...)
	default:
		s.logger.Info("api request", keyvals...)
	}
	return nil
}

// MemorySink keeps records in process. It backs local runs without a
// database and doubles as a usage reader for them.
type MemorySink struct {
	mu      sync.RWMutex
	records []*models.RequestStat
	limit   int
}

// NewMemorySink keeps at most limit records, dropping the oldest.
// A limit <= 0 keeps everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Record(ctx context.Context, rec *models.RequestStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.limit > 0 && len(s.records) > s.limit {
		s.records = s.records[len(s.records)-s.limit:]
	}
	return nil
}

// Records returns a copy of everything recorded so far, oldest first.
func (s *MemorySink) Records() []*models.RequestStat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.RequestStat, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ListByAPIKey returns the newest records for a key, newest first.
func (s *MemorySink) ListByAPIKey(ctx context.Context, apiKeyID uuid.UUID, limit int) ([]*models.RequestStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RequestStat
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.APIKeyID == nil || *rec.APIKeyID != apiKeyID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Summary aggregates records for a key created at or after since.
func (s *MemorySink) Summary(ctx context.Context, apiKeyID uuid.UUID, since time.Time) (*models.RequestStatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &models.RequestStatSummary{}
	var total float64
	for _, rec := range s.records {
		if rec.APIKeyID == nil || *rec.APIKeyID != apiKeyID || rec.CreatedAt.Before(since) {
			continue
		}
		sum.TotalRequests++
		total += rec.DurationMS
		if rec.IsError() {
			sum.ErrorRequests++
		}
		if rec.StatusCode == http.StatusTooManyRequests {
			sum.RateLimited++
		}
	}
	if sum.TotalRequests > 0 {
		sum.AverageDurationMS = total / float64(sum.TotalRequests)
	}
	return sum, nil
}
