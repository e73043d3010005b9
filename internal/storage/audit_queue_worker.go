package storage

import (
	"context"
	"fmt"
	"time"

	"apiguard/internal/models"
	"apiguard/internal/queue"
	"apiguard/internal/utils"
)

// RequestStatWriter persists audit records. RequestStatRepository is the
// production implementation.
type RequestStatWriter interface {
	Create(ctx context.Context, rec *models.RequestStat) error
	CreateBatch(ctx context.Context, recs []*models.RequestStat) error
}

// BatchArchiver copies persisted batches to long-term storage.
type BatchArchiver interface {
	WriteBatch(ctx context.Context, recs []*models.RequestStat) (string, error)
}

// AuditQueueWorker drains the audit queue into the database in batches.
// A failed batch falls back to per-record inserts with exponential
// backoff; records that still fail go to the dead-letter queue.
type AuditQueueWorker struct {
	queue    queue.Queue
	dlq      queue.DeadLetterQueue
	writer   RequestStatWriter
	archiver BatchArchiver
	config   *queue.Config
	logger   *utils.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// WorkerOption configures an AuditQueueWorker.
type WorkerOption func(*AuditQueueWorker)

// WithArchiver archives every persisted batch.
func WithArchiver(a BatchArchiver) WorkerOption {
	return func(w *AuditQueueWorker) { w.archiver = a }
}

// WithWorkerLogger replaces the default logger.
func WithWorkerLogger(l *utils.Logger) WorkerOption {
	return func(w *AuditQueueWorker) { w.logger = l }
}

func NewAuditQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, writer RequestStatWriter, config *queue.Config, opts ...WorkerOption) *AuditQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("audit")
	}
	w := &AuditQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger("audit-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the worker goroutine
func (w *AuditQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker and waits for it to drain what is queued.
func (w *AuditQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *AuditQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Audit worker stopping, draining queue")
			w.drain()
			return
		case <-ctx.Done():
			w.logger.Info("Audit worker context cancelled")
			return
		default:
			w.processBatch(ctx, w.config.BatchTimeout)
		}
	}
}

// drain flushes whatever is still queued, bounded by a fixed deadline.
func (w *AuditQueueWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ctx.Err() == nil {
		if n := w.processBatch(ctx, 50*time.Millisecond); n == 0 {
			return
		}
	}
}

// processBatch handles one batch and returns how many items it dequeued.
func (w *AuditQueueWorker) processBatch(ctx context.Context, wait time.Duration) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, wait)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to dequeue audit records", "error", err)
			w.sleep(ctx, time.Second)
		}
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	records := make([]*models.RequestStat, 0, len(items))
	for _, item := range items {
		var rec models.RequestStat
		if err := queue.Decode(item, &rec); err != nil {
			w.logger.Error("Failed to decode audit record", "error", err)
			continue
		}
		records = append(records, &rec)
	}
	if len(records) == 0 {
		return len(items)
	}

	persisted := records
	if err := w.writer.CreateBatch(ctx, records); err != nil {
		w.logger.Warn("Batch insert failed, falling back to single inserts", "count", len(records), "error", err)
		persisted = nil
		for _, rec := range records {
			if err := w.processItem(ctx, rec); err != nil {
				w.logger.Error("Failed to persist audit record", "request_id", rec.RequestID, "error", err)
				continue
			}
			persisted = append(persisted, rec)
		}
	} else {
		w.logger.Debug("Persisted audit batch", "count", len(records))
	}

	w.archive(ctx, persisted)
	return len(items)
}

// processItem inserts one record with retries, dead-lettering it on failure.
func (w *AuditQueueWorker) processItem(ctx context.Context, rec *models.RequestStat) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying audit record", "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				break
			}
		}

		attempts++
		if err := w.writer.Create(ctx, rec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, rec, lastErr, attempts); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Audit record moved to DLQ", "request_id", rec.RequestID, "error", lastErr)
		}
	}
	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *AuditQueueWorker) archive(ctx context.Context, recs []*models.RequestStat) {
	if w.archiver == nil || len(recs) == 0 {
		return
	}
	if _, err := w.archiver.WriteBatch(ctx, recs); err != nil {
		// Already in the database; the archive is best effort.
		w.logger.Warn("Failed to archive audit batch", "count", len(recs), "error", err)
	}
}

// sleep waits for d and reports false if ctx ended first.
func (w *AuditQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// GetQueueLength returns the current queue length
func (w *AuditQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *AuditQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a dead-lettered record and removes it from the DLQ.
func (w *AuditQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		var rec models.RequestStat
		if err := queue.Decode(dlItem.Item, &rec); err != nil {
			return fmt.Errorf("failed to decode dead letter item: %w", err)
		}
		if err := w.queue.Enqueue(ctx, &rec); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
