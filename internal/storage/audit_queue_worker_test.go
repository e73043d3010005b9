package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiguard/internal/models"
	"apiguard/internal/queue"
)

// fakeStatWriter simulates the request_stats table.
type fakeStatWriter struct {
	mu          sync.Mutex
	records     []*models.RequestStat
	batchErr    error
	createFails int // number of Create calls that fail before succeeding; -1 fails forever
	createCalls int
}

func (f *fakeStatWriter) Create(ctx context.Context, rec *models.RequestStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.createFails < 0 || f.createCalls <= f.createFails {
		return errors.New("simulated insert error")
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStatWriter) CreateBatch(ctx context.Context, recs []*models.RequestStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.batchErr != nil {
		return f.batchErr
	}
	f.records = append(f.records, recs...)
	return nil
}

func (f *fakeStatWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches [][]*models.RequestStat
}

func (f *fakeArchiver) WriteBatch(ctx context.Context, recs []*models.RequestStat) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, recs)
	return "key", nil
}

func (f *fakeArchiver) archived() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func testQueueConfig() *queue.Config {
	config := queue.DefaultConfig("audit-test")
	config.BatchSize = 10
	config.BatchTimeout = 20 * time.Millisecond
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond
	return config
}

func newStat() *models.RequestStat {
	id := uuid.New()
	return &models.RequestStat{ID: uuid.New(), APIKeyID: &id, RequestID: uuid.NewString(), StatusCode: 200}
}

func TestAuditQueueWorker_PersistsBatches(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	writer := &fakeStatWriter{}
	archiver := &fakeArchiver{}
	w := NewAuditQueueWorker(q, queue.NewMemoryDeadLetterQueue(), writer, config, WithArchiver(archiver))

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, q.Enqueue(ctx, newStat()))
	}

	w.Start(ctx)
	assert.Eventually(t, func() bool { return writer.count() == 25 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop())

	assert.Equal(t, 25, archiver.archived())
}

func TestAuditQueueWorker_FallsBackToSingleInserts(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	writer := &fakeStatWriter{batchErr: errors.New("deadlock detected"), createFails: 1}
	w := NewAuditQueueWorker(q, queue.NewMemoryDeadLetterQueue(), writer, config)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newStat()))
	require.NoError(t, q.Enqueue(ctx, newStat()))

	assert.Equal(t, 2, w.processBatch(ctx, 100*time.Millisecond))
	assert.Equal(t, 2, writer.count(), "first record succeeds on retry")
}

func TestAuditQueueWorker_DeadLettersAfterRetries(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	dlq := queue.NewMemoryDeadLetterQueue()
	writer := &fakeStatWriter{batchErr: errors.New("db down"), createFails: -1}
	archiver := &fakeArchiver{}
	w := NewAuditQueueWorker(q, dlq, writer, config, WithArchiver(archiver))

	ctx := context.Background()
	rec := newStat()
	require.NoError(t, q.Enqueue(ctx, rec))

	w.processBatch(ctx, 100*time.Millisecond)

	items, err := w.GetDeadLetterItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, config.MaxRetries+1, items[0].Retries)
	assert.Equal(t, "simulated insert error", items[0].Error)
	assert.Equal(t, 0, archiver.archived(), "nothing persisted, nothing archived")

	// Once the database is back the record can be replayed.
	writer.mu.Lock()
	writer.batchErr = nil
	writer.mu.Unlock()

	require.NoError(t, w.RetryDeadLetterItem(ctx, items[0].ID))
	w.processBatch(ctx, 100*time.Millisecond)
	assert.Equal(t, 1, writer.count())
	assert.Equal(t, rec.RequestID, writer.records[0].RequestID)

	items, err = w.GetDeadLetterItems(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.ErrorIs(t, w.RetryDeadLetterItem(ctx, "missing"), queue.ErrItemNotFound)
}

func TestAuditQueueWorker_StopDrainsQueue(t *testing.T) {
	config := testQueueConfig()
	config.BatchSize = 2
	q := queue.NewMemoryQueue(config)
	writer := &fakeStatWriter{}
	w := NewAuditQueueWorker(q, nil, writer, config)

	ctx := context.Background()
	w.Start(ctx)
	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(ctx, newStat()))
	}
	require.NoError(t, w.Stop())

	assert.Equal(t, 7, writer.count())
	n, err := w.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAuditQueueWorker_NoDLQConfigured(t *testing.T) {
	w := NewAuditQueueWorker(queue.NewMemoryQueue(nil), nil, &fakeStatWriter{}, nil)

	_, err := w.GetDeadLetterItems(context.Background(), 0)
	assert.Error(t, err)
	assert.Error(t, w.RetryDeadLetterItem(context.Background(), "x"))
}
