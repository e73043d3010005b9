// Package queue decouples audit persistence from the request path.
//
// Two backends share one interface:
//
//   - MemoryQueue: buffered channel, lost on restart. Fine for a single
//     instance or local runs.
//   - RedisQueue: Redis list, survives restarts and can be drained by any
//     replica.
//
// Flow:
//
//	Dispatcher ──► audit.QueueSink ──► Queue ──► AuditQueueWorker ──► Postgres
//	                                                  │
//	                                                  ├──► S3 archive (optional)
//	                                                  └──► DeadLetterQueue (after retries)
//
// Items pushed through RedisQueue come back as json.RawMessage; items from
// MemoryQueue come back as the value that was enqueued. Decode handles both.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item any) error

	// Dequeue blocks until at least one item is available or ctx is done,
	// then returns up to maxItems.
	Dequeue(ctx context.Context, maxItems int) ([]any, error)

	// DequeueWithTimeout is Dequeue that gives up after timeout and returns
	// an empty slice.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]any, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterQueue holds items that could not be processed.
type DeadLetterQueue interface {
	// Add stores item with the error that made it fail and the number of
	// attempts made.
	Add(ctx context.Context, item any, err error, attempts int) error

	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	Remove(ctx context.Context, id string) error

	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string    `json:"id"`
	Item      any       `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis selects the Redis backend
	UseRedis bool

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// New builds the queue and dead-letter queue selected by config. The Redis
// backend needs client; the memory backend ignores it.
func New(config *Config, client *redis.Client) (Queue, DeadLetterQueue, error) {
	if config == nil {
		config = DefaultConfig("audit")
	}
	if !config.UseRedis {
		return NewMemoryQueue(config), NewMemoryDeadLetterQueue(), nil
	}
	if client == nil {
		return nil, nil, fmt.Errorf("redis queue %q: no redis client", config.QueueName)
	}
	return NewRedisQueue(client, config), NewRedisDeadLetterQueue(client, config), nil
}

// Decode copies a dequeued item into target, which must be a non-nil pointer.
func Decode(item any, target any) error {
	switch v := item.(type) {
	case json.RawMessage:
		return json.Unmarshal(v, target)
	case []byte:
		return json.Unmarshal(v, target)
	}

	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Pointer || tv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", target)
	}
	want := tv.Elem().Type()

	iv := reflect.ValueOf(item)
	if iv.IsValid() {
		if iv.Type().AssignableTo(want) {
			tv.Elem().Set(iv)
			return nil
		}
		if iv.Kind() == reflect.Pointer && !iv.IsNil() && iv.Elem().Type().AssignableTo(want) {
			tv.Elem().Set(iv.Elem())
			return nil
		}
	}

	// Anything else (e.g. map[string]any from a dead-letter item) goes
	// through JSON.
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	return json.Unmarshal(data, target)
}
