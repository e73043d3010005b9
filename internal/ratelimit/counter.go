package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the shared cache behind the limiter. IncrementWithExpiry must
// be atomic and only set the TTL when it creates the key.
type Counter interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// keyLister is implemented by counters that can enumerate keys.
type keyLister interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// incrWithExpiry increments KEYS[1] and arms its TTL when the key is new.
// A key that somehow lost its TTL gets one too, so it cannot live forever.
var incrWithExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter implements Counter on a Redis client.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter on client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithExpiry.Run(ctx, c.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("counter increment failed: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("counter delete failed: %w", err)
	}
	return nil
}

// Keys lists keys matching pattern using SCAN.
func (c *RedisCounter) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("counter scan failed: %w", err)
	}
	return keys, nil
}
