package routing

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

const redisKeyPrefix = "corebridge:rr:"

// CursorFactory creates the cursor for a routing key.
type CursorFactory func(key string) domain.Cursor

// AtomicCursor is a process-local counter.
type AtomicCursor struct {
	value atomic.Uint64
}

// NewAtomicCursor creates a cursor starting at zero.
func NewAtomicCursor() *AtomicCursor {
	return &AtomicCursor{}
}

// Next returns the current value and increments it in one atomic step.
func (c *AtomicCursor) Next(_ context.Context) (uint64, error) {
	return c.value.Add(1) - 1, nil
}

// AtomicCursors is a CursorFactory for process-local cursors.
func AtomicCursors(string) domain.Cursor {
	return NewAtomicCursor()
}

// RedisCursor shares a counter across gateway replicas through INCR.
// When Redis is unavailable it falls back to a local counter.
type RedisCursor struct {
	client   redis.Cmdable
	key      string
	fallback *AtomicCursor
}

// NewRedisCursor creates a cursor stored under the given routing key.
func NewRedisCursor(client redis.Cmdable, key string) *RedisCursor {
	return &RedisCursor{
		client:   client,
		key:      redisKeyPrefix + key,
		fallback: NewAtomicCursor(),
	}
}

// Next increments the shared counter and returns its previous value.
func (c *RedisCursor) Next(ctx context.Context) (uint64, error) {
	value, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		observability.FromContext(ctx).Warn("redis cursor unavailable, using local counter",
			observability.String("key", c.key),
			observability.Error(err))
		return c.fallback.Next(ctx)
	}
	if value <= 0 {
		return 0, nil
	}
	return uint64(value - 1), nil
}

// RedisCursors returns a CursorFactory backed by one Redis client.
func RedisCursors(client redis.Cmdable) CursorFactory {
	return func(key string) domain.Cursor {
		return NewRedisCursor(client, key)
	}
}
