package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// WindowCounter tracks event counts per (subject, event key, window
// start) tuple and the once-per-window firing mark that keeps count
// rules idempotent within a window.
type WindowCounter interface {
	// Increment adds one occurrence and returns the count for the
	// current window.
	Increment(ctx context.Context, subjectID, eventKey string, window time.Duration) (int64, error)
	// MarkFired records that a rule fired for the current window.
	// It returns true only for the call that set the mark.
	MarkFired(ctx context.Context, subjectID, eventKey string, window time.Duration) (bool, error)
}

func windowKey(subjectID, eventKey string, window time.Duration, now time.Time) string {
	start := now.Truncate(window)
	return fmt.Sprintf("win:%s:%s:%d", subjectID, eventKey, start.Unix())
}

// MemoryWindowCounter is the in-process counter used for single-instance
// deployments and tests.
type MemoryWindowCounter struct {
	cache *gocache.Cache
}

// NewMemoryWindowCounter creates an in-process window counter. Expired
// windows are purged on the given interval.
func NewMemoryWindowCounter(cleanupInterval time.Duration) *MemoryWindowCounter {
	return &MemoryWindowCounter{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Increment implements WindowCounter.
func (c *MemoryWindowCounter) Increment(_ context.Context, subjectID, eventKey string, window time.Duration) (int64, error) {
	key := windowKey(subjectID, eventKey, window, time.Now().UTC())
	// Add is atomic and a no-op when the key exists, so the pair of
	// calls never loses an increment.
	c.cache.Add(key, int64(0), 2*window)
	return c.cache.IncrementInt64(key, 1)
}

// MarkFired implements WindowCounter.
func (c *MemoryWindowCounter) MarkFired(_ context.Context, subjectID, eventKey string, window time.Duration) (bool, error) {
	key := windowKey(subjectID, eventKey, window, time.Now().UTC()) + ":fired"
	if err := c.cache.Add(key, true, 2*window); err != nil {
		return false, nil
	}
	return true, nil
}

// RedisWindowCounter shares window state between instances so the
// at-most-one-alert-per-window invariant holds across a fleet.
type RedisWindowCounter struct {
	client *redis.Client
}

// NewRedisWindowCounter creates a Redis backed window counter.
func NewRedisWindowCounter(client *redis.Client) *RedisWindowCounter {
	return &RedisWindowCounter{client: client}
}

// Increment implements WindowCounter.
func (c *RedisWindowCounter) Increment(ctx context.Context, subjectID, eventKey string, window time.Duration) (int64, error) {
	key := windowKey(subjectID, eventKey, window, time.Now().UTC())
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment window counter: %w", err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, 2*window).Err(); err != nil {
			return count, fmt.Errorf("failed to set counter expiry: %w", err)
		}
	}
	return count, nil
}

// MarkFired implements WindowCounter.
func (c *RedisWindowCounter) MarkFired(ctx context.Context, subjectID, eventKey string, window time.Duration) (bool, error) {
	key := windowKey(subjectID, eventKey, window, time.Now().UTC()) + ":fired"
	set, err := c.client.SetNX(ctx, key, 1, 2*window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set firing mark: %w", err)
	}
	return set, nil
}
