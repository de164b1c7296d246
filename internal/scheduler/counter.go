package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"marketwatch/watcher-service/internal/model"
)

// ErrorCounter tracks consecutive failures per job.
type ErrorCounter interface {
	// Increment adds one failure and returns the new count.
	Increment(ctx context.Context, key model.JobKey) (int, error)
	// Reset sets the count to zero after a success.
	Reset(ctx context.Context, key model.JobKey) error
	Get(ctx context.Context, key model.JobKey) (int, error)
	// Clear forgets the job entirely.
	Clear(ctx context.Context, key model.JobKey) error
}

// MemoryCounter keeps counts in process memory. Counts reset on restart.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (c *MemoryCounter) Increment(_ context.Context, key model.JobKey) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key.String()]++
	return c.counts[key.String()], nil
}

func (c *MemoryCounter) Reset(_ context.Context, key model.JobKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key.String()] = 0
	return nil
}

func (c *MemoryCounter) Get(_ context.Context, key model.JobKey) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key.String()], nil
}

func (c *MemoryCounter) Clear(_ context.Context, key model.JobKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key.String())
	return nil
}

// DefaultCounterHash is the Redis hash holding the counts.
const DefaultCounterHash = "watcher:job_errors"

// RedisCounter keeps counts in a Redis hash so they survive restarts and are
// shared between replicas.
type RedisCounter struct {
	rdb  *redis.Client
	hash string
}

func NewRedisCounter(rdb *redis.Client, hash string) *RedisCounter {
	if hash == "" {
		hash = DefaultCounterHash
	}
	return &RedisCounter{rdb: rdb, hash: hash}
}

func (c *RedisCounter) Increment(ctx context.Context, key model.JobKey) (int, error) {
	n, err := c.rdb.HIncrBy(ctx, c.hash, key.String(), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("HINCRBY %s: %w", key, err)
	}
	return int(n), nil
}

func (c *RedisCounter) Reset(ctx context.Context, key model.JobKey) error {
	if err := c.rdb.HSet(ctx, c.hash, key.String(), 0).Err(); err != nil {
		return fmt.Errorf("HSET %s: %w", key, err)
	}
	return nil
}

func (c *RedisCounter) Get(ctx context.Context, key model.JobKey) (int, error) {
	n, err := c.rdb.HGet(ctx, c.hash, key.String()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("HGET %s: %w", key, err)
	}
	return n, nil
}

func (c *RedisCounter) Clear(ctx context.Context, key model.JobKey) error {
	if err := c.rdb.HDel(ctx, c.hash, key.String()).Err(); err != nil {
		return fmt.Errorf("HDEL %s: %w", key, err)
	}
	return nil
}
