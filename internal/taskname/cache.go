// Package taskname is the process-scoped cache of task names observed in
// the event stream. It replaces a hidden global with an explicit component
// carrying a defined TTL refresh policy: recording a name refreshes its
// TTL, and names not seen within the TTL age out.
package taskname

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache records task names seen on the event stream and lists the names
// currently known.
type Cache interface {
	// Record marks a task name as seen, refreshing its TTL.
	Record(ctx context.Context, name string) error

	// Names returns the currently known names, sorted.
	Names(ctx context.Context) ([]string, error)
}

// --- MemoryCache ---

// MemoryCache is an in-memory Cache with TTL support. Suitable for tests
// and single-instance deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an in-memory task name cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Record marks a name as seen, refreshing its TTL.
func (c *MemoryCache) Record(_ context.Context, name string) error {
	if name == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = c.now().Add(c.ttl)
	return nil
}

// Names returns the unexpired names, sorted. Expired entries are dropped
// on read.
func (c *MemoryCache) Names(context.Context) ([]string, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.entries))
	for name, expiresAt := range c.entries {
		if now.After(expiresAt) {
			delete(c.entries, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// HealthCheck reports the memory cache as always available.
func (c *MemoryCache) HealthCheck(context.Context) error { return nil }

// --- RedisCache ---

const redisKeyPrefix = "taskname:"

// RedisCache is a Redis-backed Cache with per-name TTL, shared across
// instances.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed task name cache.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Record marks a name as seen, refreshing its TTL.
func (c *RedisCache) Record(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if err := c.client.Set(ctx, redisKeyPrefix+name, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set task name %q: %w", name, err)
	}
	return nil
}

// Names returns the currently known names, sorted. Redis expires entries
// itself.
func (c *RedisCache) Names(ctx context.Context) ([]string, error) {
	var names []string
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan task names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// HealthCheck pings Redis. Only the client-backed cache has a dependency
// to probe, so this is defined on the concrete type.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	client, ok := c.client.(*redis.Client)
	if !ok {
		return nil
	}
	return client.Ping(ctx).Err()
}
