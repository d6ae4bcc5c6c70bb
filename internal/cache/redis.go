// Package cache wraps Redis as an optional read-through cache. A missing or
// failing Redis never blocks the caller: the first transient error disables
// the cache for the rest of the process.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a nil-safe Redis wrapper. A nil *Cache behaves as a cache that
// never hits.
type Cache struct {
	client   *redis.Client
	disabled atomic.Bool
}

// New connects to Redis and verifies the connection with a short ping.
// Returns nil (cache disabled) if addr is empty or the ping fails.
func New(ctx context.Context, addr, password string, db int) *Cache {
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unavailable, caching disabled", "addr", addr, "error", err)
		_ = client.Close()
		return nil
	}

	slog.Info("redis cache connected", "addr", addr, "db", db)
	return &Cache{client: client}
}

// Get returns the cached value for key, or ("", false) on miss or error.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c == nil || c.disabled.Load() {
		return "", false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.disable(err)
		}
		return "", false
	}
	return val, true
}

// Set stores value under key with the given TTL. Errors disable the cache.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c == nil || c.disabled.Load() {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.disable(err)
	}
}

// Delete removes a key. Errors disable the cache.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c == nil || c.disabled.Load() {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.disable(err)
	}
}

// Enabled reports whether the cache is currently usable.
func (c *Cache) Enabled() bool {
	return c != nil && !c.disabled.Load()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) disable(err error) {
	if c.disabled.CompareAndSwap(false, true) {
		slog.Warn("redis error, caching disabled for this process", "error", err)
	}
}
