// Package cache provides a best-effort Redis mirror of follower counts for
// the read side. The durable counter_target table stays authoritative; cache
// failures are absorbed by callers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyCount = "count:followers:"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string

	// TTL bounds staleness when an invalidation is missed.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  time.Hour,
	}
}

// CountCache stores follower counts keyed by target id.
type CountCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewCountCache connects to Redis and verifies the connection.
func NewCountCache(cfg Config) (*CountCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &CountCache{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// NewCountCacheWithClient wraps an existing client. Used by tests.
func NewCountCacheWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *CountCache {
	return &CountCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (c *CountCache) key(targetID string) string {
	return c.keyPrefix + keyCount + targetID
}

// SetCount stores the freshly committed counter value for a target.
func (c *CountCache) SetCount(ctx context.Context, targetID string, value int64) error {
	if err := c.client.Set(ctx, c.key(targetID), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("set count: %w", err)
	}
	return nil
}

// GetCount returns the cached count for a target. The second return is false
// on a cache miss.
func (c *CountCache) GetCount(ctx context.Context, targetID string) (int64, bool, error) {
	val, err := c.client.Get(ctx, c.key(targetID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get count: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached count: %w", err)
	}

	return n, true, nil
}

// Invalidate drops a target's cached count.
func (c *CountCache) Invalidate(ctx context.Context, targetID string) error {
	if err := c.client.Del(ctx, c.key(targetID)).Err(); err != nil {
		return fmt.Errorf("invalidate count: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *CountCache) Close() error {
	return c.client.Close()
}
