// Package cache wraps the key-value cache the upstream writer publishes sync
// entries into, and tracks which entries a sync cycle has consumed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johndauphine/redis-pg-sync/internal/config"
	"github.com/johndauphine/redis-pg-sync/internal/stats"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cache key not found")

// Iterator walks keys lazily. It follows the go-redis ScanIterator contract:
// call Next until it returns false, then check Err.
type Iterator interface {
	Next(ctx context.Context) bool
	Val() string
	Err() error
}

// Cache is the key-value collaborator consumed by the sync pipeline.
type Cache interface {
	// Scan returns a lazy iterator over keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) Iterator
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	FlushAll(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache implements Cache on a Redis server.
type RedisCache struct {
	client    *redis.Client
	scanCount int64
}

// NewRedisCache creates a client from configuration. The connection is not
// verified; call Ping.
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	return NewRedisCacheFromClient(redis.NewClient(opts), int64(cfg.ScanCount)), nil
}

// NewRedisCacheFromClient wraps an existing client. scanCount is the COUNT
// hint sent with each SCAN call.
func NewRedisCacheFromClient(client *redis.Client, scanCount int64) *RedisCache {
	if scanCount <= 0 {
		scanCount = 1000
	}
	return &RedisCache{client: client, scanCount: scanCount}
}

// Scan iterates with SCAN MATCH so unbounded keyspaces are never
// materialized at once.
func (c *RedisCache) Scan(ctx context.Context, pattern string) Iterator {
	return c.client.Scan(ctx, 0, pattern, c.scanCount).Iterator()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("deleting %d keys: %w", len(keys), err)
	}
	return n, nil
}

func (c *RedisCache) FlushAll(ctx context.Context) error {
	return c.client.FlushAll(ctx).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Stats returns client connection pool statistics.
func (c *RedisCache) Stats() stats.PoolStats {
	ps := c.client.PoolStats()
	return stats.PoolStats{
		Name:       "redis",
		MaxConns:   c.client.Options().PoolSize,
		TotalConns: int(ps.TotalConns),
		IdleConns:  int(ps.IdleConns),
		WaitCount:  int64(ps.Misses),
		Timeouts:   int64(ps.Timeouts),
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
