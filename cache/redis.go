package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the read-through cache fronting persistence.Adapter's
// position-snapshot reads. It only implements what that call site
// exercises (Get/Set/Delete plus Stats for /healthz) — this is the one
// Redis client in the process that isn't itself an advisory lock
// (internal/lock owns that concern directly against *redis.Client), so
// it stays a narrow read-through cache rather than a general KV client.
type RedisCache struct {
	client *redis.Client
	prefix string

	mu    sync.RWMutex
	stats struct {
		hits     int64
		misses   int64
		sets     int64
		deletes  int64
		getTime  time.Duration
		setTime  time.Duration
		getCalls int64
		setCalls int64
		errors   int64
	}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Prefix       string
}

// DefaultRedisConfig returns default Redis configuration. Prefix "fno"
// namespaces every key this process writes so the instance can be shared
// with other tenants of the same Redis deployment without key collisions.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Prefix:       "fno",
	}
}

// NewRedisCache creates a new Redis cache client, failing fast if the
// instance is unreachable rather than deferring the error to the first
// cache operation.
func NewRedisCache(config *RedisConfig) (*RedisCache, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// PositionSnapshotKey builds the cache key for an account's most recent
// position snapshots — the one key shape this cache actually serves,
// named so call sites stop hand-concatenating "positions:"+accountID.
func PositionSnapshotKey(accountID string) string {
	return "positions:" + accountID
}

// Get retrieves a value from Redis cache.
func (c *RedisCache) Get(ctx context.Context, key string) (interface{}, error) {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.stats.getTime += time.Since(start)
		c.stats.getCalls++
		c.mu.Unlock()
	}()

	fullKey := c.makeKey(key)
	data, err := c.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.mu.Lock()
			c.stats.misses++
			c.mu.Unlock()
			return nil, ErrNotFound
		}
		c.mu.Lock()
		c.stats.errors++
		c.mu.Unlock()
		return nil, err
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stats.hits++
	c.mu.Unlock()

	return value, nil
}

// Set stores a value in Redis cache with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.stats.setTime += time.Since(start)
		c.stats.setCalls++
		c.mu.Unlock()
	}()

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	fullKey := c.makeKey(key)
	if err := c.client.Set(ctx, fullKey, data, ttl).Err(); err != nil {
		c.mu.Lock()
		c.stats.errors++
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.stats.sets++
	c.mu.Unlock()

	return nil
}

// Delete removes a value from Redis cache — used to invalidate an
// account's cached snapshot set the moment a fresher one is persisted.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	fullKey := c.makeKey(key)
	if err := c.client.Del(ctx, fullKey).Err(); err != nil {
		c.mu.Lock()
		c.stats.errors++
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.stats.deletes++
	c.mu.Unlock()

	return nil
}

// Stats returns cache statistics, surfaced at /healthz so a collapsing
// hit rate or rising error count shows up before accounts notice slow
// position reads.
func (c *RedisCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.stats.hits + c.stats.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.stats.hits) / float64(total)
	}

	avgGetTime := time.Duration(0)
	if c.stats.getCalls > 0 {
		avgGetTime = c.stats.getTime / time.Duration(c.stats.getCalls)
	}

	avgSetTime := time.Duration(0)
	if c.stats.setCalls > 0 {
		avgSetTime = c.stats.setTime / time.Duration(c.stats.setCalls)
	}

	return CacheStats{
		Hits:       c.stats.hits,
		Misses:     c.stats.misses,
		Sets:       c.stats.sets,
		Deletes:    c.stats.deletes,
		HitRate:    hitRate,
		AvgGetTime: avgGetTime,
		AvgSetTime: avgSetTime,
	}
}

// Errors reports the lifetime count of failed Get/Set/Delete calls, for
// the /healthz cache check.
func (c *RedisCache) Errors() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.errors
}

// Ping verifies the Redis connection is live, for /healthz.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
