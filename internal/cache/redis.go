package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every Kestrel key in a shared Redis.
const keyPrefix = "kestrel:"

// incrWithExpiry increments a counter and starts its window on first use.
var incrWithExpiry = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis. A missing key returns nil, nil.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := c.makeKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := c.makeKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := c.makeKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, fullKey).Err()
}

// GetAnalysis retrieves a cached analysis.
func (c *RedisCache) GetAnalysis(ctx context.Context, tenantID string, key string) (*domain.Analysis, error) {
	return loadAnalysis(ctx, c, tenantID, key)
}

// SetAnalysis caches an analysis.
func (c *RedisCache) SetAnalysis(ctx context.Context, tenantID string, key string, analysis *domain.Analysis, ttl time.Duration) error {
	return storeAnalysis(ctx, c, tenantID, key, analysis, ttl)
}

// IncrementCounter atomically increments a fixed-window counter.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	fullKey, err := c.makeKey(tenantID, "counter:"+key)
	if err != nil {
		return 0, err
	}
	return incrWithExpiry.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}
	return keyPrefix + tenantID + ":" + key, nil
}
