package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetAnalysis retrieves a cached batch analysis.
	GetAnalysis(ctx context.Context, tenantID string, key string) (*Analysis, error)

	// SetAnalysis caches a batch analysis keyed by upload digest and model version.
	SetAnalysis(ctx context.Context, tenantID string, key string, analysis *Analysis, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for per-tenant request rate limiting.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type" json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `koanf:"local_ttl" json:"localTtl"`

	// AnalysisTTL is how long a batch analysis stays cached.
	AnalysisTTL time.Duration `koanf:"analysis_ttl" json:"analysisTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr" json:"redisAddr"`
	RedisPassword string `koanf:"redis_password" json:"-"`
	RedisDB       int    `koanf:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase" json:"enableTwoPhase"` // If true, check local first, then Redis
}
