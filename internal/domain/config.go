package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Tier determines which backends are used
	Tier Tier `koanf:"tier" json:"tier"`

	// Scoring model settings
	Model ModelConfig `koanf:"model" json:"model"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus" json:"eventBus"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit" json:"rateLimit"`
	Worker     WorkerConfig     `koanf:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds

	// MaxUploadBytes caps the size of an uploaded CSV batch.
	MaxUploadBytes int64 `koanf:"max_upload_bytes" json:"maxUploadBytes"`
}

// ModelConfig holds training defaults and the inference artifact location.
type ModelConfig struct {
	Params ModelParams `koanf:"params" json:"params"`

	// ArtifactPath is loaded at startup when the repository has no active model.
	ArtifactPath string `koanf:"artifact_path" json:"artifactPath"`

	// FlaggedLimit caps the flagged list returned per analysis.
	FlaggedLimit int `koanf:"flagged_limit" json:"flaggedLimit"`

	// MaxWorkers bounds concurrent tree construction and rule evaluation.
	MaxWorkers int `koanf:"max_workers" json:"maxWorkers"`
}

// RateLimitConfig bounds analysis requests per tenant.
type RateLimitConfig struct {
	Enabled           bool `koanf:"enabled" json:"enabled"`
	RequestsPerMinute int  `koanf:"requests_per_minute" json:"requestsPerMinute"`
}

// WorkerConfig controls the async analysis worker.
type WorkerConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled"`

	// Tenants is a comma-separated list of tenants to subscribe for.
	// Empty subscribes to the wildcard subject.
	Tenants string `koanf:"tenants" json:"tenants"`
	Count   int    `koanf:"count" json:"count"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text

	// File enables rotated file output in addition to stdout.
	File       string `koanf:"file" json:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `koanf:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `koanf:"max_age_days" json:"maxAgeDays"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultModelParams returns 100 trees over 256-row samples at 15% contamination.
func DefaultModelParams() ModelParams {
	return ModelParams{
		NumTrees:      100,
		MaxSamples:    256,
		Contamination: 0.15,
		Seed:          42,
		Encoding:      EncodingVocabulary,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5000,
			ReadTimeout:    30,
			WriteTimeout:   30,
			MaxUploadBytes: 32 << 20,
		},
		Tier: TierCommunity,
		Model: ModelConfig{
			Params:       DefaultModelParams(),
			ArtifactPath: "./fraud_model.json",
			FlaggedLimit: 100,
			MaxWorkers:   8,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			AnalysisTTL:  10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Worker: WorkerConfig{
			Count: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		AnalysisTTL:    10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
