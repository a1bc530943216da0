// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Tenant-scoped methods require tenantID for strict multi-tenancy isolation.
// Model artifacts are global.
type Repository interface {
	// Batch operations
	SaveBatch(ctx context.Context, tenantID string, batch *Batch) error
	GetBatch(ctx context.Context, tenantID string, batchID string) (*Batch, error)

	// Model artifacts
	SaveModel(ctx context.Context, artifact *ModelArtifact) error
	ActivateModel(ctx context.Context, modelID string) error
	GetModel(ctx context.Context, modelID string) (*ModelArtifact, error)
	GetActiveModel(ctx context.Context) (*ModelArtifact, error)
	ListModels(ctx context.Context) ([]*ModelArtifact, error)

	// Analysis results
	SaveAnalysis(ctx context.Context, tenantID string, analysis *Analysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)

	// Reason rule configuration
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgres_port" json:"postgresPort"`
	PostgresUser     string `koanf:"postgres_user" json:"postgresUser"`
	PostgresPassword string `koanf:"postgres_password" json:"-"`
	PostgresDB       string `koanf:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
}
