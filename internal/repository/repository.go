// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (r *SQLRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveBatch stores a batch and its rows with tenant isolation.
func (r *SQLRepository) SaveBatch(ctx context.Context, tenantID string, batch *domain.Batch) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if batch.ID == "" {
		return fmt.Errorf("%w: batch id is required", ErrInvalidInput)
	}

	submitted := batch.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO batches (id, tenant_id, row_count, submitted_at)
			VALUES (?, ?, ?, ?)
		`), batch.ID, tenantID, len(batch.Transactions), submitted); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, r.rebind(`
			INSERT INTO transactions (
				batch_id, tenant_id, seq, transaction_id, customer_id, amount,
				timestamp, transaction_type, merchant_category, location, device_type
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, t := range batch.Transactions {
			if _, err := stmt.ExecContext(ctx,
				batch.ID, tenantID, i, t.TransactionID, t.CustomerID, t.Amount,
				t.Timestamp.Format(time.RFC3339Nano), t.TransactionType,
				t.MerchantCategory, t.Location, t.DeviceType,
			); err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// GetBatch retrieves a batch with its rows in submission order.
func (r *SQLRepository) GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.Batch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	batch := &domain.Batch{ID: batchID, TenantID: tenantID}
	var rowCount int

	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT row_count, submitted_at FROM batches WHERE tenant_id = ? AND id = ?
	`), tenantID, batchID).Scan(&rowCount, &batch.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT transaction_id, customer_id, amount, timestamp,
			   transaction_type, merchant_category, location, device_type
		FROM transactions
		WHERE tenant_id = ? AND batch_id = ?
		ORDER BY seq
	`), tenantID, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch.Transactions = make([]domain.Transaction, 0, rowCount)
	for rows.Next() {
		var t domain.Transaction
		var ts string
		if err := rows.Scan(
			&t.TransactionID, &t.CustomerID, &t.Amount, &ts,
			&t.TransactionType, &t.MerchantCategory, &t.Location, &t.DeviceType,
		); err != nil {
			return nil, err
		}
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("corrupt timestamp for %s: %w", t.TransactionID, err)
		}
		batch.Transactions = append(batch.Transactions, t)
	}

	return batch, rows.Err()
}

// SaveModel stores a model artifact. Artifacts are not tenant-scoped.
func (r *SQLRepository) SaveModel(ctx context.Context, artifact *domain.ModelArtifact) error {
	if artifact.ID == "" || len(artifact.Blob) == 0 {
		return fmt.Errorf("%w: model id and artifact are required", ErrInvalidInput)
	}

	params, err := json.Marshal(artifact.Params)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO models (id, version, created_at, training_rows, threshold, params, active, artifact)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`),
		artifact.ID, artifact.Version, artifact.CreatedAt, artifact.TrainingRows,
		artifact.Threshold, string(params), artifact.Blob,
	)
	return err
}

// ActivateModel marks one model active and every other model inactive.
func (r *SQLRepository) ActivateModel(ctx context.Context, modelID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM models WHERE id = ?`), modelID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE models SET active = 0 WHERE active = 1`); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.rebind(`UPDATE models SET active = 1 WHERE id = ?`), modelID)
		return err
	})
}

const modelColumns = `id, version, created_at, training_rows, threshold, params, active`

func scanModel(scan func(...any) error, withBlob bool) (*domain.ModelArtifact, error) {
	var m domain.ModelArtifact
	var params string
	var active int

	dest := []any{&m.ID, &m.Version, &m.CreatedAt, &m.TrainingRows, &m.Threshold, &params, &active}
	if withBlob {
		dest = append(dest, &m.Blob)
	}
	if err := scan(dest...); err != nil {
		return nil, err
	}

	m.Active = active == 1
	if err := json.Unmarshal([]byte(params), &m.Params); err != nil {
		return nil, fmt.Errorf("corrupt params for model %s: %w", m.ID, err)
	}
	return &m, nil
}

// GetModel retrieves a model artifact including its blob.
func (r *SQLRepository) GetModel(ctx context.Context, modelID string) (*domain.ModelArtifact, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT `+modelColumns+`, artifact FROM models WHERE id = ?
	`), modelID)

	m, err := scanModel(row.Scan, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetActiveModel retrieves the active model artifact including its blob.
func (r *SQLRepository) GetActiveModel(ctx context.Context) (*domain.ModelArtifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+modelColumns+`, artifact FROM models WHERE active = 1
		ORDER BY created_at DESC LIMIT 1
	`)

	m, err := scanModel(row.Scan, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListModels returns artifact metadata, newest first, without blobs.
func (r *SQLRepository) ListModels(ctx context.Context) ([]*domain.ModelArtifact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+modelColumns+` FROM models ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.ModelArtifact
	for rows.Next() {
		m, err := scanModel(rows.Scan, false)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// SaveAnalysis stores an analysis result with tenant isolation.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, analysis *domain.Analysis) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	flagged, err := json.Marshal(analysis.FlaggedTransactions)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(analysis.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO analyses (
			id, tenant_id, batch_id, model_version, created_at,
			total_transactions, fraud_detected, fraud_rate, flagged, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		analysis.ID, tenantID, analysis.BatchID, analysis.ModelVersion, analysis.CreatedAt,
		analysis.TotalTransactions, analysis.FraudDetected, analysis.FraudRate,
		string(flagged), string(metadata),
	)
	return err
}

// GetAnalysis retrieves an analysis by ID with tenant isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var a domain.Analysis
	var batchID sql.NullString
	var flagged, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, tenant_id, batch_id, model_version, created_at,
			   total_transactions, fraud_detected, fraud_rate, flagged, metadata
		FROM analyses
		WHERE tenant_id = ? AND id = ?
	`), tenantID, analysisID).Scan(
		&a.ID, &a.TenantID, &batchID, &a.ModelVersion, &a.CreatedAt,
		&a.TotalTransactions, &a.FraudDetected, &a.FraudRate, &flagged, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.BatchID = batchID.String
	if err := json.Unmarshal([]byte(flagged), &a.FlaggedTransactions); err != nil {
		return nil, fmt.Errorf("corrupt flagged list for analysis %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for analysis %s: %w", a.ID, err)
	}

	return &a, nil
}

// SaveRuleConfig stores or updates a reason rule.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs returns all enabled rules for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRule(scan func(...any) error) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var bands string
	var enabled int

	if err := scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &bands, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
