package repository

import "fmt"

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL; %s is the binary column type.

const schemaBatches = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_batches_tenant ON batches(tenant_id);
`

// Timestamps are kept as RFC 3339 text so the original offset survives;
// hour and weekday features depend on it.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    batch_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    transaction_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    amount REAL NOT NULL,
    timestamp TEXT NOT NULL,
    transaction_type TEXT NOT NULL,
    merchant_category TEXT NOT NULL,
    location TEXT NOT NULL,
    device_type TEXT NOT NULL,
    PRIMARY KEY (batch_id, tenant_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(tenant_id, customer_id);
`

const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    training_rows INTEGER NOT NULL,
    threshold REAL NOT NULL,
    params TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    artifact %s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_models_active ON models(active);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    batch_id TEXT,
    model_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    total_transactions INTEGER NOT NULL,
    fraud_detected INTEGER NOT NULL,
    fraud_rate REAL NOT NULL,
    flagged TEXT NOT NULL,
    metadata TEXT NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id);
CREATE INDEX IF NOT EXISTS idx_analyses_batch ON analyses(tenant_id, batch_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order for driver.
func AllSchemas(driver string) []string {
	blob := "BLOB"
	if driver == "postgres" {
		blob = "BYTEA"
	}
	return []string{
		schemaBatches,
		schemaTransactions,
		fmt.Sprintf(schemaModels, blob),
		schemaAnalyses,
		schemaRuleConfigs,
	}
}
