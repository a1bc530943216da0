package domain

import (
	"time"
)

// RiskLevel is the discrete tier derived from a fraud probability.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"

	// RiskUnclassified is assigned to probabilities outside (0, 1],
	// most notably exactly 0.
	RiskUnclassified RiskLevel = "Unclassified"
)

// ScoredResult is the per-transaction output of the scoring pipeline.
type ScoredResult struct {
	Transaction Transaction   `json:"transaction"`
	Features    FeatureVector `json:"features"`

	// AnomalyScore is the isolation score in [0,1]; higher is more isolated.
	AnomalyScore float64 `json:"anomalyScore"`

	// Decision is threshold minus score; negative values are outliers.
	Decision float64 `json:"decision"`

	// Probability is the batch-relative fraud probability on a 0-1 scale.
	Probability float64 `json:"probability"`

	// FraudProbability is Probability*100 for display.
	FraudProbability float64   `json:"fraudProbability"`
	IsFraud          bool      `json:"isFraud"`
	RiskLevel        RiskLevel `json:"riskLevel"`
}

// FlaggedTransaction is a flagged entry in the analysis response.
type FlaggedTransaction struct {
	Row              int       `json:"row"` // 1-based position in the batch
	TransactionID    string    `json:"transaction_id"`
	CustomerID       string    `json:"customer_id"`
	Amount           float64   `json:"amount"`
	TransactionType  string    `json:"transaction_type"`
	FraudProbability float64   `json:"fraud_probability"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Reasons          []string  `json:"reasons,omitempty"`
}

// Analysis is the result of scoring one batch.
type Analysis struct {
	ID           string    `json:"analysis_id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`

	TotalTransactions   int                  `json:"total_transactions"`
	FraudDetected       int                  `json:"fraud_detected"`
	FraudRate           float64              `json:"fraud_rate"`
	FlaggedTransactions []FlaggedTransaction `json:"flagged_transactions"`

	Metadata AnalysisMetadata `json:"metadata"`
}

// AnalysisMetadata contains processing information.
type AnalysisMetadata struct {
	TraceID       string `json:"trace_id,omitempty"`
	DeriveMs      int64  `json:"derive_ms"`
	ScoreMs       int64  `json:"score_ms"`
	TotalMs       int64  `json:"total_ms"`
	RulesApplied  int    `json:"rules_applied"`
	FlaggedLimit  int    `json:"flagged_limit"`
	Truncated     bool   `json:"truncated"`
	EngineVersion string `json:"engine_version"`
	Cached        bool   `json:"cached,omitempty"`
}

// HighRiskCount returns how many returned flagged entries are High.
func (a *Analysis) HighRiskCount() int {
	n := 0
	for _, f := range a.FlaggedTransactions {
		if f.RiskLevel == RiskHigh {
			n++
		}
	}
	return n
}
