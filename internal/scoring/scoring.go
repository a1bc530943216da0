// Package scoring turns raw ensemble output into fraud probabilities,
// risk tiers and the ranked analysis summary.
package scoring

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/floats"
)

// DefaultFlaggedLimit caps the flagged list in an analysis.
const DefaultFlaggedLimit = 100

// EngineVersion is stamped on every analysis.
const EngineVersion = "kestrel-1.0"

// Normalize maps decision values to batch-relative probabilities in [0, 1].
// The most anomalous row (lowest decision) gets 1 and the least gets 0.
// A batch with a single distinct value maps every row to 0.5.
func Normalize(decisions []float64) []float64 {
	out := make([]float64, len(decisions))
	if len(decisions) == 0 {
		return out
	}

	lo, hi := floats.Min(decisions), floats.Max(decisions)
	if hi == lo {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}

	span := hi - lo
	for i, d := range decisions {
		out[i] = 1 - (d-lo)/span
	}
	return out
}

// Classify bins a probability into right-closed risk tiers.
// Values outside (0, 1] are Unclassified.
func Classify(p float64) domain.RiskLevel {
	switch {
	case p > 0 && p <= 0.3:
		return domain.RiskLow
	case p > 0.3 && p <= 0.7:
		return domain.RiskMedium
	case p > 0.7 && p <= 1:
		return domain.RiskHigh
	default:
		return domain.RiskUnclassified
	}
}

// Apply fills Probability, FraudProbability and RiskLevel on results from
// their Decision values.
func Apply(results []domain.ScoredResult) {
	decisions := make([]float64, len(results))
	for i := range results {
		decisions[i] = results[i].Decision
	}

	for i, p := range Normalize(decisions) {
		results[i].Probability = p
		results[i].FraudProbability = p * 100
		results[i].RiskLevel = Classify(p)
	}
}

// Processor builds the analysis summary for a scored batch.
type Processor struct {
	// Maximum flagged entries returned, applied after ranking
	FlaggedLimit int
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		FlaggedLimit: DefaultFlaggedLimit,
	}
}

// Process summarizes scored results. Flagged rows are ranked by fraud
// probability, highest first, and ties keep input order.
func (p *Processor) Process(results []domain.ScoredResult) *domain.Analysis {
	limit := p.FlaggedLimit
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	analysis := &domain.Analysis{
		ID:                  uuid.New().String(),
		CreatedAt:           time.Now().UTC(),
		TotalTransactions:   len(results),
		FlaggedTransactions: []domain.FlaggedTransaction{},
	}

	var flagged []domain.FlaggedTransaction
	for i := range results {
		r := &results[i]
		if !r.IsFraud {
			continue
		}
		flagged = append(flagged, domain.FlaggedTransaction{
			Row:              i + 1,
			TransactionID:    r.Transaction.TransactionID,
			CustomerID:       r.Transaction.CustomerID,
			Amount:           r.Transaction.Amount,
			TransactionType:  r.Transaction.TransactionType,
			FraudProbability: r.FraudProbability,
			RiskLevel:        r.RiskLevel,
		})
	}

	analysis.FraudDetected = len(flagged)
	if len(results) > 0 {
		analysis.FraudRate = float64(len(flagged)) / float64(len(results)) * 100
	}

	sort.SliceStable(flagged, func(i, j int) bool {
		return flagged[i].FraudProbability > flagged[j].FraudProbability
	})

	if len(flagged) > limit {
		flagged = flagged[:limit]
		analysis.Metadata.Truncated = true
	}
	if flagged != nil {
		analysis.FlaggedTransactions = flagged
	}

	analysis.Metadata.FlaggedLimit = limit
	analysis.Metadata.EngineVersion = EngineVersion

	return analysis
}

// ShouldAlert returns true if the analysis contains any High risk entry.
func ShouldAlert(a *domain.Analysis) bool {
	return a.HighRiskCount() > 0
}
