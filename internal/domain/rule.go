package domain

// RuleConfig defines a reason rule. Reason rules never change the model's
// verdict; they attach human-readable explanations to flagged transactions.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over the scored transaction
	Expression string `json:"expression"`

	// Outcome bands for score-to-reason mapping
	Bands []RuleBand `json:"bands"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID        string  `json:"ruleId"`
	TransactionID string  `json:"transactionId"`
	SubRuleRef    string  `json:"subRuleRef"` // ".pass", ".fail", ".review", ".err"
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)

// Triggered reports whether the result should surface as a reason.
func (r RuleResult) Triggered() bool {
	return r.SubRuleRef == RuleOutcomeFail || r.SubRuleRef == RuleOutcomeReview
}
