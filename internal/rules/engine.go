// Package rules provides the CEL-Go based reason engine. Reason rules
// explain flagged transactions; they never change the model's verdict.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
	generation    atomic.Uint64
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with scored transaction variables
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("is_weekend", cel.BoolType),
		cel.Variable("is_night", cel.BoolType),
		cel.Variable("amount_deviation", cel.DoubleType),
		cel.Variable("transaction_count", cel.IntType),
		cel.Variable("transaction_type", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		// Model output
		cel.Variable("anomaly_score", cel.DoubleType),
		cel.Variable("fraud_probability", cel.DoubleType),
		cel.Variable("risk_level", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	e.generation.Add(1)

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// snapshot returns loaded rules ordered by ID.
func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Config.ID < rules[j].Config.ID
	})
	return rules
}

// Activation builds the CEL variables for a scored transaction.
func Activation(r *domain.ScoredResult) map[string]any {
	tx := &r.Transaction
	f := &r.Features
	return map[string]any{
		"tx": map[string]any{
			"id":          tx.TransactionID,
			"customer_id": tx.CustomerID,
			"timestamp":   tx.Timestamp.Unix(),
		},
		"amount":            tx.Amount,
		"hour":              int64(f[domain.FeatureHour]),
		"day_of_week":       int64(f[domain.FeatureDayOfWeek]),
		"is_weekend":        f[domain.FeatureIsWeekend] == 1,
		"is_night":          f[domain.FeatureIsNight] == 1,
		"amount_deviation":  f[domain.FeatureAmountDeviation],
		"transaction_count": int64(f[domain.FeatureTransactionCount]),
		"transaction_type":  tx.TransactionType,
		"merchant_category": tx.MerchantCategory,
		"location":          tx.Location,
		"device_type":       tx.DeviceType,
		"anomaly_score":     r.AnomalyScore,
		"fraud_probability": r.FraudProbability,
		"risk_level":        string(r.RiskLevel),
	}
}

// EvaluateAll evaluates every loaded rule against one scored transaction.
// Results follow rule ID order.
func (e *Engine) EvaluateAll(ctx context.Context, r *domain.ScoredResult) []domain.RuleResult {
	return e.evaluate(ctx, e.snapshot(), r)
}

func (e *Engine) evaluate(ctx context.Context, rules []*CompiledRule, r *domain.ScoredResult) []domain.RuleResult {
	if len(rules) == 0 {
		return nil
	}

	activation := Activation(r)
	results := make([]domain.RuleResult, len(rules))
	for i, rule := range rules {
		results[i] = e.evaluateRule(ctx, rule, activation, r.Transaction.TransactionID)
	}
	return results
}

// Explain evaluates rules for every flagged result in parallel and returns
// the triggered reasons keyed by index into results. Transaction IDs are
// not unique within a batch.
func (e *Engine) Explain(ctx context.Context, results []domain.ScoredResult) map[int][]string {
	rules := e.snapshot()
	reasons := make(map[int][]string)
	if len(rules) == 0 {
		return reasons
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range results {
		if !results[i].IsFraud {
			continue
		}
		wg.Add(1)
		go func(idx int, r *domain.ScoredResult) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}

			var triggered []string
			for _, res := range e.evaluate(ctx, rules, r) {
				if res.Triggered() && res.Reason != "" {
					triggered = append(triggered, res.Reason)
				}
			}
			if len(triggered) == 0 {
				return
			}

			mu.Lock()
			reasons[idx] = triggered
			mu.Unlock()
		}(i, &results[i])
	}

	wg.Wait()

	return reasons
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any, txID string) domain.RuleResult {
	result := domain.RuleResult{
		RuleID:        rule.Config.ID,
		TransactionID: txID,
	}

	// Evaluate CEL expression
	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	// Convert result to score
	score := toScore(out)
	result.Score = score

	// Determine outcome based on bands
	result.SubRuleRef, result.Reason = matchBand(score, rule.Config)

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score.
// Bands are evaluated in order, lower inclusive and upper exclusive.
// A rule without bands reviews any non-zero score, using its description
// as the reason.
func matchBand(score float64, cfg *domain.RuleConfig) (string, string) {
	if len(cfg.Bands) == 0 {
		if score > 0 {
			return domain.RuleOutcomeReview, cfg.Description
		}
		return domain.RuleOutcomePass, ""
	}

	for _, band := range cfg.Bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band.SubRuleRef, band.Reason
	}

	// Default to pass if no band matches
	return domain.RuleOutcomePass, "no matching band"
}

// Generation changes whenever the loaded rule set changes.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	e.generation.Add(1)

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.snapshot()
	out := make([]*domain.RuleConfig, len(rules))
	for i, compiled := range rules {
		out[i] = compiled.Config
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	e.generation.Add(1)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
