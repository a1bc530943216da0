// Package analysis runs the batch scoring pipeline end to end and manages
// the lifecycle of the active model.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Analysis modes used as metric labels.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
	ModeCLI   = "cli"
)

// systemTenant publishes model lifecycle events, which are not tenant scoped.
const systemTenant = "system"

var tracer = otel.Tracer("kestrel-analysis")

// Deps wires a Service. Repository and Bus are optional; without them
// trained models live only in memory and no events are published.
type Deps struct {
	Registry   *model.Registry
	Rules      *rules.Engine
	Processor  *scoring.Processor
	Repository domain.Repository
	Bus        domain.EventBus
	MaxWorkers int
}

// Service scores batches against the registry's current model.
type Service struct {
	registry   *model.Registry
	rules      *rules.Engine
	processor  *scoring.Processor
	repo       domain.Repository
	bus        domain.EventBus
	maxWorkers int
}

// Request is one batch to analyze.
type Request struct {
	TenantID string
	BatchID  string
	TraceID  string
	Mode     string
	Records  []domain.Transaction
}

// NewService creates a Service. A nil Registry or Processor is replaced
// by an empty registry or the default processor.
func NewService(d Deps) *Service {
	if d.Registry == nil {
		d.Registry = model.NewRegistry()
	}
	if d.Processor == nil {
		d.Processor = scoring.NewProcessor()
	}
	return &Service{
		registry:   d.Registry,
		rules:      d.Rules,
		processor:  d.Processor,
		repo:       d.Repository,
		bus:        d.Bus,
		maxWorkers: d.MaxWorkers,
	}
}

// Registry returns the model registry the service scores with.
func (s *Service) Registry() *model.Registry {
	return s.registry
}

// Analyze derives features, scores, ranks and explains one batch.
// Any error rejects the whole batch.
func (s *Service) Analyze(ctx context.Context, req Request) (*domain.Analysis, error) {
	if req.Mode == "" {
		req.Mode = ModeSync
	}

	ctx, span := tracer.Start(ctx, "analysis.Analyze",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("batch.id", req.BatchID),
			attribute.Int("batch.size", len(req.Records)),
		),
	)
	defer span.End()

	a, err := s.analyze(ctx, req)
	metrics.ObserveAnalysis(req.Mode, a, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("model.version", a.ModelVersion),
		attribute.Int("analysis.fraud_detected", a.FraudDetected),
	)
	return a, nil
}

func (s *Service) analyze(ctx context.Context, req Request) (*domain.Analysis, error) {
	start := time.Now()

	m, err := s.registry.Current()
	if err != nil {
		return nil, err
	}

	vectors, err := m.Features(req.Records)
	if err != nil {
		return nil, err
	}
	derived := time.Now()

	results, err := m.ScoreFeatures(ctx, req.Records, vectors)
	if err != nil {
		return nil, err
	}
	scored := time.Now()

	a := s.processor.Process(results)
	a.TenantID = req.TenantID
	a.BatchID = req.BatchID
	a.ModelVersion = m.Version
	a.Metadata.TraceID = req.TraceID
	if sc := trace.SpanContextFromContext(ctx); a.Metadata.TraceID == "" && sc.TraceID().IsValid() {
		a.Metadata.TraceID = sc.TraceID().String()
	}

	if s.rules != nil {
		a.Metadata.RulesApplied = s.rules.RulesCount()
		s.attachReasons(ctx, a, results)
	}

	a.Metadata.DeriveMs = derived.Sub(start).Milliseconds()
	a.Metadata.ScoreMs = scored.Sub(derived).Milliseconds()
	a.Metadata.TotalMs = time.Since(start).Milliseconds()

	slog.Debug("batch analyzed",
		"tenant_id", req.TenantID,
		"batch_id", req.BatchID,
		"model_version", m.Version,
		"total", a.TotalTransactions,
		"fraud_detected", a.FraudDetected,
		"duration_ms", a.Metadata.TotalMs,
	)
	return a, nil
}

// attachReasons explains only the flagged entries that made the cut.
func (s *Service) attachReasons(ctx context.Context, a *domain.Analysis, results []domain.ScoredResult) {
	if len(a.FlaggedTransactions) == 0 || s.rules.RulesCount() == 0 {
		return
	}

	subset := make([]domain.ScoredResult, len(a.FlaggedTransactions))
	for i, f := range a.FlaggedTransactions {
		subset[i] = results[f.Row-1]
	}

	reasons := s.rules.Explain(ctx, subset)
	for i := range a.FlaggedTransactions {
		a.FlaggedTransactions[i].Reasons = reasons[i]
	}
}

// Train fits a model on records, persists and activates it when a
// repository is configured, installs it and announces it on the bus.
func (s *Service) Train(ctx context.Context, records []domain.Transaction, params domain.ModelParams) (*model.Model, error) {
	ctx, span := tracer.Start(ctx, "analysis.Train",
		trace.WithAttributes(
			attribute.Int("training.rows", len(records)),
			attribute.Int("training.trees", params.NumTrees),
		),
	)
	defer span.End()

	m, err := s.train(ctx, records, params)
	metrics.ModelTrainings.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return m, nil
}

func (s *Service) train(ctx context.Context, records []domain.Transaction, params domain.ModelParams) (*model.Model, error) {
	m, err := model.Train(ctx, records, model.Params{ModelParams: params, MaxWorkers: s.maxWorkers})
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		artifact, err := m.Artifact()
		if err != nil {
			return nil, err
		}
		if err := s.repo.SaveModel(ctx, artifact); err != nil {
			return nil, fmt.Errorf("failed to save model: %w", err)
		}
		if err := s.repo.ActivateModel(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("failed to activate model: %w", err)
		}
	}

	s.Activate(m)

	if s.bus != nil {
		evt := domain.ModelTrainedEvent{
			ModelID:      m.ID,
			Version:      m.Version,
			TrainingRows: m.TrainingRows,
			Threshold:    m.Threshold(),
		}
		err := bus.PublishJSON(ctx, s.bus, systemTenant, domain.TopicModelTrained, evt)
		metrics.EventsPublished.WithLabelValues(domain.TopicModelTrained, metrics.Status(err)).Inc()
		if err != nil {
			slog.Warn("failed to publish model trained event", "model_id", m.ID, "error", err)
		}
	}
	return m, nil
}

// Activate installs m as the scoring model.
func (s *Service) Activate(m *model.Model) {
	s.registry.Swap(m)
	metrics.SetActiveModel(m.Version, m.Threshold())
}

// Reload installs the repository's active model. It returns
// ErrModelNotReady when no model has been activated yet.
func (s *Service) Reload(ctx context.Context) (*model.Model, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("no repository configured")
	}

	artifact, err := s.repo.GetActiveModel(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrModelNotReady
		}
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}

	m, err := model.Unmarshal(artifact.Blob)
	if err != nil {
		return nil, err
	}
	s.Activate(m)
	return m, nil
}
