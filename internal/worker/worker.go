// Package worker scores batches submitted for asynchronous analysis.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker consumes BatchSubmitted events from the EventBus.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	service *analysis.Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits processing to these tenants. Empty means all tenants.
	TenantIDs []string

	// WorkerCount bounds concurrently scored batches.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, service *analysis.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		repo:    repo,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to batch submissions.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{bus.AllTenants}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, w.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe for tenant %s: %w", tenantID, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("workers started",
		"tenants", tenants,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// handleMessage hands the batch to a bounded pool and returns at once.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	evt, err := bus.Decode[domain.BatchSubmittedEvent](msg)
	if err != nil {
		return err
	}
	// The envelope tenant is authoritative.
	evt.TenantID = msg.TenantID

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		select {
		case w.sem <- struct{}{}: // Acquire
		case <-w.ctx.Done():
			return
		}
		defer func() { <-w.sem }() // Release

		w.processBatch(w.ctx, evt)
	}()
	return nil
}

// processBatch scores one stored batch and publishes the outcome.
func (w *Worker) processBatch(ctx context.Context, evt *domain.BatchSubmittedEvent) {
	start := time.Now()

	a, err := w.analyzeBatch(ctx, evt)
	if err != nil {
		slog.Error("batch analysis failed",
			"tenant_id", evt.TenantID,
			"batch_id", evt.BatchID,
			"error", err,
		)
		w.publish(ctx, evt.TenantID, domain.TopicAnalysisFailed, domain.AnalysisFailedEvent{
			BatchID:  evt.BatchID,
			TenantID: evt.TenantID,
			Error:    err.Error(),
		})
		return
	}

	completed := domain.AnalysisCompletedEvent{
		AnalysisID:    a.ID,
		BatchID:       a.BatchID,
		TenantID:      evt.TenantID,
		ModelVersion:  a.ModelVersion,
		Total:         a.TotalTransactions,
		FraudDetected: a.FraudDetected,
		FraudRate:     a.FraudRate,
		HighRisk:      a.HighRiskCount(),
	}
	w.publish(ctx, evt.TenantID, domain.TopicAnalysisCompleted, completed)

	if scoring.ShouldAlert(a) {
		w.publish(ctx, evt.TenantID, domain.TopicAlert, completed)
	}

	slog.Info("batch processed",
		"tenant_id", evt.TenantID,
		"batch_id", evt.BatchID,
		"analysis_id", a.ID,
		"fraud_detected", a.FraudDetected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) analyzeBatch(ctx context.Context, evt *domain.BatchSubmittedEvent) (*domain.Analysis, error) {
	batch, err := w.repo.GetBatch(ctx, evt.TenantID, evt.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	a, err := w.service.Analyze(ctx, analysis.Request{
		TenantID: evt.TenantID,
		BatchID:  evt.BatchID,
		TraceID:  evt.TraceID,
		Mode:     analysis.ModeAsync,
		Records:  batch.Transactions,
	})
	if err != nil {
		return nil, err
	}

	if err := w.repo.SaveAnalysis(ctx, evt.TenantID, a); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}
	return a, nil
}

func (w *Worker) publish(ctx context.Context, tenantID, topic string, v any) {
	err := bus.PublishJSON(ctx, w.bus, tenantID, topic, v)
	metrics.EventsPublished.WithLabelValues(topic, metrics.Status(err)).Inc()
	if err != nil {
		slog.Error("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}

// Stop unsubscribes and drains batches already accepted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
