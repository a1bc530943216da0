package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/synth"
)

func batch() []domain.Transaction {
	cfg := synth.DefaultConfig()
	cfg.Now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return synth.Transactions(synth.Generate(cfg))
}

func smallParams() domain.ModelParams {
	p := domain.DefaultModelParams()
	p.NumTrees = 30
	return p
}

func newEngine(t *testing.T) *rules.Engine {
	t.Helper()
	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	return engine
}

func TestAnalyzeWithoutModel(t *testing.T) {
	svc := NewService(Deps{})

	_, err := svc.Analyze(context.Background(), Request{TenantID: "t1", Records: batch()})
	if !errors.Is(err, domain.ErrModelNotReady) {
		t.Errorf("expected ErrModelNotReady, got %v", err)
	}
}

func TestTrainAndAnalyze(t *testing.T) {
	ctx := context.Background()
	records := batch()

	svc := NewService(Deps{Rules: newEngine(t), MaxWorkers: 4})
	m, err := svc.Train(ctx, records, smallParams())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !svc.Registry().Ready() {
		t.Fatal("expected trained model to be active")
	}

	a, err := svc.Analyze(ctx, Request{TenantID: "t1", BatchID: "b1", Records: records})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	t.Run("Summary", func(t *testing.T) {
		if a.TotalTransactions != len(records) {
			t.Errorf("expected %d transactions, got %d", len(records), a.TotalTransactions)
		}
		if a.ModelVersion != m.Version {
			t.Errorf("expected model version %s, got %s", m.Version, a.ModelVersion)
		}
		if a.TenantID != "t1" || a.BatchID != "b1" {
			t.Errorf("expected tenant t1 batch b1, got %s %s", a.TenantID, a.BatchID)
		}
		if a.FraudDetected == 0 {
			t.Error("expected some transactions to be flagged")
		}
		if len(a.FlaggedTransactions) > scoring.DefaultFlaggedLimit {
			t.Errorf("expected at most %d flagged, got %d", scoring.DefaultFlaggedLimit, len(a.FlaggedTransactions))
		}
		if a.Metadata.RulesApplied != len(rules.BuiltinRules()) {
			t.Errorf("expected %d rules applied, got %d", len(rules.BuiltinRules()), a.Metadata.RulesApplied)
		}
	})

	t.Run("RankedDescending", func(t *testing.T) {
		sorted := sort.SliceIsSorted(a.FlaggedTransactions, func(i, j int) bool {
			return a.FlaggedTransactions[i].FraudProbability > a.FlaggedTransactions[j].FraudProbability
		})
		if !sorted {
			t.Error("expected flagged transactions sorted by fraud probability")
		}
	})

	t.Run("ReasonsAttached", func(t *testing.T) {
		withReasons := 0
		for _, f := range a.FlaggedTransactions {
			if len(f.Reasons) > 0 {
				withReasons++
			}
		}
		if withReasons == 0 {
			t.Error("expected reason rules to explain some flagged transactions")
		}
	})
}

func TestReasonsFollowRowWithDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	records := batch()

	svc := NewService(Deps{Rules: newEngine(t), MaxWorkers: 4})
	if _, err := svc.Train(ctx, records, smallParams()); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	for i := range records {
		records[i].TransactionID = "dup"
	}
	a, err := svc.Analyze(ctx, Request{TenantID: "t1", Records: records})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	for _, f := range a.FlaggedTransactions {
		tx := records[f.Row-1]
		if tx.Amount != f.Amount || tx.CustomerID != f.CustomerID {
			t.Fatalf("row %d: expected amount %v customer %s, got %v %s", f.Row, tx.Amount, tx.CustomerID, f.Amount, f.CustomerID)
		}
		hasHighAmount := false
		for _, reason := range f.Reasons {
			if reason == "Transaction amount exceeds 20,000" {
				hasHighAmount = true
			}
		}
		if hasHighAmount != (f.Amount >= 20000) {
			t.Errorf("row %d amount %v: expected high-amount reason %v, got reasons %v", f.Row, f.Amount, f.Amount >= 20000, f.Reasons)
		}
	}
}

func TestTrainPersistsAndReloads(t *testing.T) {
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	defer repo.Close()

	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	trained := make(chan *domain.ModelTrainedEvent, 1)
	_, err = eventBus.Subscribe(ctx, bus.AllTenants, domain.TopicModelTrained, func(ctx context.Context, msg *domain.Message) error {
		evt, err := bus.Decode[domain.ModelTrainedEvent](msg)
		if err != nil {
			return err
		}
		trained <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	svc := NewService(Deps{Repository: repo, Bus: eventBus})

	if _, err := svc.Reload(ctx); !errors.Is(err, domain.ErrModelNotReady) {
		t.Errorf("expected ErrModelNotReady before training, got %v", err)
	}

	m, err := svc.Train(ctx, batch(), smallParams())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	select {
	case evt := <-trained:
		if evt.ModelID != m.ID {
			t.Errorf("expected event for model %s, got %s", m.ID, evt.ModelID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for model trained event")
	}

	active, err := repo.GetActiveModel(ctx)
	if err != nil {
		t.Fatalf("GetActiveModel failed: %v", err)
	}
	if active.ID != m.ID {
		t.Errorf("expected active model %s, got %s", m.ID, active.ID)
	}

	fresh := NewService(Deps{Repository: repo})
	reloaded, err := fresh.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reloaded.Version != m.Version {
		t.Errorf("expected version %s, got %s", m.Version, reloaded.Version)
	}
	if reloaded.Threshold() != m.Threshold() {
		t.Errorf("expected threshold %g, got %g", m.Threshold(), reloaded.Threshold())
	}
}

func TestAnalyzeRejectsBadBatch(t *testing.T) {
	ctx := context.Background()
	svc := NewService(Deps{})
	if _, err := svc.Train(ctx, batch(), smallParams()); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	_, err := svc.Analyze(ctx, Request{TenantID: "t1"})
	if !errors.Is(err, domain.ErrSchema) {
		t.Errorf("expected ErrSchema for empty batch, got %v", err)
	}
}
