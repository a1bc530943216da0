package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg := a.cfg
	logCloser := setupLogging(cfg.Logging, os.Stdout)
	defer logCloser.Close()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize reason rules
	engine, err := rules.NewEngine(cfg.Model.MaxWorkers)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	if err := loadRules(ctx, repo, engine); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	service := analysis.NewService(analysis.Deps{
		Rules:      engine,
		Processor:  &scoring.Processor{FlaggedLimit: cfg.Model.FlaggedLimit},
		Repository: repo,
		Bus:        busImpl,
		MaxWorkers: cfg.Model.MaxWorkers,
	})
	loadModel(ctx, service, cfg.Model.ArtifactPath)

	// Initialize async Worker (on by default in Pro tier)
	var asyncWorker *worker.Worker
	if workerCfg, ok := workerConfig(cfg); ok {
		asyncWorker = worker.NewWorker(busImpl, repo, service)

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs))
		}
	}

	srv := api.NewServer(cfg, api.Deps{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Service:    service,
		Rules:      engine,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_loaded", service.Registry().Ready(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// loadRules loads the global reason rules, seeding the built-in set into
// an empty repository first.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, rules.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database, using built-in rules", "error", err)
		return engine.LoadRules(rules.BuiltinRules())
	}

	if len(dbRules) == 0 {
		dbRules = rules.BuiltinRules()
		for _, rule := range dbRules {
			if err := repo.SaveRuleConfig(ctx, rules.GlobalTenantID, rule); err != nil {
				return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
			}
		}
		slog.Info("seeded built-in rules", "count", len(dbRules))
	}

	return engine.LoadRules(dbRules)
}

// loadModel installs the repository's active model, falling back to the
// artifact file. Without either the server starts but is not ready.
func loadModel(ctx context.Context, service *analysis.Service, artifactPath string) {
	m, err := service.Reload(ctx)
	if err == nil {
		slog.Info("model loaded from repository", "model_id", m.ID, "version", m.Version)
		return
	}
	if !errors.Is(err, domain.ErrModelNotReady) {
		slog.Warn("failed to load model from repository", "error", err)
	}

	if artifactPath == "" {
		slog.Warn("no model available - train one via POST /models/train")
		return
	}

	m, err = model.LoadFile(artifactPath)
	if err != nil {
		slog.Warn("no model available - train one via POST /models/train", "artifact_path", artifactPath, "error", err)
		return
	}
	service.Activate(m)
	slog.Info("model loaded from file", "path", artifactPath, "model_id", m.ID, "version", m.Version)
}

func workerConfig(cfg *domain.Config) (worker.Config, bool) {
	if !cfg.Worker.Enabled {
		return worker.Config{}, false
	}
	return worker.Config{
		TenantIDs:   splitTenants(cfg.Worker.Tenants),
		WorkerCount: cfg.Worker.Count,
	}, true
}

func splitTenants(s string) []string {
	var tenants []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - batch fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze           - Score an uploaded CSV batch")
	fmt.Println("    POST /analyze/async     - Queue a batch for the worker")
	fmt.Println("    GET  /analyses/{id}     - Get analysis by ID")
	fmt.Println("    POST /models/train      - Train and activate a model")
	fmt.Println("    GET  /models            - List stored models")
	fmt.Println("    GET  /models/active     - Describe the active model")
	fmt.Println("    POST /models/reload     - Reload the active model")
	fmt.Println("    GET  /rules             - List reason rules")
	fmt.Println("    POST /rules             - Create a reason rule")
	fmt.Println("    POST /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println()
}
