package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("expected port 5000, got %d", cfg.Server.Port)
	}
	if cfg.Model.Params.NumTrees != 100 {
		t.Errorf("expected 100 trees, got %d", cfg.Model.Params.NumTrees)
	}
	if cfg.Model.Params.Contamination != 0.15 {
		t.Errorf("expected contamination 0.15, got %g", cfg.Model.Params.Contamination)
	}
	if cfg.Cache.AnalysisTTL != 10*time.Minute {
		t.Errorf("expected analysis TTL 10m, got %s", cfg.Cache.AnalysisTTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("expected missing file to be ignored, got %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	yaml := `
server:
  port: 8080
model:
  params:
    trees: 50
    encoding: batch
  flagged_limit: 25
cache:
  local_ttl: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("KESTREL_SERVER__PORT", "9090")
	t.Setenv("KESTREL_MODEL__PARAMS__CONTAMINATION", "0.1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected env to override port to 9090, got %d", cfg.Server.Port)
	}
	if cfg.Model.Params.NumTrees != 50 {
		t.Errorf("expected 50 trees from file, got %d", cfg.Model.Params.NumTrees)
	}
	if cfg.Model.Params.Encoding != domain.EncodingBatch {
		t.Errorf("expected batch encoding, got %s", cfg.Model.Params.Encoding)
	}
	if cfg.Model.Params.Contamination != 0.1 {
		t.Errorf("expected contamination 0.1, got %g", cfg.Model.Params.Contamination)
	}
	if cfg.Model.FlaggedLimit != 25 {
		t.Errorf("expected flagged limit 25, got %d", cfg.Model.FlaggedLimit)
	}
	if cfg.Cache.LocalTTL != 30*time.Second {
		t.Errorf("expected local TTL 30s, got %s", cfg.Cache.LocalTTL)
	}
	if cfg.Model.Params.Seed != 42 {
		t.Errorf("expected default seed to survive, got %d", cfg.Model.Params.Seed)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Repository.Driver)
	}
	if cfg.Cache.Type != "redis" {
		t.Errorf("expected redis cache, got %s", cfg.Cache.Type)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("expected nats bus, got %s", cfg.EventBus.Type)
	}
	if !cfg.Worker.Enabled {
		t.Error("expected worker enabled in pro tier")
	}
}

func TestLoadWorkerEnv(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.Enabled || cfg.Worker.Count != 5 {
		t.Errorf("expected disabled worker with count 5, got %+v", cfg.Worker)
	}

	t.Setenv("KESTREL_WORKER__ENABLED", "true")
	t.Setenv("KESTREL_WORKER__TENANTS", "acme,globex")
	t.Setenv("KESTREL_WORKER__COUNT", "3")

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := domain.WorkerConfig{Enabled: true, Tenants: "acme,globex", Count: 3}
	if cfg.Worker != want {
		t.Errorf("expected %+v, got %+v", want, cfg.Worker)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"ZeroTrees", func(c *domain.Config) { c.Model.Params.NumTrees = 0 }},
		{"ContaminationTooHigh", func(c *domain.Config) { c.Model.Params.Contamination = 0.6 }},
		{"ContaminationZero", func(c *domain.Config) { c.Model.Params.Contamination = 0 }},
		{"UnknownEncoding", func(c *domain.Config) { c.Model.Params.Encoding = "onehot" }},
		{"ZeroFlaggedLimit", func(c *domain.Config) { c.Model.FlaggedLimit = 0 }},
		{"BadPort", func(c *domain.Config) { c.Server.Port = 70000 }},
		{"RateLimitWithoutBudget", func(c *domain.Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{"WorkerWithoutCount", func(c *domain.Config) { c.Worker = domain.WorkerConfig{Enabled: true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}
