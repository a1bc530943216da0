// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels: KESTREL_CACHE__REDIS_ADDR sets cache.redis_addr.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. An empty path or a missing file is not
// an error; a malformed file is.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects settings the pipeline cannot run with.
func Validate(cfg *domain.Config) error {
	p := cfg.Model.Params
	switch {
	case p.NumTrees <= 0:
		return fmt.Errorf("model.params.trees must be positive, got %d", p.NumTrees)
	case p.MaxSamples <= 0:
		return fmt.Errorf("model.params.max_samples must be positive, got %d", p.MaxSamples)
	case !(p.Contamination > 0 && p.Contamination <= 0.5):
		return fmt.Errorf("model.params.contamination must be in (0, 0.5], got %g", p.Contamination)
	}
	if p.Encoding != domain.EncodingVocabulary && p.Encoding != domain.EncodingBatch {
		return fmt.Errorf("model.params.encoding must be %q or %q, got %q",
			domain.EncodingVocabulary, domain.EncodingBatch, p.Encoding)
	}
	if cfg.Model.FlaggedLimit <= 0 {
		return fmt.Errorf("model.flagged_limit must be positive, got %d", cfg.Model.FlaggedLimit)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when enabled")
	}
	if cfg.Worker.Enabled && cfg.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive when enabled, got %d", cfg.Worker.Count)
	}
	return nil
}
