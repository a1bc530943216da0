package model

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/iforest"
)

// FormatVersion identifies the artifact layout written by Marshal.
const FormatVersion = 1

type envelope struct {
	FormatVersion int                  `json:"formatVersion"`
	ID            string               `json:"id"`
	Version       string               `json:"version"`
	CreatedAt     time.Time            `json:"createdAt"`
	TrainingRows  int                  `json:"trainingRows"`
	Params        domain.ModelParams   `json:"params"`
	Features      []string             `json:"features"`
	Vocabulary    *features.Vocabulary `json:"vocabulary,omitempty"`
	Scaler        *features.Scaler     `json:"scaler"`
	Forest        *iforest.Forest      `json:"forest"`
}

// Marshal encodes m as an opaque artifact.
func Marshal(m *Model) ([]byte, error) {
	if m == nil || m.forest == nil || m.scaler == nil {
		return nil, domain.ErrModelNotReady
	}
	return json.Marshal(envelope{
		FormatVersion: FormatVersion,
		ID:            m.ID,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt,
		TrainingRows:  m.TrainingRows,
		Params:        m.Params,
		Features:      domain.FeatureNames[:],
		Vocabulary:    m.vocab,
		Scaler:        m.scaler,
		Forest:        m.forest,
	})
}

// Unmarshal decodes an artifact produced by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if env.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported artifact format %d", env.FormatVersion)
	}
	if env.Forest == nil || env.Scaler == nil {
		return nil, fmt.Errorf("artifact is missing scaler or forest")
	}
	if err := env.Forest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forest: %w", err)
	}
	if env.Forest.Width != domain.FeatureCount {
		return nil, &domain.DimensionMismatchError{Expected: domain.FeatureCount, Got: env.Forest.Width}
	}
	if env.Scaler.Width() != env.Forest.Width || len(env.Scaler.Std) != env.Forest.Width {
		return nil, &domain.DimensionMismatchError{Expected: env.Forest.Width, Got: env.Scaler.Width()}
	}
	if env.Params.Encoding == domain.EncodingVocabulary && env.Vocabulary == nil {
		return nil, fmt.Errorf("artifact uses vocabulary encoding but has no vocabulary")
	}

	return &Model{
		ID:           env.ID,
		Version:      env.Version,
		CreatedAt:    env.CreatedAt,
		TrainingRows: env.TrainingRows,
		Params:       env.Params,
		vocab:        env.Vocabulary,
		scaler:       env.Scaler,
		forest:       env.Forest,
	}, nil
}

// SaveFile writes the artifact for m to path.
func SaveFile(path string, m *Model) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	return nil
}

// LoadFile reads an artifact from path.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	return Unmarshal(data)
}
