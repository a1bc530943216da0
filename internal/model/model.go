// Package model trains and applies the fraud scoring model.
// A Model bundles the frozen vocabulary, scaler and isolation ensemble and
// is immutable once built.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/iforest"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Params configures training.
type Params struct {
	domain.ModelParams

	// Concurrent tree builders
	MaxWorkers int
}

// DefaultParams returns the standard training settings.
func DefaultParams() Params {
	return Params{ModelParams: domain.DefaultModelParams()}
}

// Model is a trained, read-only scoring model.
type Model struct {
	ID           string
	Version      string
	CreatedAt    time.Time
	TrainingRows int
	Params       domain.ModelParams

	vocab  *features.Vocabulary
	scaler *features.Scaler
	forest *iforest.Forest
}

// Train fits a model on records. Feature derivation, the categorical
// vocabulary and the scaler all use the training batch only.
func Train(ctx context.Context, records []domain.Transaction, p Params) (*Model, error) {
	start := time.Now()

	if p.Encoding == "" {
		p.Encoding = domain.EncodingVocabulary
	}
	if p.Encoding != domain.EncodingVocabulary && p.Encoding != domain.EncodingBatch {
		return nil, fmt.Errorf("unknown encoding %q", p.Encoding)
	}

	m := &Model{
		ID:           uuid.New().String(),
		CreatedAt:    time.Now().UTC(),
		TrainingRows: len(records),
		Params:       p.ModelParams,
	}
	m.Version = newVersion(m.CreatedAt, m.ID)

	var enc features.Encoder = features.BatchEncoder{}
	if p.Encoding == domain.EncodingVocabulary {
		m.vocab = features.LearnVocabulary(records)
		enc = m.vocab
	}

	vectors, err := features.NewDeriver(enc).Derive(records)
	if err != nil {
		return nil, err
	}
	rows := features.Matrix(vectors)

	m.scaler, err = features.FitScaler(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fit scaler: %w", err)
	}
	scaled, err := m.scaler.Transform(rows)
	if err != nil {
		return nil, err
	}

	m.forest, err = iforest.Fit(ctx, scaled, iforest.Params{
		NumTrees:      p.NumTrees,
		MaxSamples:    p.MaxSamples,
		Contamination: p.Contamination,
		Seed:          p.Seed,
		MaxWorkers:    p.MaxWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fit isolation forest: %w", err)
	}

	slog.Info("model trained",
		"model_id", m.ID,
		"version", m.Version,
		"rows", len(records),
		"trees", p.NumTrees,
		"threshold", m.forest.Threshold,
		"encoding", p.Encoding,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return m, nil
}

func newVersion(at time.Time, id string) string {
	return at.Format("20060102T150405") + "-" + id[:8]
}

// Threshold returns the score above which a row is predicted anomalous.
func (m *Model) Threshold() float64 {
	return m.forest.Threshold
}

// Vocabulary returns the frozen vocabulary, or nil for batch encoding.
func (m *Model) Vocabulary() *features.Vocabulary {
	return m.vocab
}

// Scaler returns the frozen scaler.
func (m *Model) Scaler() *features.Scaler {
	return m.scaler
}

// Features derives raw feature vectors for records with this model's
// categorical encoding.
func (m *Model) Features(records []domain.Transaction) ([]domain.FeatureVector, error) {
	var enc features.Encoder = features.BatchEncoder{}
	if m.vocab != nil {
		enc = m.vocab
	}
	return features.NewDeriver(enc).Derive(records)
}

// ScoreFeatures scores vectors previously derived from records.
// The two slices must align.
func (m *Model) ScoreFeatures(ctx context.Context, records []domain.Transaction, vectors []domain.FeatureVector) ([]domain.ScoredResult, error) {
	if len(records) != len(vectors) {
		return nil, fmt.Errorf("record and vector counts differ: %d != %d", len(records), len(vectors))
	}

	scaled, err := m.scaler.Transform(features.Matrix(vectors))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]domain.ScoredResult, len(records))
	for i, row := range scaled {
		s, err := m.forest.Score(row)
		if err != nil {
			return nil, err
		}
		results[i] = domain.ScoredResult{
			Transaction:  records[i],
			Features:     vectors[i],
			AnomalyScore: s,
			Decision:     m.forest.Threshold - s,
			IsFraud:      s > m.forest.Threshold,
		}
	}

	scoring.Apply(results)
	return results, nil
}

// Score derives features for records and scores them in one pass.
func (m *Model) Score(ctx context.Context, records []domain.Transaction) ([]domain.ScoredResult, error) {
	vectors, err := m.Features(records)
	if err != nil {
		return nil, err
	}
	return m.ScoreFeatures(ctx, records, vectors)
}

// Artifact describes m as a persistable row. The blob is the encoded model.
func (m *Model) Artifact() (*domain.ModelArtifact, error) {
	blob, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return &domain.ModelArtifact{
		ID:           m.ID,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		TrainingRows: m.TrainingRows,
		Threshold:    m.forest.Threshold,
		Params:       m.Params,
		Blob:         blob,
	}, nil
}
