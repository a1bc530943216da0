package domain

import (
	"time"
)

// ModelArtifact is a persisted trained model.
// Blob is opaque to everything except the model codec.
type ModelArtifact struct {
	ID           string      `json:"id"`
	Version      string      `json:"version"`
	CreatedAt    time.Time   `json:"createdAt"`
	TrainingRows int         `json:"trainingRows"`
	Threshold    float64     `json:"threshold"`
	Params       ModelParams `json:"params"`
	Active       bool        `json:"active"`
	Blob         []byte      `json:"-"`
}

// ModelParams are the training hyperparameters recorded with an artifact.
type ModelParams struct {
	NumTrees      int     `json:"numTrees" koanf:"trees"`
	MaxSamples    int     `json:"maxSamples" koanf:"max_samples"`
	Contamination float64 `json:"contamination" koanf:"contamination"`
	Seed          int64   `json:"seed" koanf:"seed"`
	Encoding      string  `json:"encoding" koanf:"encoding"`
}

// Categorical encoding modes.
const (
	// EncodingVocabulary freezes string codes at training time.
	EncodingVocabulary = "vocabulary"

	// EncodingBatch re-derives codes per batch in first-seen order.
	EncodingBatch = "batch"
)
