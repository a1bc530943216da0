package model

import (
	"log/slog"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry holds the model currently used for scoring.
// Swapping models never mutates a model that requests may be reading.
type Registry struct {
	current atomic.Pointer[Model]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the active model or ErrModelNotReady.
func (r *Registry) Current() (*Model, error) {
	m := r.current.Load()
	if m == nil {
		return nil, domain.ErrModelNotReady
	}
	return m, nil
}

// Ready reports whether a model is loaded.
func (r *Registry) Ready() bool {
	return r.current.Load() != nil
}

// Swap installs m and returns the previous model, if any.
func (r *Registry) Swap(m *Model) *Model {
	prev := r.current.Swap(m)
	if m != nil {
		slog.Info("model activated", "model_id", m.ID, "version", m.Version)
	}
	return prev
}

// LoadArtifact decodes a stored artifact and makes it current.
func (r *Registry) LoadArtifact(a *domain.ModelArtifact) (*Model, error) {
	m, err := Unmarshal(a.Blob)
	if err != nil {
		return nil, err
	}
	r.Swap(m)
	return m, nil
}
