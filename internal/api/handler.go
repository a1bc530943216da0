package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// uploadField is the multipart field carrying the CSV batch.
const uploadField = "file"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	service *analysis.Service
	engine  *rules.Engine

	maxUpload     int64
	analysisTTL   time.Duration
	trainDefaults domain.ModelParams
	version       string
}

// NewHandler creates a new API handler.
func NewHandler(cfg *domain.Config, deps Deps, version string) *Handler {
	maxUpload := cfg.Server.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &Handler{
		repo:          deps.Repository,
		cache:         deps.Cache,
		bus:           deps.Bus,
		service:       deps.Service,
		engine:        deps.Rules,
		maxUpload:     maxUpload,
		analysisTTL:   cfg.Cache.AnalysisTTL,
		trainDefaults: cfg.Model.Params,
		version:       version,
	}
}

// ModelSummary describes a model without its artifact.
type ModelSummary struct {
	ID           string             `json:"model_id"`
	Version      string             `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
	TrainingRows int                `json:"training_rows"`
	Threshold    float64            `json:"threshold"`
	Params       domain.ModelParams `json:"params"`
	Active       bool               `json:"active"`
}

func summarize(m *model.Model) ModelSummary {
	return ModelSummary{
		ID:           m.ID,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		TrainingRows: m.TrainingRows,
		Threshold:    m.Threshold(),
		Params:       m.Params,
		Active:       true,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	loaded := false
	if m, err := h.service.Registry().Current(); err == nil {
		loaded = m.Scaler() != nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       h.version,
		"model_loaded":  loaded,
		"scaler_loaded": loaded,
	})
}

// Ready reports whether a model is loaded and traffic can be scored.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.service.Registry().Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": domain.ErrModelNotReady.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready": true,
	})
}

// Analyze scores an uploaded CSV batch and returns the analysis.
// Repeat uploads against the same model are served from cache.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	data, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := h.service.Registry().Current()
	if err != nil {
		writeError(w, err)
		return
	}

	key := cache.AnalysisKey(digest(data), m.Version, h.rulesGeneration())
	if cached := h.cachedAnalysis(r, tenantID, key); cached != nil {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	records, err := ingest.ReadCSV(bytes.NewReader(data))
	if err != nil {
		writeError(w, err)
		return
	}

	a, err := h.service.Analyze(ctx, analysis.Request{
		TenantID: tenantID,
		TraceID:  GetTraceID(ctx),
		Mode:     analysis.ModeSync,
		Records:  records,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveAnalysis(ctx, tenantID, a); err != nil {
			slog.Error("failed to save analysis", "analysis_id", a.ID, "error", err)
		}
	}
	if h.cache != nil && h.analysisTTL > 0 {
		if err := h.cache.SetAnalysis(ctx, tenantID, key, a, h.analysisTTL); err != nil {
			slog.Warn("failed to cache analysis", "analysis_id", a.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) rulesGeneration() uint64 {
	if h.engine == nil {
		return 0
	}
	return h.engine.Generation()
}

func (h *Handler) cachedAnalysis(r *http.Request, tenantID, key string) *domain.Analysis {
	if h.cache == nil {
		return nil
	}

	a, err := h.cache.GetAnalysis(r.Context(), tenantID, key)
	switch {
	case err != nil:
		metrics.CacheRequests.WithLabelValues("error").Inc()
		slog.Warn("analysis cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	case a == nil:
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil
	}

	metrics.CacheRequests.WithLabelValues("hit").Inc()
	a.Metadata.Cached = true
	return a
}

// AnalyzeAsync stores an uploaded batch and queues it for the worker.
func (h *Handler) AnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil || h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "async analysis requires a repository and an event bus",
		})
		return
	}

	data, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := ingest.ReadCSV(bytes.NewReader(data))
	if err != nil {
		writeError(w, err)
		return
	}

	batch := &domain.Batch{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Transactions: records,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := h.repo.SaveBatch(ctx, tenantID, batch); err != nil {
		slog.Error("failed to save batch", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save batch",
		})
		return
	}

	evt := domain.BatchSubmittedEvent{
		BatchID:  batch.ID,
		TenantID: tenantID,
		TraceID:  GetTraceID(ctx),
	}
	err = bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicBatchSubmitted, evt)
	metrics.EventsPublished.WithLabelValues(domain.TopicBatchSubmitted, metrics.Status(err)).Inc()
	if err != nil {
		slog.Error("failed to queue batch", "batch_id", batch.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue batch",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":     batch.ID,
		"status":       "queued",
		"transactions": len(records),
	})
}

// GetAnalysis retrieves a stored analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	analysisID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	a, err := h.repo.GetAnalysis(ctx, tenantID, analysisID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// TrainModel trains on an uploaded CSV batch and activates the result.
// Query parameters trees, contamination, seed and encoding override the
// configured defaults.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	params, err := h.trainParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	data, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := ingest.ReadCSV(bytes.NewReader(data))
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := h.service.Train(r.Context(), records, params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, summarize(m))
}

func (h *Handler) trainParams(r *http.Request) (domain.ModelParams, error) {
	p := h.trainDefaults
	q := r.URL.Query()

	if v := q.Get("trees"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("trees must be a positive integer")
		}
		p.NumTrees = n
	}
	if v := q.Get("contamination"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || !(c > 0 && c <= 0.5) {
			return p, fmt.Errorf("contamination must be in (0, 0.5]")
		}
		p.Contamination = c
	}
	if v := q.Get("seed"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("seed must be an integer")
		}
		p.Seed = seed
	}
	if v := q.Get("encoding"); v != "" {
		if v != domain.EncodingVocabulary && v != domain.EncodingBatch {
			return p, fmt.Errorf("encoding must be %q or %q", domain.EncodingVocabulary, domain.EncodingBatch)
		}
		p.Encoding = v
	}
	return p, nil
}

// ListModels lists stored model artifacts, newest first.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	models, err := h.repo.ListModels(r.Context())
	if err != nil {
		slog.Error("failed to list models", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list models",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// ActiveModel describes the model currently used for scoring.
func (h *Handler) ActiveModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Registry().Current()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(m))
}

// ReloadModel installs the repository's active artifact.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	m, err := h.service.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("model reloaded from repository", "model_id", m.ID, "version", m.Version)
	writeJSON(w, http.StatusOK, summarize(m))
}

// ListRules returns all loaded reason rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a reason rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates and stores a global reason rule.
// With a repository, call POST /rules/reload to apply it; without one it
// is loaded immediately.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    rules.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	message := "Rule created. Call POST /rules/reload to apply changes."
	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, rules.GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	} else if ruleConfig.Enabled {
		if err := h.engine.LoadRule(ruleConfig); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		message = "Rule created and loaded."
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": message,
	})
}

// ReloadRules replaces the loaded rules with those in the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, rules.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// readUpload returns the CSV bytes from a multipart "file" field or a
// raw request body.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, uploadError(err)
		}
		if len(data) == 0 {
			return nil, &domain.SchemaError{Reason: "empty upload"}
		}
		return data, nil
	}

	file, _, err := r.FormFile(uploadField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, &domain.SchemaError{Reason: "no file uploaded"}
		}
		return nil, uploadError(err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, uploadError(err)
	}
	if len(data) == 0 {
		return nil, &domain.SchemaError{Reason: "no file selected"}
	}
	return data, nil
}

// errUploadTooLarge marks uploads over the configured limit.
var errUploadTooLarge = errors.New("upload exceeds size limit")

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errUploadTooLarge
	}
	return &domain.SchemaError{Reason: "unreadable upload: " + err.Error()}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeError maps pipeline errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrModelNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSchema), errors.Is(err, domain.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errUploadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrDimensionMismatch):
		slog.Error("model and features disagree", "error", err)
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
