// Package metrics exposes Kestrel's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Analysis metrics
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_analyses_total",
			Help: "Total number of batch analyses",
		},
		[]string{"mode", "status"}, // mode: sync/async/cli
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_analysis_stage_duration_seconds",
			Help:    "Batch analysis duration by pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"stage"}, // derive/score/total
	)

	TransactionsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_transactions_scored_total",
			Help: "Total number of transactions scored",
		},
	)

	TransactionsFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_transactions_flagged_total",
			Help: "Flagged transactions returned, by risk level",
		},
		[]string{"risk_level"},
	)

	// Model metrics
	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_model_trainings_total",
			Help: "Total number of model training runs",
		},
		[]string{"status"},
	)

	ModelThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_model_threshold",
			Help: "Anomaly score threshold of the active model",
		},
	)

	ModelInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kestrel_model_info",
			Help: "Active model version (value is always 1)",
		},
		[]string{"version"},
	)

	// Cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_cache_requests_total",
			Help: "Analysis cache lookups",
		},
		[]string{"result"}, // hit/miss/error
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Tenant IDs come from a request header, so they are kept out of labels.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rate_limited_total",
			Help: "Requests rejected by the per-tenant rate limit",
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_events_published_total",
			Help: "Events published to the bus",
		},
		[]string{"topic", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAnalysis records a finished analysis.
func ObserveAnalysis(mode string, a *domain.Analysis, err error) {
	if err != nil {
		AnalysesTotal.WithLabelValues(mode, "error").Inc()
		return
	}
	AnalysesTotal.WithLabelValues(mode, "ok").Inc()

	TransactionsScored.Add(float64(a.TotalTransactions))
	for _, f := range a.FlaggedTransactions {
		TransactionsFlagged.WithLabelValues(string(f.RiskLevel)).Inc()
	}

	AnalysisDuration.WithLabelValues("derive").Observe(ms(a.Metadata.DeriveMs))
	AnalysisDuration.WithLabelValues("score").Observe(ms(a.Metadata.ScoreMs))
	AnalysisDuration.WithLabelValues("total").Observe(ms(a.Metadata.TotalMs))
}

// SetActiveModel publishes the active model's version and threshold.
func SetActiveModel(version string, threshold float64) {
	ModelInfo.Reset()
	ModelInfo.WithLabelValues(version).Set(1)
	ModelThreshold.Set(threshold)
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ms(v int64) float64 {
	return float64(v) / 1000
}
