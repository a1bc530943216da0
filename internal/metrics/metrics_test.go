package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatal("unsupported metric type")
	return 0
}

func series(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	return len(ch)
}

func TestObserveAnalysis(t *testing.T) {
	okBefore := value(t, AnalysesTotal.WithLabelValues("test", "ok"))
	errBefore := value(t, AnalysesTotal.WithLabelValues("test", "error"))
	highBefore := value(t, TransactionsFlagged.WithLabelValues(string(domain.RiskHigh)))

	a := &domain.Analysis{
		TotalTransactions: 10,
		FlaggedTransactions: []domain.FlaggedTransaction{
			{RiskLevel: domain.RiskHigh},
			{RiskLevel: domain.RiskHigh},
			{RiskLevel: domain.RiskMedium},
		},
	}
	ObserveAnalysis("test", a, nil)
	ObserveAnalysis("test", nil, errors.New("boom"))

	if got := value(t, AnalysesTotal.WithLabelValues("test", "ok")) - okBefore; got != 1 {
		t.Errorf("expected 1 ok analysis, got %v", got)
	}
	if got := value(t, AnalysesTotal.WithLabelValues("test", "error")) - errBefore; got != 1 {
		t.Errorf("expected 1 failed analysis, got %v", got)
	}
	if got := value(t, TransactionsFlagged.WithLabelValues(string(domain.RiskHigh))) - highBefore; got != 2 {
		t.Errorf("expected 2 High flagged, got %v", got)
	}
}

func TestRateLimitedSingleSeries(t *testing.T) {
	before := value(t, RateLimited)
	RateLimited.Inc()
	RateLimited.Inc()

	if n := series(RateLimited); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
	if got := value(t, RateLimited) - before; got != 2 {
		t.Errorf("expected counter to grow by 2, got %v", got)
	}
}

func TestSetActiveModel(t *testing.T) {
	SetActiveModel("v1", 0.61)
	SetActiveModel("v2", 0.58)

	if got := value(t, ModelThreshold); got != 0.58 {
		t.Errorf("expected threshold 0.58, got %v", got)
	}
	if got := series(ModelInfo); got != 1 {
		t.Errorf("expected a single active model series, got %d", got)
	}
}

func TestHandler(t *testing.T) {
	ObserveHTTP(http.MethodPost, "/analyze", http.StatusOK, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kestrel_http_requests_total") {
		t.Error("expected kestrel_http_requests_total in exposition")
	}
}
