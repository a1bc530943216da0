package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/synth"
	dto "github.com/prometheus/client_model/go"
)

const testTenant = "tenant-001"

type testServer struct {
	*Server
	repo    domain.Repository
	bus     *bus.ChannelBus
	service *analysis.Service
}

func batchCSV(t *testing.T, n int) []byte {
	t.Helper()
	cfg := synth.DefaultConfig()
	cfg.Now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	records := synth.Transactions(synth.Generate(cfg))
	if n > 0 && n < len(records) {
		records = records[:n]
	}

	var buf bytes.Buffer
	if err := ingest.WriteCSV(&buf, records); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	return buf.Bytes()
}

// createTestServer builds a server over sqlite, an LRU cache and a channel
// bus. When trained is set a small model is active.
func createTestServer(t *testing.T, trained bool, mutate ...func(*domain.Config)) *testServer {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "api.db")
	cfg.Model.Params.NumTrees = 30
	for _, fn := range mutate {
		fn(cfg)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	svc := analysis.NewService(analysis.Deps{Rules: engine, Repository: repo, Bus: eventBus})
	if trained {
		records, err := ingest.ReadCSV(bytes.NewReader(batchCSV(t, 0)))
		if err != nil {
			t.Fatalf("ReadCSV failed: %v", err)
		}
		if _, err := svc.Train(context.Background(), records, cfg.Model.Params); err != nil {
			t.Fatalf("Train failed: %v", err)
		}
	}

	srv := NewServer(cfg, Deps{
		Repository: repo,
		Cache:      cache.NewLRUCache(100),
		Bus:        eventBus,
		Service:    svc,
		Rules:      engine,
	}, "test-v1")

	return &testServer{Server: srv, repo: repo, bus: eventBus, service: svc}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func csvRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set(TenantIDHeader, testTenant)
	return req
}

func multipartRequest(t *testing.T, path string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(uploadField, "batch.csv")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	part.Write(body)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(TenantIDHeader, testTenant)
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response: %v: %s", err, rr.Body.String())
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	t.Run("NoModel", func(t *testing.T) {
		s := createTestServer(t, false)

		rr := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		health := decode[map[string]any](t, rr)
		if health["model_loaded"] != false {
			t.Errorf("expected model_loaded false, got %v", health["model_loaded"])
		}
		if health["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", health["version"])
		}

		rr = s.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("WithModel", func(t *testing.T) {
		s := createTestServer(t, true)

		health := decode[map[string]any](t, s.do(httptest.NewRequest(http.MethodGet, "/health", nil)))
		if health["model_loaded"] != true || health["scaler_loaded"] != true {
			t.Errorf("expected model and scaler loaded, got %v", health)
		}

		rr := s.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestAnalyzeEndpoint(t *testing.T) {
	s := createTestServer(t, true)
	body := batchCSV(t, 0)

	t.Run("Multipart", func(t *testing.T) {
		rr := s.do(multipartRequest(t, "/analyze", body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		a := decode[domain.Analysis](t, rr)
		if a.TotalTransactions != 1000 {
			t.Errorf("expected 1000 transactions, got %d", a.TotalTransactions)
		}
		if len(a.FlaggedTransactions) > 100 {
			t.Errorf("expected at most 100 flagged, got %d", len(a.FlaggedTransactions))
		}
		if a.FraudDetected < len(a.FlaggedTransactions) {
			t.Errorf("fraud_detected %d below returned flagged %d", a.FraudDetected, len(a.FlaggedTransactions))
		}
		if a.Metadata.Cached {
			t.Error("expected first response to be computed")
		}
		if a.Metadata.TraceID == "" {
			t.Error("expected trace id in metadata")
		}

		stored, err := s.repo.GetAnalysis(context.Background(), testTenant, a.ID)
		if err != nil {
			t.Fatalf("expected analysis to be stored: %v", err)
		}
		if stored.FraudDetected != a.FraudDetected {
			t.Errorf("expected stored fraud count %d, got %d", a.FraudDetected, stored.FraudDetected)
		}
	})

	t.Run("RawBodyServedFromCache", func(t *testing.T) {
		rr := s.do(csvRequest(http.MethodPost, "/analyze", body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if a := decode[domain.Analysis](t, rr); !a.Metadata.Cached {
			t.Error("expected identical upload to be served from cache")
		}
	})

	t.Run("RuleReloadBypassesCache", func(t *testing.T) {
		ruleBody, _ := json.Marshal(CreateRuleRequest{
			ID:          "any-amount",
			Name:        "Any Amount",
			Description: "Positive amount",
			Expression:  "amount > 0.0",
			Enabled:     true,
		})
		for _, path := range []string{"/rules", "/rules/reload"} {
			req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(ruleBody))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(TenantIDHeader, testTenant)
			if rr := s.do(req); rr.Code >= 300 {
				t.Fatalf("POST %s: expected success, got %d: %s", path, rr.Code, rr.Body.String())
			}
		}

		rr := s.do(csvRequest(http.MethodPost, "/analyze", body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		a := decode[domain.Analysis](t, rr)
		if a.Metadata.Cached {
			t.Error("expected analysis after rule reload to be recomputed")
		}
		for _, f := range a.FlaggedTransactions {
			if len(f.Reasons) != 1 || f.Reasons[0] != "Positive amount" {
				t.Fatalf("expected reloaded rule reasons only, got %v", f.Reasons)
			}
		}

		rr = s.do(csvRequest(http.MethodPost, "/analyze", body))
		if a := decode[domain.Analysis](t, rr); !a.Metadata.Cached {
			t.Error("expected repeat upload after reload to be served from cache")
		}
	})

	t.Run("MissingColumns", func(t *testing.T) {
		csv := "transaction_id,customer_id,amount\nTXN1,C1,10\n"
		rr := s.do(csvRequest(http.MethodPost, "/analyze", []byte(csv)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		msg := decode[map[string]string](t, rr)["error"]
		for _, col := range []string{"timestamp", "transaction_type", "merchant_category", "location", "device_type"} {
			if !strings.Contains(msg, col) {
				t.Errorf("expected error to name %s, got %q", col, msg)
			}
		}
	})

	t.Run("BadTimestamp", func(t *testing.T) {
		csv := "transaction_id,customer_id,amount,timestamp,transaction_type,merchant_category,location,device_type\n" +
			"TXN1,C1,10,yesterday,Purchase,Retail,Mumbai,Mobile\n"
		rr := s.do(csvRequest(http.MethodPost, "/analyze", []byte(csv)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoFile", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("other", "x")
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/analyze", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set(TenantIDHeader, testTenant)

		if rr := s.do(req); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(body))
		if rr := s.do(req); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidTenant", func(t *testing.T) {
		req := csvRequest(http.MethodPost, "/analyze", body)
		req.Header.Set(TenantIDHeader, "acme.eu")
		if rr := s.do(req); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAnalyzeWithoutModel(t *testing.T) {
	s := createTestServer(t, false)

	rr := s.do(csvRequest(http.MethodPost, "/analyze", batchCSV(t, 20)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	s := createTestServer(t, true, func(c *domain.Config) { c.Server.MaxUploadBytes = 64 })

	rr := s.do(csvRequest(http.MethodPost, "/analyze", batchCSV(t, 20)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rr.Code)
	}
}

func TestAnalyzeAsync(t *testing.T) {
	s := createTestServer(t, true)

	submitted := make(chan *domain.BatchSubmittedEvent, 1)
	_, err := s.bus.Subscribe(context.Background(), testTenant, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
		evt, err := bus.Decode[domain.BatchSubmittedEvent](msg)
		if err != nil {
			return err
		}
		submitted <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	rr := s.do(csvRequest(http.MethodPost, "/analyze/async", batchCSV(t, 50)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	batchID, _ := decode[map[string]any](t, rr)["batch_id"].(string)

	select {
	case evt := <-submitted:
		if evt.BatchID != batchID {
			t.Errorf("expected batch %s, got %s", batchID, evt.BatchID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch submitted event")
	}

	batch, err := s.repo.GetBatch(context.Background(), testTenant, batchID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if len(batch.Transactions) != 50 {
		t.Errorf("expected 50 stored transactions, got %d", len(batch.Transactions))
	}
}

func TestGetAnalysis(t *testing.T) {
	s := createTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/analyses/missing", nil)
	req.Header.Set(TenantIDHeader, testTenant)
	if rr := s.do(req); rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}

	a := decode[domain.Analysis](t, s.do(csvRequest(http.MethodPost, "/analyze", batchCSV(t, 200))))

	req = httptest.NewRequest(http.MethodGet, "/analyses/"+a.ID, nil)
	req.Header.Set(TenantIDHeader, testTenant)
	rr := s.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := decode[domain.Analysis](t, rr); got.ID != a.ID {
		t.Errorf("expected analysis %s, got %s", a.ID, got.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/analyses/"+a.ID, nil)
	req.Header.Set(TenantIDHeader, "tenant-002")
	if rr := s.do(req); rr.Code != http.StatusNotFound {
		t.Errorf("expected other tenant to get 404, got %d", rr.Code)
	}
}

func TestModelEndpoints(t *testing.T) {
	s := createTestServer(t, false)
	body := batchCSV(t, 0)

	t.Run("ActiveBeforeTraining", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/models/active", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		if rr := s.do(req); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("InvalidParams", func(t *testing.T) {
		rr := s.do(csvRequest(http.MethodPost, "/models/train?contamination=0.9", body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	var trained ModelSummary
	t.Run("Train", func(t *testing.T) {
		rr := s.do(csvRequest(http.MethodPost, "/models/train?trees=20&seed=7", body))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		trained = decode[ModelSummary](t, rr)
		if trained.Params.NumTrees != 20 || trained.Params.Seed != 7 {
			t.Errorf("expected trees 20 seed 7, got %+v", trained.Params)
		}
		if trained.TrainingRows != 1000 {
			t.Errorf("expected 1000 training rows, got %d", trained.TrainingRows)
		}
	})

	t.Run("ListAndActive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/models", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		list := decode[map[string]any](t, s.do(req))
		if list["count"] != float64(1) {
			t.Errorf("expected 1 stored model, got %v", list["count"])
		}

		req = httptest.NewRequest(http.MethodGet, "/models/active", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		active := decode[ModelSummary](t, s.do(req))
		if active.Version != trained.Version {
			t.Errorf("expected active version %s, got %s", trained.Version, active.Version)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/models/reload", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		rr := s.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := decode[ModelSummary](t, rr); got.ID != trained.ID {
			t.Errorf("expected reloaded model %s, got %s", trained.ID, got.ID)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	s := createTestServer(t, false)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(TenantIDHeader, testTenant)
		return s.do(req)
	}
	post := func(path string, v any) *httptest.ResponseRecorder {
		body, _ := json.Marshal(v)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(TenantIDHeader, testTenant)
		return s.do(req)
	}

	t.Run("List", func(t *testing.T) {
		list := decode[map[string]any](t, get("/rules"))
		if list["count"] != float64(len(rules.BuiltinRules())) {
			t.Errorf("expected %d rules, got %v", len(rules.BuiltinRules()), list["count"])
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		if rr := get("/rules/high-amount"); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := get("/rules/nope"); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := post("/rules", CreateRuleRequest{ID: "bad", Name: "Bad", Expression: "amount >", Enabled: true})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := post("/rules", CreateRuleRequest{
			ID:          "weekend-large",
			Name:        "Weekend Large",
			Description: "Large weekend transaction",
			Expression:  "is_weekend && amount > 10000.0",
			Enabled:     true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = post("/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		// The repository holds only the new rule.
		if got := decode[map[string]any](t, rr)["count"]; got != float64(1) {
			t.Errorf("expected 1 rule after reload, got %v", got)
		}
		if rr := get("/rules/weekend-large"); rr.Code != http.StatusOK {
			t.Errorf("expected reloaded rule to be served, got %d", rr.Code)
		}
	})
}

func rateLimited(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.RateLimited.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRateLimit(t *testing.T) {
	s := createTestServer(t, false, func(c *domain.Config) {
		c.RateLimit = domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	before := rateLimited(t)
	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/rules", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		codes[i] = s.do(req).Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("expected first two requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected third request to be limited, got %d", codes[2])
	}
	if got := rateLimited(t) - before; got != 1 {
		t.Errorf("expected rate limited counter to grow by 1, got %v", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set(TenantIDHeader, "tenant-002")
	if rr := s.do(req); rr.Code != http.StatusOK {
		t.Errorf("expected other tenant unaffected, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := createTestServer(t, false)

	rr := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "kestrel_") {
		t.Error("expected kestrel metrics in exposition")
	}
}

func TestCORSPreflight(t *testing.T) {
	s := createTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := s.do(req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}
}
