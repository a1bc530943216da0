//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel
// server.
//
// The tests train a model through the API, then score labelled synthetic
// batches and check the response contract:
//
//	CSV upload → features → isolation forest → probabilities → ranked flags
//
// Run with:
//
//	go run ./cmd/kestrel serve &
//	KESTREL_TEST_URL=http://localhost:5000 go test -tags=integration -v ./tests/integration/...
//
// Training replaces the active model on the target server.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/synth"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

func labelledBatch(t *testing.T, seed int64) ([]byte, map[string]bool) {
	t.Helper()

	cfg := synth.DefaultConfig()
	cfg.Seed = seed
	rows := synth.Generate(cfg)

	labels := make(map[string]bool, len(rows))
	for _, r := range rows {
		labels[r.TransactionID] = r.IsFraud
	}

	var buf bytes.Buffer
	if err := ingest.WriteCSV(&buf, synth.Transactions(rows)); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	return buf.Bytes(), labels
}

func upload(t *testing.T, config TestConfig, path string, csv []byte) (int, []byte) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "batch.csv")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	part.Write(csv)
	mw.Close()

	httpReq, err := http.NewRequest(http.MethodPost, config.BaseURL+path, &body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func analyze(t *testing.T, config TestConfig, csv []byte) domain.Analysis {
	t.Helper()

	status, body := upload(t, config, "/analyze", csv)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result domain.Analysis
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func trainModel(t *testing.T, config TestConfig) {
	t.Helper()

	csv, _ := labelledBatch(t, 42)
	status, body := upload(t, config, "/models/train", csv)
	if status != http.StatusCreated {
		t.Fatalf("Expected status 201 from training, got %d: %s", status, string(body))
	}
}

func TestTrainedModelSeparatesAnomalies(t *testing.T) {
	config := getTestConfig()
	trainModel(t, config)

	csv, labels := labelledBatch(t, 7)
	result := analyze(t, config, csv)

	if result.TotalTransactions != len(labels) {
		t.Fatalf("Expected %d transactions, got %d", len(labels), result.TotalTransactions)
	}

	var fraudFlagged, normalFlagged, fraudTotal int
	for _, f := range result.FlaggedTransactions {
		if labels[f.TransactionID] {
			fraudFlagged++
		} else {
			normalFlagged++
		}
	}
	for _, isFraud := range labels {
		if isFraud {
			fraudTotal++
		}
	}

	fraudRate := float64(fraudFlagged) / float64(fraudTotal)
	normalRate := float64(normalFlagged) / float64(len(labels)-fraudTotal)
	if fraudRate <= 3*normalRate {
		t.Errorf("Expected anomalous flag rate %.3f to exceed 3x normal rate %.3f", fraudRate, normalRate)
	}

	t.Logf("flagged %d of %d, anomalous rate %.3f, normal rate %.3f",
		result.FraudDetected, result.TotalTransactions, fraudRate, normalRate)
}

func TestResponseContract(t *testing.T) {
	config := getTestConfig()
	trainModel(t, config)

	csv, _ := labelledBatch(t, 11)
	result := analyze(t, config, csv)

	if len(result.FlaggedTransactions) > result.Metadata.FlaggedLimit {
		t.Errorf("Expected at most %d flagged entries, got %d", result.Metadata.FlaggedLimit, len(result.FlaggedTransactions))
	}
	if result.FraudDetected > len(result.FlaggedTransactions) && !result.Metadata.Truncated {
		t.Error("Expected truncated flag when the flagged list is capped")
	}

	if !sort.SliceIsSorted(result.FlaggedTransactions, func(i, j int) bool {
		return result.FlaggedTransactions[i].FraudProbability > result.FlaggedTransactions[j].FraudProbability
	}) {
		t.Error("Expected flagged transactions ranked by fraud probability")
	}

	withReasons := 0
	for _, f := range result.FlaggedTransactions {
		if f.FraudProbability < 0 || f.FraudProbability > 100 {
			t.Errorf("Fraud probability %.2f out of range for %s", f.FraudProbability, f.TransactionID)
		}
		if len(f.Reasons) > 0 {
			withReasons++
		}
	}
	if withReasons == 0 {
		t.Error("Expected reason rules to explain some flagged transactions")
	}

	again := analyze(t, config, csv)
	if !again.Metadata.Cached {
		t.Error("Expected identical upload to be served from cache")
	}
	if again.FraudDetected != result.FraudDetected {
		t.Errorf("Expected cached fraud count %d, got %d", result.FraudDetected, again.FraudDetected)
	}
}

func TestMissingColumnsRejected(t *testing.T) {
	config := getTestConfig()

	status, body := upload(t, config, "/analyze", []byte("transaction_id,amount\nTXN1,10\n"))
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", status, string(body))
	}
}

func TestAsyncSubmission(t *testing.T) {
	config := getTestConfig()

	csv, _ := labelledBatch(t, 13)
	status, body := upload(t, config, "/analyze/async", csv)
	if status == http.StatusServiceUnavailable {
		t.Skip("async analysis not configured on this server")
	}
	if status != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", status, string(body))
	}

	var queued map[string]any
	if err := json.Unmarshal(body, &queued); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if queued["batch_id"] == "" || queued["status"] != "queued" {
		t.Errorf("Expected queued batch, got %v", queued)
	}
}
