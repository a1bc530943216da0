// Benchmark tool for measuring Kestrel detection quality and throughput.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:5000 -batches 20 -batch-size 500
//
// This tool:
//  1. Generates labelled synthetic batches
//  2. Posts each batch as CSV to POST /analyze
//  3. Compares the flagged transactions with the ground truth labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/synth"
)

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud that was flagged
	FalsePositives int64 // Non-fraud that was flagged
	TrueNegatives  int64 // Non-fraud left unflagged
	FalseNegatives int64 // Fraud left unflagged (missed fraud!)

	TotalBatches   int64
	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	Truncated      int64

	ProcessingTimeMs int64
}

type batch struct {
	seed   int64
	labels map[string]bool
	body   []byte
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:5000", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	batches := flag.Int("batches", 20, "Number of batches to submit")
	batchSize := flag.Int("batch-size", 500, "Transactions per batch")
	fraudRate := flag.Float64("fraud-rate", 0.15, "Fraction of anomalous transactions per batch")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each batch result")
	flag.Parse()

	if *batches <= 0 || *batchSize <= 0 || *fraudRate < 0 || *fraudRate > 1 {
		fmt.Println("Usage: benchmark [-url http://localhost:5000] [-batches 20] [-batch-size 500]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - synthetic batch fraud detection")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Batches:     %d x %d transactions\n", *batches, *batchSize)
	fmt.Printf("Fraud Rate:  %.2f\n", *fraudRate)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	// Check Kestrel is running and has a model
	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running with a trained model:")
		fmt.Println("  go run ./cmd/kestrel generate -o transactions.csv")
		fmt.Println("  go run ./cmd/kestrel train -i transactions.csv")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is ready")

	fmt.Printf("\nGenerating %d batches...\n", *batches)
	work, err := generateBatches(*batches, *batchSize, *fraudRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to generate batches: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(work, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func generateBatches(n, size int, fraudRate float64) ([]batch, error) {
	anomalous := int(float64(size) * fraudRate)
	out := make([]batch, 0, n)

	for i := 0; i < n; i++ {
		cfg := synth.DefaultConfig()
		cfg.Normal = size - anomalous
		cfg.Anomalous = anomalous
		cfg.Seed = int64(1000 + i)

		rows := synth.Generate(cfg)
		labels := make(map[string]bool, len(rows))
		for _, r := range rows {
			labels[r.TransactionID] = r.IsFraud
		}

		var buf bytes.Buffer
		if err := ingest.WriteCSV(&buf, synth.Transactions(rows)); err != nil {
			return nil, err
		}
		out = append(out, batch{seed: cfg.Seed, labels: labels, body: buf.Bytes()})
	}
	return out, nil
}

func runBenchmark(batches []batch, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan batch)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for b := range work {
				start := time.Now()
				result, err := analyzeBatch(client, baseURL, tenantID, b.body)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalBatches, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: batch seed %d -> %v\n", b.seed, err)
					}
					continue
				}
				if result.Metadata.Truncated {
					atomic.AddInt64(&metrics.Truncated, 1)
				}

				flagged := make(map[string]bool, len(result.FlaggedTransactions))
				for _, f := range result.FlaggedTransactions {
					flagged[f.TransactionID] = true
				}

				var tp, fp, tn, fn int64
				for id, actual := range b.labels {
					predicted := flagged[id]
					switch {
					case predicted && actual:
						tp++
					case predicted && !actual:
						fp++
					case !predicted && !actual:
						tn++
					default:
						fn++
					}
				}

				atomic.AddInt64(&metrics.TotalProcessed, int64(len(b.labels)))
				atomic.AddInt64(&metrics.TotalFraud, tp+fn)
				atomic.AddInt64(&metrics.TotalNonFraud, fp+tn)
				atomic.AddInt64(&metrics.TruePositives, tp)
				atomic.AddInt64(&metrics.FalsePositives, fp)
				atomic.AddInt64(&metrics.TrueNegatives, tn)
				atomic.AddInt64(&metrics.FalseNegatives, fn)

				if verbose {
					fmt.Printf("batch seed %-5d | flagged %4d / %4d | TP %4d FP %4d FN %4d | %d ms\n",
						b.seed, result.FraudDetected, result.TotalTransactions, tp, fp, fn, elapsed)
				}
			}
		}()
	}

	// Send work
	for _, b := range batches {
		work <- b
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func analyzeBatch(client *http.Client, baseURL, tenantID string, csvBody []byte) (*domain.Analysis, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "batch.csv")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(csvBody); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/analyze", &body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.Analysis
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Batches:          %d\n", m.TotalBatches)
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	if m.Truncated > 0 {
		fmt.Printf("   Truncated:        %d batches returned a capped flagged list\n", m.Truncated)
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED    CLEAR")
	fmt.Printf("   Actual  F   %8d %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF   %8d %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we flag)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:  %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalBatches > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalBatches)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Batch Latency: %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:        %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
