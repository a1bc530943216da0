// Package synth generates labelled synthetic transaction batches for
// training and evaluation.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Config controls the generated batch.
type Config struct {
	Normal    int
	Anomalous int
	Customers int
	Seed      int64

	// Timestamps fall within LookbackDays whole days before Now.
	Now          time.Time
	LookbackDays int
}

// DefaultConfig returns the standard 850/150 training mix.
func DefaultConfig() Config {
	return Config{
		Normal:       850,
		Anomalous:    150,
		Customers:    200,
		Seed:         42,
		Now:          time.Now().UTC(),
		LookbackDays: 90,
	}
}

var (
	normalTypes      = []string{"Purchase", "Transfer", "Withdrawal"}
	normalCategories = []string{"Retail", "Food", "Travel", "Online"}
)

// Labelled is a generated transaction with its ground truth.
type Labelled struct {
	domain.Transaction
	IsFraud bool
}

// Generate returns normal rows followed by anomalous rows.
// Normal amounts follow N(5000, 2000) floored at 100; anomalous amounts
// are uniform in [20000, 100000) and always Transfer/Online/Unknown/Desktop.
func Generate(cfg Config) []Labelled {
	if cfg.Customers <= 0 {
		cfg.Customers = 200
	}
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = 0
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	out := make([]Labelled, 0, cfg.Normal+cfg.Anomalous)

	customer := func() string {
		return fmt.Sprintf("CUST%04d", rng.Intn(cfg.Customers)+1)
	}
	timestamp := func() time.Time {
		return cfg.Now.AddDate(0, 0, -rng.Intn(cfg.LookbackDays+1))
	}

	for i := 0; i < cfg.Normal; i++ {
		amount := math.Max(100, 5000+2000*rng.NormFloat64())
		out = append(out, Labelled{Transaction: domain.Transaction{
			TransactionID:    fmt.Sprintf("TXN%06d", len(out)+1),
			CustomerID:       customer(),
			Amount:           round2(amount),
			Timestamp:        timestamp(),
			TransactionType:  normalTypes[rng.Intn(len(normalTypes))],
			MerchantCategory: normalCategories[rng.Intn(len(normalCategories))],
			Location:         "Mumbai",
			DeviceType:       "Mobile",
		}})
	}

	for i := 0; i < cfg.Anomalous; i++ {
		amount := 20000 + rng.Float64()*80000
		out = append(out, Labelled{
			Transaction: domain.Transaction{
				TransactionID:    fmt.Sprintf("TXN%06d", len(out)+1),
				CustomerID:       customer(),
				Amount:           round2(amount),
				Timestamp:        timestamp(),
				TransactionType:  "Transfer",
				MerchantCategory: "Online",
				Location:         "Unknown",
				DeviceType:       "Desktop",
			},
			IsFraud: true,
		})
	}

	return out
}

// Transactions strips labels.
func Transactions(rows []Labelled) []domain.Transaction {
	out := make([]domain.Transaction, len(rows))
	for i := range rows {
		out[i] = rows[i].Transaction
	}
	return out
}

func round2(x float64) float64 {
	return decimal.NewFromFloat(x).Round(2).InexactFloat64()
}
