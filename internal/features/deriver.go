// Package features turns raw transactions into numeric model input.
package features

import (
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// Deriver computes feature vectors for a batch.
type Deriver struct {
	Encoder Encoder
}

// NewDeriver creates a deriver backed by enc. A nil encoder falls back
// to per-batch encoding.
func NewDeriver(enc Encoder) *Deriver {
	if enc == nil {
		enc = BatchEncoder{}
	}
	return &Deriver{Encoder: enc}
}

// customerStats holds per-customer aggregates over one batch.
type customerStats struct {
	mean  float64
	std   float64
	count int
}

// Derive returns one feature vector per record, in input order.
// Customer aggregates are computed over records only.
func (d *Deriver) Derive(records []domain.Transaction) ([]domain.FeatureVector, error) {
	if len(records) == 0 {
		return nil, &domain.SchemaError{Reason: "batch contains no transactions"}
	}
	for i := range records {
		if err := checkRecord(i+1, &records[i]); err != nil {
			return nil, err
		}
	}

	stats := aggregate(records)
	codes := d.Encoder.Encode(records)

	out := make([]domain.FeatureVector, len(records))
	for i := range records {
		tx := &records[i]
		cs := stats[tx.CustomerID]

		hour := tx.Timestamp.Hour()
		dow := (int(tx.Timestamp.Weekday()) + 6) % 7

		deviation := (tx.Amount - cs.mean) / (cs.std + 1)
		if math.IsNaN(deviation) || math.IsInf(deviation, 0) {
			deviation = 0
		}

		v := &out[i]
		v[domain.FeatureAmount] = tx.Amount
		v[domain.FeatureHour] = float64(hour)
		v[domain.FeatureDayOfWeek] = float64(dow)
		v[domain.FeatureIsWeekend] = boolFloat(dow >= 5)
		v[domain.FeatureIsNight] = boolFloat(IsNight(hour))
		v[domain.FeatureAmountDeviation] = deviation
		v[domain.FeatureTypeEncoded] = codes[i][ColumnType]
		v[domain.FeatureCategoryEncoded] = codes[i][ColumnCategory]
		v[domain.FeatureDeviceEncoded] = codes[i][ColumnDevice]
		v[domain.FeatureTransactionCount] = float64(cs.count)
	}
	return out, nil
}

// IsNight reports whether hour falls in the 22:00-06:59 window.
func IsNight(hour int) bool {
	return hour >= 22 || hour <= 6
}

// Matrix flattens vectors into row slices for the ensemble.
func Matrix(vectors []domain.FeatureVector) [][]float64 {
	rows := make([][]float64, len(vectors))
	for i := range vectors {
		rows[i] = vectors[i].Slice()
	}
	return rows
}

func aggregate(records []domain.Transaction) map[string]customerStats {
	amounts := make(map[string][]float64)
	for i := range records {
		id := records[i].CustomerID
		amounts[id] = append(amounts[id], records[i].Amount)
	}

	stats := make(map[string]customerStats, len(amounts))
	for id, xs := range amounts {
		cs := customerStats{count: len(xs)}
		if len(xs) == 1 {
			// sample std is undefined for one row
			cs.mean, cs.std = xs[0], math.NaN()
		} else {
			cs.mean, cs.std = stat.MeanStdDev(xs, nil)
		}
		stats[id] = cs
	}
	return stats
}

func checkRecord(row int, tx *domain.Transaction) error {
	var missing []string
	if tx.TransactionID == "" {
		missing = append(missing, domain.ColumnTransactionID)
	}
	if tx.CustomerID == "" {
		missing = append(missing, domain.ColumnCustomerID)
	}
	if tx.Timestamp.IsZero() {
		missing = append(missing, domain.ColumnTimestamp)
	}
	if tx.TransactionType == "" {
		missing = append(missing, domain.ColumnTransactionType)
	}
	if tx.MerchantCategory == "" {
		missing = append(missing, domain.ColumnMerchantCategory)
	}
	if tx.Location == "" {
		missing = append(missing, domain.ColumnLocation)
	}
	if tx.DeviceType == "" {
		missing = append(missing, domain.ColumnDeviceType)
	}
	if len(missing) > 0 {
		return &domain.SchemaError{
			Reason: "row " + strconv.Itoa(row) + ": empty " + strings.Join(missing, ", "),
		}
	}
	if !(tx.Amount > 0) || math.IsInf(tx.Amount, 0) {
		return &domain.SchemaError{Reason: "row " + strconv.Itoa(row) + ": amount must be a positive finite number"}
	}
	return nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
