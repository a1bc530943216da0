package features

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// UnknownCode is assigned to categorical values a Vocabulary never saw.
const UnknownCode = -1

// Categorical column indices within an Encoder.
const (
	ColumnType = iota
	ColumnCategory
	ColumnDevice
	categoricalColumns
)

// Encoder maps the categorical fields of a batch to integer codes.
// Codes returned are indexed [row][ColumnType|ColumnCategory|ColumnDevice].
type Encoder interface {
	Encode(records []domain.Transaction) [][categoricalColumns]float64
}

func categoricals(tx *domain.Transaction) [categoricalColumns]string {
	return [categoricalColumns]string{tx.TransactionType, tx.MerchantCategory, tx.DeviceType}
}

// BatchEncoder assigns codes in first-seen order within each batch.
// The same string can map to different codes in different batches.
type BatchEncoder struct{}

// Encode implements Encoder.
func (BatchEncoder) Encode(records []domain.Transaction) [][categoricalColumns]float64 {
	var seen [categoricalColumns]map[string]int
	for i := range seen {
		seen[i] = make(map[string]int)
	}

	out := make([][categoricalColumns]float64, len(records))
	for r := range records {
		values := categoricals(&records[r])
		for c, v := range values {
			code, ok := seen[c][v]
			if !ok {
				code = len(seen[c])
				seen[c][v] = code
			}
			out[r][c] = float64(code)
		}
	}
	return out
}

// Vocabulary is a frozen string-to-code mapping learned from training data.
type Vocabulary struct {
	Types      map[string]int `json:"types"`
	Categories map[string]int `json:"categories"`
	Devices    map[string]int `json:"devices"`
}

// LearnVocabulary assigns codes in first-seen order over the training set.
func LearnVocabulary(records []domain.Transaction) *Vocabulary {
	v := &Vocabulary{
		Types:      make(map[string]int),
		Categories: make(map[string]int),
		Devices:    make(map[string]int),
	}
	maps := v.columns()
	for r := range records {
		for c, s := range categoricals(&records[r]) {
			if _, ok := maps[c][s]; !ok {
				maps[c][s] = len(maps[c])
			}
		}
	}
	return v
}

func (v *Vocabulary) columns() [categoricalColumns]map[string]int {
	return [categoricalColumns]map[string]int{v.Types, v.Categories, v.Devices}
}

// Code returns the code for s in the given column, or UnknownCode.
func (v *Vocabulary) Code(column int, s string) int {
	if code, ok := v.columns()[column][s]; ok {
		return code
	}
	return UnknownCode
}

// Size returns the number of known values per column.
func (v *Vocabulary) Size() (types, categories, devices int) {
	return len(v.Types), len(v.Categories), len(v.Devices)
}

// Encode implements Encoder.
func (v *Vocabulary) Encode(records []domain.Transaction) [][categoricalColumns]float64 {
	out := make([][categoricalColumns]float64, len(records))
	for r := range records {
		for c, s := range categoricals(&records[r]) {
			out[r][c] = float64(v.Code(c, s))
		}
	}
	return out
}
