package features

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes columns to zero mean and unit variance.
// It is frozen after FitScaler and safe for concurrent use.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler learns per-column mean and population standard deviation.
// A constant column keeps a unit divisor.
func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot fit scaler on empty matrix")
	}
	width := len(rows[0])
	col := make([]float64, len(rows))

	s := &Scaler{Mean: make([]float64, width), Std: make([]float64, width)}
	for j := 0; j < width; j++ {
		for i, row := range rows {
			if len(row) != width {
				return nil, &domain.DimensionMismatchError{Expected: width, Got: len(row)}
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s, nil
}

// Width returns the number of columns the scaler was fit on.
func (s *Scaler) Width() int {
	return len(s.Mean)
}

// Transform returns standardized copies of rows.
func (s *Scaler) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != s.Width() {
			return nil, &domain.DimensionMismatchError{Expected: s.Width(), Got: len(row)}
		}
		scaled := make([]float64, len(row))
		for j, x := range row {
			scaled[j] = (x - s.Mean[j]) / s.Std[j]
		}
		out[i] = scaled
	}
	return out, nil
}
