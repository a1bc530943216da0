package domain

// FeatureCount is the width of every feature vector.
const FeatureCount = 10

// Feature column indices, in model input order.
const (
	FeatureAmount = iota
	FeatureHour
	FeatureDayOfWeek
	FeatureIsWeekend
	FeatureIsNight
	FeatureAmountDeviation
	FeatureTypeEncoded
	FeatureCategoryEncoded
	FeatureDeviceEncoded
	FeatureTransactionCount
)

// FeatureNames maps column index to name.
var FeatureNames = [FeatureCount]string{
	"amount",
	"hour",
	"day_of_week",
	"is_weekend",
	"is_night",
	"amount_deviation",
	"type_encoded",
	"category_encoded",
	"device_encoded",
	"transaction_count",
}

// FeatureVector is the derived numeric representation of one transaction.
type FeatureVector [FeatureCount]float64

// Slice returns the vector as a freshly allocated slice.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, v[:])
	return out
}
