package domain

import (
	"time"
)

// Column names every uploaded batch must carry.
const (
	ColumnTransactionID    = "transaction_id"
	ColumnCustomerID       = "customer_id"
	ColumnAmount           = "amount"
	ColumnTimestamp        = "timestamp"
	ColumnTransactionType  = "transaction_type"
	ColumnMerchantCategory = "merchant_category"
	ColumnLocation         = "location"
	ColumnDeviceType       = "device_type"
)

// RequiredColumns lists the batch columns in canonical order.
var RequiredColumns = []string{
	ColumnTransactionID,
	ColumnCustomerID,
	ColumnAmount,
	ColumnTimestamp,
	ColumnTransactionType,
	ColumnMerchantCategory,
	ColumnLocation,
	ColumnDeviceType,
}

// Transaction is a single banking transaction submitted for scoring.
// Records are immutable once ingested.
type Transaction struct {
	// Identifiers
	TransactionID string `json:"transaction_id" validate:"required"`
	CustomerID    string `json:"customer_id" validate:"required"`

	// Currency-agnostic positive amount
	Amount float64 `json:"amount" validate:"gt=0"`

	// Absolute instant; hour and weekday are read in its own location
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Free-form categoricals
	TransactionType  string `json:"transaction_type" validate:"required"`
	MerchantCategory string `json:"merchant_category" validate:"required"`
	Location         string `json:"location" validate:"required"`
	DeviceType       string `json:"device_type" validate:"required"`
}

// Batch is a group of transactions submitted together.
// Customer aggregates and categorical codes never cross batch boundaries.
type Batch struct {
	ID           string        `json:"batchId"`
	TenantID     string        `json:"tenantId"`
	Transactions []Transaction `json:"transactions"`
	SubmittedAt  time.Time     `json:"submittedAt"`
}
