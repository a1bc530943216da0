// Package ingest converts uploaded tabular batches into typed transactions.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// timestampLayouts are tried in order. Layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"2006-01",
	"2006",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ReadCSV parses a CSV batch with a header row.
// A missing column rejects the batch with a SchemaError listing every
// absent name; a bad timestamp or amount rejects it with a ParseError.
func ReadCSV(r io.Reader) ([]domain.Transaction, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.SchemaError{Missing: append([]string(nil), domain.RequiredColumns...)}
	}
	if err != nil {
		return nil, &domain.SchemaError{Reason: fmt.Sprintf("unreadable header: %v", err)}
	}

	index, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var records []domain.Transaction
	row := 0
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return nil, &domain.SchemaError{Reason: fmt.Sprintf("row %d: %v", row, err)}
		}

		tx, err := parseRow(row, fields, index)
		if err != nil {
			return nil, err
		}
		records = append(records, tx)
	}

	if len(records) == 0 {
		return nil, &domain.SchemaError{Reason: "batch contains no transactions"}
	}

	return records, nil
}

// columnIndex maps each required column to its position in the header.
func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	var missing []string
	for _, col := range domain.RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.SchemaError{Missing: missing}
	}
	return index, nil
}

func parseRow(row int, fields []string, index map[string]int) (domain.Transaction, error) {
	get := func(col string) string {
		return strings.TrimSpace(fields[index[col]])
	}

	amount, err := ParseAmount(get(domain.ColumnAmount))
	if err != nil {
		return domain.Transaction{}, &domain.ParseError{
			Row:   row,
			Field: domain.ColumnAmount,
			Value: get(domain.ColumnAmount),
			Err:   err,
		}
	}

	ts, err := ParseTimestamp(get(domain.ColumnTimestamp))
	if err != nil {
		return domain.Transaction{}, &domain.ParseError{
			Row:   row,
			Field: domain.ColumnTimestamp,
			Value: get(domain.ColumnTimestamp),
			Err:   err,
		}
	}

	tx := domain.Transaction{
		TransactionID:    get(domain.ColumnTransactionID),
		CustomerID:       get(domain.ColumnCustomerID),
		Amount:           amount,
		Timestamp:        ts,
		TransactionType:  get(domain.ColumnTransactionType),
		MerchantCategory: get(domain.ColumnMerchantCategory),
		Location:         get(domain.ColumnLocation),
		DeviceType:       get(domain.ColumnDeviceType),
	}

	if err := Validate(row, &tx); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// Validate checks a single record against its struct constraints.
func Validate(row int, tx *domain.Transaction) error {
	err := validate.Struct(tx)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domain.SchemaError{
			Reason: fmt.Sprintf("row %d: field %s failed %q", row, fe.Field(), fe.Tag()),
		}
	}
	return &domain.SchemaError{Reason: fmt.Sprintf("row %d: %v", row, err)}
}

// ParseAmount parses a decimal amount. The value is kept at full
// precision; it feeds the amount feature and customer aggregates directly.
func ParseAmount(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// minUnixDigits keeps short integers such as a bare year from being read
// as seconds after the epoch.
const minUnixDigits = 9

// ParseTimestamp converts s to an absolute instant.
// Bare unix seconds of at least minUnixDigits digits are accepted as well.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if len(strings.TrimPrefix(s, "-")) < minUnixDigits {
		return time.Time{}, fmt.Errorf("unrecognized timestamp format")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

// WriteCSV writes records in the upload format, header first.
func WriteCSV(w io.Writer, records []domain.Transaction) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(domain.RequiredColumns); err != nil {
		return err
	}
	for _, tx := range records {
		if err := writer.Write([]string{
			tx.TransactionID,
			tx.CustomerID,
			decimal.NewFromFloat(tx.Amount).String(),
			tx.Timestamp.Format("2006-01-02 15:04:05"),
			tx.TransactionType,
			tx.MerchantCategory,
			tx.Location,
			tx.DeviceType,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
