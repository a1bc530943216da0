package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the scoring pipeline. The typed errors below match
// these through errors.Is.
var (
	ErrSchema            = errors.New("schema error")
	ErrParse             = errors.New("parse error")
	ErrModelNotReady     = errors.New("model not ready")
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrNotFound is returned by repositories for missing records.
	ErrNotFound = errors.New("record not found")
)

// SchemaError reports a batch that lacks required columns or carries
// invalid field values. The whole batch is rejected.
type SchemaError struct {
	Missing []string
	Reason  string
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required columns: %s", strings.Join(e.Missing, ", "))
	}
	return "invalid batch: " + e.Reason
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// ParseError reports a field value that could not be converted, such as
// a timestamp that does not resolve to an absolute instant.
type ParseError struct {
	Row   int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("row %d: cannot parse %s %q", e.Row, e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DimensionMismatchError signals a feature vector whose width disagrees
// with the trained model, usually a stale or incompatible artifact.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("feature dimension mismatch: model expects %d, got %d", e.Expected, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
