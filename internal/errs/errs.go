// Package errs defines the error kinds shared across the reconciliation
// pipeline. Components wrap causes with these types so the orchestrator can
// classify failures without string matching.
package errs

import (
	"errors"
	"fmt"
)

// ErrPartialResult indicates the batch completed but one or more scopes
// failed or were cancelled by the deadline.
var ErrPartialResult = errors.New("batch completed with partial results")

// DataSourceError marks a provider registry, RIR mirror, or replica database
// as unreachable after retries were exhausted. Scope-fatal.
type DataSourceError struct {
	Source string
	Err    error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("data source %s unavailable: %v", e.Source, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// ParseError marks a single malformed entry (ASN, prefix, feed row). The
// entry is skipped and logged; resolution of the remaining entries continues.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed entry %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WikiAPIError marks a failed call against the platform API. Reads are
// retried before surfacing this; writes surface it immediately to avoid
// duplicate or partial publishes.
type WikiAPIError struct {
	Op     string
	Status int
	Err    error
}

func (e *WikiAPIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("wiki api %s failed (http %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("wiki api %s failed: %v", e.Op, e.Err)
}

func (e *WikiAPIError) Unwrap() error { return e.Err }
