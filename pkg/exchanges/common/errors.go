package common

import (
	"errors"
	"fmt"
)

// AdapterError wraps a failed exchange call. Retriable marks failures worth
// retrying (no response, HTTP 5xx, 429); client errors are not.
type AdapterError struct {
	Exchange  string
	Op        string
	Status    int // HTTP status, 0 when no response was received
	Retriable bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Exchange, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError classifies an HTTP failure. status 0 means no response.
func NewAdapterError(exchange, op string, status int, err error) *AdapterError {
	return &AdapterError{
		Exchange:  exchange,
		Op:        op,
		Status:    status,
		Retriable: status == 0 || status == 429 || status >= 500,
		Err:       err,
	}
}

// IsRetriable reports whether err should be retried against the exchange.
func IsRetriable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retriable
	}
	return false
}
