package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by every layer. Wrap them with E so callers can branch with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")
	ErrStorage     = errors.New("storage error")
	ErrTransform   = errors.New("transform error")

	// ErrNotReady is returned when a result is requested before processing completed.
	ErrNotReady = fmt.Errorf("%w: processing not completed yet", ErrValidation)
)

// E wraps cause with an error kind and an operation name.
func E(kind error, op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, op)
	}
	return fmt.Errorf("%w: %s: %w", kind, op, cause)
}

// Retryable reports whether a failed attempt should be retried. Invalid input and
// undecodable images fail the same way on every attempt; everything else may be transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrTransform), errors.Is(err, ErrNotFound):
		return false
	}
	return true
}
