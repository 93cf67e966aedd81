// Package apperr defines the error taxonomy shared across the engine.
package apperr

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrInvalidFormat is returned for malformed identifiers.
	ErrInvalidFormat = errors.New("invalid identifier format")
	// ErrRetriesExceeded marks a queued operation that has exhausted its
	// retry budget. Terminal, not retryable.
	ErrRetriesExceeded = errors.New("max retries exceeded")
)

// ValidationError carries every violated rule, not just the first,
// so callers can surface the complete list.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// Validation builds a ValidationError from the given rule violations,
// or returns nil when the list is empty.
func Validation(violations []string) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// AsValidation unwraps err into a *ValidationError, or nil when err is
// not one.
func AsValidation(err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}
