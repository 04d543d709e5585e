package aggregator

import "errors"

// Errors reported by SessionStore implementations.
var (
	ErrNotFound        = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
	ErrDuplicate       = errors.New("session already exists")
)

// Errors reported by the aggregator.
var (
	// ErrRetriesExhausted is transient: a redelivery retries the whole append.
	ErrRetriesExhausted = errors.New("session write retries exhausted")
	ErrDriverNotFound   = errors.New("driver not found in session")
	ErrInvalidLap       = errors.New("lap number must be positive")
)
