package repository

import "errors"

// Sentinel errors for distinguishing between different error types.
// Domain-level sentinels (ErrJobNotFound, ErrDuplicateCorrelationID, ...)
// live in internal/domain and are returned directly where applicable;
// these cover storage-layer concerns with no domain equivalent.
var (
	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")
)
