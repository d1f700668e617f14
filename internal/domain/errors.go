package domain

import "errors"

// Domain errors - these are returned by repository implementations
// and checked by the service layer.

var (
	// ErrNotFound indicates the requested resource does not exist.
	// Service layer should map this to codes.NotFound.
	ErrNotFound = errors.New("resource not found")

	// ErrListNotFound indicates the specified list does not exist.
	// Service layer should map this to codes.NotFound.
	ErrListNotFound = errors.New("list not found")

	// ErrInvalidID indicates the provided ID format is invalid.
	// Service layer should map this to codes.InvalidArgument.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrDurationEmpty indicates an empty duration string was supplied.
	ErrDurationEmpty = errors.New("duration must not be empty")

	// ErrInvalidDurationFormat indicates a duration string is not a valid
	// ISO 8601 time-only duration (e.g. "PT1H30M").
	ErrInvalidDurationFormat = errors.New("invalid ISO 8601 duration format")
)
