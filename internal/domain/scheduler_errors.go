package domain

import "errors"

// Sentinel errors for the job-scheduling domain.
var (
	// ErrJobNotFound indicates the requested ScheduledJob does not exist.
	ErrJobNotFound = errors.New("scheduled job not found")

	// ErrOccurrenceNotFound indicates the requested JobOccurrence does not exist.
	ErrOccurrenceNotFound = errors.New("job occurrence not found")

	// ErrDuplicateCorrelationID indicates an attempt to create two
	// occurrences sharing a correlation id.
	ErrDuplicateCorrelationID = errors.New("correlation id already in use")

	// ErrTerminalStatus indicates an attempt to transition an occurrence
	// that has already reached a terminal status.
	ErrTerminalStatus = errors.New("occurrence already in a terminal status")

	// ErrJobInactive indicates a dispatch attempt against a job whose
	// IsActive flag is false.
	ErrJobInactive = errors.New("scheduled job is not active")

	// ErrAlreadyRunning indicates the Skip concurrency policy dropped a
	// fire because the job's running-set marker was already held.
	ErrAlreadyRunning = errors.New("job already has a running occurrence")
)
