package domain

import "time"

// FailureType categorises why an occurrence ended up in the dead-letter
// table, for operator triage.
type FailureType string

const (
	FailureUnknown                  FailureType = "UNKNOWN"
	FailureMaxRetriesExceeded       FailureType = "MAX_RETRIES_EXCEEDED"
	FailureTimeout                  FailureType = "TIMEOUT"
	FailureWorkerCrash              FailureType = "WORKER_CRASH"
	FailureInvalidJobData           FailureType = "INVALID_JOB_DATA"
	FailureExternalDependencyFailed FailureType = "EXTERNAL_DEPENDENCY_FAILURE"
	FailureUnhandledException       FailureType = "UNHANDLED_EXCEPTION"
	FailureCancelled                FailureType = "CANCELLED"
	FailureZombieDetection          FailureType = "ZOMBIE_DETECTION"
)

// FailedOccurrence is a dead-letter-table row created when an occurrence
// exhausts retries or is categorised as permanently failed. There is
// exactly one per source JobOccurrence (idempotent on OccurrenceID).
type FailedOccurrence struct {
	ID            string
	JobID         string
	OccurrenceID  string
	CorrelationID string

	DisplayName     string
	JobNameInWorker string
	WorkerID        string

	LastPayload []byte
	Exception   string
	RetryCount  int
	FailureType FailureType

	FailedAt time.Time

	Resolved         bool
	ResolvedAt       *time.Time
	ResolvedBy       string
	ResolutionNote   string
	ResolutionAction string
}

// WarrantsDLQ reports whether a terminal, non-Completed occurrence should
// produce a FailedOccurrence row: dispatcher retry exhaustion, a
// worker-marked permanent failure, or zombie detection.
func WarrantsDLQ(status OccurrenceStatus, isPermanentFailure bool, failureType FailureType) bool {
	if status == StatusCompleted || status == StatusCancelled {
		return false
	}
	if !status.IsTerminal() && status != StatusUnknown {
		return false
	}
	return isPermanentFailure || failureType == FailureZombieDetection || failureType == FailureMaxRetriesExceeded
}
