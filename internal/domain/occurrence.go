package domain

import "time"

// OccurrenceStatus is the lifecycle state of a JobOccurrence.
// Queued and Running are non-terminal; every other value is terminal and
// final — no transition may leave a terminal state.
type OccurrenceStatus string

const (
	StatusQueued    OccurrenceStatus = "QUEUED"
	StatusRunning   OccurrenceStatus = "RUNNING"
	StatusCompleted OccurrenceStatus = "COMPLETED"
	StatusFailed    OccurrenceStatus = "FAILED"
	StatusCancelled OccurrenceStatus = "CANCELLED"
	StatusTimedOut  OccurrenceStatus = "TIMED_OUT"
	// StatusUnknown is terminal. No component in this module moves an
	// occurrence into it on its own; the zombie detector resolves stuck
	// occurrences straight to Failed.
	StatusUnknown OccurrenceStatus = "UNKNOWN"
)

// IsTerminal reports whether status is one of the terminal states.
func (s OccurrenceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown:
		return true
	default:
		return false
	}
}

// LogEntry is one structured log line appended by the worker while running
// an occurrence.
type LogEntry struct {
	Timestamp     time.Time
	Level         string // "info", "warning", "error"
	Message       string
	Category      string
	Data          map[string]any
	ExceptionType string
}

// StatusChangeLog records one status transition for audit/debugging.
type StatusChangeLog struct {
	Timestamp time.Time
	From      OccurrenceStatus
	To        OccurrenceStatus
}

// JobOccurrence is a single execution instance of a ScheduledJob.
type JobOccurrence struct {
	ID            string
	JobID         string
	JobName       string // snapshot of JobNameInWorker at dispatch
	JobVersion    int    // snapshot at dispatch
	CorrelationID string // globally unique, the tracing primary key

	WorkerID string
	Status   OccurrenceStatus

	CreatedAt time.Time
	StartTime *time.Time
	EndTime   *time.Time

	Result    string
	Exception string

	Logs             []LogEntry
	StatusChangeLogs []StatusChangeLog

	DispatchRetryCount  int
	NextDispatchRetryAt *time.Time

	LastHeartbeat *time.Time

	ZombieTimeoutMinutes    int
	ExecutionTimeoutSeconds int

	IsPermanentFailure bool
	FailureType        FailureType
}

// DurationMs returns the duration between StartTime and EndTime in
// milliseconds, or 0 if either is unset.
func (o *JobOccurrence) DurationMs() int64 {
	if o.StartTime == nil || o.EndTime == nil {
		return 0
	}
	return o.EndTime.Sub(*o.StartTime).Milliseconds()
}

// CanTransitionTo enforces that terminal states never change. Any
// transition out of a non-terminal state is allowed, including into Unknown.
func (o *JobOccurrence) CanTransitionTo(next OccurrenceStatus) bool {
	if o.Status.IsTerminal() {
		return false
	}
	return true
}

// ApplyTransition appends a StatusChangeLog and updates Status if the
// transition is legal. Returns false (no-op) if the current status is
// already terminal or equals next (idempotent re-application).
func (o *JobOccurrence) ApplyTransition(next OccurrenceStatus, at time.Time) bool {
	if o.Status == next {
		return false
	}
	if !o.CanTransitionTo(next) {
		return false
	}
	o.StatusChangeLogs = append(o.StatusChangeLogs, StatusChangeLog{
		Timestamp: at,
		From:      o.Status,
		To:        next,
	})
	o.Status = next
	return true
}
