package statustracker

import (
	"context"
	"time"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// Repository defines the persistence operations the status tracker needs.
//
// Owned by this package (consumer), not internal/storage/sql/repository,
// following the same Interface Segregation Principle the dispatcher and
// worker runtime packages apply to their own Repository/Outbox interfaces.
type Repository interface {
	// GetOccurrenceByCorrelationID fetches the occurrence a status update
	// applies to. Returns domain.ErrOccurrenceNotFound if absent.
	GetOccurrenceByCorrelationID(ctx context.Context, correlationID string) (*domain.JobOccurrence, error)

	// BatchUpdateOccurrenceStatuses persists every occurrence mutated while
	// applying one delivery batch, in a single transaction.
	BatchUpdateOccurrenceStatuses(ctx context.Context, occs []*domain.JobOccurrence) error

	// GetJob fetches the job definition behind an occurrence, needed to read
	// its auto-disable settings.
	GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error)

	// SetJobActive flips isActive, used by the auto-disable circuit breaker.
	SetJobActive(ctx context.Context, jobID string, active bool, at time.Time) error

	// IncrementConsecutiveFailures bumps and returns a job's failure streak.
	IncrementConsecutiveFailures(ctx context.Context, jobID string) (int, error)

	// ResetConsecutiveFailures zeroes a job's failure streak after success.
	ResetConsecutiveFailures(ctx context.Context, jobID string) error
}
