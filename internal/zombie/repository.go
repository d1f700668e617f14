package zombie

import (
	"context"
	"time"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// Repository defines the persistence operations the zombie detector needs,
// owned by this package per the same Interface Segregation Principle the
// dispatcher and status tracker apply to their own Repository interfaces.
type Repository interface {
	// ListZombieCandidates returns every Queued/Running occurrence; the
	// per-row zombie-timeout comparison is left to the caller.
	ListZombieCandidates(ctx context.Context, limit int) ([]*domain.JobOccurrence, error)

	// BatchUpdateOccurrenceStatuses persists the batch of occurrences the
	// detector flips to Failed in one transaction.
	BatchUpdateOccurrenceStatuses(ctx context.Context, occs []*domain.JobOccurrence) error

	// CountRunningForJob reports how many non-terminal occurrences a job
	// still has, used by the stale running-marker watchdog.
	CountRunningForJob(ctx context.Context, jobID string) (int, error)

	// GetJob fetches the job definition behind an occurrence, passed to the
	// dead-letter hand-off.
	GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error)

	// IncrementConsecutiveFailures, ResetConsecutiveFailures, and
	// SetJobActive back the auto-disable circuit breaker
	// (internal/autodisable), which a zombie-detected failure must run just
	// like a Status Tracker-reported one. ResetConsecutiveFailures is never
	// reached from this package (every occurrence handed to it is already
	// terminal-Failed) but is required to satisfy autodisable.Repository.
	IncrementConsecutiveFailures(ctx context.Context, jobID string) (int, error)
	ResetConsecutiveFailures(ctx context.Context, jobID string) error
	SetJobActive(ctx context.Context, jobID string, active bool, at time.Time) error
}
