package dispatcher

import (
	"context"
	"time"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// Repository defines the persistence operations the dispatcher needs.
//
// This interface is owned by the dispatcher package (consumer), following
// the same Interface Segregation Principle the teacher's worker package
// applies to its own Repository: only the handful of methods the tick loop
// actually calls, not the full *repository.Store surface.
type Repository interface {
	// GetJob fetches the current definition of a scheduled job, used to
	// re-validate IsActive/ConcurrentExecutionPolicy at dispatch time.
	GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error)

	// CreateOccurrence persists a new JobOccurrence; returns
	// domain.ErrDuplicateCorrelationID on a correlationId collision.
	CreateOccurrence(ctx context.Context, o *domain.JobOccurrence) error

	// UpdateOccurrenceStatus persists a status transition on an existing occurrence.
	UpdateOccurrenceStatus(ctx context.Context, o *domain.JobOccurrence) error

	// ScheduleDispatchRetry bumps an occurrence's retry counter and next-retry time.
	ScheduleDispatchRetry(ctx context.Context, occurrenceID string, retryCount int, nextRetryAt time.Time) error

	// ListDueDispatchRetries returns Queued occurrences whose retry time has passed.
	ListDueDispatchRetries(ctx context.Context, now time.Time, limit int) ([]*domain.JobOccurrence, error)
}
