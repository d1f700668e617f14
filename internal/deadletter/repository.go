package deadletter

import (
	"context"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// Repository defines the persistence operations the dead-letter handler
// needs, owned by this package per the same Interface Segregation
// Principle the rest of the job-scheduler packages apply.
type Repository interface {
	// ExistsForOccurrence reports whether a FailedOccurrence row already
	// exists for occurrenceID, enforcing idempotency on hand-off.
	ExistsForOccurrence(ctx context.Context, occurrenceID string) (bool, error)

	// CreateFailedOccurrence persists a new dead-letter row.
	CreateFailedOccurrence(ctx context.Context, f *domain.FailedOccurrence) error
}
