// Package autodisable implements the job auto-disable circuit breaker
// spec.md §4.4 requires: "On Failed/TimedOut/ZombieDetection:
// consecutiveFailureCount++ ... auto-disable once the streak reaches its
// threshold". It is shared by internal/statustracker (bus-reported
// Failed/TimedOut) and internal/zombie (zombie-detected Failed) so both
// terminal-failure paths run the exact same streak/threshold logic instead
// of one silently bypassing it.
package autodisable

import (
	"context"
	"log/slog"
	"time"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// Repository is the persistence operation the breaker needs. Owned here per
// the same Interface Segregation Principle every other package in this tree
// uses; internal/storage/sql/repository.Store satisfies it.
type Repository interface {
	IncrementConsecutiveFailures(ctx context.Context, jobID string) (int, error)
	ResetConsecutiveFailures(ctx context.Context, jobID string) error
	SetJobActive(ctx context.Context, jobID string, active bool, at time.Time) error
}

// Apply bumps or resets job's consecutive-failure streak for one terminal
// occurrence and deactivates the job once the streak reaches its threshold.
// defaultThreshold is used when the job itself doesn't override one via
// AutoDisableSettings.Threshold.
//
// There is no persisted column for AutoDisableSettings.LastFailureTime or
// DisableReason, so the streak is not limited to a time window and the
// disable is logged rather than stored with a reason; see DESIGN.md.
func Apply(ctx context.Context, repo Repository, job *domain.ScheduledJob, occ *domain.JobOccurrence, defaultThreshold int, log *slog.Logger) {
	if occ.Status == domain.StatusCompleted {
		if err := repo.ResetConsecutiveFailures(ctx, job.ID); err != nil {
			log.Warn("failed to reset failure streak", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		return
	}
	if occ.Status != domain.StatusFailed && occ.Status != domain.StatusTimedOut {
		return
	}
	if !job.AutoDisableSettings.Enabled {
		return
	}

	count, err := repo.IncrementConsecutiveFailures(ctx, job.ID)
	if err != nil {
		log.Warn("failed to bump failure streak", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}

	threshold := job.AutoDisableSettings.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if threshold <= 0 || count < threshold {
		return
	}

	if err := repo.SetJobActive(ctx, job.ID, false, time.Now().UTC()); err != nil {
		log.Error("failed to auto-disable job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	log.Warn("job auto-disabled after consecutive failures",
		slog.String("job_id", job.ID), slog.Int("consecutive_failures", count), slog.Int("threshold", threshold))
}
