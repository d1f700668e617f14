// Package zombie periodically reclaims occurrences stuck in Queued or
// Running past their zombie threshold (spec.md §4.5) and sweeps stale
// running-set markers left behind by a terminal occurrence (spec.md §5's
// "watchdog sweeps stale markers").
//
// Grounded on internal/application/worker/reconciliation.go almost
// directly: a single-instance, lease-guarded, interval-ticked batch loop.
// Leadership is delegated to internal/leader rather than reimplemented, the
// same way internal/dispatcher does it.
package zombie

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/milvaion/jobscheduler/internal/autodisable"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/domain"
	"github.com/milvaion/jobscheduler/internal/leader"
)

// DeadLetterHandler is the hand-off point for occurrences the detector
// marks Failed. Owned here so this package stays importable by
// internal/deadletter without a cycle; internal/deadletter.Handler
// satisfies it.
type DeadLetterHandler interface {
	HandleFailedOccurrence(ctx context.Context, occ *domain.JobOccurrence, job *domain.ScheduledJob) error
}

// Detector runs the periodic zombie sweep and the stale running-marker
// watchdog on the same ticker.
type Detector struct {
	repo       Repository
	coord      coordination.Store
	deadLetter DeadLetterHandler
	keys       coordination.Keys

	instanceID string
	cfg        config.ZombieDetectorConfig
	log        *slog.Logger
}

// New constructs a Detector. keyPrefix selects the coordination-store key
// namespace; pass coordination.DefaultKeyPrefix unless overridden.
func New(repo Repository, coord coordination.Store, deadLetter DeadLetterHandler, keyPrefix coordination.KeyPrefix, instanceID string, cfg config.ZombieDetectorConfig, log *slog.Logger) *Detector {
	return &Detector{
		repo:       repo,
		coord:      coord,
		deadLetter: deadLetter,
		keys:       coordination.NewKeys(keyPrefix),
		instanceID: instanceID,
		cfg:        cfg,
		log:        log,
	}
}

// Start runs the sweep on cfg.Interval until ctx is cancelled, skipping any
// tick where leadership cannot be acquired.
func (d *Detector) Start(ctx context.Context) error {
	if err := d.runLeased(ctx); err != nil {
		d.log.Error("zombie sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.runLeased(ctx); err != nil {
				d.log.Error("zombie sweep failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Detector) runLeased(ctx context.Context) error {
	_, err := leader.Run(ctx, d.coord, d.keys.ZombieLease(), d.instanceID, d.cfg.LockTTL, d.Sweep)
	return err
}

// Sweep implements spec.md §4.5's algorithm: every Queued/Running
// occurrence whose zombie window has elapsed is flipped to Failed with
// FailureZombieDetection, its running-set marker cleared, and handed to the
// dead-letter queue.
func (d *Detector) Sweep(ctx context.Context) error {
	candidates, err := d.repo.ListZombieCandidates(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list zombie candidates: %w", err)
	}

	now := time.Now().UTC()
	var toPersist []*domain.JobOccurrence

	for _, occ := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		timeoutMinutes := occ.ZombieTimeoutMinutes
		if timeoutMinutes <= 0 {
			timeoutMinutes = d.cfg.DefaultZombieTimeoutMinutes
		}
		deadline := occ.CreatedAt.Add(time.Duration(timeoutMinutes) * time.Minute)
		if now.Before(deadline) {
			continue
		}

		if !occ.ApplyTransition(domain.StatusFailed, now) {
			continue // already resolved by the Status Tracker between the scan and now
		}
		occ.FailureType = domain.FailureZombieDetection
		occ.IsPermanentFailure = true
		occ.Exception = "occurrence exceeded its zombie timeout with no terminal status"
		occ.EndTime = &now
		toPersist = append(toPersist, occ)
	}

	if len(toPersist) == 0 {
		return d.sweepStaleRunningMarkers(ctx)
	}

	if err := d.repo.BatchUpdateOccurrenceStatuses(ctx, toPersist); err != nil {
		return fmt.Errorf("persist zombie batch: %w", err)
	}

	for _, occ := range toPersist {
		if err := d.coord.SRem(ctx, d.keys.Running(), occ.JobID); err != nil {
			d.log.Warn("failed to clear running marker for zombie", slog.String("job_id", occ.JobID), slog.String("error", err.Error()))
		}
		d.handOff(ctx, occ)
	}

	return d.sweepStaleRunningMarkers(ctx)
}

// handOff loads the job behind a zombie-detected occurrence, runs it through
// the same auto-disable circuit breaker a Status Tracker-reported
// Failed/TimedOut does (spec.md §4.4 counts ZombieDetection toward the same
// consecutive-failure streak), and hands it to the dead-letter queue.
func (d *Detector) handOff(ctx context.Context, occ *domain.JobOccurrence) {
	job, err := d.repo.GetJob(ctx, occ.JobID)
	if err != nil {
		d.log.Warn("failed to load job for zombie hand-off", slog.String("job_id", occ.JobID), slog.String("error", err.Error()))
		return
	}

	autodisable.Apply(ctx, d.repo, job, occ, d.cfg.AutoDisableThreshold, d.log)

	if d.deadLetter == nil {
		return
	}
	if err := d.deadLetter.HandleFailedOccurrence(ctx, occ, job); err != nil {
		d.log.Error("dead-letter hand-off failed", slog.String("correlation_id", occ.CorrelationID), slog.String("error", err.Error()))
	}
}

// sweepStaleRunningMarkers implements spec.md §5's watchdog: a running-set
// marker whose job has zero remaining non-terminal occurrences has leaked
// (the Status Tracker's clear was lost to a crash or a race) and is removed.
func (d *Detector) sweepStaleRunningMarkers(ctx context.Context) error {
	jobIDs, err := d.coord.SMembers(ctx, d.keys.Running())
	if err != nil {
		return fmt.Errorf("list running markers: %w", err)
	}
	for _, jobID := range jobIDs {
		count, err := d.repo.CountRunningForJob(ctx, jobID)
		if err != nil {
			d.log.Warn("failed to count running occurrences", slog.String("job_id", jobID), slog.String("error", err.Error()))
			continue
		}
		if count == 0 {
			if err := d.coord.SRem(ctx, d.keys.Running(), jobID); err != nil {
				d.log.Warn("failed to sweep stale running marker", slog.String("job_id", jobID), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}
