// Package deadletter persists unrecoverable occurrences as FailedOccurrence
// rows and forwards them to the dead-letter exchange for offline operator
// tooling (spec.md §4.6).
//
// Grounded on internal/application/worker/coordinator.go's
// MoveToDeadLetter/ListDeadLetterJobs contract, generalized from a
// database-only move into a hand-off that also publishes a bus message,
// the way internal/dispatcher's publish step sits alongside its own
// persistence call.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/domain"
)

// Publisher is the bus operation the handler needs, owned here per the
// same Interface Segregation Principle as the rest of the job-scheduler
// packages. *bus.Bus satisfies it.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, payload []byte, correlationID string) error
}

// Handler implements statustracker.DeadLetterHandler and
// zombie.DeadLetterHandler structurally (neither interface is imported
// here, so this package has no dependency on either caller).
type Handler struct {
	repo Repository
	bus  Publisher
	log  *slog.Logger
}

// New constructs a Handler.
func New(repo Repository, b Publisher, log *slog.Logger) *Handler {
	return &Handler{repo: repo, bus: b, log: log}
}

// HandleFailedOccurrence persists a FailedOccurrence row (idempotent on
// occurrenceId) and publishes the operator-triage payload on the
// dead-letter exchange. Called only for occurrences domain.WarrantsDLQ
// judges unrecoverable; the caller (statustracker or zombie) has already
// made that decision.
func (h *Handler) HandleFailedOccurrence(ctx context.Context, occ *domain.JobOccurrence, job *domain.ScheduledJob) error {
	exists, err := h.repo.ExistsForOccurrence(ctx, occ.ID)
	if err != nil {
		return fmt.Errorf("check existing dead-letter row: %w", err)
	}
	if exists {
		h.log.Debug("dead-letter row already exists, skipping", slog.String("occurrence_id", occ.ID))
		return nil
	}

	displayName, jobNameInWorker, jobData := "", "", []byte(nil)
	if job != nil {
		displayName = job.DisplayName
		jobNameInWorker = job.JobNameInWorker
		jobData = job.JobData
	}

	failed := &domain.FailedOccurrence{
		ID:              uuid.NewString(),
		JobID:           occ.JobID,
		OccurrenceID:    occ.ID,
		CorrelationID:   occ.CorrelationID,
		DisplayName:     displayName,
		JobNameInWorker: jobNameInWorker,
		WorkerID:        occ.WorkerID,
		LastPayload:     jobData,
		Exception:       occ.Exception,
		RetryCount:      occ.DispatchRetryCount,
		FailureType:     occ.FailureType,
		FailedAt:        time.Now().UTC(),
	}

	if err := h.repo.CreateFailedOccurrence(ctx, failed); err != nil {
		return fmt.Errorf("persist failed occurrence: %w", err)
	}

	msg := bus.DeadLetterMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         occ.JobID,
		FailureType:   string(occ.FailureType),
		ErrorMessage:  occ.Exception,
		FailedAtUTC:   failed.FailedAt.Unix(),
	}
	payload, err := bus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead-letter message: %w", err)
	}
	if err := h.bus.PublishDeadLetter(ctx, payload, occ.CorrelationID); err != nil {
		return fmt.Errorf("publish dead-letter message: %w", err)
	}
	return nil
}
