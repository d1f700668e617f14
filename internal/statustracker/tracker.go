// Package statustracker consumes worker-reported status updates off the bus
// and applies them to persisted JobOccurrence rows (spec.md §4.4): batched
// for throughput, idempotent per (correlationId, status), and never
// regressing a terminal occurrence back to a non-terminal one.
//
// Grounded on internal/application/worker/generation_worker.go's
// handleJobError routing (classify outcome -> terminal state -> side
// effects), generalized from a single in-process completion callback into a
// batched bus consumer, with the monotonic transition rule delegated to
// domain.JobOccurrence.ApplyTransition rather than reimplemented here.
package statustracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvaion/jobscheduler/internal/autodisable"
	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/domain"
)

// BusConsumer is the bus operation the status tracker needs. *bus.Bus
// satisfies it; tests supply a fake that feeds a channel directly.
type BusConsumer interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// DeadLetterHandler is the hand-off point for occurrences that
// domain.WarrantsDLQ judges unrecoverable. Owned here (not by the
// dead-letter package) so this package stays buildable and testable without
// importing it; internal/deadletter.Handler satisfies this interface.
type DeadLetterHandler interface {
	HandleFailedOccurrence(ctx context.Context, occ *domain.JobOccurrence, job *domain.ScheduledJob) error
}

// Tracker batches status-update bus deliveries and applies them against the
// persisted occurrence store, running the auto-disable circuit breaker on
// every Failed/TimedOut transition.
type Tracker struct {
	bus        BusConsumer
	repo       Repository
	coord      coordination.Store
	deadLetter DeadLetterHandler
	keys       coordination.Keys

	instanceID string
	cfg        config.StatusTrackerConfig
	log        *slog.Logger
}

// New constructs a Tracker. keyPrefix selects the coordination-store key
// namespace; pass coordination.DefaultKeyPrefix unless overridden.
func New(b BusConsumer, repo Repository, coord coordination.Store, deadLetter DeadLetterHandler, keyPrefix coordination.KeyPrefix, instanceID string, cfg config.StatusTrackerConfig, log *slog.Logger) *Tracker {
	return &Tracker{
		bus:        b,
		repo:       repo,
		coord:      coord,
		deadLetter: deadLetter,
		keys:       coordination.NewKeys(keyPrefix),
		instanceID: instanceID,
		cfg:        cfg,
		log:        log,
	}
}

// Start binds queue and applies status updates in batches of cfg.BatchSize,
// or every cfg.BatchInterval if fewer arrive, until the delivery channel
// closes or ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, queue string) error {
	deliveries, err := t.bus.Consume(queue, t.instanceID, t.cfg.BatchSize)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(t.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]amqp.Delivery, 0, t.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		t.applyBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, d)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return ctx.Err()
		}
	}
}

// applyBatch parses every delivery, applies the status transitions it
// describes in one repository transaction, and acks or nacks each delivery
// individually: a malformed message is dropped (acked, logged), a message
// whose transition is rejected as stale is acked as a no-op, and the whole
// batch is nacked-and-requeued only if the persistence call itself fails.
func (t *Tracker) applyBatch(ctx context.Context, batch []amqp.Delivery) {
	type parsed struct {
		delivery amqp.Delivery
		msg      bus.StatusUpdateMessage
		occ      *domain.JobOccurrence
	}

	var toPersist []*domain.JobOccurrence
	var applied []parsed
	now := time.Now().UTC()

	for _, d := range batch {
		var msg bus.StatusUpdateMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			t.log.Error("dropping malformed status update", slog.String("error", err.Error()))
			_ = d.Ack(false)
			continue
		}

		occ, err := t.repo.GetOccurrenceByCorrelationID(ctx, msg.CorrelationID)
		if err != nil {
			t.log.Warn("status update for unknown occurrence, dropping",
				slog.String("correlation_id", msg.CorrelationID), slog.String("error", err.Error()))
			_ = d.Ack(false)
			continue
		}

		next := domain.OccurrenceStatus(msg.Status)
		if !occ.ApplyTransition(next, now) {
			// Idempotent replay, or a terminal state that already won.
			_ = d.Ack(false)
			continue
		}

		applyFields(occ, msg, now)
		toPersist = append(toPersist, occ)
		applied = append(applied, parsed{delivery: d, msg: msg, occ: occ})
	}

	if len(toPersist) > 0 {
		if err := t.repo.BatchUpdateOccurrenceStatuses(ctx, toPersist); err != nil {
			t.log.Error("failed to persist status batch, requeueing", slog.String("error", err.Error()))
			for _, d := range batch {
				_ = d.Nack(false, true)
			}
			return
		}
	}

	for _, p := range applied {
		if p.occ.Status.IsTerminal() {
			t.onTerminal(ctx, p.occ)
		}
		_ = p.delivery.Ack(false)
	}
}

func applyFields(occ *domain.JobOccurrence, msg bus.StatusUpdateMessage, at time.Time) {
	switch occ.Status {
	case domain.StatusRunning:
		occ.StartTime = &at
	default:
		if occ.Status.IsTerminal() {
			occ.EndTime = &at
		}
	}
	if msg.Result != "" {
		occ.Result = msg.Result
	}
	if msg.ErrorMessage != "" {
		occ.Exception = msg.ErrorMessage
	}
	occ.IsPermanentFailure = msg.IsPermanent
	if msg.FailureType != "" {
		occ.FailureType = domain.FailureType(msg.FailureType)
	}
}

// onTerminal clears the coordination-store running marker, runs the
// auto-disable circuit breaker, and hands off to the dead-letter queue when
// domain.WarrantsDLQ judges the occurrence unrecoverable.
func (t *Tracker) onTerminal(ctx context.Context, occ *domain.JobOccurrence) {
	if err := t.coord.SRem(ctx, t.keys.Running(), occ.JobID); err != nil {
		t.log.Warn("failed to clear running marker", slog.String("job_id", occ.JobID), slog.String("error", err.Error()))
	}

	job, err := t.repo.GetJob(ctx, occ.JobID)
	if err != nil {
		t.log.Warn("failed to load job for terminal occurrence", slog.String("job_id", occ.JobID), slog.String("error", err.Error()))
		return
	}

	autodisable.Apply(ctx, t.repo, job, occ, t.cfg.AutoDisableThreshold, t.log)

	if domain.WarrantsDLQ(occ.Status, occ.IsPermanentFailure, occ.FailureType) {
		if t.deadLetter == nil {
			return
		}
		if err := t.deadLetter.HandleFailedOccurrence(ctx, occ, job); err != nil {
			t.log.Error("dead-letter hand-off failed", slog.String("correlation_id", occ.CorrelationID), slog.String("error", err.Error()))
		}
	}
}
