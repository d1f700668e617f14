package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// CreateFailedOccurrence inserts a dead-letter row. Idempotent on
// occurrenceId is enforced by the caller checking existence first (see
// internal/deadletter), since a unique index would turn a legitimate retry
// of the same occurrence into an error rather than a no-op.
func (s *Store) CreateFailedOccurrence(ctx context.Context, f *domain.FailedOccurrence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_occurrences (
			id, occurrence_id, job_id, correlation_id, display_name, job_name_in_worker,
			worker_id, last_payload, error_message, retry_count, failure_type,
			resolved, failed_at, resolved_at, resolved_by, resolution_note, resolution_action
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		f.ID, f.OccurrenceID, f.JobID, f.CorrelationID, f.DisplayName, f.JobNameInWorker,
		f.WorkerID, string(f.LastPayload), f.Exception, f.RetryCount, string(f.FailureType),
		f.Resolved, f.FailedAt, f.ResolvedAt, f.ResolvedBy, f.ResolutionNote, f.ResolutionAction,
	)
	if err != nil {
		return fmt.Errorf("insert failed occurrence: %w", err)
	}
	return nil
}

// ExistsForOccurrence reports whether a FailedOccurrence row already exists
// for occurrenceID, the idempotency check the DLQ handler uses before
// inserting.
func (s *Store) ExistsForOccurrence(ctx context.Context, occurrenceID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM failed_occurrences WHERE occurrence_id=$1`, occurrenceID)
	var dummy int
	err := row.Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check failed occurrence exists: %w", err)
	}
	return true, nil
}

// ResolveFailedOccurrence marks a dead-letter row resolved, for operator
// triage tooling outside this system's scope (spec.md Non-goals exclude
// the admin API; this method exists so that tooling has something to call).
func (s *Store) ResolveFailedOccurrence(ctx context.Context, id string, resolvedBy, note, action string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE failed_occurrences SET resolved=TRUE, resolved_at=$1, resolved_by=$2, resolution_note=$3, resolution_action=$4
		WHERE id=$5`,
		at, resolvedBy, note, action, id,
	)
	if err != nil {
		return fmt.Errorf("resolve failed occurrence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOccurrenceNotFound
	}
	return nil
}

// ListUnresolved returns unresolved dead-letter rows, most recent first,
// for dashboards or alerting consumers outside this system.
func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]*domain.FailedOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurrence_id, job_id, correlation_id, display_name, job_name_in_worker,
		       worker_id, last_payload, error_message, retry_count, failure_type,
		       resolved, failed_at, resolved_at, resolved_by, resolution_note, resolution_action
		FROM failed_occurrences WHERE resolved = FALSE
		ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved failed occurrences: %w", err)
	}
	defer rows.Close()

	var out []*domain.FailedOccurrence
	for rows.Next() {
		f := &domain.FailedOccurrence{}
		var failureType, lastPayload string
		if err := rows.Scan(
			&f.ID, &f.OccurrenceID, &f.JobID, &f.CorrelationID, &f.DisplayName, &f.JobNameInWorker,
			&f.WorkerID, &lastPayload, &f.Exception, &f.RetryCount, &failureType,
			&f.Resolved, &f.FailedAt, &f.ResolvedAt, &f.ResolvedBy, &f.ResolutionNote, &f.ResolutionAction,
		); err != nil {
			return nil, fmt.Errorf("scan failed occurrence: %w", err)
		}
		f.FailureType = domain.FailureType(failureType)
		f.LastPayload = []byte(lastPayload)
		out = append(out, f)
	}
	return out, rows.Err()
}
