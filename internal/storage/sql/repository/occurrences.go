package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/milvaion/jobscheduler/internal/domain"
)

// CreateOccurrence inserts a new JobOccurrence row, translating a
// correlationId collision into domain.ErrDuplicateCorrelationID.
func (s *Store) CreateOccurrence(ctx context.Context, o *domain.JobOccurrence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_occurrences (
			id, job_id, job_name, job_version, correlation_id, worker_id, status,
			scheduled_for, started_at, end_time, result, error_message,
			dispatch_retry_count, next_dispatch_retry_at, timeout_seconds,
			zombie_timeout_minutes, last_heartbeat, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.JobID, o.JobName, o.JobVersion, o.CorrelationID, o.WorkerID, string(o.Status),
		o.CreatedAt, o.StartTime, o.EndTime, nullString(o.Result), nullString(o.Exception),
		o.DispatchRetryCount, o.NextDispatchRetryAt, o.ExecutionTimeoutSeconds,
		o.ZombieTimeoutMinutes, o.LastHeartbeat, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateCorrelationID
		}
		return fmt.Errorf("insert job occurrence: %w", err)
	}
	return nil
}

// GetOccurrenceByCorrelationID fetches a JobOccurrence by its unique
// correlationId, the tracing key carried across the bus.
func (s *Store) GetOccurrenceByCorrelationID(ctx context.Context, correlationID string) (*domain.JobOccurrence, error) {
	row := s.db.QueryRowContext(ctx, occurrenceSelectSQL+` WHERE correlation_id=$1`, correlationID)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job occurrence: %w", err)
	}
	return occ, nil
}

// UpdateOccurrenceStatus persists a status transition plus the fields the
// worker/status-tracker attaches to it (result, exception, timestamps).
func (s *Store) UpdateOccurrenceStatus(ctx context.Context, o *domain.JobOccurrence) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_occurrences SET
			status=$1, started_at=$2, end_time=$3, result=$4, error_message=$5,
			last_heartbeat=$6
		WHERE id=$7`,
		string(o.Status), o.StartTime, o.EndTime, nullString(o.Result), nullString(o.Exception),
		o.LastHeartbeat, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update job occurrence status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOccurrenceNotFound
	}
	return nil
}

// BatchUpdateOccurrenceStatuses persists a batch of status transitions in a
// single transaction, used by the status tracker to apply one bus delivery
// batch atomically rather than row by row.
func (s *Store) BatchUpdateOccurrenceStatuses(ctx context.Context, occs []*domain.JobOccurrence) error {
	if len(occs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch status update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE job_occurrences SET
			status=$1, started_at=$2, end_time=$3, result=$4, error_message=$5,
			last_heartbeat=$6
		WHERE id=$7`)
	if err != nil {
		return fmt.Errorf("prepare batch status update: %w", err)
	}
	defer stmt.Close()

	for _, o := range occs {
		if _, err := stmt.ExecContext(ctx,
			string(o.Status), o.StartTime, o.EndTime, nullString(o.Result), nullString(o.Exception),
			o.LastHeartbeat, o.ID,
		); err != nil {
			return fmt.Errorf("batch update occurrence %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateHeartbeat refreshes last_heartbeat for a running occurrence. The
// zombie detector measures its window from created_at, not from this column.
func (s *Store) UpdateHeartbeat(ctx context.Context, correlationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_occurrences SET last_heartbeat=$1 WHERE correlation_id=$2`, at, correlationID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOccurrenceNotFound
	}
	return nil
}

// ScheduleDispatchRetry bumps an occurrence's retry counter and sets its
// next retry time, used when a bus publish fails.
func (s *Store) ScheduleDispatchRetry(ctx context.Context, occurrenceID string, retryCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_occurrences SET dispatch_retry_count=$1, next_dispatch_retry_at=$2
		WHERE id=$3`, retryCount, nextRetryAt, occurrenceID)
	if err != nil {
		return fmt.Errorf("schedule dispatch retry: %w", err)
	}
	return nil
}

// ListDueDispatchRetries returns Queued occurrences whose
// nextDispatchRetryAt has passed, for the dispatcher's secondary retry scan.
func (s *Store) ListDueDispatchRetries(ctx context.Context, now time.Time, limit int) ([]*domain.JobOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, occurrenceSelectSQL+`
		WHERE status=$1 AND next_dispatch_retry_at IS NOT NULL AND next_dispatch_retry_at <= $2
		ORDER BY next_dispatch_retry_at ASC LIMIT $3`,
		string(domain.StatusQueued), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due dispatch retries: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

// ListZombieCandidates returns every Queued/Running occurrence, leaving the
// per-row zombie-timeout comparison (created_at + zombieTimeoutMinutes <
// now, falling back to defaultZombieTimeoutMinutes when unset) to the
// caller: that arithmetic differs between Postgres and SQLite dialects, but
// comparing plain Go time.Time values does not.
func (s *Store) ListZombieCandidates(ctx context.Context, limit int) ([]*domain.JobOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, occurrenceSelectSQL+`
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC LIMIT $3`,
		string(domain.StatusQueued), string(domain.StatusRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("list zombie candidates: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

// CountRunningForJob counts non-terminal occurrences for jobID, used when
// reconciling the coordination store's running-set against persisted state.
func (s *Store) CountRunningForJob(ctx context.Context, jobID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_occurrences WHERE job_id=$1 AND status IN ($2,$3)`,
		jobID, string(domain.StatusQueued), string(domain.StatusRunning))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count running occurrences: %w", err)
	}
	return count, nil
}

const occurrenceSelectSQL = `
	SELECT id, job_id, job_name, job_version, correlation_id, worker_id, status,
	       scheduled_for, started_at, end_time, result, error_message,
	       dispatch_retry_count, next_dispatch_retry_at, timeout_seconds,
	       zombie_timeout_minutes, last_heartbeat, created_at
	FROM job_occurrences`

func scanOccurrence(row rowScanner) (*domain.JobOccurrence, error) {
	o := &domain.JobOccurrence{}
	var status string
	var result, errMsg sql.NullString
	var scheduledFor time.Time

	err := row.Scan(
		&o.ID, &o.JobID, &o.JobName, &o.JobVersion, &o.CorrelationID, &o.WorkerID, &status,
		&scheduledFor, &o.StartTime, &o.EndTime, &result, &errMsg,
		&o.DispatchRetryCount, &o.NextDispatchRetryAt, &o.ExecutionTimeoutSeconds,
		&o.ZombieTimeoutMinutes, &o.LastHeartbeat, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OccurrenceStatus(status)
	o.Result = result.String
	o.Exception = errMsg.String
	return o, nil
}

func scanOccurrences(rows *sql.Rows) ([]*domain.JobOccurrence, error) {
	var occurrences []*domain.JobOccurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job occurrence: %w", err)
		}
		occurrences = append(occurrences, o)
	}
	return occurrences, rows.Err()
}
