// Package repository persists the job-scheduler domain model against
// PostgreSQL or SQLite via database/sql directly. The teacher's
// sqlc-generated query layer (sqlcgen) was never retrievable alongside its
// generating .sql files, so this package hand-writes the same queries the
// generated code would have produced, following the teacher's
// transaction/error-classification style (see isUniqueViolation below,
// ported from the teacher's lib/pq-based checks).
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/milvaion/jobscheduler/internal/domain"
	"github.com/milvaion/jobscheduler/internal/ptr"
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (23505), used to translate correlationId collisions into
// domain.ErrDuplicateCorrelationID.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Store implements the job-scheduler's persistence needs using database/sql
// directly, driver-agnostic between pgx's stdlib bridge and modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-configured, already-migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateJob inserts a new ScheduledJob and its initial JobVersion row in a
// single transaction.
func (s *Store) CreateJob(ctx context.Context, job *domain.ScheduledJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	if err := insertJobVersion(ctx, tx, job.ID, job.Version, job.JobData, job.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func insertJob(ctx context.Context, tx *sql.Tx, job *domain.ScheduledJob) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (
			id, display_name, job_name_in_worker, worker_id, routing_pattern,
			cron_expression, execute_at, is_active, concurrency_policy,
			timeout_seconds, zombie_timeout_minutes, max_dispatch_retries,
			job_data, current_version, auto_disable_threshold, auto_disable_window,
			consecutive_failures, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		job.ID, job.DisplayName, job.JobNameInWorker, job.WorkerID, job.RoutingPattern,
		nullString(job.CronExpression), job.ExecuteAt, job.IsActive, string(job.ConcurrentExecutionPolicy),
		ptr.Deref(job.ExecutionTimeoutSeconds, 300), ptr.Deref(job.ZombieTimeoutMinutes, 10), 5,
		string(job.JobData), job.Version, job.AutoDisableSettings.Threshold, int(job.AutoDisableSettings.AutoReEnableCooldown.Seconds()),
		job.AutoDisableSettings.ConsecutiveFailureCount, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert scheduled job: %w", domain.ErrDuplicateCorrelationID)
		}
		return fmt.Errorf("insert scheduled job: %w", err)
	}
	return nil
}

func insertJobVersion(ctx context.Context, tx *sql.Tx, jobID string, version int, jobData []byte, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_versions (job_id, version, job_data, changed_by, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		jobID, version, string(jobData), "", at,
	)
	if err != nil {
		return fmt.Errorf("insert job version: %w", err)
	}
	return nil
}

// UpdateJob bumps the job's version, persists the new definition, and
// appends a JobVersion history row, all within one transaction.
func (s *Store) UpdateJob(ctx context.Context, job *domain.ScheduledJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			display_name=$1, routing_pattern=$2, cron_expression=$3, execute_at=$4,
			is_active=$5, concurrency_policy=$6, timeout_seconds=$7, zombie_timeout_minutes=$8,
			job_data=$9, current_version=$10, auto_disable_threshold=$11, consecutive_failures=$12,
			updated_at=$13
		WHERE id=$14`,
		job.DisplayName, job.RoutingPattern, nullString(job.CronExpression), job.ExecuteAt,
		job.IsActive, string(job.ConcurrentExecutionPolicy), ptr.Deref(job.ExecutionTimeoutSeconds, 300), ptr.Deref(job.ZombieTimeoutMinutes, 10),
		string(job.JobData), job.Version, job.AutoDisableSettings.Threshold, job.AutoDisableSettings.ConsecutiveFailureCount,
		job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update scheduled job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}

	if err := insertJobVersion(ctx, tx, job.ID, job.Version, job.JobData, job.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob fetches a ScheduledJob by id, including its version history.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, job_name_in_worker, worker_id, routing_pattern,
		       cron_expression, execute_at, is_active, concurrency_policy,
		       timeout_seconds, zombie_timeout_minutes, job_data, current_version,
		       auto_disable_threshold, consecutive_failures, created_at, updated_at
		FROM scheduled_jobs WHERE id=$1`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled job: %w", err)
	}

	versions, err := s.jobVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	job.JobVersions = versions
	return job, nil
}

func (s *Store) jobVersions(ctx context.Context, jobID string) ([]domain.JobVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, job_data, created_at FROM job_versions
		WHERE job_id=$1 ORDER BY version ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.JobVersion
	for rows.Next() {
		var v domain.JobVersion
		var data string
		if err := rows.Scan(&v.Version, &data, &v.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan job version: %w", err)
		}
		v.JobData = []byte(data)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanJob serves both
// GetJob and ListActiveJobs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.ScheduledJob, error) {
	job := &domain.ScheduledJob{}
	var cronExpr sql.NullString
	var policy string
	var timeoutSeconds, zombieMinutes, autoDisableThreshold, consecutiveFailures int
	var jobData string

	err := row.Scan(
		&job.ID, &job.DisplayName, &job.JobNameInWorker, &job.WorkerID, &job.RoutingPattern,
		&cronExpr, &job.ExecuteAt, &job.IsActive, &policy,
		&timeoutSeconds, &zombieMinutes, &jobData, &job.Version,
		&autoDisableThreshold, &consecutiveFailures, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.CronExpression = cronExpr.String
	job.ConcurrentExecutionPolicy = domain.ConcurrencyPolicy(policy)
	job.JobData = []byte(jobData)
	job.ExecutionTimeoutSeconds = &timeoutSeconds
	job.ZombieTimeoutMinutes = &zombieMinutes
	job.AutoDisableSettings = domain.AutoDisableSettings{
		Threshold:               autoDisableThreshold,
		ConsecutiveFailureCount: consecutiveFailures,
	}
	return job, nil
}

// ListActiveJobs returns every job with isActive=true, for startup
// reconciliation against the coordination store's time index.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, job_name_in_worker, worker_id, routing_pattern,
		       cron_expression, execute_at, is_active, concurrency_policy,
		       timeout_seconds, zombie_timeout_minutes, job_data, current_version,
		       auto_disable_threshold, consecutive_failures, created_at, updated_at
		FROM scheduled_jobs WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetJobActive flips a job's isActive flag, used by the auto-disable
// circuit breaker and manual re-enable.
func (s *Store) SetJobActive(ctx context.Context, jobID string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET is_active=$1, updated_at=$2 WHERE id=$3`, active, at, jobID)
	if err != nil {
		return fmt.Errorf("set job active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// IncrementConsecutiveFailures bumps the job's failure counter and returns
// the new count, used by the auto-disable circuit breaker to decide when
// to trip.
func (s *Store) IncrementConsecutiveFailures(ctx context.Context, jobID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE scheduled_jobs SET consecutive_failures = consecutive_failures + 1
		WHERE id=$1 RETURNING consecutive_failures`, jobID)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, fmt.Errorf("increment consecutive failures: %w", err)
	}
	return count, nil
}

// ResetConsecutiveFailures zeroes the job's failure counter after a
// successful completion.
func (s *Store) ResetConsecutiveFailures(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET consecutive_failures = 0 WHERE id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("reset consecutive failures: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
