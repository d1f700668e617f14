package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/domain"
	sqlstorage "github.com/milvaion/jobscheduler/internal/storage/sql"
	"github.com/milvaion/jobscheduler/internal/storage/sql/repository"
)

func sqliteStore(t *testing.T) *repository.Store {
	t.Helper()
	dbPath := t.TempDir() + "/jobscheduler.db"
	ctx := context.Background()
	store, err := sqlstorage.NewSQLiteStore(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJob(id string) *domain.ScheduledJob {
	now := time.Now().UTC()
	return &domain.ScheduledJob{
		ID:                        id,
		DisplayName:               "Nightly Export",
		JobNameInWorker:           "export",
		WorkerID:                  "reports",
		RoutingPattern:            "reports.export.*",
		JobData:                   []byte(`{"format":"csv"}`),
		ExecuteAt:                 now.Add(time.Hour),
		IsActive:                  true,
		ConcurrentExecutionPolicy: domain.ConcurrencySkip,
		Version:                   1,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

func TestStore_CreateAndGetJob(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	fetched, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.DisplayName, fetched.DisplayName)
	require.Equal(t, job.WorkerID, fetched.WorkerID)
	require.Len(t, fetched.JobVersions, 1)
	require.Equal(t, 1, fetched.JobVersions[0].Version)
}

func TestStore_GetJob_NotFound(t *testing.T) {
	store := sqliteStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_UpdateJob_BumpsVersionHistory(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	job.DisplayName = "Nightly Export v2"
	job.Version = 2
	job.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.UpdateJob(ctx, job))

	fetched, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "Nightly Export v2", fetched.DisplayName)
	require.Len(t, fetched.JobVersions, 2)
}

func TestStore_ListActiveJobs(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	active := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, active))

	inactive := newJob(uuid.NewString())
	inactive.IsActive = false
	require.NoError(t, store.CreateJob(ctx, inactive))

	jobs, err := store.ListActiveJobs(ctx)
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	require.Contains(t, ids, active.ID)
	require.NotContains(t, ids, inactive.ID)
}

func TestStore_ConsecutiveFailureCounter(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	count, err := store.IncrementConsecutiveFailures(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = store.IncrementConsecutiveFailures(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, store.ResetConsecutiveFailures(ctx, job.ID))
	fetched, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, fetched.AutoDisableSettings.ConsecutiveFailureCount)
}

func TestStore_OccurrenceLifecycle(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	now := time.Now().UTC()
	occ := &domain.JobOccurrence{
		ID:                      uuid.NewString(),
		JobID:                   job.ID,
		JobName:                 job.JobNameInWorker,
		JobVersion:              job.Version,
		CorrelationID:           uuid.NewString(),
		WorkerID:                job.WorkerID,
		Status:                  domain.StatusQueued,
		CreatedAt:               now,
		ExecutionTimeoutSeconds: 300,
		ZombieTimeoutMinutes:    10,
	}
	require.NoError(t, store.CreateOccurrence(ctx, occ))

	fetched, err := store.GetOccurrenceByCorrelationID(ctx, occ.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, fetched.Status)

	fetched.ApplyTransition(domain.StatusRunning, now)
	require.NoError(t, store.UpdateOccurrenceStatus(ctx, fetched))

	refetched, err := store.GetOccurrenceByCorrelationID(ctx, occ.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, refetched.Status)
}

func TestStore_DuplicateCorrelationID(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	correlationID := uuid.NewString()
	occ1 := &domain.JobOccurrence{ID: uuid.NewString(), JobID: job.ID, CorrelationID: correlationID, Status: domain.StatusQueued, CreatedAt: time.Now().UTC()}
	occ2 := &domain.JobOccurrence{ID: uuid.NewString(), JobID: job.ID, CorrelationID: correlationID, Status: domain.StatusQueued, CreatedAt: time.Now().UTC()}

	require.NoError(t, store.CreateOccurrence(ctx, occ1))
	err := store.CreateOccurrence(ctx, occ2)
	require.ErrorIs(t, err, domain.ErrDuplicateCorrelationID)
}

func TestStore_FailedOccurrenceIdempotency(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	occ := &domain.JobOccurrence{ID: uuid.NewString(), JobID: job.ID, CorrelationID: uuid.NewString(), Status: domain.StatusQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateOccurrence(ctx, occ))

	exists, err := store.ExistsForOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	require.False(t, exists)

	fo := &domain.FailedOccurrence{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		OccurrenceID: occ.ID,
		CorrelationID: occ.CorrelationID,
		FailureType:  domain.FailureMaxRetriesExceeded,
		Exception:    "boom",
		FailedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateFailedOccurrence(ctx, fo))

	exists, err = store.ExistsForOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	require.True(t, exists)

	unresolved, err := store.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
}

// TestPostgresStore runs the same smoke checks against a real Postgres
// instance when TEST_POSTGRES_URL is set, mirroring the teacher's
// env-gated integration test pattern.
func TestPostgresStore(t *testing.T) {
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping PostgreSQL tests")
	}

	ctx := context.Background()
	store, err := sqlstorage.NewPostgresStore(ctx, pgURL)
	require.NoError(t, err)
	defer store.Close()

	job := newJob(uuid.NewString())
	require.NoError(t, store.CreateJob(ctx, job))

	fetched, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.DisplayName, fetched.DisplayName)
}
