package deadletter_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/deadletter"
	"github.com/milvaion/jobscheduler/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRepo struct {
	mu      sync.Mutex
	created []*domain.FailedOccurrence
	exists  map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{exists: map[string]bool{}}
}

func (r *fakeRepo) ExistsForOccurrence(ctx context.Context, occurrenceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exists[occurrenceID], nil
}

func (r *fakeRepo) CreateFailedOccurrence(ctx context.Context, f *domain.FailedOccurrence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, f)
	r.exists[f.OccurrenceID] = true
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) PublishDeadLetter(ctx context.Context, payload []byte, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, correlationID)
	return nil
}

func TestHandler_HandleFailedOccurrence_PersistsAndPublishes(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	handler := deadletter.New(repo, pub, testLogger())

	occ := &domain.JobOccurrence{ID: "occ-1", JobID: "job-1", CorrelationID: "corr-1", Status: domain.StatusFailed, Exception: "boom", FailureType: domain.FailureUnhandledException}
	job := &domain.ScheduledJob{ID: "job-1", DisplayName: "Nightly Export", JobNameInWorker: "export"}

	require.NoError(t, handler.HandleFailedOccurrence(context.Background(), occ, job))

	require.Len(t, repo.created, 1)
	require.Equal(t, "occ-1", repo.created[0].OccurrenceID)
	require.Equal(t, "Nightly Export", repo.created[0].DisplayName)
	require.Equal(t, []string{"corr-1"}, pub.published)
}

func TestHandler_HandleFailedOccurrence_IdempotentOnExistingRow(t *testing.T) {
	repo := newFakeRepo()
	repo.exists["occ-2"] = true
	pub := &fakePublisher{}
	handler := deadletter.New(repo, pub, testLogger())

	occ := &domain.JobOccurrence{ID: "occ-2", JobID: "job-2", CorrelationID: "corr-2", Status: domain.StatusFailed}
	job := &domain.ScheduledJob{ID: "job-2"}

	require.NoError(t, handler.HandleFailedOccurrence(context.Background(), occ, job))

	require.Empty(t, repo.created, "existing dead-letter row must not be recreated")
	require.Empty(t, pub.published, "no DLQ message should be published for an already-handled occurrence")
}
