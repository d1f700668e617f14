package statustracker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/domain"
	"github.com/milvaion/jobscheduler/internal/statustracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRepo struct {
	mu        sync.Mutex
	occs      map[string]*domain.JobOccurrence // by correlation id
	jobs      map[string]*domain.ScheduledJob  // by job id
	active       map[string]bool
	activeCalled map[string]bool
	batchSize    []int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		occs:         map[string]*domain.JobOccurrence{},
		jobs:         map[string]*domain.ScheduledJob{},
		active:       map[string]bool{},
		activeCalled: map[string]bool{},
	}
}

func (r *fakeRepo) GetOccurrenceByCorrelationID(ctx context.Context, correlationID string) (*domain.JobOccurrence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.occs[correlationID]
	if !ok {
		return nil, domain.ErrOccurrenceNotFound
	}
	return o, nil
}

func (r *fakeRepo) BatchUpdateOccurrenceStatuses(ctx context.Context, occs []*domain.JobOccurrence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchSize = append(r.batchSize, len(occs))
	return nil
}

func (r *fakeRepo) GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (r *fakeRepo) SetJobActive(ctx context.Context, jobID string, active bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return domain.ErrJobNotFound
	}
	r.active[jobID] = active
	r.activeCalled[jobID] = true
	return nil
}

func (r *fakeRepo) IncrementConsecutiveFailures(ctx context.Context, jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	j.AutoDisableSettings.ConsecutiveFailureCount++
	return j.AutoDisableSettings.ConsecutiveFailureCount, nil
}

func (r *fakeRepo) ResetConsecutiveFailures(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.AutoDisableSettings.ConsecutiveFailureCount = 0
	return nil
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	handled []string
}

func (d *fakeDeadLetter) HandleFailedOccurrence(ctx context.Context, occ *domain.JobOccurrence, job *domain.ScheduledJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled = append(d.handled, occ.CorrelationID)
	return nil
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    int
	nacked   int
	requeued []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeBusConsumer struct {
	deliveries chan amqp.Delivery
}

func (f *fakeBusConsumer) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func newDelivery(t *testing.T, msg bus.StatusUpdateMessage) (amqp.Delivery, *fakeAcknowledger) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	ack := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, Body: body}, ack
}

func newTracker(repo statustracker.Repository, coord coordination.Store, dl statustracker.DeadLetterHandler, busConsumer *fakeBusConsumer, cfg config.StatusTrackerConfig) *statustracker.Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Hour
	}
	return statustracker.New(busConsumer, repo, coord, dl, coordination.DefaultKeyPrefix, "tracker-1", cfg, testLogger())
}

func TestTracker_CompletedTransition_ClearsRunningMarker(t *testing.T) {
	repo := newFakeRepo()
	repo.occs["corr-1"] = &domain.JobOccurrence{ID: "occ-1", JobID: "job-1", CorrelationID: "corr-1", Status: domain.StatusRunning}
	repo.jobs["job-1"] = &domain.ScheduledJob{ID: "job-1"}

	coord := coordination.NewFakeStore()
	keys := coordination.NewKeys(coordination.DefaultKeyPrefix)
	require.NoError(t, coord.SAdd(context.Background(), keys.Running(), "job-1"))

	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	tracker := newTracker(repo, coord, nil, busConsumer, config.StatusTrackerConfig{})

	delivery, ack := newDelivery(t, bus.StatusUpdateMessage{CorrelationID: "corr-1", Status: "COMPLETED", Result: "42"})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracker.Start(ctx, "status.updates"))

	require.Equal(t, domain.StatusCompleted, repo.occs["corr-1"].Status)
	require.Equal(t, "42", repo.occs["corr-1"].Result)
	require.Equal(t, 1, ack.acked)

	members, err := coord.SMembers(context.Background(), keys.Running())
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestTracker_IdempotentReplay_AckedAsNoop(t *testing.T) {
	repo := newFakeRepo()
	repo.occs["corr-2"] = &domain.JobOccurrence{ID: "occ-2", JobID: "job-2", CorrelationID: "corr-2", Status: domain.StatusCompleted}
	repo.jobs["job-2"] = &domain.ScheduledJob{ID: "job-2"}

	coord := coordination.NewFakeStore()
	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	tracker := newTracker(repo, coord, nil, busConsumer, config.StatusTrackerConfig{})

	delivery, ack := newDelivery(t, bus.StatusUpdateMessage{CorrelationID: "corr-2", Status: "COMPLETED"})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracker.Start(ctx, "status.updates"))

	require.Equal(t, 1, ack.acked)
	require.Empty(t, repo.batchSize, "a stale replay must not trigger a persistence call")
}

func TestTracker_AutoDisable_TripsAfterThreshold(t *testing.T) {
	repo := newFakeRepo()
	repo.jobs["job-3"] = &domain.ScheduledJob{
		ID: "job-3",
		AutoDisableSettings: domain.AutoDisableSettings{
			Enabled:   true,
			Threshold: 2,
		},
	}
	repo.occs["corr-3a"] = &domain.JobOccurrence{ID: "occ-3a", JobID: "job-3", CorrelationID: "corr-3a", Status: domain.StatusRunning}
	repo.occs["corr-3b"] = &domain.JobOccurrence{ID: "occ-3b", JobID: "job-3", CorrelationID: "corr-3b", Status: domain.StatusRunning}

	coord := coordination.NewFakeStore()
	deliveries := make(chan amqp.Delivery, 2)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	tracker := newTracker(repo, coord, nil, busConsumer, config.StatusTrackerConfig{})

	d1, _ := newDelivery(t, bus.StatusUpdateMessage{CorrelationID: "corr-3a", Status: "FAILED", ErrorMessage: "boom"})
	d2, _ := newDelivery(t, bus.StatusUpdateMessage{CorrelationID: "corr-3b", Status: "FAILED", ErrorMessage: "boom again"})
	deliveries <- d1
	deliveries <- d2
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracker.Start(ctx, "status.updates"))

	require.True(t, repo.activeCalled["job-3"], "threshold reached, SetJobActive should have been called")
	require.False(t, repo.active["job-3"])
	require.Equal(t, 2, repo.jobs["job-3"].AutoDisableSettings.ConsecutiveFailureCount)
}

func TestTracker_DeadLetterHandoff_OnPermanentFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.jobs["job-4"] = &domain.ScheduledJob{ID: "job-4"}
	repo.occs["corr-4"] = &domain.JobOccurrence{ID: "occ-4", JobID: "job-4", CorrelationID: "corr-4", Status: domain.StatusRunning}

	coord := coordination.NewFakeStore()
	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	dl := &fakeDeadLetter{}
	tracker := newTracker(repo, coord, dl, busConsumer, config.StatusTrackerConfig{})

	delivery, _ := newDelivery(t, bus.StatusUpdateMessage{CorrelationID: "corr-4", Status: "FAILED", IsPermanent: true, ErrorMessage: "bad data"})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracker.Start(ctx, "status.updates"))

	require.Equal(t, []string{"corr-4"}, dl.handled)
}
