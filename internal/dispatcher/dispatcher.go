// Package dispatcher implements the leader-elected tick loop that turns due
// scheduled jobs into bus messages (spec.md §4.1). Its ticker-pair shape
// (tick loop + secondary retry scan, both sync.WaitGroup-guarded goroutines
// stopped via a closed channel) is grounded on
// internal/application/worker/worker.go; leadership is delegated to
// internal/leader, generalized from that same package's
// TryAcquireExclusiveRun contract.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/domain"
	"github.com/milvaion/jobscheduler/internal/leader"
	"github.com/milvaion/jobscheduler/internal/ptr"
	"github.com/milvaion/jobscheduler/internal/schedule"
)

// Publisher is the bus operation the dispatcher needs, owned here per the
// same Interface Segregation Principle as Repository so tests can fake the
// bus without a broker. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte, correlationID string) error
}

// Dispatcher selects due jobs off the coordination store's time index and
// publishes them to the bus, enforcing each job's concurrency policy.
type Dispatcher struct {
	repo  Repository
	coord coordination.Store
	bus   Publisher
	keys  coordination.Keys
	cfg   config.DispatcherConfig
	log   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Dispatcher. keyPrefix selects the coordination-store key
// namespace (see coordination.Keys); pass coordination.DefaultKeyPrefix
// unless the deployment overrides it.
func New(repo Repository, coord coordination.Store, b Publisher, keyPrefix coordination.KeyPrefix, cfg config.DispatcherConfig, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:  repo,
		coord: coord,
		bus:   b,
		keys:  coordination.NewKeys(keyPrefix),
		cfg:   cfg,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Start runs the dispatcher until ctx is cancelled or Stop is called. Each
// tick attempts to acquire cluster-wide leadership before doing any work;
// instances that lose the race simply wait for the next tick.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info("dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("batch_size", d.cfg.BatchSize))

	tickTicker := time.NewTicker(d.cfg.PollInterval)
	retryTicker := time.NewTicker(d.cfg.PollInterval)
	defer tickTicker.Stop()
	defer retryTicker.Stop()

	for {
		select {
		case <-tickTicker.C:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.runLeased(ctx, d.Tick); err != nil {
					d.log.Error("dispatcher tick failed", slog.String("error", err.Error()))
				}
			}()
		case <-retryTicker.C:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.runLeased(ctx, d.RetryDueDispatches); err != nil {
					d.log.Error("dispatcher retry scan failed", slog.String("error", err.Error()))
				}
			}()
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-d.done:
			d.wg.Wait()
			return nil
		}
	}
}

// Stop signals Start to return once in-flight ticks complete.
func (d *Dispatcher) Stop() { close(d.done) }

func (d *Dispatcher) runLeased(ctx context.Context, fn func(context.Context) error) error {
	_, err := leader.Run(ctx, d.coord, d.keys.DispatcherLease(), d.cfg.InstanceID, d.cfg.LockTTL, fn)
	return err
}

// SeedIndex populates the time index from a job's current ExecuteAt, the
// way a freshly started cmd/dispatcher process brings the coordination
// store back in sync with SQL-persisted jobs after a restart or a new
// deployment with an empty Redis instance. Inactive jobs are skipped; the
// index only ever holds jobs that are still eligible to fire.
func (d *Dispatcher) SeedIndex(ctx context.Context, jobs []*domain.ScheduledJob) error {
	for _, job := range jobs {
		if job == nil || !job.IsActive {
			continue
		}
		if err := d.coord.ZAdd(ctx, d.keys.ScheduledJobsIndex(), job.ID, float64(job.ExecuteAt.Unix())); err != nil {
			return fmt.Errorf("seed time index for job %s: %w", job.ID, err)
		}
	}
	return nil
}

// Tick implements spec.md §4.1's seven-step dispatch algorithm for up to
// BatchSize due jobs.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	dueIDs, err := d.coord.ZRangeByScore(ctx, d.keys.ScheduledJobsIndex(), float64(now.Unix()), d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("range time index: %w", err)
	}

	for _, jobID := range dueIDs {
		if err := d.dispatchOne(ctx, jobID, now); err != nil {
			d.log.Error("dispatch failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, jobID string, now time.Time) error {
	job, err := d.fetchJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || !job.IsActive {
		return d.advanceOrRemove(ctx, job, jobID, now)
	}

	lockKey := d.keys.Lock(jobID)
	if job.ConcurrentExecutionPolicy == domain.ConcurrencySkip {
		isRunning, err := d.coord.SIsMember(ctx, d.keys.Running(), jobID)
		if err != nil {
			return fmt.Errorf("check running set: %w", err)
		}
		if isRunning {
			return d.advanceOrRemove(ctx, job, jobID, now)
		}
	}

	acquired, err := d.coord.SetNX(ctx, lockKey, "1", time.Hour)
	if err != nil {
		return fmt.Errorf("acquire running marker: %w", err)
	}
	if !acquired {
		// Another dispatcher beat us to it this tick; let the next tick retry.
		return nil
	}
	if err := d.coord.SAdd(ctx, d.keys.Running(), jobID); err != nil {
		_ = d.coord.Del(ctx, lockKey)
		return fmt.Errorf("mark running set: %w", err)
	}

	occ := newOccurrence(job, now)
	if err := d.repo.CreateOccurrence(ctx, occ); err != nil {
		_ = d.coord.Del(ctx, lockKey)
		_ = d.coord.SRem(ctx, d.keys.Running(), jobID)
		return fmt.Errorf("persist occurrence: %w", err)
	}

	// lockKey is only a short-lived guard against two dispatchers racing
	// the same tick; once the occurrence exists it has done its job. The
	// Running() set (cleared by the Status Tracker/Zombie Detector on
	// terminal) is what actually gates the Skip concurrency policy.
	if err := d.coord.Del(ctx, lockKey); err != nil {
		d.log.Warn("failed to release dispatch guard", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	if err := d.publish(ctx, job, occ); err != nil {
		if retryErr := d.repo.ScheduleDispatchRetry(ctx, occ.ID, occ.DispatchRetryCount+1, now.Add(retryBackoff(1))); retryErr != nil {
			d.log.Error("failed to schedule dispatch retry", slog.String("error", retryErr.Error()))
		}
	}

	return d.advanceOrRemove(ctx, job, jobID, now)
}

func (d *Dispatcher) fetchJob(ctx context.Context, jobID string) (*domain.ScheduledJob, error) {
	cacheKey := d.keys.JobCache(jobID)
	values, ok, err := d.coord.HMGet(ctx, cacheKey, "payload")
	if err == nil && len(ok) > 0 && ok[0] {
		var job domain.ScheduledJob
		if jsonErr := json.Unmarshal([]byte(values[0]), &job); jsonErr == nil {
			return &job, nil
		}
	}

	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		if err == domain.ErrJobNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch job: %w", err)
	}

	if payload, marshalErr := json.Marshal(job); marshalErr == nil {
		_ = d.coord.HSet(ctx, cacheKey, map[string]string{"payload": string(payload)})
		_ = d.coord.Expire(ctx, cacheKey, 24*time.Hour)
	}
	return job, nil
}

func (d *Dispatcher) publish(ctx context.Context, job *domain.ScheduledJob, occ *domain.JobOccurrence) error {
	msg := bus.DispatchMessage{
		CorrelationID:        occ.CorrelationID,
		JobID:                job.ID,
		JobName:              job.JobNameInWorker,
		JobData:              string(job.JobData),
		ExecuteAt:            occ.CreatedAt.Unix(),
		TimeoutSeconds:       occ.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes: occ.ZombieTimeoutMinutes,
	}
	payload, err := bus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	routingKey := bus.RoutingKey(job.EffectiveRoutingKey(), occ.CorrelationID)
	if err := d.bus.Publish(ctx, routingKey, payload, occ.CorrelationID); err != nil {
		return fmt.Errorf("publish dispatch message: %w", err)
	}
	return nil
}

// advanceOrRemove implements step 7: one-shot jobs leave the time index,
// cron jobs get their next fire time computed and reinserted.
func (d *Dispatcher) advanceOrRemove(ctx context.Context, job *domain.ScheduledJob, jobID string, now time.Time) error {
	if job == nil || !job.IsRecurring() {
		return d.coord.ZRem(ctx, d.keys.ScheduledJobsIndex(), jobID)
	}
	next, err := schedule.NextFire(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("compute next fire for job %s: %w", jobID, err)
	}
	return d.coord.ZAdd(ctx, d.keys.ScheduledJobsIndex(), jobID, float64(next.Unix()))
}

// RetryDueDispatches implements the secondary scan for occurrences whose
// bus publish previously failed and whose backoff has elapsed.
func (d *Dispatcher) RetryDueDispatches(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := d.repo.ListDueDispatchRetries(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due dispatch retries: %w", err)
	}

	for _, occ := range due {
		msg := bus.DispatchMessage{
			CorrelationID:        occ.CorrelationID,
			JobID:                occ.JobID,
			JobName:              occ.JobName,
			ExecuteAt:            now.Unix(),
			TimeoutSeconds:       occ.ExecutionTimeoutSeconds,
			ZombieTimeoutMinutes: occ.ZombieTimeoutMinutes,
		}
		payload, err := bus.Marshal(msg)
		if err != nil {
			continue
		}
		routingKey := bus.RoutingKey(defaultRoutingFallback(occ), occ.CorrelationID)
		if err := d.bus.Publish(ctx, routingKey, payload, occ.CorrelationID); err != nil {
			retryCount := occ.DispatchRetryCount + 1
			if retryCount > d.cfg.MaxDispatchRetries {
				d.log.Warn("dispatch retry budget exhausted", slog.String("correlation_id", occ.CorrelationID))
				continue
			}
			_ = d.repo.ScheduleDispatchRetry(ctx, occ.ID, retryCount, now.Add(retryBackoff(retryCount)))
		}
	}
	return nil
}

func defaultRoutingFallback(occ *domain.JobOccurrence) string {
	return occ.WorkerID + "." + occ.JobName + ".*"
}

func newOccurrence(job *domain.ScheduledJob, now time.Time) *domain.JobOccurrence {
	return &domain.JobOccurrence{
		ID:                      uuid.NewString(),
		JobID:                   job.ID,
		JobName:                 job.JobNameInWorker,
		JobVersion:              job.Version,
		CorrelationID:           uuid.NewString(),
		WorkerID:                job.WorkerID,
		Status:                  domain.StatusQueued,
		CreatedAt:               now,
		ExecutionTimeoutSeconds: ptr.Deref(job.ExecutionTimeoutSeconds, 300),
		ZombieTimeoutMinutes:    ptr.Deref(job.ZombieTimeoutMinutes, 10),
	}
}

// retryBackoff implements the capped exponential backoff spec.md §4.1
// names: 2^retry * 10s.
func retryBackoff(retryCount int) time.Duration {
	const base = 10 * time.Second
	const maxBackoff = 10 * time.Minute
	d := base
	for i := 0; i < retryCount && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
