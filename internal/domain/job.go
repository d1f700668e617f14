package domain

import "time"

// ConcurrencyPolicy controls what happens when a scheduled job fires while
// its previous occurrence is still Running.
type ConcurrencyPolicy string

const (
	// ConcurrencySkip drops the new fire if an occurrence is already Running.
	ConcurrencySkip ConcurrencyPolicy = "SKIP"
	// ConcurrencyQueue enqueues the new fire; the worker-side capacity gate
	// orders execution.
	ConcurrencyQueue ConcurrencyPolicy = "QUEUE"
)

// JobVersion is an append-only snapshot of a ScheduledJob's definition,
// recorded every time the job's version is bumped.
type JobVersion struct {
	Version     int
	DisplayName string
	JobData     []byte
	ExecuteAt   time.Time
	CronExpr    string
	ChangedAt   time.Time
}

// AutoDisableSettings controls the circuit breaker that deactivates a job
// once its consecutive-failure count reaches the threshold. The count is not
// limited to a time window; only a successful occurrence resets it.
type AutoDisableSettings struct {
	Enabled                 bool
	Threshold               int // consecutive failures before disabling; 0 = use tracker default
	ConsecutiveFailureCount int
	LastFailureTime         *time.Time
	DisabledAt              *time.Time
	DisableReason           string
	AutoReEnableCooldown    time.Duration // stored on insert only; nothing re-enables a job automatically
}

// ScheduledJob is the persistent definition of a one-shot or recurring job.
type ScheduledJob struct {
	ID          string
	DisplayName string
	Description string
	Tags        []string

	JobNameInWorker string
	RoutingPattern  string // bus routing key template; auto-generated when empty

	JobData []byte // opaque payload, stored and forwarded verbatim

	ExecuteAt      time.Time // UTC; next fire time for cron jobs
	CronExpression string    // presence implies recurring

	IsActive bool

	ConcurrentExecutionPolicy ConcurrencyPolicy

	WorkerID string

	ZombieTimeoutMinutes   *int // nil => caller falls back to global default
	ExecutionTimeoutSeconds *int // nil => the dispatcher snapshots 300s; the worker's own default is not consulted

	Version     int
	JobVersions []JobVersion

	AutoDisableSettings AutoDisableSettings

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRecurring reports whether the job fires on a cron schedule rather than once.
func (j *ScheduledJob) IsRecurring() bool {
	return j.CronExpression != ""
}

// EffectiveRoutingKey returns the job's routing pattern, synthesizing the
// default "<workerId>.<jobNameLower>.*" form when none was configured.
func (j *ScheduledJob) EffectiveRoutingKey() string {
	if j.RoutingPattern != "" {
		return j.RoutingPattern
	}
	return defaultRoutingPattern(j.WorkerID, j.JobNameInWorker)
}

func defaultRoutingPattern(workerID, jobName string) string {
	return toLower(workerID) + "." + toLower(jobName) + ".*"
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
