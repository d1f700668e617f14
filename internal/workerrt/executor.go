package workerrt

import (
	"context"
	"time"
)

// JobInput is the data a JobExecutor receives for one dispatched
// occurrence, unpacked from bus.DispatchMessage.
type JobInput struct {
	CorrelationID string
	JobID         string
	JobName       string
	JobData       string
	ExecuteAt     time.Time
}

// JobExecutor runs the user-supplied work for one job name. This is the
// plug-in point user code implements; everything else in this package
// (capacity gates, timeout, cancellation, heartbeat, status reporting) is
// generic infrastructure around a single call to Execute.
//
// Execute should return Permanent(err) for unrecoverable failures and
// Transient(err) for transient ones. The consumer calls Execute once and
// does not retry; Transient only changes the reported failure type. Any
// other non-nil error is treated as permanent.
// A panic inside Execute is recovered by the consumer and reported as a
// permanent failure; it does not need to be handled here.
type JobExecutor interface {
	Execute(ctx context.Context, job JobInput) (result string, err error)
}

// ExecutorFunc adapts a plain function to JobExecutor.
type ExecutorFunc func(ctx context.Context, job JobInput) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, job JobInput) (string, error) {
	return f(ctx, job)
}

// Registry maps jobNameInWorker to the executor responsible for it.
type Registry map[string]JobExecutor

// Lookup returns the executor registered for jobName, or nil if none.
func (r Registry) Lookup(jobName string) JobExecutor {
	return r[jobName]
}
