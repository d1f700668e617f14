package workerrt

import (
	"context"
	"sync/atomic"

	"github.com/milvaion/jobscheduler/internal/coordination"
)

// instanceGate tracks this process's own in-flight job count, enforcing
// maxParallelJobs regardless of job type.
type instanceGate struct {
	current int64
	max     int64
}

func newInstanceGate(max int) *instanceGate {
	return &instanceGate{max: int64(max)}
}

// acquire reports whether capacity was available and, if so, reserves one
// slot. Callers must call release exactly once for every successful acquire.
func (g *instanceGate) acquire() bool {
	for {
		cur := atomic.LoadInt64(&g.current)
		if cur >= g.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&g.current, cur, cur+1) {
			return true
		}
	}
}

func (g *instanceGate) release() {
	atomic.AddInt64(&g.current, -1)
}

// acquireConsumerCapacity enforces the per-(workerId, jobNameInWorker)
// capacity limit via an atomic increment-then-check-and-compensate against
// the coordination store (spec.md §4.2: "atomic increment-and-test").
// A plain INCR isn't itself a bounded gate, so a value that overshoots max
// is immediately decremented back before returning false.
func acquireConsumerCapacity(ctx context.Context, coord coordination.Store, key string, max int) (bool, error) {
	if max <= 0 {
		return true, nil
	}
	n, err := coord.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if n > int64(max) {
		_, _ = coord.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

func releaseConsumerCapacity(ctx context.Context, coord coordination.Store, key string) {
	_, _ = coord.Decr(ctx, key)
}
