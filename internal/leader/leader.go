// Package leader implements the single-instance leadership lease the
// dispatcher and zombie detector each need (spec.md §4.1/§4.5: "exactly one
// instance active per cluster at a time"). It generalises the teacher's
// TryAcquireExclusiveRun contract (internal/application/worker/coordinator.go)
// from a database-lease-table implementation to one built on the
// coordination store's setnx/expire primitives, shared across components.
package leader

import (
	"context"
	"time"

	"github.com/milvaion/jobscheduler/internal/coordination"
)

// Lease represents an acquired, renewable leadership lock.
type Lease struct {
	store    coordination.Store
	key      string
	holderID string
	ttl      time.Duration
}

// TryAcquire attempts to become leader for key, returning (lease, true, nil)
// if acquired or (nil, false, nil) if another holder already owns it. The
// lease expires after ttl unless Renew is called; callers should renew at
// roughly ttl/3 to tolerate a missed tick without losing leadership.
func TryAcquire(ctx context.Context, store coordination.Store, key, holderID string, ttl time.Duration) (*Lease, bool, error) {
	acquired, err := store.SetNX(ctx, key, holderID, ttl)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return &Lease{store: store, key: key, holderID: holderID, ttl: ttl}, true, nil
}

// Renew extends the lease's TTL. Callers should stop calling Renew and
// release all leader-only state if Renew returns an error, since it likely
// means the coordination store is unreachable and the lease may already
// have expired under another holder.
func (l *Lease) Renew(ctx context.Context) error {
	return l.store.Expire(ctx, l.key, l.ttl)
}

// Release gives up the lease immediately rather than waiting for it to
// expire, letting another instance take over without delay.
func (l *Lease) Release(ctx context.Context) error {
	return l.store.Del(ctx, l.key)
}

// Run holds the lease for the lifetime of ctx, calling fn once leadership is
// acquired and renewing on a ttl/3 ticker until ctx is cancelled or fn
// returns. It returns immediately with (false, nil) if the lease could not
// be acquired, leaving the caller free to retry on its own schedule (the
// dispatcher and zombie detector each do this on their regular tick).
func Run(ctx context.Context, store coordination.Store, key, holderID string, ttl time.Duration, fn func(context.Context) error) (ran bool, err error) {
	lease, acquired, err := TryAcquire(ctx, store, key, holderID, ttl)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()

	renewInterval := ttl / 3
	if renewInterval <= 0 {
		renewInterval = time.Second
	}
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_ = lease.Renew(renewCtx)
			}
		}
	}()

	return true, fn(ctx)
}
