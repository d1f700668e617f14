package leader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/leader"
)

func TestTryAcquire_ExclusiveAcrossHolders(t *testing.T) {
	store := coordination.NewFakeStore()
	ctx := context.Background()

	lease1, ok, err := leader.TryAcquire(ctx, store, "lease:dispatcher", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lease1)

	_, ok, err = leader.TryAcquire(ctx, store, "lease:dispatcher", "instance-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second holder must not acquire while the lease is live")

	require.NoError(t, lease1.Release(ctx))

	_, ok, err = leader.TryAcquire(ctx, store, "lease:dispatcher", "instance-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease is acquirable again after release")
}

func TestRun_ExecutesOnlyWhileLeader(t *testing.T) {
	store := coordination.NewFakeStore()
	ctx := context.Background()

	var ran bool
	didRun, err := leader.Run(ctx, store, "lease:zombie-detector", "instance-a", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, didRun)
	require.True(t, ran)

	exists, err := store.Exists(ctx, "lease:zombie-detector")
	require.NoError(t, err)
	require.False(t, exists, "lease is released once fn returns")
}

func TestRun_SkipsWhenAlreadyLeased(t *testing.T) {
	store := coordination.NewFakeStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lease:dispatcher", "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var ran bool
	didRun, err := leader.Run(ctx, store, "lease:dispatcher", "instance-a", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, didRun)
	require.False(t, ran)
}
