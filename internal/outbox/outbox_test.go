package outbox_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/outbox"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	fail      bool
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, payload []byte, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unreachable")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func newOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	ob, err := outbox.Open(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })
	return ob
}

func TestOutbox_EnqueueThenDrain(t *testing.T) {
	ob := newOutbox(t)
	pub := &fakePublisher{}
	ob.Attach(pub, nil)

	ctx := context.Background()
	require.NoError(t, ob.EnqueueStatusUpdate(ctx, bus.StatusUpdateMessage{CorrelationID: "c1", Status: "COMPLETED"}))
	require.NoError(t, ob.EnqueueLog(ctx, bus.LogMessage{CorrelationID: "c1", Message: "hello"}))

	drained, err := ob.DrainOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, drained)
	require.Equal(t, []string{"status.c1", "logs.c1"}, pub.published)

	drainedAgain, err := ob.DrainOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, drainedAgain, "already-drained events must not be republished")
}

func TestOutbox_HeartbeatCoalescing(t *testing.T) {
	ob := newOutbox(t)
	pub := &fakePublisher{}
	ob.Attach(pub, nil)

	ctx := context.Background()
	require.NoError(t, ob.EnqueueHeartbeat(ctx, bus.HeartbeatMessage{WorkerID: "w1", CorrelationID: "c1", SentAtUTC: 1}))
	require.NoError(t, ob.EnqueueHeartbeat(ctx, bus.HeartbeatMessage{WorkerID: "w1", CorrelationID: "c1", SentAtUTC: 2}))
	require.NoError(t, ob.EnqueueHeartbeat(ctx, bus.HeartbeatMessage{WorkerID: "w1", CorrelationID: "c1", SentAtUTC: 3}))

	drained, err := ob.DrainOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, drained, "only the newest unsent heartbeat per occurrence should survive")
}

func TestOutbox_DrainStopsOnFirstFailureToPreserveOrdering(t *testing.T) {
	ob := newOutbox(t)
	pub := &fakePublisher{fail: true}
	ob.Attach(pub, nil)

	ctx := context.Background()
	require.NoError(t, ob.EnqueueStatusUpdate(ctx, bus.StatusUpdateMessage{CorrelationID: "c1", Status: "RUNNING"}))
	require.NoError(t, ob.EnqueueStatusUpdate(ctx, bus.StatusUpdateMessage{CorrelationID: "c1", Status: "COMPLETED"}))

	_, err := ob.DrainOnce(ctx, 10)
	require.Error(t, err)
	require.False(t, ob.Online())

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	drained, err := ob.DrainOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, drained)
	require.True(t, ob.Online())
}
