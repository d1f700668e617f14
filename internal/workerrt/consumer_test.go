package workerrt_test

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/milvaion/jobscheduler/internal/workerrt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
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

type fakeOutbox struct {
	mu       sync.Mutex
	statuses []bus.StatusUpdateMessage
}

func (o *fakeOutbox) EnqueueStatusUpdate(ctx context.Context, msg bus.StatusUpdateMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, msg)
	return nil
}

func (o *fakeOutbox) EnqueueHeartbeat(ctx context.Context, msg bus.HeartbeatMessage) error { return nil }
func (o *fakeOutbox) EnqueueLog(ctx context.Context, msg bus.LogMessage) error             { return nil }

func newDelivery(t *testing.T, tag uint64, msg bus.DispatchMessage) (amqp.Delivery, *fakeAcknowledger) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	ack := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}, ack
}

func TestConsumer_HappyPath_AcksAfterCompletion(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	outbox := &fakeOutbox{}
	coord := coordination.NewFakeStore()

	executors := workerrt.Registry{
		"export": workerrt.ExecutorFunc(func(ctx context.Context, job workerrt.JobInput) (string, error) {
			return "ok", nil
		}),
	}

	consumer := workerrt.New(busConsumer, coord, outbox, executors, coordination.DefaultKeyPrefix,
		"reports", "instance-1", config.WorkerRuntimeConfig{MaxParallelJobs: 5, HeartbeatInterval: time.Hour}, testLogger())

	delivery, ack := newDelivery(t, 1, bus.DispatchMessage{CorrelationID: "corr-1", JobName: "export"})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := consumer.Start(ctx, "reports.export")
	require.NoError(t, err)

	require.Len(t, outbox.statuses, 1)
	require.Equal(t, "COMPLETED", outbox.statuses[0].Status)
	require.Equal(t, "ok", outbox.statuses[0].Result)
	require.Len(t, ack.acked, 1)
	require.Empty(t, ack.nacked)
}

func TestConsumer_PermanentError_MarksFailed(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	outbox := &fakeOutbox{}
	coord := coordination.NewFakeStore()

	executors := workerrt.Registry{
		"export": workerrt.ExecutorFunc(func(ctx context.Context, job workerrt.JobInput) (string, error) {
			return "", workerrt.Permanent(fmt.Errorf("bad job data"))
		}),
	}

	consumer := workerrt.New(busConsumer, coord, outbox, executors, coordination.DefaultKeyPrefix,
		"reports", "instance-1", config.WorkerRuntimeConfig{MaxParallelJobs: 5, HeartbeatInterval: time.Hour}, testLogger())

	delivery, ack := newDelivery(t, 1, bus.DispatchMessage{CorrelationID: "corr-2", JobName: "export"})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Start(ctx, "reports.export"))

	require.Len(t, outbox.statuses, 1)
	require.Equal(t, "FAILED", outbox.statuses[0].Status)
	require.True(t, outbox.statuses[0].IsPermanent)
	require.Len(t, ack.acked, 1)
}

func TestConsumer_UnknownJobName_Rejected(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	outbox := &fakeOutbox{}
	coord := coordination.NewFakeStore()

	consumer := workerrt.New(busConsumer, coord, outbox, workerrt.Registry{}, coordination.DefaultKeyPrefix,
		"reports", "instance-1", config.WorkerRuntimeConfig{MaxParallelJobs: 5, HeartbeatInterval: time.Hour}, testLogger())

	delivery, ack := newDelivery(t, 1, bus.DispatchMessage{CorrelationID: "corr-3", JobName: "unknown"})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Start(ctx, "reports.unknown"))

	require.Empty(t, outbox.statuses)
	require.Len(t, ack.nacked, 1)
	require.False(t, ack.requeued[0])
}

func TestConsumer_Timeout_MarksTimedOut(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	busConsumer := &fakeBusConsumer{deliveries: deliveries}
	outbox := &fakeOutbox{}
	coord := coordination.NewFakeStore()

	executors := workerrt.Registry{
		"slow": workerrt.ExecutorFunc(func(ctx context.Context, job workerrt.JobInput) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}

	consumer := workerrt.New(busConsumer, coord, outbox, executors, coordination.DefaultKeyPrefix,
		"reports", "instance-1", config.WorkerRuntimeConfig{MaxParallelJobs: 5, HeartbeatInterval: time.Hour, ExecutionTimeout: 50 * time.Millisecond}, testLogger())

	// TimeoutSeconds left unset on the message means "no deadline", so set
	// it explicitly to exercise the timeout path itself.
	delivery, ack := newDelivery(t, 1, bus.DispatchMessage{CorrelationID: "corr-4", JobName: "slow", TimeoutSeconds: 1})
	deliveries <- delivery
	close(deliveries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Start(ctx, "reports.slow"))

	require.Len(t, outbox.statuses, 1)
	require.Equal(t, "TIMED_OUT", outbox.statuses[0].Status)
	require.Len(t, ack.acked, 1)
}
