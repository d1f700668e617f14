package workerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/domain"
)

// BusConsumer is the bus operation the worker runtime needs. *bus.Bus
// satisfies it; tests supply a fake that feeds a channel directly.
type BusConsumer interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Consumer binds one queue, gates incoming deliveries through the instance
// and per-consumer-type capacity limits, and runs accepted jobs to
// completion (spec.md §4.2). Grounded on
// internal/application/worker/generation_worker.go's claim → heartbeat
// goroutine → execute-with-recovery → classify shape, adapted from a
// single-row DB claim to a bus delivery.
type Consumer struct {
	bus       BusConsumer
	coord     coordination.Store
	outbox    Outbox
	executors Registry
	keys      coordination.Keys

	workerID   string
	instanceID string
	cfg        config.WorkerRuntimeConfig
	log        *slog.Logger

	instanceCap *instanceGate
	cancels     sync.Map // correlationID (string) -> context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Consumer. keyPrefix selects the coordination-store
// namespace; pass coordination.DefaultKeyPrefix unless overridden.
func New(b BusConsumer, coord coordination.Store, outbox Outbox, executors Registry, keyPrefix coordination.KeyPrefix, workerID, instanceID string, cfg config.WorkerRuntimeConfig, log *slog.Logger) *Consumer {
	return &Consumer{
		bus:         b,
		coord:       coord,
		outbox:      outbox,
		executors:   executors,
		keys:        coordination.NewKeys(keyPrefix),
		workerID:    workerID,
		instanceID:  instanceID,
		cfg:         cfg,
		log:         log,
		instanceCap: newInstanceGate(cfg.MaxParallelJobs),
	}
}

// Start binds queue and processes deliveries until the channel closes or
// ctx is cancelled, each in its own goroutine, returning once all
// in-flight jobs finish.
func (c *Consumer) Start(ctx context.Context, queue string) error {
	deliveries, err := c.bus.Consume(queue, c.instanceID, c.cfg.MaxParallelJobs)
	if err != nil {
		return fmt.Errorf("bind consumer queue %s: %w", queue, err)
	}

	go c.listenForCancellations(ctx)

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.wg.Wait()
				return nil
			}
			c.wg.Add(1)
			go func(delivery amqp.Delivery) {
				defer c.wg.Done()
				c.handleDelivery(ctx, delivery)
			}(d)
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		}
	}
}

func (c *Consumer) listenForCancellations(ctx context.Context) {
	signals, err := c.coord.Subscribe(ctx, c.keys.CancellationChannel())
	if err != nil {
		c.log.Error("failed to subscribe to cancellation channel", slog.String("error", err.Error()))
		return
	}
	for correlationID := range signals {
		if cancel, ok := c.cancels.Load(correlationID); ok {
			cancel.(context.CancelFunc)()
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg bus.DispatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Error("dropping malformed dispatch message", slog.String("error", err.Error()))
		_ = d.Nack(false, false)
		return
	}

	executor := c.executors.Lookup(msg.JobName)
	if executor == nil {
		c.log.Warn("no executor registered for job, rejecting", slog.String("job_name", msg.JobName))
		_ = d.Nack(false, false)
		return
	}

	if !c.instanceCap.acquire() {
		_ = d.Nack(false, true) // instance full, let another instance take it
		return
	}
	defer c.instanceCap.release()

	capacityKey := c.keys.ConsumerCapacity(c.workerID, msg.JobName)
	ok, err := acquireConsumerCapacity(ctx, c.coord, capacityKey, c.cfg.MaxParallelJobs)
	if err != nil {
		c.log.Error("consumer capacity check failed", slog.String("error", err.Error()))
		_ = d.Nack(false, true)
		return
	}
	if !ok {
		_ = d.Nack(false, true) // consumer-type at capacity
		return
	}
	defer releaseConsumerCapacity(ctx, c.coord, capacityKey)

	c.runOccurrence(ctx, msg, executor, d)
}

func (c *Consumer) runOccurrence(ctx context.Context, msg bus.DispatchMessage, executor JobExecutor, d amqp.Delivery) {
	jobCtx, cancelJob := context.WithCancel(ctx)
	c.cancels.Store(msg.CorrelationID, cancelJob)
	defer func() {
		c.cancels.Delete(msg.CorrelationID)
		cancelJob()
	}()

	timeout := timeoutFor(msg, c.cfg.ExecutionTimeout)
	execCtx := jobCtx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(jobCtx, timeout)
		defer cancelTimeout()
	}

	heartbeatDone := make(chan struct{})
	go c.runHeartbeat(execCtx, msg, heartbeatDone)

	result, execErr := c.executeWithRecovery(execCtx, executor, msg)
	close(heartbeatDone)

	status, failureType, isPermanent := classifyOutcome(execErr, execCtx.Err())
	update := bus.StatusUpdateMessage{
		CorrelationID: msg.CorrelationID,
		Status:        string(status),
		FailureType:   string(failureType),
		IsPermanent:   isPermanent,
		OccurredAtUTC: time.Now().UTC().Unix(),
	}
	if status == domain.StatusCompleted {
		update.Result = result
	}
	if execErr != nil {
		update.ErrorMessage = execErr.Error()
	}

	if err := c.outbox.EnqueueStatusUpdate(ctx, update); err != nil {
		c.log.Error("failed to enqueue terminal status, requeueing delivery",
			slog.String("correlation_id", msg.CorrelationID), slog.String("error", err.Error()))
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
}

// executeWithRecovery runs executor.Execute, converting a panic into a
// PanicError so the outcome is always classified rather than crashing the
// process (mirrors generation_worker.go's executeWithRecovery).
func (c *Consumer) executeWithRecovery(ctx context.Context, executor JobExecutor, msg bus.DispatchMessage) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return executor.Execute(ctx, JobInput{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
		JobName:       msg.JobName,
		JobData:       msg.JobData,
		ExecuteAt:     time.Unix(msg.ExecuteAt, 0).UTC(),
	})
}

func (c *Consumer) runHeartbeat(ctx context.Context, msg bus.DispatchMessage, done <-chan struct{}) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := bus.HeartbeatMessage{
				CorrelationID: msg.CorrelationID,
				WorkerID:      c.instanceID,
				SentAtUTC:     time.Now().UTC().Unix(),
			}
			if err := c.outbox.EnqueueHeartbeat(ctx, hb); err != nil {
				c.log.Warn("failed to enqueue heartbeat", slog.String("correlation_id", msg.CorrelationID), slog.String("error", err.Error()))
			}
		}
	}
}

// timeoutFor resolves the execution deadline for a dispatch message. The
// dispatcher always resolves ExecutionTimeoutSeconds before publishing (a
// nil per-job override there defaults to 300s), so by the time a message
// reaches a worker, 0 is a deliberate "run without a deadline" rather than
// "unset" -- only a negative value, which a well-formed message never
// carries, falls back to the worker's own default.
func timeoutFor(msg bus.DispatchMessage, workerDefault time.Duration) time.Duration {
	if msg.TimeoutSeconds < 0 {
		return workerDefault
	}
	return time.Duration(msg.TimeoutSeconds) * time.Second
}
