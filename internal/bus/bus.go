// Package bus wraps the AMQP topology spec.md §6 defines: one topic
// exchange carrying dispatch messages, a fixed set of durable queues for
// the event streams the dispatcher/worker/tracker/detector components
// produce and consume, and a dead-letter exchange for unrecoverable
// occurrences.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// JobsExchange is the topic exchange dispatch messages are published on.
	JobsExchange = "jobs.topic"

	// DeadLetterExchange receives messages routed from the failed-occurrence
	// pipeline for offline tooling.
	DeadLetterExchange = "dlx_scheduled_jobs"

	// DeadLetterRoutingKey is the fixed routing key used on DeadLetterExchange.
	DeadLetterRoutingKey = "failed_jobs"

	ScheduledJobsQueue       = "scheduled_jobs_queue"
	WorkerLogsQueue          = "worker_logs_queue"
	WorkerHeartbeatQueue     = "worker_heartbeat_queue"
	WorkerRegistrationQueue  = "worker_registration_queue"
	JobStatusUpdatesQueue    = "job_status_updates_queue"
	FailedJobsQueue          = "failed_jobs_queue"

	// QueueDepthWarning and QueueDepthCritical are observability thresholds
	// only; nothing in this package enforces them.
	QueueDepthWarning  = 5000
	QueueDepthCritical = 10000

	connectionHeartbeat = 60 * time.Second
)

// Bus owns a single AMQP connection and channel and declares the full
// topology on Dial. Callers obtain Publishers and Consumers from it rather
// than touching the underlying channel directly.
type Bus struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *slog.Logger
}

// Dial connects to the broker at url, opens one channel, and declares the
// exchanges and queues spec.md §6 names. Connection recovery is handled by
// amqp091-go's NotifyClose-driven reconnect loop started by the caller (see
// Reconnect); Dial itself performs a single attempt.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Bus, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: connectionHeartbeat})
	if err != nil {
		return nil, fmt.Errorf("bus: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}

	b := &Bus{conn: conn, channel: ch, log: log}
	if err := b.declareTopology(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) declareTopology() error {
	if err := b.channel.ExchangeDeclare(JobsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", JobsExchange, err)
	}
	if err := b.channel.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", DeadLetterExchange, err)
	}

	queues := []struct {
		name        string
		routingKeys []string
		exchange    string
	}{
		{ScheduledJobsQueue, []string{"#"}, JobsExchange},
		{WorkerLogsQueue, []string{"logs.#"}, JobsExchange},
		{WorkerHeartbeatQueue, []string{"heartbeat.#"}, JobsExchange},
		{WorkerRegistrationQueue, []string{"registration.#"}, JobsExchange},
		{JobStatusUpdatesQueue, []string{"status.#"}, JobsExchange},
		{FailedJobsQueue, []string{DeadLetterRoutingKey}, DeadLetterExchange},
	}
	for _, q := range queues {
		if _, err := b.channel.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus: declare queue %s: %w", q.name, err)
		}
		for _, key := range q.routingKeys {
			if err := b.channel.QueueBind(q.name, key, q.exchange, false, nil); err != nil {
				return fmt.Errorf("bus: bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
	}
	return nil
}

// Channel exposes the underlying AMQP channel for callers that need direct
// access (e.g. Qos tuning before consuming).
func (b *Bus) Channel() *amqp.Channel { return b.channel }

// NotifyClose forwards the connection's close notifications so a caller can
// drive its own reconnect loop.
func (b *Bus) NotifyClose() chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close shuts down the channel and connection.
func (b *Bus) Close() error {
	if err := b.channel.Close(); err != nil {
		b.log.Warn("bus: error closing channel", slog.String("error", err.Error()))
	}
	return b.conn.Close()
}

// Publish routes payload through the jobs topic exchange on routingKey,
// marking the message persistent so it survives a broker restart while
// queued.
func (b *Bus) Publish(ctx context.Context, routingKey string, payload []byte, correlationID string) error {
	return b.channel.PublishWithContext(ctx, JobsExchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          payload,
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
	})
}

// PublishDeadLetter routes payload to the dead-letter exchange with the
// fixed failed_jobs routing key.
func (b *Bus) PublishDeadLetter(ctx context.Context, payload []byte, correlationID string) error {
	return b.channel.PublishWithContext(ctx, DeadLetterExchange, DeadLetterRoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          payload,
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
	})
}

// Consume starts consuming queue with the given consumer tag and prefetch
// count, returning the raw delivery channel. Callers ack/nack deliveries
// themselves once they have durably recorded the effect (see
// internal/outbox for the worker side of this contract).
func (b *Bus) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := b.channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("bus: set qos on %s: %w", queue, err)
		}
	}
	deliveries, err := b.channel.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: consume %s: %w", queue, err)
	}
	return deliveries, nil
}
