// Package registry consumes worker-registration announcements off the bus
// and maintains the coordination store's ephemeral worker registry
// (spec.md §3: "Worker registry (coordination store only, not persisted)").
//
// New; no direct teacher analogue — supplemented per the worker-registry
// data model spec.md §3 names but the distilled spec left unbuilt. Shaped
// after internal/dispatcher's single consumer-owned Store dependency and
// internal/workerrt's BusConsumer interface, since both already model "one
// receive loop, one coordination-store write per message".
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
)

// BusConsumer is the bus operation the registry needs. *bus.Bus satisfies
// it; tests supply a fake that feeds a channel directly.
type BusConsumer interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Consumer applies worker-registration messages to the coordination store,
// one hash per (workerId, instanceId) with a TTL so a crashed instance's
// entry expires rather than lingering forever.
type Consumer struct {
	bus   BusConsumer
	coord coordination.Store
	keys  coordination.Keys

	instanceID string
	cfg        config.RegistryConfig
	log        *slog.Logger
}

// New constructs a Consumer. keyPrefix selects the coordination-store key
// namespace; pass coordination.DefaultKeyPrefix unless overridden.
func New(b BusConsumer, coord coordination.Store, keyPrefix coordination.KeyPrefix, instanceID string, cfg config.RegistryConfig, log *slog.Logger) *Consumer {
	return &Consumer{
		bus:        b,
		coord:      coord,
		keys:       coordination.NewKeys(keyPrefix),
		instanceID: instanceID,
		cfg:        cfg,
		log:        log,
	}
}

// Start binds queue and applies registration messages until the delivery
// channel closes or ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, queue string) error {
	deliveries, err := c.bus.Consume(queue, c.instanceID, c.cfg.BatchSize)
	if err != nil {
		return err
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.apply(ctx, d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) apply(ctx context.Context, d amqp.Delivery) {
	var msg bus.RegistrationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Error("dropping malformed registration message", slog.String("error", err.Error()))
		_ = d.Ack(false)
		return
	}

	key := c.keys.Worker(msg.WorkerID + ":" + msg.InstanceID)
	fields := map[string]string{
		"workerId":        msg.WorkerID,
		"instanceId":      msg.InstanceID,
		"jobNamesHandled": strings.Join(msg.JobNamesHandled, ","),
		"maxParallelJobs": strconv.Itoa(msg.MaxParallelJobs),
		"lastHeartbeat":   strconv.FormatInt(msg.SentAtUTC, 10),
		"status":          "ACTIVE",
	}

	if err := c.coord.HSet(ctx, key, fields); err != nil {
		c.log.Error("failed to write worker registration", slog.String("worker_id", msg.WorkerID), slog.String("error", err.Error()))
		_ = d.Nack(false, true)
		return
	}
	if err := c.coord.Expire(ctx, key, c.cfg.EntryTTL); err != nil {
		c.log.Warn("failed to set registration TTL", slog.String("worker_id", msg.WorkerID), slog.String("error", err.Error()))
	}

	_ = d.Ack(false)
}

// Lookup reads a worker instance's registry entry, for a future admin API
// or readiness probe to consume; unused by this package's own consume
// loop but exported so a caller does not need to re-derive the key scheme.
func (c *Consumer) Lookup(ctx context.Context, workerID, instanceID string) (map[string]string, error) {
	return c.coord.HGetAll(ctx, c.keys.Worker(workerID+":"+instanceID))
}
