// Command worker runs a worker instance: it binds the dispatch queue,
// executes accepted jobs, and reports status/heartbeats/logs through a
// durable local outbox (spec.md §4.2/§4.3). Startup shape grounded on
// cmd/server/main.go's run(); the schedule/process ticker split the old
// cmd/worker/main.go used is replaced by the bus-driven consumer loop in
// internal/workerrt.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/outbox"
	"github.com/milvaion/jobscheduler/internal/workerrt"
	"github.com/milvaion/jobscheduler/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, "jobscheduler-worker", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, "jobscheduler-worker", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	instanceID := uuid.NewString()

	jobNames := splitJobNames(cfg.Worker.JobNames)
	executors := workerrt.Registry{}
	for _, name := range jobNames {
		executors[name] = workerrt.ShellExecutor{}
	}
	if len(executors) == 0 {
		logger.WarnContext(ctx, "no JOBSCHEDULER_WORKER_JOB_NAMES configured, this instance will reject every dispatch it receives")
	}

	coord, err := coordination.Dial(ctx, cfg.Coordination.Addr)
	if err != nil {
		return fmt.Errorf("dial coordination store: %w", err)
	}

	b, err := bus.Dial(ctx, cfg.Bus.URL, logger)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer b.Close()

	ob, err := outbox.Open(ctx, cfg.Worker.OfflineStorePath)
	if err != nil {
		return fmt.Errorf("open local outbox: %w", err)
	}
	defer ob.Close()
	ob.Attach(b, logger)
	const outboxDrainBatchSize = 100
	ob.Start(ctx, cfg.Worker.OutboxDrainInterval, outboxDrainBatchSize)

	if err := publishRegistration(ctx, b, cfg.Worker.WorkerID, instanceID, jobNames, cfg.Worker.MaxParallelJobs); err != nil {
		logger.WarnContext(ctx, "initial registration publish failed", slog.String("error", err.Error()))
	}
	go runRegistrationHeartbeat(ctx, b, cfg.Worker, instanceID, jobNames, logger)

	consumer := workerrt.New(b, coord, ob, executors, coordination.KeyPrefix(cfg.Coordination.KeyPrefix), cfg.Worker.WorkerID, instanceID, cfg.Worker, logger)

	logger.InfoContext(ctx, "worker started",
		slog.String("worker_id", cfg.Worker.WorkerID),
		slog.String("instance_id", instanceID),
		slog.Any("job_names", jobNames))

	err = consumer.Start(ctx, bus.ScheduledJobsQueue)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func splitJobNames(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

func publishRegistration(ctx context.Context, b *bus.Bus, workerID, instanceID string, jobNames []string, maxParallel int) error {
	msg := bus.RegistrationMessage{
		WorkerID:        workerID,
		InstanceID:      instanceID,
		JobNamesHandled: jobNames,
		MaxParallelJobs: maxParallel,
		SentAtUTC:       time.Now().UTC().Unix(),
	}
	payload, err := bus.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal registration message: %w", err)
	}
	routingKey := "registration." + workerID + "." + instanceID
	return b.Publish(ctx, routingKey, payload, instanceID)
}

// runRegistrationHeartbeat keeps the worker registry's TTL entry fresh by
// re-announcing on the same interval occurrence heartbeats use.
func runRegistrationHeartbeat(ctx context.Context, b *bus.Bus, cfg config.WorkerRuntimeConfig, instanceID string, jobNames []string, log *slog.Logger) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := publishRegistration(ctx, b, cfg.WorkerID, instanceID, jobNames, cfg.MaxParallelJobs); err != nil {
				log.Warn("registration heartbeat publish failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

func shutdownWithTimeout(shutdown func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shut down observability provider", slog.String("error", err.Error()))
	}
}
