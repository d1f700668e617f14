// Command statustracker consumes worker status updates off the bus and
// applies them to persisted occurrences, tripping the auto-disable circuit
// breaker on repeated failures (spec.md §4.4). Startup shape grounded on
// cmd/server/main.go's run().
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/deadletter"
	sqlstorage "github.com/milvaion/jobscheduler/internal/storage/sql"
	"github.com/milvaion/jobscheduler/internal/statustracker"
	"github.com/milvaion/jobscheduler/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "statustracker: %v\n", err)
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

	lp, logger, err := observability.InitLogger(ctx, "jobscheduler-statustracker", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, "jobscheduler-statustracker", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:    cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.Pool.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.Pool.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	coord, err := coordination.Dial(ctx, cfg.Coordination.Addr)
	if err != nil {
		return fmt.Errorf("dial coordination store: %w", err)
	}

	b, err := bus.Dial(ctx, cfg.Bus.URL, logger)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer b.Close()

	dlq := deadletter.New(store, b, logger)

	instanceID := uuid.NewString()
	tracker := statustracker.New(b, store, coord, dlq, coordination.KeyPrefix(cfg.Coordination.KeyPrefix), instanceID, cfg.StatusTracker, logger)

	logger.InfoContext(ctx, "status tracker started", slog.String("instance_id", instanceID))

	err = tracker.Start(ctx, bus.JobStatusUpdatesQueue)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func shutdownWithTimeout(shutdown func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shut down observability provider", slog.String("error", err.Error()))
	}
}
