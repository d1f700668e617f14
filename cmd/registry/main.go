// Command registry consumes worker-registration announcements and
// maintains the coordination store's ephemeral worker registry (spec.md
// §3, §6). Startup shape grounded on cmd/server/main.go's run(), trimmed
// to this binary's narrow surface: no SQL dependency at all.
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
	"github.com/milvaion/jobscheduler/internal/registry"
	"github.com/milvaion/jobscheduler/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
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

	lp, logger, err := observability.InitLogger(ctx, "jobscheduler-registry", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, "jobscheduler-registry", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	coord, err := coordination.Dial(ctx, cfg.Coordination.Addr)
	if err != nil {
		return fmt.Errorf("dial coordination store: %w", err)
	}

	b, err := bus.Dial(ctx, cfg.Bus.URL, logger)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer b.Close()

	instanceID := uuid.NewString()
	consumer := registry.New(b, coord, coordination.KeyPrefix(cfg.Coordination.KeyPrefix), instanceID, cfg.Registry, logger)

	logger.InfoContext(ctx, "registry consumer started", slog.String("instance_id", instanceID))

	err = consumer.Start(ctx, bus.WorkerRegistrationQueue)
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
