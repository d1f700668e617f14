// Command dispatcher runs the leader-elected tick loop that turns due
// scheduled jobs into bus messages (spec.md §4.1). Its startup sequence
// (load config, init observability, open storage, wire the domain
// component, run until signalled) is grounded on cmd/server/main.go's
// run() shape, trimmed to this binary's narrower surface: one component,
// no gRPC/REST listeners.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/milvaion/jobscheduler/internal/bus"
	"github.com/milvaion/jobscheduler/internal/config"
	"github.com/milvaion/jobscheduler/internal/coordination"
	"github.com/milvaion/jobscheduler/internal/dispatcher"
	sqlstorage "github.com/milvaion/jobscheduler/internal/storage/sql"
	"github.com/milvaion/jobscheduler/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
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

	lp, logger, err := observability.InitLogger(ctx, "jobscheduler-dispatcher", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, "jobscheduler-dispatcher", cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	if cfg.Dispatcher.InstanceID == "" {
		hostname, _ := os.Hostname()
		cfg.Dispatcher.InstanceID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

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

	d := dispatcher.New(store, coord, b, coordination.KeyPrefix(cfg.Coordination.KeyPrefix), cfg.Dispatcher, logger)

	jobs, err := store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs for index seed: %w", err)
	}
	if err := d.SeedIndex(ctx, jobs); err != nil {
		return fmt.Errorf("seed time index: %w", err)
	}
	logger.InfoContext(ctx, "seeded time index", slog.Int("job_count", len(jobs)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		d.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

func shutdownWithTimeout(shutdown func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shut down observability provider", slog.String("error", err.Error()))
	}
}
