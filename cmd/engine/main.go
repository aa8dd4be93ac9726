// Command engine runs the durable execution worker: it applies pending
// migrations, seeds fixture workflow definitions, then starts the
// outbox poller (optionally woken early by Postgres LISTEN/NOTIFY)
// until told to shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sagaworks/orchestrator/internal/config"
	"github.com/sagaworks/orchestrator/internal/engine"
	"github.com/sagaworks/orchestrator/internal/hooks"
	"github.com/sagaworks/orchestrator/internal/hooks/otelhooks"
	"github.com/sagaworks/orchestrator/internal/httpexec"
	"github.com/sagaworks/orchestrator/internal/migrations"
	"github.com/sagaworks/orchestrator/internal/notify"
	"github.com/sagaworks/orchestrator/internal/storage"
	"github.com/sagaworks/orchestrator/internal/storage/schema"
	"github.com/sagaworks/orchestrator/internal/storage/seed"
	"github.com/sagaworks/orchestrator/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer store.Close()

	if err := migrations.Apply(ctx, store.DB(), schema.MigrationsFS); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := seed.Apply(ctx, store); err != nil {
		return fmt.Errorf("seed definitions: %w", err)
	}

	tp, err := tracing.Setup(ctx, cfg)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without it", "error", err)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	var runHooks hooks.RunHooks = hooks.NoOpHooks{}
	if tp != nil {
		runHooks = otelhooks.New(tp)
	}

	e := engine.New(store, httpexec.New(), runHooks)
	poller := engine.NewPoller(e, engine.PollerConfig{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval,
		LeaseTTL:     cfg.LeaseTTL,
		ClaimBatch:   cfg.OutboxClaimBatch,
		RequeueDelay: cfg.OutboxRequeueDelay,
	})

	if cfg.NotifyEnabled {
		listener := notify.NewListener(cfg.DatabaseURL)
		poller.AttachListener(listener)
		listener.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = listener.Stop(stopCtx)
		}()
	}

	slog.Info("engine started", "worker_id", cfg.WorkerID, "poll_interval", cfg.PollInterval)
	poller.Run(ctx)
	slog.Info("engine shutting down")
	return nil
}

func configureLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
