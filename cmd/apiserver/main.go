// Command apiserver runs the control API: definition registration, run
// intake, inspection, cancel, and manual retry. It shares the same
// store as the engine worker but never claims outbox rows itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sagaworks/orchestrator/internal/api"
	"github.com/sagaworks/orchestrator/internal/config"
	"github.com/sagaworks/orchestrator/internal/engine"
	"github.com/sagaworks/orchestrator/internal/hooks"
	"github.com/sagaworks/orchestrator/internal/hooks/otelhooks"
	"github.com/sagaworks/orchestrator/internal/httpexec"
	"github.com/sagaworks/orchestrator/internal/storage"
	"github.com/sagaworks/orchestrator/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("apiserver exited with error", "error", err)
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
	router := api.NewRouter(e, store)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown failed", "error", err)
		}
	}()

	slog.Info("apiserver started", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("apiserver shut down")
	return nil
}

func configureLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
