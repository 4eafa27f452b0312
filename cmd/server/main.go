// Package main provides the server application entry point: a thin HTTP
// surface for enqueuing tasks and polling their results, backed by the
// same Backend the worker process consumes from.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/memory"
	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/sqlite"
	"github.com/fairyhunter13/taskqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	backend, err := buildBackend(cfg)
	if err != nil {
		slog.Error("backend init failed", slog.Any("error", err))
		os.Exit(1)
	}

	tq, closeQueue, err := queue.Open(ctx, backend, codec.NewJSONCodec())
	if err != nil {
		slog.Error("queue open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := closeQueue(); err != nil {
			slog.Error("failed to close queue", slog.Any("error", err))
		}
	}()

	dbCheck := func(ctx context.Context) error {
		_, err := backend.GetResult(ctx, "__readyz_probe__")
		if errors.Is(err, domain.ErrNotFound) || err == nil {
			return nil
		}
		return err
	}

	srv := httpserver.NewServer(cfg, tq, dbCheck)
	handler := httpserver.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("backend", cfg.BackendKind))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func buildBackend(cfg config.Config) (domain.Backend, error) {
	switch cfg.BackendKind {
	case "postgres":
		return postgres.New(cfg.DBURL), nil
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(cfg.SQLitePath), nil
	}
}
