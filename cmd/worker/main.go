// Package main provides the worker application entry point.
// The worker polls the configured Backend for eligible tasks and executes
// them against functions registered in internal/registry.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/memory"
	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/sqlite"
	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/registry"
	"github.com/fairyhunter13/taskqueue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("backend", cfg.BackendKind))

	backend, err := buildBackend(cfg)
	if err != nil {
		slog.Error("backend init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	if err := backend.Connect(ctx); err != nil {
		slog.Error("backend connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			slog.Error("failed to close backend", slog.Any("error", err))
		}
	}()

	w := worker.New(backend, codec.NewJSONCodec(), registry.Default)
	w.MaxConcurrency = cfg.WorkerMaxConcurrency
	w.PollInterval = cfg.WorkerPollInterval
	w.BatchSize = cfg.WorkerBatchSize

	if cfg.WorkerManifestPath != "" {
		manifest, err := registry.LoadManifest(cfg.WorkerManifestPath)
		if err != nil {
			slog.Error("worker manifest load failed", slog.Any("error", err))
			os.Exit(1)
		}
		w.Manifest = &manifest
		slog.Info("loaded worker manifest", slog.Int("allowed_funcs", len(manifest.AllowedFuncs)))
	}

	if pg, ok := backend.(*postgres.Backend); ok {
		retention := postgres.NewRetentionService(postgres.NewBeginner(pg.Pool()), cfg.DataRetentionDays)
		go retention.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("starting worker polling loop",
		slog.Int("max_concurrency", w.MaxConcurrency),
		slog.Duration("poll_interval", w.PollInterval),
		slog.Int("batch_size", w.BatchSize))

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := w.Run(runCtx); err != nil {
			slog.Error("worker run error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()

	// Wait for the polling loop to drain its in-flight tasks before the
	// deferred backend.Close runs, so a finalizing MarkSuccess/MarkFailure
	// never races the connection going away.
	<-runDone
	slog.Info("worker stopped")
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
