package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/preprocess-pipeline/internal/api/handlers/batch"
	"github.com/aliskhannn/preprocess-pipeline/internal/api/router"
	"github.com/aliskhannn/preprocess-pipeline/internal/api/server"
	"github.com/aliskhannn/preprocess-pipeline/internal/config"
	"github.com/aliskhannn/preprocess-pipeline/internal/infra/kafka/producer"
	jobrepo "github.com/aliskhannn/preprocess-pipeline/internal/repository/job"
	batchsvc "github.com/aliskhannn/preprocess-pipeline/internal/service/batch"
	"github.com/aliskhannn/preprocess-pipeline/internal/storage/file"
	"github.com/aliskhannn/preprocess-pipeline/internal/transform"
	"github.com/aliskhannn/preprocess-pipeline/internal/worker"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Initialize artifact storage (MinIO).
	storage, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Build the transform catalog. Operations are registered once at startup.
	registry, err := transform.NewCatalog()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to build transform catalog")
	}

	// In-memory result store: the single source of truth for job state.
	repo := jobrepo.NewRepository()

	// Optional Kafka producer for terminal job events.
	var (
		events worker.EventSink
		p      *producer.Producer
	)
	if cfg.Kafka.Enabled() {
		strategy := retry.Strategy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay,
			Backoff:  cfg.Retry.Backoff,
		}
		p = producer.New(&cfg.Kafka, strategy)
		events = p
	}

	// Worker pool: bounded concurrent execution with a per-job deadline.
	pool := worker.New(worker.Config{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		PerJobTimeout:  cfg.Pipeline.PerJobTimeout,
		QueueCapacity:  cfg.Pipeline.QueueCapacity,
	}, repo, storage, registry, events)
	pool.Start(ctx)

	// Dispatcher service and HTTP handler.
	service := batchsvc.NewService(storage, registry, pool, repo, cfg.Pipeline.Retention)
	handler := batch.NewHandler(service)

	// Retention janitor for finished jobs and their artifacts.
	if cfg.Pipeline.Retention > 0 && cfg.Pipeline.SweepInterval > 0 {
		go service.RunJanitor(ctx, cfg.Pipeline.SweepInterval)
	}

	// Start HTTP server in a separate goroutine.
	r := router.Setup(handler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	zlog.Logger.Info().
		Str("addr", cfg.Server.HTTPPort).
		Int("max_concurrency", cfg.Pipeline.MaxConcurrency).
		Dur("per_job_timeout", cfg.Pipeline.PerJobTimeout).
		Msg("preprocess pipeline started")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Wait for worker goroutines to finish.
	pool.Wait()

	// Close the Kafka producer client.
	if p != nil {
		if err := p.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
	}
}
