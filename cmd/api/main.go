package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunamismax/skinsight/internal/api"
	"github.com/dunamismax/skinsight/internal/config"
	"github.com/dunamismax/skinsight/internal/diagnosis"
	"github.com/dunamismax/skinsight/internal/imagecodec"
	"github.com/dunamismax/skinsight/internal/logging"
	"github.com/dunamismax/skinsight/internal/preprocess"
	"github.com/dunamismax/skinsight/internal/queue"
	"github.com/dunamismax/skinsight/internal/ratelimit"
	"github.com/dunamismax/skinsight/internal/scoring"
	"github.com/dunamismax/skinsight/internal/storage"
	"github.com/dunamismax/skinsight/internal/store"
	"github.com/dunamismax/skinsight/internal/telemetry"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "skinsight-api",
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.OTLPInsecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := imagecodec.Startup(); err != nil {
		return fmt.Errorf("start image codec: %w", err)
	}
	defer imagecodec.Shutdown()

	models, err := scoring.Load(scoring.Config{
		FilterModelPath: cfg.Models.FilterPath,
		FusionModelPath: cfg.Models.FusionPath,
		LibraryPath:     cfg.Models.LibraryPath,
		Device:          cfg.Models.Device,
	}, logger)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	defer func() {
		if err := models.Close(); err != nil {
			logger.Warn("model close failed", zap.Error(err))
		}
	}()

	decoder, err := imagecodec.NewDecoder(cfg.Models.MaxImagePixels)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	backend := preprocess.NewBackend()
	registry := prometheus.NewRegistry()
	pipeline := diagnosis.New(models, decoder, backend, diagnosis.NewMetrics(registry), logger)

	logger.Info("models ready",
		zap.Bool("filter_loaded", models.FilterLoaded()),
		zap.Bool("fusion_loaded", models.FusionLoaded()),
		zap.String("device", models.Device),
		zap.String("decoder", decoder.Name()),
		zap.String("backend", backend.Name()),
	)

	deps := api.Dependencies{
		Diagnoser: pipeline,
		Models:    models,
		Registry:  registry,
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		if err != nil {
			return fmt.Errorf("build rate limiter: %w", err)
		}
		deps.RateLimiter = limiter
	}

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	switch {
	case errors.Is(err, store.ErrNoSharedStore):
		logger.Warn("POSTGRES_DSN is empty; async diagnoses disabled")
	case err != nil:
		return err
	default:
		defer closeStore()
		releaseAsync := enableAsync(ctx, logger, cfg, &deps, jobStore)
		defer releaseAsync()
	}

	app := api.NewServer(logger, cfg.API, deps)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr(),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// enableAsync wires the queue and object storage. Jobs are only accepted
// when all three are reachable, otherwise they would never reach a worker.
// The returned func releases the queue client.
func enableAsync(ctx context.Context, logger *zap.Logger, cfg config.Config, deps *api.Dependencies, jobStore store.JobStore) func() {
	uploads, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Warn("object storage unavailable; async diagnoses disabled", zap.Error(err))
		return func() {}
	}
	if err := uploads.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage bucket check failed; async diagnoses disabled", zap.Error(err))
		return func() {}
	}
	deps.JobStore = jobStore
	deps.Uploads = uploads
	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	deps.Queue = queueClient
	return func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}
}
