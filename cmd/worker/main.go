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
	"go.uber.org/zap"

	"github.com/dunamismax/skinsight/internal/config"
	"github.com/dunamismax/skinsight/internal/diagnosis"
	"github.com/dunamismax/skinsight/internal/imagecodec"
	"github.com/dunamismax/skinsight/internal/logging"
	"github.com/dunamismax/skinsight/internal/preprocess"
	"github.com/dunamismax/skinsight/internal/scoring"
	"github.com/dunamismax/skinsight/internal/storage"
	"github.com/dunamismax/skinsight/internal/store"
	"github.com/dunamismax/skinsight/internal/telemetry"
	"github.com/dunamismax/skinsight/internal/webhook"
	"github.com/dunamismax/skinsight/internal/worker"
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
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
	)

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "skinsight-worker",
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
	if !models.FilterLoaded() {
		logger.Warn("filter model is not loaded; every job will fail")
	}

	decoder, err := imagecodec.NewDecoder(cfg.Models.MaxImagePixels)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	registry := prometheus.NewRegistry()
	pipeline := diagnosis.New(models, decoder, preprocess.NewBackend(), diagnosis.NewMetrics(registry), logger)

	uploads, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("build storage client: %w", err)
	}

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if errors.Is(err, store.ErrNoSharedStore) {
		return errors.New("POSTGRES_DSN is required: the worker shares job state with the api through Postgres")
	}
	if err != nil {
		return err
	}
	defer closeStore()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, pipeline, uploads, webhookClient, jobStore, registry)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks itself.
	if err := srv.Run(); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}
