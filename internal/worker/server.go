package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/skinsight/internal/config"
	"github.com/dunamismax/skinsight/internal/diagnosis"
	"github.com/dunamismax/skinsight/internal/domain"
	"github.com/dunamismax/skinsight/internal/logging"
	"github.com/dunamismax/skinsight/internal/queue"
	"github.com/dunamismax/skinsight/internal/store"
)

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	diagnoser     diagnoser
	uploads       uploadStore
	webhookClient webhookSender
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
}

type diagnoser interface {
	Diagnose(ctx context.Context, data []byte) (diagnosis.Result, error)
}

type uploadStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	diagnoser diagnoser,
	uploads uploadStore,
	webhookClient webhookSender,
	jobStore store.JobStore,
	registry *prometheus.Registry,
) (*Server, error) {
	if diagnoser == nil {
		return nil, fmt.Errorf("diagnosis pipeline is required")
	}
	if uploads == nil {
		return nil, fmt.Errorf("upload storage is required")
	}
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}
	logger = logger.Named("worker")

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		diagnoser:     diagnoser,
		uploads:       uploads,
		webhookClient: webhookClient,
		jobStore:      jobStore,
		metrics:       newMetrics(registry),
		tracer:        otel.Tracer("skinsight/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunDiagnosis, s.handleRunDiagnosis)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunDiagnosis(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.JobStatusFailed
	outcome := "none"

	payload, err := queue.ParseRunDiagnosisPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := logging.WithOperation(s.logger, "run_diagnosis", payload.JobID)

	ctx, span := s.tracer.Start(ctx, "worker.run_diagnosis", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.object_key", payload.ObjectKey),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(status).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(status, outcome).Inc()
	}()

	if job, ok, err := s.jobStore.Get(ctx, payload.JobID); err != nil {
		logger.Warn("job lookup failed", zap.Error(err))
	} else if ok && job.Terminal() {
		logger.Info("job already finished; dropping redelivered task", zap.String("job_status", job.Status))
		status = "skipped"
		return nil
	}

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger.Info("diagnosis started", zap.String("object_key", payload.ObjectKey))
	s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusProcessing)

	data, err := s.uploads.ReadObject(ctx, payload.ObjectKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read upload failed")
		status = "retry"
		return fmt.Errorf("read upload: %w", err)
	}
	s.metrics.uploadsProcessed.Add(float64(len(data)))

	result, err := s.diagnoser.Diagnose(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "diagnosis failed")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "retry"
			return err
		}

		opErr := logging.NewOperationError("run_diagnosis", payload.JobID, err)
		logger.Warn("diagnosis failed", zap.Error(opErr))
		if _, storeErr := s.jobStore.Fail(ctx, payload.JobID, err.Error()); storeErr != nil {
			logger.Error("job fail update failed", zap.Error(storeErr))
		}
		s.dispatchWebhook(ctx, logger, payload, domain.EventDiagnosisFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		s.removeUpload(ctx, logger, payload.ObjectKey)
		return fmt.Errorf("%w: %w", opErr, asynq.SkipRetry)
	}

	report := result.Report()
	if _, err := s.jobStore.Complete(ctx, payload.JobID, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist result failed")
		status = "retry"
		return fmt.Errorf("persist result: %w", err)
	}
	status = domain.JobStatusSucceeded
	outcome = string(result.Outcome)
	logger.Info("diagnosis finished",
		zap.String("outcome", outcome),
		zap.String("class", report.Class),
		zap.Float64("confidence", report.Confidence),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	s.removeUpload(ctx, logger, payload.ObjectKey)

	s.dispatchWebhook(ctx, logger, payload, domain.EventDiagnosisCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"result":       report,
	})

	span.SetStatus(codes.Ok, "diagnosed")
	return nil
}

func (s *Server) updateJobStatus(ctx context.Context, logger *zap.Logger, jobID, status string) {
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		logger.Warn("job status update failed", zap.String("status", status), zap.Error(err))
	}
}

// dispatchWebhook delivers best-effort; the job result is already stored, so
// a failed delivery is logged and counted but never retried through the queue.
func (s *Server) dispatchWebhook(ctx context.Context, logger *zap.Logger, payload queue.RunDiagnosisPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.Inc()
		logger.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) removeUpload(ctx context.Context, logger *zap.Logger, objectKey string) {
	if err := s.uploads.DeleteObject(ctx, objectKey); err != nil {
		logger.Warn("upload cleanup failed", zap.String("object_key", objectKey), zap.Error(err))
	}
}
