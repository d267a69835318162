package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/skinsight/internal/config"
	"github.com/dunamismax/skinsight/internal/diagnosis"
	"github.com/dunamismax/skinsight/internal/domain"
	"github.com/dunamismax/skinsight/internal/id"
	"github.com/dunamismax/skinsight/internal/imagecodec"
	"github.com/dunamismax/skinsight/internal/logging"
	"github.com/dunamismax/skinsight/internal/queue"
	"github.com/dunamismax/skinsight/internal/scoring"
	"github.com/dunamismax/skinsight/internal/storage"
	"github.com/dunamismax/skinsight/internal/store"
)

const (
	uploadField      = "file"
	uploadFieldAlias = "image"

	errFilterNotLoaded = "Filter model is not loaded."
)

type Server struct {
	logger         *zap.Logger
	diagnoser      diagnoser
	models         *scoring.Registry
	queueClient    queueEnqueuer
	jobStore       store.JobStore
	uploads        uploadStorage
	maxUploadBytes int64
	corsOrigins    []string
	metrics        *metrics
	tracer         trace.Tracer
	rateLimiter    RateLimiter
	mux            *http.ServeMux
}

type diagnoser interface {
	Ready() bool
	Diagnose(ctx context.Context, data []byte) (diagnosis.Result, error)
}

type queueEnqueuer interface {
	EnqueueRunDiagnosis(ctx context.Context, payload queue.RunDiagnosisPayload) (*asynq.TaskInfo, error)
}

type uploadStorage interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, objectKey string) error
}

// Dependencies are the collaborators behind the HTTP surface. Queue, JobStore
// and Uploads are only needed for async diagnoses; when any of them is nil
// the /v1/diagnoses routes answer 503.
type Dependencies struct {
	Diagnoser   diagnoser
	Models      *scoring.Registry
	Queue       queueEnqueuer
	JobStore    store.JobStore
	Uploads     uploadStorage
	RateLimiter RateLimiter
	Registry    *prometheus.Registry
}

func NewServer(logger *zap.Logger, cfg config.APIConfig, deps Dependencies) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}

	s := &Server{
		logger:         logger.Named("api"),
		diagnoser:      deps.Diagnoser,
		models:         deps.Models,
		queueClient:    deps.Queue,
		jobStore:       deps.JobStore,
		uploads:        deps.Uploads,
		maxUploadBytes: maxUpload,
		corsOrigins:    cfg.CORSAllowedOrigins,
		metrics:        newMetrics(deps.Registry),
		tracer:         otel.Tracer("skinsight/api"),
		rateLimiter:    deps.RateLimiter,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withCORS(s.withTracing(s.metrics.withHTTPMetrics(s.withRecovery(s.withRateLimit(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /predict", s.handlePredict)
	s.mux.HandleFunc("POST /v1/diagnoses", s.handleCreateDiagnosis)
	s.mux.HandleFunc("GET /v1/diagnoses/{id}", s.handleGetDiagnosis)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	device := ""
	if s.models != nil {
		device = s.models.Device
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "alive",
		"filter_loaded": s.models.FilterLoaded(),
		"fusion_loaded": s.models.FusionLoaded(),
		"device":        device,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := id.New()
	logger := logging.WithOperation(s.logger, "predict", requestID)

	if s.diagnoser == nil || !s.diagnoser.Ready() {
		writeError(w, http.StatusServiceUnavailable, errFilterNotLoaded)
		return
	}

	data, header, err := s.readUpload(w, r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	logger.Debug("upload received",
		zap.String("filename", header.Filename),
		zap.Int("bytes", len(data)),
	)

	result, err := s.diagnoser.Diagnose(r.Context(), data)
	if err != nil {
		status, message := diagnosisErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("diagnosis failed", zap.Error(logging.NewOperationError("predict", requestID, err)))
		} else {
			logger.Info("diagnosis rejected upload", zap.Error(err))
		}
		writeError(w, status, message)
		return
	}

	logger.Info("diagnosis finished",
		zap.String("outcome", string(result.Outcome)),
		zap.String("class", result.Label),
		zap.Float64("confidence", result.Confidence),
	)
	writeJSON(w, http.StatusOK, result.Report())
}

func (s *Server) handleCreateDiagnosis(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil || s.jobStore == nil || s.uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "async diagnoses are not enabled")
		return
	}
	if s.diagnoser == nil || !s.diagnoser.Ready() {
		writeError(w, http.StatusServiceUnavailable, errFilterNotLoaded)
		return
	}

	data, _, err := s.readUpload(w, r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	req := domain.CreateJobRequest{WebhookURL: strings.TrimSpace(r.FormValue("webhook_url"))}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := imagecodec.ContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "upload is not an image")
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	logger := logging.WithOperation(s.logger, "create_diagnosis", jobID)
	objectKey := storage.UploadKey(jobID, imagecodec.FormatExtension(contentType))

	if err := s.uploads.WriteObject(r.Context(), objectKey, data, contentType); err != nil {
		logger.Error("store upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job := domain.Job{
		ID:          jobID,
		Status:      domain.JobStatusQueued,
		WebhookURL:  req.WebhookURL,
		ObjectKey:   objectKey,
		ContentType: contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		logger.Error("create job failed", zap.Error(err))
		s.discardUpload(r.Context(), logger, objectKey)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	taskInfo, err := s.queueClient.EnqueueRunDiagnosis(r.Context(), queue.RunDiagnosisPayload{
		JobID:       job.ID,
		ObjectKey:   job.ObjectKey,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		logger.Error("enqueue failed", zap.Error(err))
		if _, failErr := s.jobStore.Fail(r.Context(), job.ID, "enqueue failed"); failErr != nil {
			logger.Warn("mark job failed", zap.Error(failErr))
		}
		s.discardUpload(r.Context(), logger, objectKey)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	logger.Info("diagnosis queued", zap.String("queue", taskInfo.Queue), zap.String("object_key", objectKey))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"status_url":  fmt.Sprintf("/v1/diagnoses/%s", job.ID),
		"enqueued_at": now,
	})
}

func (s *Server) handleGetDiagnosis(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil {
		writeError(w, http.StatusServiceUnavailable, "async diagnoses are not enabled")
		return
	}

	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	body := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Result != nil {
		body["result"] = job.Result
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, body)
}

var errMissingUpload = errors.New("no image file provided; use 'file' as the form field name")

// readUpload returns the bytes of the multipart image, accepting both field
// names.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return nil, nil, err
	}

	file, header, err := r.FormFile(uploadField)
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile(uploadFieldAlias)
	}
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil, errMissingUpload
		}
		return nil, nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, nil, errMissingUpload
	}
	return data, header, nil
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUploadBytes))
	case errors.Is(err, errMissingUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
	}
}

func (s *Server) discardUpload(ctx context.Context, logger *zap.Logger, objectKey string) {
	if err := s.uploads.DeleteObject(ctx, objectKey); err != nil {
		logger.Warn("discard upload failed", zap.String("object_key", objectKey), zap.Error(err))
	}
}

// diagnosisErrorStatus maps pipeline errors onto HTTP statuses and a message
// safe to return to clients.
func diagnosisErrorStatus(err error) (int, string) {
	var (
		decodeErr    *diagnosis.DecodeError
		transformErr *diagnosis.TransformError
		scoringErr   *diagnosis.ScoringError
	)
	switch {
	case errors.Is(err, diagnosis.ErrNotConfigured):
		return http.StatusServiceUnavailable, errFilterNotLoaded
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, "could not decode image: " + decodeErr.Err.Error()
	case errors.As(err, &transformErr):
		return http.StatusUnprocessableEntity, "could not prepare image: " + transformErr.Error()
	case errors.As(err, &scoringErr):
		return http.StatusInternalServerError, "model inference failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "diagnosis failed"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
