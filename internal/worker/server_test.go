package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/dunamismax/skinsight/internal/diagnosis"
	"github.com/dunamismax/skinsight/internal/domain"
	"github.com/dunamismax/skinsight/internal/logging"
	"github.com/dunamismax/skinsight/internal/queue"
	"github.com/dunamismax/skinsight/internal/store"
)

func TestHandleRunDiagnosisStoresResultAndNotifies(t *testing.T) {
	s, jobStore, uploads, hooks := newTestServer(t, fakeDiagnoser{result: diagnosis.Result{
		Outcome:          diagnosis.OutcomeDiagnosed,
		Label:            diagnosis.LabelTinea,
		Confidence:       0.82,
		FilterConfidence: 0.97,
	}})

	if err := s.handleRunDiagnosis(context.Background(), newTask(t, "https://hooks.example.com/done")); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	job, ok, err := jobStore.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("load job: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected status=%s, got %s", domain.JobStatusSucceeded, job.Status)
	}
	if job.Result == nil || job.Result.Class != diagnosis.LabelTinea || job.Result.Stage != diagnosis.StageDiagnosis {
		t.Fatalf("unexpected stored result: %+v", job.Result)
	}
	if !uploads.deleted["uploads/job-1/source.png"] {
		t.Fatal("expected upload to be removed after diagnosis")
	}
	if len(hooks.events) != 1 || hooks.events[0] != domain.EventDiagnosisCompleted {
		t.Fatalf("expected one completed webhook, got %v", hooks.events)
	}
	if got := testutil.ToFloat64(s.metrics.jobsTotal.WithLabelValues(domain.JobStatusSucceeded, string(diagnosis.OutcomeDiagnosed))); got != 1 {
		t.Fatalf("expected one succeeded job, got %v", got)
	}
}

func TestHandleRunDiagnosisFailsPermanentlyOnBadImage(t *testing.T) {
	s, jobStore, uploads, hooks := newTestServer(t, fakeDiagnoser{err: &diagnosis.DecodeError{Err: errors.New("not an image")}})

	err := s.handleRunDiagnosis(context.Background(), newTask(t, "https://hooks.example.com/done"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "run_diagnosis" || opErr.RequestID != "job-1" {
		t.Fatalf("expected run_diagnosis operation error for job-1, got %v", err)
	}
	var decodeErr *diagnosis.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected the decode error to stay reachable, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected status=%s, got %s", domain.JobStatusFailed, job.Status)
	}
	if job.Error == "" {
		t.Fatal("expected failure reason to be stored")
	}
	if !uploads.deleted["uploads/job-1/source.png"] {
		t.Fatal("expected upload to be removed after permanent failure")
	}
	if len(hooks.events) != 1 || hooks.events[0] != domain.EventDiagnosisFailed {
		t.Fatalf("expected one failed webhook, got %v", hooks.events)
	}
}

func TestHandleRunDiagnosisRetriesWhenUploadUnreadable(t *testing.T) {
	s, jobStore, uploads, hooks := newTestServer(t, fakeDiagnoser{})
	uploads.readErr = errors.New("connection reset")

	err := s.handleRunDiagnosis(context.Background(), newTask(t, ""))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected a retryable error, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("expected status=%s, got %s", domain.JobStatusProcessing, job.Status)
	}
	if len(uploads.deleted) != 0 {
		t.Fatal("upload must be kept for the retry")
	}
	if len(hooks.events) != 0 {
		t.Fatalf("expected no webhook, got %v", hooks.events)
	}
}

func TestHandleRunDiagnosisRejectsMalformedPayload(t *testing.T) {
	s, _, _, _ := newTestServer(t, fakeDiagnoser{})

	err := s.handleRunDiagnosis(context.Background(), asynq.NewTask(queue.TypeRunDiagnosis, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleRunDiagnosisSkipsWebhookWithoutURL(t *testing.T) {
	s, _, _, hooks := newTestServer(t, fakeDiagnoser{result: diagnosis.Result{
		Outcome:    diagnosis.OutcomeRejected,
		Label:      diagnosis.LabelRandomObject,
		Confidence: 0.9,
	}})

	if err := s.handleRunDiagnosis(context.Background(), newTask(t, "")); err != nil {
		t.Fatalf("handle task: %v", err)
	}
	if len(hooks.events) != 0 {
		t.Fatalf("expected no webhook, got %v", hooks.events)
	}
}

func TestWebhookFailureDoesNotFailJob(t *testing.T) {
	s, jobStore, _, hooks := newTestServer(t, fakeDiagnoser{result: diagnosis.Result{
		Outcome:    diagnosis.OutcomeSkinUnscored,
		Label:      diagnosis.LabelSkinUnscored,
		Confidence: 0.7,
	}})
	hooks.err = errors.New("receiver down")

	if err := s.handleRunDiagnosis(context.Background(), newTask(t, "https://hooks.example.com/done")); err != nil {
		t.Fatalf("handle task: %v", err)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected status=%s, got %s", domain.JobStatusSucceeded, job.Status)
	}
	if got := testutil.ToFloat64(s.metrics.webhookFailures); got != 1 {
		t.Fatalf("expected one webhook failure, got %v", got)
	}
}

func TestHandleRunDiagnosisDropsRedeliveredFinishedJob(t *testing.T) {
	s, jobStore, uploads, hooks := newTestServer(t, fakeDiagnoser{err: errors.New("must not run")})
	if _, err := jobStore.Complete(context.Background(), "job-1", diagnosis.Report{
		Class:      diagnosis.LabelMelanoma,
		Confidence: 0.7,
		Stage:      diagnosis.StageDiagnosis,
	}); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	if err := s.handleRunDiagnosis(context.Background(), newTask(t, "https://hooks.example.com/done")); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded || job.Result == nil || job.Result.Class != diagnosis.LabelMelanoma {
		t.Fatalf("finished job was changed: %+v", job)
	}
	if uploads.reads != 0 || len(hooks.events) != 0 {
		t.Fatalf("expected no work, got reads=%d webhooks=%d", uploads.reads, len(hooks.events))
	}
	if got := testutil.ToFloat64(s.metrics.jobsTotal.WithLabelValues("skipped", "none")); got != 1 {
		t.Fatalf("expected one skipped job, got %v", got)
	}
}

func newTestServer(t *testing.T, d fakeDiagnoser) (*Server, *store.MemoryJobStore, *fakeUploads, *captureWebhook) {
	t.Helper()

	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:          "job-1",
		Status:      domain.JobStatusQueued,
		ObjectKey:   "uploads/job-1/source.png",
		ContentType: "image/png",
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	uploads := &fakeUploads{deleted: map[string]bool{}}
	hooks := &captureWebhook{}
	s := &Server{
		logger:        zap.NewNop(),
		sem:           make(chan struct{}, 1),
		diagnoser:     d,
		uploads:       uploads,
		webhookClient: hooks,
		jobStore:      jobStore,
		metrics:       newMetrics(nil),
		tracer:        otel.Tracer("test"),
	}
	return s, jobStore, uploads, hooks
}

func newTask(t *testing.T, webhookURL string) *asynq.Task {
	t.Helper()
	task, err := queue.NewRunDiagnosisTask(queue.RunDiagnosisPayload{
		JobID:       "job-1",
		ObjectKey:   "uploads/job-1/source.png",
		WebhookURL:  webhookURL,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

type fakeDiagnoser struct {
	result diagnosis.Result
	err    error
}

func (f fakeDiagnoser) Diagnose(context.Context, []byte) (diagnosis.Result, error) {
	return f.result, f.err
}

type fakeUploads struct {
	readErr error
	reads   int
	deleted map[string]bool
}

func (f *fakeUploads) ReadObject(context.Context, string) ([]byte, error) {
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return []byte("image-bytes"), nil
}

func (f *fakeUploads) DeleteObject(_ context.Context, objectKey string) error {
	f.deleted[objectKey] = true
	return nil
}

type captureWebhook struct {
	events []string
	err    error
}

func (c *captureWebhook) Send(_ context.Context, _, event string, _ any) error {
	c.events = append(c.events, event)
	return c.err
}
