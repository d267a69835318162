package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestRunDiagnosisTaskPayload(t *testing.T) {
	payload := RunDiagnosisPayload{
		JobID:       "job-123",
		ObjectKey:   "uploads/job-123/source.png",
		WebhookURL:  "https://hooks.example.com",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRunDiagnosisTask(payload)
	if err != nil {
		t.Fatalf("NewRunDiagnosisTask returned error: %v", err)
	}
	if task.Type() != TypeRunDiagnosis {
		t.Fatalf("expected task type %q, got %q", TypeRunDiagnosis, task.Type())
	}

	parsed, err := ParseRunDiagnosisPayload(task)
	if err != nil {
		t.Fatalf("ParseRunDiagnosisPayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID || parsed.ObjectKey != payload.ObjectKey {
		t.Fatalf("unexpected parsed payload %+v", parsed)
	}
}

func TestRunDiagnosisPayloadValidation(t *testing.T) {
	if _, err := NewRunDiagnosisTask(RunDiagnosisPayload{}); err == nil {
		t.Fatal("expected error for missing job id")
	}
	if _, err := ParseRunDiagnosisPayload(asynq.NewTask(TypeRunDiagnosis, []byte(`{"job_id":"x"}`))); err == nil {
		t.Fatal("expected error for missing object key")
	}
	if _, err := ParseRunDiagnosisPayload(asynq.NewTask(TypeRunDiagnosis, []byte(`{`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
