package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunDiagnosis = "diagnosis:run"

type RunDiagnosisPayload struct {
	JobID       string    `json:"job_id"`
	ObjectKey   string    `json:"object_key"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunDiagnosisTask(payload RunDiagnosisPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("job_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal diagnosis payload: %w", err)
	}
	return asynq.NewTask(TypeRunDiagnosis, body), nil
}

func ParseRunDiagnosisPayload(task *asynq.Task) (RunDiagnosisPayload, error) {
	var payload RunDiagnosisPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunDiagnosisPayload{}, fmt.Errorf("unmarshal diagnosis payload: %w", err)
	}
	if payload.JobID == "" || payload.ObjectKey == "" {
		return RunDiagnosisPayload{}, errors.New("diagnosis payload requires job_id and object_key")
	}
	return payload, nil
}
