package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/skinsight/internal/diagnosis"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// Webhook events sent when an async diagnosis finishes.
const (
	EventDiagnosisCompleted = "diagnosis.completed"
	EventDiagnosisFailed    = "diagnosis.failed"
)

// CreateJobRequest carries the optional fields of an async diagnosis
// submission; the image itself arrives as a multipart file.
type CreateJobRequest struct {
	WebhookURL string
}

// Job is one asynchronous diagnosis of an uploaded image.
type Job struct {
	ID          string
	Status      string
	WebhookURL  string
	ObjectKey   string
	ContentType string
	Result      *diagnosis.Report
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r CreateJobRequest) Validate() error {
	raw := strings.TrimSpace(r.WebhookURL)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook_url scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook_url must include a host")
	}
	return nil
}

// Terminal reports whether the job will not change again.
func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}
