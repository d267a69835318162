package store

import (
	"context"
	"errors"

	"github.com/dunamismax/skinsight/internal/diagnosis"
	"github.com/dunamismax/skinsight/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Complete(ctx context.Context, id string, report diagnosis.Report) (domain.Job, error)
	Fail(ctx context.Context, id, reason string) (domain.Job, error)
}
