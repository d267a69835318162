package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSharedStore means no Postgres DSN was configured. The in-process
// memory store cannot carry jobs between the api and the worker, so
// callers that hand jobs across processes must not fall back to it.
var ErrNoSharedStore = errors.New("no shared job store configured")

// Open connects the Postgres job store for dsn. The returned close func is
// never nil when err is nil.
func Open(ctx context.Context, dsn string) (JobStore, func(), error) {
	if dsn == "" {
		return nil, nil, ErrNoSharedStore
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	return pg, func() { _ = pg.Close() }, nil
}
