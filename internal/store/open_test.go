package store

import (
	"context"
	"errors"
	"testing"
)

func TestOpenWithoutDSNRefusesMemoryFallback(t *testing.T) {
	s, closeStore, err := Open(context.Background(), "")
	if !errors.Is(err, ErrNoSharedStore) {
		t.Fatalf("expected ErrNoSharedStore, got %v", err)
	}
	if s != nil || closeStore != nil {
		t.Fatalf("expected no store, got %T", s)
	}
}

func TestOpenReportsUnreachablePostgres(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Open(ctx, "postgres://skinsight@127.0.0.1:1/skinsight?sslmode=disable&connect_timeout=1")
	if err == nil {
		t.Fatal("expected an error for an unreachable database")
	}
	if errors.Is(err, ErrNoSharedStore) {
		t.Fatalf("unreachable database must not look like a missing DSN: %v", err)
	}
}
