//go:build integration

package bridgestore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("facilitator"),
		postgres.WithUsername("facilitator"),
		postgres.WithPassword("facilitator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewPostgresStore(connStr, logger)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestPostgresCreateAndGetByID(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	job := sampleJob()

	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.SourceTxHash != job.SourceTxHash {
		t.Errorf("SourceTxHash = %q, want %q", got.SourceTxHash, job.SourceTxHash)
	}
}

func TestPostgresCreateConflict(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, sampleJob()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, sampleJob()); err != ErrConflict {
		t.Errorf("Create() with duplicate key = %v, want ErrConflict", err)
	}
}

func TestPostgresUpdateRejectsTerminal(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	job := sampleJob()
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	job.Status = StatusCompleted
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update to completed: %v", err)
	}

	job.Status = StatusFailed
	if err := store.Update(ctx, job); err != ErrTerminalState {
		t.Errorf("Update() on terminal job = %v, want ErrTerminalState", err)
	}
}
