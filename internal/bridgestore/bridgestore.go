// Package bridgestore implements the Bridge Job Store (C9): durable,
// idempotency-keyed persistence for cross-chain bridge jobs, backed by
// either SQLite or Postgres depending on configuration.
package bridgestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paybridge/facilitator/internal/config"
)

// Status is a BridgeJob's lifecycle state (spec.md 3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusBridging  Status = "bridging"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BridgeJob is the durable unit of cross-chain work (spec.md 3).
// Mutation is exclusively through Store.Update; callers must not retain
// a BridgeJob across an Update call and mutate the retained copy.
type BridgeJob struct {
	ID                 string
	IdempotencyKey     string // sourceNetwork:sourceTxHash:destinationNetwork
	SourceNetwork      string
	DestinationNetwork string
	SourceTxHash       string
	Amount             string
	DestinationAsset   string
	DestinationPayTo   string
	Status             Status
	Attempts           int
	LastError          string
	BridgeTxHash       string
	DestinationTxHash  string
	MessageID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IdempotencyKey computes the canonical idempotency key for a bridge
// job (spec.md 4.8 step 1 / spec.md 3).
func IdempotencyKey(sourceNetwork, sourceTxHash, destinationNetwork string) string {
	return fmt.Sprintf("%s:%s:%s", sourceNetwork, sourceTxHash, destinationNetwork)
}

var (
	// ErrNotFound is returned by GetByID / GetByIdempotencyKey when no
	// matching job exists.
	ErrNotFound = errors.New("bridgestore: not found")
	// ErrConflict is returned by Create when the idempotency key
	// already exists (spec.md 4.9's uniqueness requirement, I1).
	ErrConflict = errors.New("bridgestore: idempotency key already exists")
	// ErrTerminalState is returned by Update when the persisted job is
	// already in a terminal state (spec.md 4.9, I2).
	ErrTerminalState = errors.New("bridgestore: job is in a terminal state")
)

// Store is the Bridge Job Store contract (spec.md 4.9).
type Store interface {
	Create(ctx context.Context, job *BridgeJob) error
	GetByID(ctx context.Context, id string) (*BridgeJob, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*BridgeJob, error)
	Update(ctx context.Context, job *BridgeJob) error
	List(ctx context.Context, status Status, limit int) ([]BridgeJob, error)
	// ListStale returns non-terminal jobs whose UpdatedAt predates the
	// given cutoff, for the worker's restart recovery scan.
	ListStale(ctx context.Context, cutoff time.Time) ([]BridgeJob, error)

	Close() error
	Migrate(ctx context.Context) error
}

// New builds a Store per config.StorageConfig.Type, following the
// switch-on-type factory shape used across the ambient storage layer.
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("bridgestore: unknown storage type %q", cfg.Type)
	}
}
