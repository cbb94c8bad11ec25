package bridgestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a Postgres-backed bridge job store.
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("bridgestore: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("bridgestore: pinging database: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Migrate creates the bridge_jobs table and its indexes (spec.md 4.9:
// one table, unique index on idempotencyKey, secondary on status and
// sourceTxHash).
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bridge_jobs (
		id UUID PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		source_network TEXT NOT NULL,
		destination_network TEXT NOT NULL,
		source_tx_hash TEXT NOT NULL,
		amount TEXT NOT NULL,
		destination_asset TEXT NOT NULL,
		destination_pay_to TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		bridge_tx_hash TEXT,
		destination_tx_hash TEXT,
		message_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_bridge_jobs_status ON bridge_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_bridge_jobs_source_tx_hash ON bridge_jobs(source_tx_hash);
	CREATE INDEX IF NOT EXISTS idx_bridge_jobs_updated_at ON bridge_jobs(updated_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bridgestore: running migrations: %w", err)
	}
	s.logger.Info("bridgestore migrations complete")
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *BridgeJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	query := `
		INSERT INTO bridge_jobs (
			id, idempotency_key, source_network, destination_network, source_tx_hash,
			amount, destination_asset, destination_pay_to, status, attempts,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.IdempotencyKey, job.SourceNetwork, job.DestinationNetwork, job.SourceTxHash,
		job.Amount, job.DestinationAsset, job.DestinationPayTo, job.Status, job.Attempts,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return err
}

func scanJob(row rowScanner) (*BridgeJob, error) {
	var job BridgeJob
	var lastError, bridgeTxHash, destinationTxHash, messageID sql.NullString
	err := row.Scan(
		&job.ID, &job.IdempotencyKey, &job.SourceNetwork, &job.DestinationNetwork, &job.SourceTxHash,
		&job.Amount, &job.DestinationAsset, &job.DestinationPayTo, &job.Status, &job.Attempts,
		&lastError, &bridgeTxHash, &destinationTxHash, &messageID,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	job.BridgeTxHash = bridgeTxHash.String
	job.DestinationTxHash = destinationTxHash.String
	job.MessageID = messageID.String
	return &job, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows, letting scanJob
// serve both single-row and iterated-row callers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const selectJobColumns = `
	id, idempotency_key, source_network, destination_network, source_tx_hash,
	amount, destination_asset, destination_pay_to, status, attempts,
	last_error, bridge_tx_hash, destination_tx_hash, message_id,
	created_at, updated_at
`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*BridgeJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs WHERE id = $1", id)
	return scanJob(row)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*BridgeJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs WHERE idempotency_key = $1", key)
	return scanJob(row)
}

// Update writes back a job's mutable fields, rejecting the write if the
// persisted row is already terminal (spec.md 4.9, I2) — last-write-wins
// otherwise, since a single idempotency key has at most one in-flight
// worker attempt (spec.md 4.8, Concurrency).
func (s *PostgresStore) Update(ctx context.Context, job *BridgeJob) error {
	job.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE bridge_jobs SET
			status = $2, attempts = $3, last_error = $4, bridge_tx_hash = $5,
			destination_tx_hash = $6, message_id = $7, updated_at = $8
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	result, err := s.db.ExecContext(ctx, query,
		job.ID, job.Status, job.Attempts, nullable(job.LastError), nullable(job.BridgeTxHash),
		nullable(job.DestinationTxHash), nullable(job.MessageID), job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		existing, getErr := s.GetByID(ctx, job.ID)
		if getErr != nil {
			return getErr
		}
		if existing.Status.Terminal() {
			return ErrTerminalState
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]BridgeJob, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs ORDER BY created_at DESC LIMIT $1", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2", status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time) ([]BridgeJob, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectJobColumns+" FROM bridge_jobs WHERE status IN ('pending','bridging') AND updated_at < $1",
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]BridgeJob, error) {
	var jobs []BridgeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
