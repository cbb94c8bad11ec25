package bridgestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite — the default backend for
// single-process deployments and for tests that don't need a real
// Postgres instance.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens a SQLite-backed bridge job store, creating its
// parent directory if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("bridgestore: creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bridgestore: opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("bridgestore: enabling WAL mode: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent
	// bridge-worker attempts; SQLite serializes writes internally
	// regardless, so this just makes the serialization explicit.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bridge_jobs (
		id TEXT PRIMARY KEY,
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
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
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

const sqliteTimeLayout = time.RFC3339Nano

func (s *SQLiteStore) Create(ctx context.Context, job *BridgeJob) error {
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
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.IdempotencyKey, job.SourceNetwork, job.DestinationNetwork, job.SourceTxHash,
		job.Amount, job.DestinationAsset, job.DestinationPayTo, string(job.Status), job.Attempts,
		job.CreatedAt.Format(sqliteTimeLayout), job.UpdatedAt.Format(sqliteTimeLayout),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

func scanSQLiteJob(row rowScanner) (*BridgeJob, error) {
	var job BridgeJob
	var status string
	var lastError, bridgeTxHash, destinationTxHash, messageID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&job.ID, &job.IdempotencyKey, &job.SourceNetwork, &job.DestinationNetwork, &job.SourceTxHash,
		&job.Amount, &job.DestinationAsset, &job.DestinationPayTo, &status, &job.Attempts,
		&lastError, &bridgeTxHash, &destinationTxHash, &messageID,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	job.BridgeTxHash = bridgeTxHash.String
	job.DestinationTxHash = destinationTxHash.String
	job.MessageID = messageID.String
	job.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	job.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return &job, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*BridgeJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs WHERE id = ?", id)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, key string) (*BridgeJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs WHERE idempotency_key = ?", key)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) Update(ctx context.Context, job *BridgeJob) error {
	job.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE bridge_jobs SET
			status = ?, attempts = ?, last_error = ?, bridge_tx_hash = ?,
			destination_tx_hash = ?, message_id = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	result, err := s.db.ExecContext(ctx, query,
		string(job.Status), job.Attempts, nullable(job.LastError), nullable(job.BridgeTxHash),
		nullable(job.DestinationTxHash), nullable(job.MessageID), job.UpdatedAt.Format(sqliteTimeLayout),
		job.ID,
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

func (s *SQLiteStore) List(ctx context.Context, status Status, limit int) ([]BridgeJob, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs ORDER BY created_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+selectJobColumns+" FROM bridge_jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?", string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]BridgeJob, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectJobColumns+" FROM bridge_jobs WHERE status IN ('pending','bridging') AND updated_at < ?",
		cutoff.Format(sqliteTimeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteJobs(rows)
}

func collectSQLiteJobs(rows *sql.Rows) ([]BridgeJob, error) {
	var jobs []BridgeJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
