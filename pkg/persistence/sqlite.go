package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/telemetry"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS container_history (
	container_id TEXT    NOT NULL,
	recorded_at  INTEGER NOT NULL,
	payload      BLOB    NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	PRIMARY KEY (container_id, recorded_at)
);

CREATE TABLE IF NOT EXISTS forward_ledger (
	id            TEXT PRIMARY KEY,
	record        TEXT    NOT NULL,
	status        TEXT    NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
`

const upsertHistorySQL = `
INSERT INTO container_history (container_id, recorded_at, payload, enqueued_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (container_id, recorded_at)
DO UPDATE SET payload = excluded.payload, enqueued_at = excluded.enqueued_at
`

// SQLiteStore is the durable storage engine. One connection, WAL journal,
// all writes serialized through transactions.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteStore opens (creating if necessary) the telemetry database.
// A failure here is fatal to startup: the pipeline cannot run without its
// storage engine.
func OpenSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create database directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open database: %w", err)
	}
	// The batch queue is the sole writer; a single connection keeps every
	// statement serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: apply schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite store opened.")
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
	}, nil
}

// WriteBatch upserts every item in one transaction. Conflicting keys
// overwrite payload and enqueue time. Any row failure rolls the whole
// transaction back and reports zero rows written.
func (s *SQLiteStore) WriteBatch(ctx context.Context, items []QueuedWriteItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertHistorySQL)
	if err != nil {
		s.rollback(tx)
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.ContainerID, item.TimestampMillis, item.RawBytes, item.EnqueuedAtMillis); err != nil {
			s.rollback(tx)
			return 0, fmt.Errorf("upsert container %s: %w", item.ContainerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(items), nil
}

// RecentHistory returns the most recent persisted records, newest first.
// An empty containerID returns records across all containers.
func (s *SQLiteStore) RecentHistory(ctx context.Context, containerID string, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT container_id, recorded_at, payload, enqueued_at FROM container_history`
	args := []any{}
	if containerID != "" {
		query += ` WHERE container_id = ?`
		args = append(args, containerID)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		if err := rows.Scan(&row.ContainerID, &row.TimestampMillis, &row.Payload, &row.EnqueuedAtMillis); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// HistoryCount reports the total number of persisted records.
func (s *SQLiteStore) HistoryCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM container_history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// RecordPending journals a newly enqueued forward item.
func (s *SQLiteStore) RecordPending(ctx context.Context, id string, doc telemetry.Document) error {
	record, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO forward_ledger (id, record, status, created_at) VALUES (?, ?, 'pending', ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, string(record), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

// RecordOutcome updates a ledger row after a delivery attempt. Status is
// one of pending, sent or failed.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, id string, status string, retryCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE forward_ledger SET status = ?, retry_count = ?, next_retry_at = ? WHERE id = ?`,
		status, retryCount, nextRetryAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update ledger row: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn().Err(err).Msg("WAL checkpoint failed on close.")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("persistence: close database: %w", err)
	}
	s.logger.Info().Msg("SQLite store closed.")
	return nil
}

func (s *SQLiteStore) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to roll back transaction.")
	}
}
