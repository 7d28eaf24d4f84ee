package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the runs table if needed and starts the cleanup
// loop when retention is configured.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			stream_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			rounds INTEGER NOT NULL DEFAULT 0,
			truncated BOOLEAN NOT NULL DEFAULT FALSE,
			stream_disabled BOOLEAN NOT NULL DEFAULT FALSE,
			ceiling_applied BOOLEAN NOT NULL DEFAULT FALSE,
			transcript_chars INTEGER NOT NULL DEFAULT 0,
			emitted_chars INTEGER NOT NULL DEFAULT 0,
			overlap_chars INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_runs_stream_id ON runs(stream_id)",
		"CREATE INDEX IF NOT EXISTS idx_runs_provider ON runs(provider)",
	} {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

const pgInsert = `INSERT INTO runs (` + entryColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (id) DO NOTHING`

// WriteBatch inserts all entries in one round trip inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(pgInsert,
			e.ID, e.StreamID, e.Timestamp, e.Provider, e.Model, string(e.Status), e.Stage, e.Error,
			e.Rounds, e.Truncated, e.StreamDisabled, e.CeilingApplied, e.TranscriptChars,
			e.EmittedChars, e.OverlapChars, e.DurationMS, e.Fingerprint)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert %d runs: %w", len(entries), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (s *PostgreSQLStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, stream_id, timestamp, provider, model, status, stage, error,
			rounds, truncated, stream_disabled, ceiling_applied, transcript_chars,
			emitted_chars, overlap_chars, duration_ms, fingerprint
		FROM runs ORDER BY timestamp DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	out := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Timestamp, &e.Provider, &e.Model, &status, &e.Stage,
			&e.Error, &e.Rounds, &e.Truncated, &e.StreamDisabled, &e.CeilingApplied, &e.TranscriptChars,
			&e.EmittedChars, &e.OverlapChars, &e.DurationMS, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		e.Status = Status(status)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return out, nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(context.Context) error { return nil }

// Close stops the cleanup goroutine. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() { close(s.stopCleanup) })
	}
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := s.pool.Exec(ctx, "DELETE FROM runs WHERE timestamp < $1", cutoff(s.retentionDays))
	if err != nil {
		slog.Error("failed to cleanup old runs", "error", err)
		return
	}
	if res.RowsAffected() > 0 {
		slog.Info("cleaned up old runs", "deleted", res.RowsAffected())
	}
}
