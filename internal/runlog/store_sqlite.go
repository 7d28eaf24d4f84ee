package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite binds at most 999 parameters per statement.
const (
	maxSQLiteParams = 999
	columnsPerEntry = 17
	maxSQLiteBatch  = maxSQLiteParams / columnsPerEntry
)

// sqliteTimeLayout has fixed-width fractions so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const entryColumns = `id, stream_id, timestamp, provider, model, status, stage, error,
	rounds, truncated, stream_disabled, ceiling_applied, transcript_chars,
	emitted_chars, overlap_chars, duration_ms, fingerprint`

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the runs table if needed and starts the cleanup
// loop when retention is configured.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			rounds INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			stream_disabled INTEGER NOT NULL DEFAULT 0,
			ceiling_applied INTEGER NOT NULL DEFAULT 0,
			transcript_chars INTEGER NOT NULL DEFAULT 0,
			emitted_chars INTEGER NOT NULL DEFAULT 0,
			overlap_chars INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_runs_stream_id ON runs(stream_id)",
		"CREATE INDEX IF NOT EXISTS idx_runs_provider ON runs(provider)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// WriteBatch inserts entries in chunks that fit the parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for i := 0; i < len(entries); i += maxSQLiteBatch {
		chunk := entries[i:min(i+maxSQLiteBatch, len(entries))]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)
		for j, e := range chunk {
			placeholders[j] = "(?" + strings.Repeat(", ?", columnsPerEntry-1) + ")"
			values = append(values,
				e.ID, e.StreamID, e.Timestamp.UTC().Format(sqliteTimeLayout), e.Provider, e.Model,
				string(e.Status), e.Stage, e.Error, e.Rounds, e.Truncated, e.StreamDisabled,
				e.CeilingApplied, e.TranscriptChars, e.EmittedChars, e.OverlapChars,
				e.DurationMS, e.Fingerprint,
			)
		}

		query := `INSERT OR IGNORE INTO runs (` + entryColumns + `) VALUES ` + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert run batch %d: %w", i/maxSQLiteBatch, err)
		}
	}
	return nil
}

// Recent returns the newest entries first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM runs ORDER BY timestamp DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	out := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		var ts, status string
		if err := rows.Scan(&e.ID, &e.StreamID, &ts, &e.Provider, &e.Model, &status, &e.Stage, &e.Error,
			&e.Rounds, &e.Truncated, &e.StreamDisabled, &e.CeilingApplied, &e.TranscriptChars,
			&e.EmittedChars, &e.OverlapChars, &e.DurationMS, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		e.Status = Status(status)
		if e.Timestamp, err = parseSQLiteTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse run timestamp %q: %w", ts, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return out, nil
}

// parseSQLiteTime reads the stored layout. Tables created with a DATETIME
// column come back from the driver as RFC 3339 text instead.
func parseSQLiteTime(ts string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, ts)
	if err == nil {
		return t, nil
	}
	if t, rerr := time.Parse(time.RFC3339Nano, ts); rerr == nil {
		return t.UTC(), nil
	}
	return time.Time{}, err
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(context.Context) error { return nil }

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() { close(s.stopCleanup) })
	}
	return nil
}

func (s *SQLiteStore) cleanup() {
	res, err := s.db.Exec("DELETE FROM runs WHERE timestamp < ?", cutoff(s.retentionDays).Format(sqliteTimeLayout))
	if err != nil {
		slog.Error("failed to cleanup old runs", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old runs", "deleted", n)
	}
}
