package runlog

import (
	"context"
	"fmt"
	"log/slog"

	"inkflow/internal/storage"
)

// New builds a Recorder on a shared storage connection. The caller keeps
// ownership of store. A disabled config or nil store yields a NoopRecorder.
func New(ctx context.Context, cfg Config, store storage.Storage, logger *slog.Logger) (Recorder, error) {
	if !cfg.Enabled || store == nil {
		return NoopRecorder{}, nil
	}

	s, err := NewStore(ctx, store, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	return NewLogger(s, cfg, logger), nil
}

// NewStore creates the Store matching the storage backend.
func NewStore(ctx context.Context, store storage.Storage, retentionDays int) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
