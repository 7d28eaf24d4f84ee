// Package runlog records one entry per finished stream for later inspection.
package runlog

import (
	"context"
	"time"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Entry is one finished stream.
type Entry struct {
	// ID is a unique identifier for this entry (UUID)
	ID string `json:"id" bson:"_id"`

	StreamID  string    `json:"stream_id" bson:"stream_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Provider  string    `json:"provider" bson:"provider"`
	Model     string    `json:"model" bson:"model"`
	Status    Status    `json:"status" bson:"status"`

	// Stage and Error are set for failed runs.
	Stage string `json:"stage,omitempty" bson:"stage,omitempty"`
	Error string `json:"error,omitempty" bson:"error,omitempty"`

	Rounds          int  `json:"rounds" bson:"rounds"`
	Truncated       bool `json:"truncated" bson:"truncated"`
	StreamDisabled  bool `json:"stream_disabled" bson:"stream_disabled"`
	CeilingApplied  bool `json:"ceiling_applied" bson:"ceiling_applied"`
	TranscriptChars int  `json:"transcript_chars" bson:"transcript_chars"`
	EmittedChars    int  `json:"emitted_chars" bson:"emitted_chars"`
	OverlapChars    int  `json:"overlap_chars" bson:"overlap_chars"`

	DurationMS int64 `json:"duration_ms" bson:"duration_ms"`

	// Fingerprint is a hash of the conversation, for spotting repeated prompts
	// without storing them.
	Fingerprint string `json:"fingerprint" bson:"fingerprint"`
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries. Called by the Logger when flushing.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]*Entry, error)

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close stops background work. The database itself belongs to the storage layer.
	Close() error
}

// Config holds run log configuration
type Config struct {
	Enabled bool

	// BufferSize is the number of entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}

// MaxRecent caps the limit accepted by Recent.
const MaxRecent = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > MaxRecent {
		return MaxRecent
	}
	return limit
}
