package runlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchFlushThreshold is the number of entries that triggers an immediate flush.
const BatchFlushThreshold = 100

// Recorder is what the stream manager writes to.
type Recorder interface {
	Write(entry *Entry)
	Recent(ctx context.Context, limit int) ([]*Entry, error)
	Close() error
}

// Logger provides async buffered writes with batch flushes.
// Entries are flushed when the batch is full or at regular intervals.
type Logger struct {
	store         Store
	buffer        chan *Entry
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // tracks in-flight Write calls
	flushInterval time.Duration
	closed        atomic.Bool
	logger        *slog.Logger
}

// NewLogger creates a Logger and starts its flush goroutine.
func NewLogger(store Store, cfg Config, logger *slog.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		store:         store,
		buffer:        make(chan *Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
		logger:        logger,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues an entry. It never blocks: if the buffer is full or the
// logger is closed the entry is dropped.
func (l *Logger) Write(entry *Entry) {
	if entry == nil || l.closed.Load() {
		return
	}

	l.writes.Add(1)
	defer l.writes.Done()

	// Close() may have run between the first check and Add(1).
	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.logger.Warn("run log buffer full, dropping entry", "stream_id", entry.StreamID)
	}
}

// Recent reads straight from the store; entries still buffered are not included.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	return l.store.Recent(ctx, limit)
}

// Close stops the logger and flushes remaining entries. Idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.writes.Wait()
	close(l.done)
	l.wg.Wait()

	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				l.logger.Error("failed to flush run log store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.logger.Error("failed to write run log batch", "error", err, "count", len(batch))
	}
}

// NoopRecorder is used when the run log is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Write(*Entry) {}

func (NoopRecorder) Recent(context.Context, int) ([]*Entry, error) { return []*Entry{}, nil }

func (NoopRecorder) Close() error { return nil }
