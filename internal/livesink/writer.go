package livesink

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"inkflow/internal/core"
)

// Writer prints tokens to an io.Writer, typically a terminal. Lifecycle
// events go to the logger. Write errors are logged once and then ignored.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
	failed bool
}

// NewWriter returns a sink writing tokens to w.
func NewWriter(w io.Writer, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{w: w, logger: logger}
}

func (s *Writer) Start(id string) {
	s.logger.Debug("stream started", "stream_id", id)
}

func (s *Writer) Status(id, phase string) {
	s.logger.Debug("stream status", "stream_id", id, "phase", phase)
}

func (s *Writer) Token(_ string, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if _, err := io.WriteString(s.w, fragment); err != nil {
		s.failed = true
		s.logger.Warn("live output write failed", "error", err)
	}
}

func (s *Writer) Done(id string, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed {
		_, _ = fmt.Fprintln(s.w)
	}
	s.logger.Debug("stream done", "stream_id", id, "cancelled", cancelled)
}

func (s *Writer) Error(id string, stage core.Stage, message string) {
	s.logger.Error("stream failed", "stream_id", id, "stage", stage, "error", message)
}
