// Package livesink delivers live stream notifications to their consumers.
// Every sink here is non-blocking: a slow consumer loses events rather than
// stalling the producing task.
package livesink

import (
	"log/slog"

	"inkflow/internal/core"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventStart  EventType = "start"
	EventStatus EventType = "status"
	EventToken  EventType = "token"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is one notification for one stream.
type Event struct {
	Type      EventType  `json:"type"`
	StreamID  string     `json:"stream_id"`
	Phase     string     `json:"phase,omitempty"`
	Token     string     `json:"token,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`
	Stage     core.Stage `json:"stage,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Terminal reports whether no further events follow for the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone
}

// Multi fans notifications out to several sinks in order.
type Multi []core.Sink

func (m Multi) Start(id string) {
	for _, s := range m {
		s.Start(id)
	}
}

func (m Multi) Status(id, phase string) {
	for _, s := range m {
		s.Status(id, phase)
	}
}

func (m Multi) Token(id, fragment string) {
	for _, s := range m {
		s.Token(id, fragment)
	}
}

func (m Multi) Done(id string, cancelled bool) {
	for _, s := range m {
		s.Done(id, cancelled)
	}
}

func (m Multi) Error(id string, stage core.Stage, message string) {
	for _, s := range m {
		s.Error(id, stage, message)
	}
}

// Logging records lifecycle events (not tokens) through slog.
type Logging struct {
	Logger *slog.Logger
}

func (l Logging) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Logging) Start(id string) { l.logger().Info("stream started", "stream_id", id) }

func (l Logging) Status(id, phase string) {
	l.logger().Debug("stream status", "stream_id", id, "phase", phase)
}

func (l Logging) Token(string, string) {}

func (l Logging) Done(id string, cancelled bool) {
	l.logger().Info("stream done", "stream_id", id, "cancelled", cancelled)
}

func (l Logging) Error(id string, stage core.Stage, message string) {
	l.logger().Error("stream failed", "stream_id", id, "stage", stage, "error", message)
}
