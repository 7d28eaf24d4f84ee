package core

import (
	"context"
	"io"
)

// Adapter maps round requests onto one provider schema and back.
type Adapter interface {
	// Name is the provider id, used in errors and metrics.
	Name() string

	// OpenStream sends a streaming request and returns the raw body (caller must close).
	OpenStream(ctx context.Context, req *RoundRequest) (io.ReadCloser, error)

	// DecodeStreamEvent parses one framed stream payload.
	DecodeStreamEvent(payload []byte) (Event, error)

	// Complete sends a batch request and returns the whole reply as one event.
	Complete(ctx context.Context, req *RoundRequest) (Event, error)

	// Classify tells which in-round recovery a rejected request allows.
	Classify(err *HTTPError) Recovery
}

// Sink receives live lifecycle notifications for streams.
// Implementations must not block the caller.
type Sink interface {
	Start(streamID string)
	Status(streamID, phase string)
	Token(streamID, fragment string)
	Done(streamID string, cancelled bool)
	Error(streamID string, stage Stage, message string)
}

// Status phases reported through Sink.Status.
const (
	PhaseInitializing = "initializing"
	PhaseThinking     = "thinking"
	PhaseResponding   = "responding"
	PhaseContinuing   = "continuing"
)
