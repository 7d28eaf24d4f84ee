package core

import "context"

type contextKey string

const streamIDKey contextKey = "stream_id"

// WithStreamID attaches the stream identity to ctx.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, streamIDKey, streamID)
}

// GetStreamID returns the stream identity stored in ctx, or "".
func GetStreamID(ctx context.Context) string {
	if v, ok := ctx.Value(streamIDKey).(string); ok {
		return v
	}
	return ""
}
