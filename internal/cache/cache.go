// Package cache stores finished stream results so they can be fetched after
// the live connection is gone.
// Supports both local (in-memory) and Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is how long a finished result stays retrievable.
const DefaultTTL = 24 * time.Hour

// Cache defines the interface for result storage keyed by stream id.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the stored value for key.
	// Returns nil, nil if nothing is stored or the entry expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Close releases any resources held by the cache.
	Close() error
}
