// Package ttlstore provides a key-value store with per-key expiry, used for
// output buffer snapshots and live session metadata. The in-memory backend is
// the default; a Redis backend is selected by OUTPUT_BUFFER_BACKEND_URL so
// snapshots survive orchestrator restarts.
package ttlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/devos-ai/devos/internal/common/logger"
)

// ErrNotFound is returned when a key is missing or its TTL has elapsed.
var ErrNotFound = errors.New("ttlstore: key not found")

// Store is a key-value store with per-key TTL.
type Store interface {
	// Set stores a value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound if the key is missing
	// or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Open selects a backend from a URL. An empty URL returns the in-memory
// store; redis:// and rediss:// URLs return the Redis-backed store.
func Open(url string, log *logger.Logger) (Store, error) {
	if url == "" {
		return NewMemoryStore(), nil
	}
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return NewRedisStore(url, log)
	}
	return nil, errors.New("ttlstore: unsupported backend URL")
}
