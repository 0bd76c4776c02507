// Package cache holds the value cache the nodes read job inputs from and
// write job outputs to. Backends are byte oriented; encoding is left to the
// functions producing the values.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value store with TTL support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A zero TTL means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	Close() error
}
