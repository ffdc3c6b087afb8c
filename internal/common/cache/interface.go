// Package cache defines the cache abstraction and a Redis implementation.
package cache

import (
	"context"
	"time"
)

// Cache is the full cache surface used across the judge core.
type Cache interface {
	BasicOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps covers string/counter operations. Kept narrow so admission and
// result caching can be tested against small fakes.
type BasicOps interface {
	// Get retrieves a value by key. Missing keys return "" with nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with the given TTL (0 means no expiration).
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX stores a value only if the key does not exist.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of existing keys.
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining TTL for a key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr atomically increments a counter key.
	Incr(ctx context.Context, key string) (int64, error)
}
