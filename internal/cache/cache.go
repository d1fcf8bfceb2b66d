// Package cache provides the key-value cache used to keep identity lookups
// off the user store.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss signals that the key is not cached. Transport failures are
// reported as other errors.
var ErrMiss = errors.New("cache: miss")

// Cache is safe for concurrent use. Values are strings so adapters stay free
// of serialization concerns.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A non-positive ttl means the adapter default.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
