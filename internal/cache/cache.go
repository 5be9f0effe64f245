package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a key/value store with TTL support and an atomic conditional
// write, the minimum surface the lock manager and rate limiter need.
type Cache interface {
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// SetNX writes key only if it does not exist, returning whether the
	// write happened. The TTL makes abandoned entries self-expire.
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
