// Package lock provides time-bounded distributed mutual exclusion backed by
// shared storage, so overlapping cron invocations from redundant external
// triggers cannot process the same work twice.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Store is the conditional-write key/expiry storage a lock rides on. The
// contract is atomic acquire-if-absent-or-expired; the storage technology
// (redis, relational table, in-memory map in tests) is interchangeable.
type Store interface {
	// Acquire atomically claims key for owner if no live claim exists,
	// returning whether the claim succeeded. The claim expires after ttl.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release removes the claim on key if owner still holds it. Releasing
	// a lock held by a different owner is a no-op.
	Release(ctx context.Context, key, owner string) error
}

// Options control a single WithLock call.
type Options struct {
	// TTL must exceed the worst-case duration of fn; it reclaims locks
	// orphaned by crashed holders.
	TTL time.Duration
	// MaxRetries is the number of extra acquire attempts after the first.
	// Production usage keeps this at 0 or 1 (fail fast).
	MaxRetries int
	// RetryDelay is the pause between acquire attempts.
	RetryDelay time.Duration
}

const defaultRetryDelay = 100 * time.Millisecond

type Manager struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewManager(store Store, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, clock: clk, logger: logger}
}

// WithLock runs fn while holding the named lock and releases it afterwards,
// even if fn fails. It returns acquired=false without invoking fn when the
// lock is held elsewhere or the store is unreachable: a missed lock must
// never let work proceed (fail-closed), because the lock is what guarantees
// at-most-once dispatch.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) (acquired bool, err error) {
	owner := uuid.NewString()

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-m.clock.After(delay):
			}
		}

		ok, acquireErr := m.store.Acquire(ctx, key, owner, opts.TTL)
		if acquireErr != nil {
			m.logger.Warn("lock acquire failed, treating as not acquired",
				"key", key, "attempt", attempt, "error", acquireErr.Error())
			continue
		}
		if !ok {
			continue
		}

		defer func() {
			if releaseErr := m.store.Release(context.WithoutCancel(ctx), key, owner); releaseErr != nil {
				m.logger.Warn("lock release failed, relying on ttl expiry",
					"key", key, "error", releaseErr.Error())
			}
		}()

		return true, fn(ctx)
	}

	return false, nil
}
