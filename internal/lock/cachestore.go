package lock

import (
	"context"
	"errors"
	"time"

	"github.com/palliatrack/reminder-service/internal/cache"
)

// CacheStore adapts a cache.Cache into a lock Store. SetNX with TTL gives the
// atomic acquire-if-absent semantics; natural key expiry covers the
// "or expired" half without a second round trip.
type CacheStore struct {
	cache cache.Cache
}

func NewCacheStore(c cache.Cache) *CacheStore {
	return &CacheStore{cache: c}
}

func (s *CacheStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.cache.SetNX(ctx, key, owner, ttl)
}

func (s *CacheStore) Release(ctx context.Context, key, owner string) error {
	current, err := s.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil // already expired
		}
		return err
	}
	if current != owner {
		return nil // not our lock
	}
	return s.cache.Delete(ctx, key)
}
