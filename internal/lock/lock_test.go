package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/palliatrack/reminder-service/internal/lock"
)

// failingStore simulates an unreachable backing store.
type failingStore struct{}

func (failingStore) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store unreachable")
}

func (failingStore) Release(context.Context, string, string) error {
	return errors.New("store unreachable")
}

func TestWithLock_RunsFnAndReleases(t *testing.T) {
	t.Parallel()

	store := lock.NewMemoryStore(nil)
	mgr := lock.NewManager(store, nil, nil)
	ctx := context.Background()

	ran := false
	acquired, err := mgr.WithLock(ctx, "k", lock.Options{TTL: time.Minute}, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}
	if !acquired || !ran {
		t.Fatalf("expected lock acquired and fn run, got acquired=%v ran=%v", acquired, ran)
	}

	// The lock must be free again after release.
	acquired, err = mgr.WithLock(ctx, "k", lock.Options{TTL: time.Minute}, func(context.Context) error { return nil })
	if err != nil || !acquired {
		t.Fatalf("expected re-acquire after release, got acquired=%v err=%v", acquired, err)
	}
}

func TestWithLock_ReleasesEvenWhenFnFails(t *testing.T) {
	t.Parallel()

	store := lock.NewMemoryStore(nil)
	mgr := lock.NewManager(store, nil, nil)
	ctx := context.Background()

	wantErr := errors.New("fn failed")
	acquired, err := mgr.WithLock(ctx, "k", lock.Options{TTL: time.Minute}, func(context.Context) error {
		return wantErr
	})
	if !acquired {
		t.Fatal("expected lock acquired")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error propagated, got %v", err)
	}

	acquired, _ = mgr.WithLock(ctx, "k", lock.Options{TTL: time.Minute}, func(context.Context) error { return nil })
	if !acquired {
		t.Fatal("expected lock released after failing fn")
	}
}

func TestWithLock_HeldLockNotAcquired(t *testing.T) {
	t.Parallel()

	store := lock.NewMemoryStore(nil)
	mgr := lock.NewManager(store, nil, nil)
	ctx := context.Background()

	if ok, err := store.Acquire(ctx, "k", "someone-else", time.Minute); err != nil || !ok {
		t.Fatalf("setup acquire failed: ok=%v err=%v", ok, err)
	}

	ran := false
	acquired, err := mgr.WithLock(ctx, "k", lock.Options{TTL: time.Minute}, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}
	if acquired || ran {
		t.Fatalf("expected no acquisition while lock held, got acquired=%v ran=%v", acquired, ran)
	}
}

func TestWithLock_FailClosedOnStoreError(t *testing.T) {
	t.Parallel()

	mgr := lock.NewManager(failingStore{}, nil, nil)

	ran := false
	acquired, err := mgr.WithLock(context.Background(), "k", lock.Options{TTL: time.Minute}, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}
	if acquired || ran {
		t.Fatalf("expected fail-closed on store error, got acquired=%v ran=%v", acquired, ran)
	}
}

func TestWithLock_RetrySucceedsAfterRelease(t *testing.T) {
	t.Parallel()

	store := lock.NewMemoryStore(nil)
	mgr := lock.NewManager(store, nil, nil)
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "k", "other", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	// Free the lock while the manager is waiting between attempts.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = store.Release(ctx, "k", "other")
	}()

	acquired, err := mgr.WithLock(ctx, "k", lock.Options{
		TTL:        time.Minute,
		MaxRetries: 50,
		RetryDelay: time.Millisecond,
	}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquisition on a retry attempt")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	store := lock.NewMemoryStore(mock)
	ctx := context.Background()

	// Simulate a crashed holder: acquired, never released.
	if ok, _ := store.Acquire(ctx, "k", "crashed", 30*time.Second); !ok {
		t.Fatal("setup acquire failed")
	}

	if ok, _ := store.Acquire(ctx, "k", "next", 30*time.Second); ok {
		t.Fatal("lock must not be acquirable before TTL elapses")
	}

	mock.Add(29 * time.Second)
	if ok, _ := store.Acquire(ctx, "k", "next", 30*time.Second); ok {
		t.Fatal("lock must not be acquirable one second early")
	}

	mock.Add(2 * time.Second)
	if ok, _ := store.Acquire(ctx, "k", "next", 30*time.Second); !ok {
		t.Fatal("expired lock must be reclaimable")
	}
}

func TestMemoryStore_ReleaseIsOwnerChecked(t *testing.T) {
	t.Parallel()

	store := lock.NewMemoryStore(nil)
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "k", "owner", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	// A different owner releasing is a no-op.
	if err := store.Release(ctx, "k", "intruder"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := store.Acquire(ctx, "k", "other", time.Minute); ok {
		t.Fatal("lock must survive a foreign release")
	}

	if err := store.Release(ctx, "k", "owner"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := store.Acquire(ctx, "k", "other", time.Minute); !ok {
		t.Fatal("lock must be free after owner release")
	}
}

func TestWithLock_ConcurrentCallersAcquireExactlyOne(t *testing.T) {
	t.Parallel()

	store := lock.NewMemoryStore(nil)
	mgr := lock.NewManager(store, nil, nil)
	ctx := context.Background()

	const callers = 16

	var (
		start    = make(chan struct{})
		inFn     sync.WaitGroup
		acquires int64
		mu       sync.Mutex
	)

	release := make(chan struct{})
	inFn.Add(callers)
	for range callers {
		go func() {
			defer inFn.Done()
			<-start
			acquired, _ := mgr.WithLock(ctx, "k", lock.Options{TTL: time.Minute}, func(context.Context) error {
				<-release
				return nil
			})
			if acquired {
				mu.Lock()
				acquires++
				mu.Unlock()
			}
		}()
	}

	close(start)
	time.Sleep(20 * time.Millisecond)
	close(release)
	inFn.Wait()

	if acquires != 1 {
		t.Fatalf("expected exactly one caller to hold the lock, got %d", acquires)
	}
}
