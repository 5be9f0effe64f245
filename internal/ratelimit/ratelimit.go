// Package ratelimit bounds how many reminder-processing operations run per
// sliding time window, globally and per recipient, to protect the messaging
// transport from overload.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/palliatrack/reminder-service/internal/cache"
)

// Store is the counter storage: get/set with TTL, holding the timestamped
// request window per key. cache.Cache satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
}

// Config sets the window for one Check call.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the outcome of a limit check. ResetTime is when the oldest
// counted entry falls out of the window.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

type Limiter struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	// keyMu serializes check-and-increment per identifier against
	// concurrent goroutines in this process.
	mu    sync.Mutex
	keyMu map[string]*sync.Mutex
}

func NewLimiter(store Store, clk clock.Clock, logger *slog.Logger) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		clock:  clk,
		logger: logger,
		keyMu:  make(map[string]*sync.Mutex),
	}
}

// Check applies sliding-window counting for identifier: entries older than
// the window are discarded, the remainder compared to the max, and the
// current request recorded when allowed. If the store is unreachable the
// limiter fails open -- a missed rate check degrades gracefully, unlike a
// missed lock, which would mean duplicate sends.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) Decision {
	mu := l.lockFor(identifier)
	mu.Lock()
	defer mu.Unlock()

	now := l.clock.Now()

	entries, err := l.readWindow(ctx, identifier)
	if err != nil {
		l.logger.Warn("rate limit store unreachable, failing open",
			"identifier", identifier, "error", err.Error())
		return Decision{Allowed: true, Remaining: cfg.MaxRequests, ResetTime: now}
	}

	cutoff := now.Add(-cfg.Window).UnixMilli()
	live := entries[:0]
	for _, ts := range entries {
		if ts > cutoff {
			live = append(live, ts)
		}
	}

	if len(live) >= cfg.MaxRequests {
		oldest := live[0]
		for _, ts := range live {
			if ts < oldest {
				oldest = ts
			}
		}
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetTime: time.UnixMilli(oldest).Add(cfg.Window),
		}
	}

	live = append(live, now.UnixMilli())
	if err := l.writeWindow(ctx, identifier, live, cfg.Window); err != nil {
		l.logger.Warn("rate limit window write failed",
			"identifier", identifier, "error", err.Error())
	}

	return Decision{
		Allowed:   true,
		Remaining: cfg.MaxRequests - len(live),
		ResetTime: now.Add(cfg.Window),
	}
}

func (l *Limiter) lockFor(identifier string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.keyMu[identifier]
	if !ok {
		mu = &sync.Mutex{}
		l.keyMu[identifier] = mu
	}
	return mu
}

func (l *Limiter) readWindow(ctx context.Context, identifier string) ([]int64, error) {
	raw, err := l.store.Get(ctx, windowKey(identifier))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var entries []int64
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// A corrupt window is discarded rather than blocking traffic.
		l.logger.Warn("discarding corrupt rate limit window", "identifier", identifier)
		return nil, nil
	}
	return entries, nil
}

func (l *Limiter) writeWindow(ctx context.Context, identifier string, entries []int64, ttl time.Duration) error {
	raw, _ := json.Marshal(entries)
	return l.store.Set(ctx, windowKey(identifier), string(raw), ttl)
}

func windowKey(identifier string) string {
	return "rate:" + identifier
}
