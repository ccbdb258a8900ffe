// Package ratelimit provides a sliding-window call limiter keyed by caller.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxCalls is the number of calls admitted per window.
	DefaultMaxCalls = 10
	// DefaultPeriod is the width of the sliding window.
	DefaultPeriod = time.Minute
	// DefaultPollInterval is how often Wait re-checks a saturated window.
	DefaultPollInterval = time.Second
)

// Limiter admits at most maxCalls calls per key within any trailing period.
// It keeps the timestamp of every admitted call so the window slides
// smoothly instead of refilling in steps.
type Limiter struct {
	windows      map[string][]time.Time
	now          func() time.Time
	logger       *slog.Logger
	maxCalls     int
	period       time.Duration
	pollInterval time.Duration
	mu           sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPollInterval sets how often Wait re-checks the window.
func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter admitting maxCalls per period for every key.
// A maxCalls of zero or less denies everything.
func New(maxCalls int, period time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		windows:      make(map[string][]time.Time),
		now:          time.Now,
		logger:       slog.Default(),
		maxCalls:     maxCalls,
		period:       period,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Default creates a limiter with ten calls per minute.
func Default() *Limiter {
	return New(DefaultMaxCalls, DefaultPeriod)
}

// Allow records a call for key and returns true if the window has room.
// The check and the record happen under one lock.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	calls := l.prune(key, now)
	if len(calls) >= l.maxCalls {
		recordDecision(false)
		return false
	}

	l.windows[key] = append(calls, now)
	recordDecision(true)
	return true
}

// Remaining reports how many calls key could make right now.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.maxCalls - len(l.prune(key, l.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forgets every recorded call for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, key)
}

// Wait blocks until a call for key is admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.Allow(key) {
		return nil
	}

	l.logger.DebugContext(ctx, "rate limit reached, waiting",
		slog.String("key", key),
		slog.Duration("poll_interval", l.pollInterval))

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for rate limit: %w", ctx.Err())
		case <-ticker.C:
			if l.Allow(key) {
				return nil
			}
		}
	}
}

// Do waits for admission and then runs fn, returning its error.
func (l *Limiter) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := l.Wait(ctx, key); err != nil {
		return err
	}
	return fn(ctx)
}

// CleanupStale drops keys with no call inside the current window and
// returns how many were removed.
func (l *Limiter) CleanupStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key := range l.windows {
		if len(l.prune(key, now)) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Sweep is CleanupStale under the name the cleanup service expects.
func (l *Limiter) Sweep() int {
	return l.CleanupStale()
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	calls := 0
	for key := range l.windows {
		calls += len(l.prune(key, now))
	}

	return map[string]any{
		"keys":      len(l.windows),
		"calls":     calls,
		"max_calls": l.maxCalls,
		"period":    l.period.String(),
	}
}

// prune drops timestamps outside (now-period, now] and returns what is left.
// Callers must hold l.mu.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	calls := l.windows[key]
	i := 0
	for i < len(calls) && now.Sub(calls[i]) >= l.period {
		i++
	}
	if i == 0 {
		return calls
	}

	kept := append(calls[:0:0], calls[i:]...)
	if len(kept) == 0 {
		kept = nil
	}
	l.windows[key] = kept
	return kept
}
