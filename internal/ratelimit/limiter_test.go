package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(3, 10*time.Second, WithClock(clock.Now))

	for i := range 3 {
		assert.True(t, l.Allow("k"), "call %d should be admitted", i+1)
	}

	clock.Advance(time.Second)
	assert.False(t, l.Allow("k"), "fourth call inside the window should be denied")
	assert.Equal(t, 0, l.Remaining("k"))

	clock.Advance(10 * time.Second)
	assert.True(t, l.Allow("k"), "calls from t=0 should have aged out")
	assert.Equal(t, 2, l.Remaining("k"))
}

func TestLimiter_WindowBoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	l := New(1, 10*time.Second, WithClock(clock.Now))

	require.True(t, l.Allow("k"))

	clock.Advance(10*time.Second - time.Nanosecond)
	assert.False(t, l.Allow("k"))

	clock.Advance(time.Nanosecond)
	assert.True(t, l.Allow("k"))
}

func TestLimiter_RemainingUnknownKey(t *testing.T) {
	l := New(5, time.Minute)
	assert.Equal(t, 5, l.Remaining("never-seen"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(1, time.Minute, WithClock(clock.Now))

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_Reset(t *testing.T) {
	clock := newFakeClock()
	l := New(2, time.Minute, WithClock(clock.Now))

	l.Allow("k")
	l.Allow("k")
	require.Equal(t, 0, l.Remaining("k"))

	l.Reset("k")
	assert.Equal(t, 2, l.Remaining("k"))

	l.Reset("missing")
}

func TestLimiter_ZeroBudgetDeniesEverything(t *testing.T) {
	l := New(0, time.Minute, WithPollInterval(time.Millisecond))

	assert.False(t, l.Allow("k"))
	assert.Equal(t, 0, l.Remaining("k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Do(ctx, "k", func(context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, ran)
}

func TestLimiter_WaitProceedsAfterWindowSlides(t *testing.T) {
	l := New(1, 50*time.Millisecond, WithPollInterval(5*time.Millisecond))

	require.True(t, l.Allow("k"))

	start := time.Now()
	err := l.Wait(context.Background(), "k")
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestLimiter_DoReturnsFunctionError(t *testing.T) {
	l := New(1, time.Minute)
	want := errors.New("boom")

	err := l.Do(context.Background(), "k", func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestLimiter_ConcurrentAdmissionNeverExceedsBudget(t *testing.T) {
	l := New(25, time.Hour)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), admitted.Load())
}

func TestLimiter_CleanupStale(t *testing.T) {
	clock := newFakeClock()
	l := New(3, time.Minute, WithClock(clock.Now))

	l.Allow("old")
	clock.Advance(2 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.CleanupStale())

	stats := l.Stats()
	assert.Equal(t, 1, stats["keys"])
	assert.Equal(t, 1, stats["calls"])
}
