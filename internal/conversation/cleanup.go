package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCleanupInterval is the default interval between sweeps.
	DefaultCleanupInterval = 1 * time.Minute
)

// CleanupService periodically sweeps expired state out of registered
// sweepers. It complements the sweep that stores perform on write.
type CleanupService struct {
	sweepers map[string]Sweeper
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	mu       sync.Mutex
	running  bool
}

// NewCleanupService creates a new cleanup service with default interval.
func NewCleanupService(sweepers map[string]Sweeper) *CleanupService {
	return NewCleanupServiceWithInterval(sweepers, DefaultCleanupInterval)
}

// NewCleanupServiceWithInterval creates a new cleanup service with custom interval.
func NewCleanupServiceWithInterval(sweepers map[string]Sweeper, interval time.Duration) *CleanupService {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	registered := make(map[string]Sweeper, len(sweepers))
	for name, s := range sweepers {
		if s != nil {
			registered[name] = s
		}
	}

	return &CleanupService{
		sweepers: registered,
		interval: interval,
		logger: slog.Default().With(
			slog.String("component", "conversation.cleanup"),
		),
	}
}

// Start begins the periodic cleanup process.
func (c *CleanupService) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.runCleanup(cleanupCtx)

	return nil
}

// Run starts the service and blocks until ctx is done.
func (c *CleanupService) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Stop gracefully stops the cleanup service.
func (c *CleanupService) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning returns whether the cleanup service is currently running.
func (c *CleanupService) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SweepNow runs every sweeper once and returns the removals per sweeper.
func (c *CleanupService) SweepNow(ctx context.Context) map[string]int {
	removed := make(map[string]int, len(c.sweepers))
	for name, s := range c.sweepers {
		start := time.Now()
		n := s.Sweep()
		removed[name] = n

		if n > 0 {
			c.logger.InfoContext(ctx, "Swept expired entries",
				slog.String("sweeper", name),
				slog.Int("removed", n),
				slog.Duration("duration", time.Since(start)),
			)
		}
	}
	return removed
}

func (c *CleanupService) runCleanup(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		if c.done != nil {
			close(c.done)
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.SweepNow(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Cleanup service stopping")
			return
		case <-ticker.C:
			c.SweepNow(ctx)
		}
	}
}
