// Package queue runs tasks in per-channel order while bounding how many
// channels are processed at once.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxConcurrent is how many partitions drain at once by default.
	DefaultMaxConcurrent = 3

	timingSamples = 500
)

// Queue partitions tasks by channel key. Each partition is drained by at
// most one goroutine, so tasks of a channel run one at a time in submission
// order. At most maxConcurrent partitions are drained at any moment;
// partitions with work beyond that wait in FIFO order for a free slot.
//
// The queue owns all drainer accounting. Claiming a drainer for a partition
// happens under the same lock that enqueues, so a partition can never have
// two drainers.
type Queue struct {
	ctx          context.Context
	partitions   map[string]*partition
	waiting      *list.List
	cancel       context.CancelFunc
	logger       *slog.Logger
	panicHandler PanicHandler
	errorHandler ErrorHandler
	now          func() time.Time
	runTimes     *TimingStats
	waitTimes    *TimingStats
	wg           sync.WaitGroup

	maxConcurrent int
	maxDepth      int
	active        int
	stopped       bool
	mu            sync.Mutex

	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxDepth rejects submissions with ErrQueueFull once a partition holds
// depth entries. Zero, the default, leaves partitions unbounded.
func WithMaxDepth(depth int) Option {
	return func(q *Queue) {
		if depth >= 0 {
			q.maxDepth = depth
		}
	}
}

// WithPanicHandler sets the handler for panicking tasks.
func WithPanicHandler(h PanicHandler) Option {
	return func(q *Queue) {
		if h != nil {
			q.panicHandler = h
		}
	}
}

// WithErrorHandler sets the observer for task errors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(q *Queue) {
		if h != nil {
			q.errorHandler = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates a queue draining at most maxConcurrent partitions at once.
func New(maxConcurrent int, opts ...Option) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ctx:           ctx,
		cancel:        cancel,
		partitions:    make(map[string]*partition),
		waiting:       list.New(),
		logger:        slog.Default(),
		now:           time.Now,
		runTimes:      NewTimingStats(timingSamples),
		waitTimes:     NewTimingStats(timingSamples),
		maxConcurrent: maxConcurrent,
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.panicHandler == nil {
		q.panicHandler = NewDefaultPanicHandler(q.logger)
	}
	if q.errorHandler == nil {
		q.errorHandler = func(key string, err error) {
			q.logger.WarnContext(q.ctx, "Task failed",
				slog.String("key", key),
				slog.Any("error", err))
		}
	}
	return q
}

// Submit enqueues task under key and returns without waiting for it to run.
func (q *Queue) Submit(key string, task Task) error {
	if task == nil {
		return fmt.Errorf("cannot submit nil task for %s", key)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}

	p, ok := q.partitions[key]
	if !ok {
		p = newPartition(key)
		q.partitions[key] = p
	}

	if q.maxDepth > 0 && p.size() >= q.maxDepth {
		return fmt.Errorf("partition %s holds %d tasks: %w", key, p.size(), ErrQueueFull)
	}

	p.enqueue(task, q.now())
	tasksSubmitted.Inc()

	q.schedule(p)
	return nil
}

// SubmitFunc enqueues fn under key.
func (q *Queue) SubmitFunc(key string, fn func(ctx context.Context) error) error {
	return q.Submit(key, TaskFunc(fn))
}

// schedule gives p a drainer if it has none. Callers must hold q.mu.
func (q *Queue) schedule(p *partition) {
	if p.draining || p.waiting {
		return
	}

	if q.active < q.maxConcurrent {
		q.claim(p)
		q.wg.Add(1)
		go q.drain(p)
		return
	}

	p.waiting = true
	q.waiting.PushBack(p)
	partitionsWaiting.Set(float64(q.waiting.Len()))
}

// claim marks p as owned by a drainer. Callers must hold q.mu.
func (q *Queue) claim(p *partition) {
	p.draining = true
	p.waiting = false
	q.active++
	activeDrainers.Set(float64(q.active))
}

// release hands the drainer's slot to the next waiting partition, or frees
// it when none is waiting. Callers must hold q.mu.
func (q *Queue) release(p *partition) *partition {
	p.draining = false
	if p.idle() {
		delete(q.partitions, p.key)
	}
	q.active--

	front := q.waiting.Front()
	if front == nil {
		activeDrainers.Set(float64(q.active))
		return nil
	}

	q.waiting.Remove(front)
	partitionsWaiting.Set(float64(q.waiting.Len()))

	next, _ := front.Value.(*partition)
	if next == nil {
		activeDrainers.Set(float64(q.active))
		return nil
	}
	q.claim(next)
	return next
}

// drain runs entries of p until it is empty, then moves on to any partition
// waiting for a slot.
func (q *Queue) drain(p *partition) {
	defer q.wg.Done()

	for p != nil {
		q.mu.Lock()
		e := p.dequeue()
		if e == nil {
			p = q.release(p)
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		if !q.run(p.key, e) {
			q.mu.Lock()
			dropped := p.size()
			p.entries.Init()
			q.mu.Unlock()

			q.logger.WarnContext(q.ctx, "Abandoned partition after panic",
				slog.String("key", p.key),
				slog.Int("dropped", dropped))
		}
	}
}

// run executes one entry and reports whether draining should continue.
func (q *Queue) run(key string, e *entry) (cont bool) {
	start := q.now()
	q.waitTimes.Record(start.Sub(e.enqueuedAt))

	defer func() {
		elapsed := q.now().Sub(start)
		q.runTimes.Record(elapsed)

		if r := recover(); r != nil {
			q.panicked.Add(1)
			recordTaskDone("panic", elapsed)
			cont = HandleRecoveredPanic(key, r, q.panicHandler)
			q.errorHandler(key, &PanicError{Key: key, Value: r})
		}
	}()

	if err := e.task.Execute(q.ctx); err != nil {
		q.failed.Add(1)
		recordTaskDone("error", q.now().Sub(start))
		q.errorHandler(key, err)
		return true
	}

	q.completed.Add(1)
	recordTaskDone("ok", q.now().Sub(start))
	return true
}

// Len returns the number of tasks waiting under key, excluding a running one.
func (q *Queue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.partitions[key]; ok {
		return p.size()
	}
	return 0
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	stats := Stats{
		Partitions:     len(q.partitions),
		ActiveDrainers: q.active,
		Waiting:        q.waiting.Len(),
		MaxConcurrent:  q.maxConcurrent,
	}
	for _, p := range q.partitions {
		stats.Queued += p.size()
	}
	q.mu.Unlock()

	stats.Completed = q.completed.Load()
	stats.Failed = q.failed.Load()
	stats.Panicked = q.panicked.Load()
	stats.AverageRunTime = q.runTimes.Average()
	stats.AverageWaitTime = q.waitTimes.Average()
	stats.P95RunTime = q.runTimes.Percentile(95)
	return stats
}

// Stop refuses new submissions and waits for queued tasks to finish. If ctx
// ends first, running tasks see their context canceled and Stop returns
// the context error.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}
