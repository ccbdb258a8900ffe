package queue

import (
	"slices"
	"sync"
	"time"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	AverageRunTime  time.Duration `json:"average_run_time"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
	P95RunTime      time.Duration `json:"p95_run_time"`
	Partitions      int           `json:"partitions"`
	Queued          int           `json:"queued"`
	ActiveDrainers  int           `json:"active_drainers"`
	Waiting         int           `json:"waiting_partitions"`
	MaxConcurrent   int           `json:"max_concurrent"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	Panicked        int64         `json:"panicked"`
}

// TimingStats tracks timing statistics with percentiles.
type TimingStats struct {
	samples    []time.Duration
	total      time.Duration
	count      int64
	min        time.Duration
	max        time.Duration
	maxSamples int
	mu         sync.RWMutex
}

// NewTimingStats creates a new timing statistics tracker.
func NewTimingStats(maxSamples int) *TimingStats {
	if maxSamples <= 0 {
		maxSamples = 1
	}
	return &TimingStats{
		samples:    make([]time.Duration, 0, maxSamples),
		maxSamples: maxSamples,
		min:        time.Duration(1<<63 - 1),
	}
}

// Record adds a sample, dropping the oldest past capacity.
func (ts *TimingStats) Record(duration time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.total += duration
	ts.count++

	if duration < ts.min {
		ts.min = duration
	}
	if duration > ts.max {
		ts.max = duration
	}

	if len(ts.samples) >= ts.maxSamples {
		ts.samples = ts.samples[1:]
	}
	ts.samples = append(ts.samples, duration)
}

// Average returns the average duration.
func (ts *TimingStats) Average() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.count == 0 {
		return 0
	}
	return ts.total / time.Duration(ts.count)
}

// Max returns the longest recorded duration.
func (ts *TimingStats) Max() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	return ts.max
}

// Percentile returns the p-th percentile (0-100) of the retained samples.
func (ts *TimingStats) Percentile(p int) time.Duration {
	ts.mu.RLock()
	sorted := slices.Clone(ts.samples)
	ts.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)

	index := (len(sorted) * p) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
