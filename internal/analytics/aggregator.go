// Package analytics keeps lightweight in-memory telemetry about relayed
// messages and derives summary statistics on demand.
package analytics

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxRecords bounds retained mention and error records.
	DefaultMaxRecords = 200
	// TopChannelCount is how many channels a snapshot ranks.
	TopChannelCount = 5
)

// MentionRecord is one observed mention of the bot.
type MentionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
}

// ErrorRecord is one observed failure.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// ChannelUsage pairs a channel with its mention count.
type ChannelUsage struct {
	Channel  string `json:"channel"`
	Mentions int    `json:"mentions"`
}

// Stats is a point-in-time summary.
type Stats struct {
	StartedAt      time.Time          `json:"started_at"`
	Uptime         string             `json:"uptime"`
	AverageLatency map[string]float64 `json:"avg_latency_seconds"`
	TopChannels    []ChannelUsage     `json:"top_channels"`
	RecentErrors   []ErrorRecord      `json:"recent_errors"`
	TotalMentions  int                `json:"total_mentions"`
	TotalErrors    int                `json:"total_errors"`
	ErrorRate      float64            `json:"error_rate"`
}

type latency struct {
	total time.Duration
	count int64
}

// Aggregator records observations from the relay. Recording methods never
// fail and are safe for concurrent use.
type Aggregator struct {
	startTime  time.Time
	now        func() time.Time
	usage      map[string]int
	latencies  map[string]*latency
	mentions   []MentionRecord
	errors     []ErrorRecord
	maxRecords int
	mu         sync.Mutex
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an aggregator retaining at most maxRecords mentions and errors.
func New(maxRecords int, opts ...Option) *Aggregator {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	a := &Aggregator{
		now:        time.Now,
		usage:      make(map[string]int),
		latencies:  make(map[string]*latency),
		maxRecords: maxRecords,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.startTime = a.now()
	return a
}

// RecordMention records that the bot was addressed in channel.
func (a *Aggregator) RecordMention(channel, userID, content string) {
	if a == nil {
		return
	}
	mentionsTotal.Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.mentions = appendBounded(a.mentions, MentionRecord{
		Timestamp: a.now(),
		Channel:   channel,
		UserID:    userID,
		Content:   content,
	}, a.maxRecords)
	a.usage[channel]++
}

// RecordLatency records how long a response in channel took.
func (a *Aggregator) RecordLatency(channel string, d time.Duration) {
	if a == nil {
		return
	}
	responseLatency.Observe(d.Seconds())

	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.latencies[channel]
	if !ok {
		l = &latency{}
		a.latencies[channel] = l
	}
	l.total += d
	l.count++
}

// RecordError records a failure of the given kind.
func (a *Aggregator) RecordError(kind, message string) {
	if a == nil {
		return
	}
	errorsTotal.WithLabelValues(kind).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.errors = appendBounded(a.errors, ErrorRecord{
		Timestamp: a.now(),
		Kind:      kind,
		Message:   message,
	}, a.maxRecords)
}

// Snapshot computes summary statistics from the retained observations.
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{
		StartedAt:      a.startTime,
		Uptime:         a.now().Sub(a.startTime).Truncate(time.Second).String(),
		TotalMentions:  len(a.mentions),
		TotalErrors:    len(a.errors),
		AverageLatency: make(map[string]float64, len(a.latencies)),
		RecentErrors:   make([]ErrorRecord, len(a.errors)),
	}
	copy(stats.RecentErrors, a.errors)

	if stats.TotalMentions > 0 {
		stats.ErrorRate = float64(stats.TotalErrors) / float64(stats.TotalMentions)
	}

	for channel, l := range a.latencies {
		if l.count > 0 {
			stats.AverageLatency[channel] = (l.total / time.Duration(l.count)).Seconds()
		}
	}

	stats.TopChannels = topChannels(a.usage, TopChannelCount)
	return stats
}

// topChannels ranks channels by mention count, ties broken by channel name.
func topChannels(usage map[string]int, n int) []ChannelUsage {
	ranked := make([]ChannelUsage, 0, len(usage))
	for channel, count := range usage {
		ranked = append(ranked, ChannelUsage{Channel: channel, Mentions: count})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Mentions == ranked[j].Mentions {
			return ranked[i].Channel < ranked[j].Channel
		}
		return ranked[i].Mentions > ranked[j].Mentions
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func appendBounded[T any](records []T, record T, limit int) []T {
	records = append(records, record)
	if over := len(records) - limit; over > 0 {
		records = append(records[:0:0], records[over:]...)
	}
	return records
}
