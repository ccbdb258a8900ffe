package conversation

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxMessages is how many turns a channel window retains.
	DefaultMaxMessages = 50
	// DefaultLastN is how many turns are rendered into a prompt.
	DefaultLastN = 5
)

// Window keeps the most recent turns of every channel in memory.
// It is safe for concurrent use.
type Window struct {
	channels    map[string][]Turn
	now         func() time.Time
	maxMessages int
	mu          sync.RWMutex
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithWindowClock replaces the time source used to stamp turns.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWindow creates a window retaining maxMessages turns per channel.
// A negative size is treated as zero, which retains nothing.
func NewWindow(maxMessages int, opts ...WindowOption) *Window {
	if maxMessages < 0 {
		maxMessages = 0
	}

	w := &Window{
		channels:    make(map[string][]Turn),
		now:         time.Now,
		maxMessages: maxMessages,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append adds a turn to the channel, evicting the oldest turns past capacity.
func (w *Window) Append(channel, content string, isBot bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	turns := append(w.channels[channel], Turn{
		Content:   content,
		Timestamp: w.now(),
		IsBot:     isBot,
	})
	if over := len(turns) - w.maxMessages; over > 0 {
		turns = append(turns[:0:0], turns[over:]...)
	}
	w.channels[channel] = turns
}

// Turns returns a copy of the last n turns of the channel, oldest first.
// A non-positive n returns every retained turn.
func (w *Window) Turns(channel string, n int) []Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	turns := w.channels[channel]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if len(turns) == 0 {
		return nil
	}

	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Render formats the last n turns as a transcript, one "User: ..." or
// "Assistant: ..." line per turn. Unknown channels render as "".
func (w *Window) Render(channel string, n int) string {
	turns := w.Turns(channel, n)
	if len(turns) == 0 {
		return ""
	}

	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, turn.Speaker()+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}

// Clear forgets the channel. Clearing an unknown channel is a no-op.
func (w *Window) Clear(channel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.channels, channel)
}

// Len returns how many turns the channel currently retains.
func (w *Window) Len(channel string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.channels[channel])
}

// Stats returns window statistics.
func (w *Window) Stats() map[string]int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	turns := 0
	for _, t := range w.channels {
		turns += len(t)
	}

	return map[string]int{
		"channels": len(w.channels),
		"turns":    turns,
	}
}
