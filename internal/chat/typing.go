package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTypingInterval is how often a typing indicator is refreshed.
	// Mattermost clears the indicator after a few seconds.
	DefaultTypingInterval = 5 * time.Second
)

// TypingIndicator keeps the bot shown as typing in a channel.
type TypingIndicator interface {
	// Start begins sending typing indicators to the channel.
	Start(ctx context.Context, channelID, rootID string) error

	// Stop stops sending typing indicators to the channel.
	Stop(channelID string)

	// StopAll stops all active typing indicators.
	StopAll()
}

type typingManager struct {
	messenger  Messenger
	indicators map[string]context.CancelFunc
	logger     *slog.Logger
	interval   time.Duration
	mu         sync.Mutex
}

// NewTypingManager creates a typing indicator manager. A non-positive
// interval uses DefaultTypingInterval.
func NewTypingManager(messenger Messenger, interval time.Duration) TypingIndicator {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	return &typingManager{
		messenger:  messenger,
		indicators: make(map[string]context.CancelFunc),
		logger:     slog.Default(),
		interval:   interval,
	}
}

// Start begins sending typing indicators to the channel.
func (m *typingManager) Start(ctx context.Context, channelID, rootID string) error {
	if channelID == "" {
		return fmt.Errorf("channel cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indicators[channelID]; exists {
		return fmt.Errorf("typing indicator already active for channel %s", channelID)
	}

	indicatorCtx, cancel := context.WithCancel(ctx)
	m.indicators[channelID] = cancel

	go m.run(indicatorCtx, channelID, rootID)

	return nil
}

// Stop stops sending typing indicators to the channel.
func (m *typingManager) Stop(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, exists := m.indicators[channelID]; exists {
		cancel()
		delete(m.indicators, channelID)
	}
}

// StopAll stops all active typing indicators.
func (m *typingManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channelID, cancel := range m.indicators {
		cancel()
		delete(m.indicators, channelID)
	}
}

func (m *typingManager) run(ctx context.Context, channelID, rootID string) {
	m.send(ctx, channelID, rootID)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.send(ctx, channelID, rootID)
		}
	}
}

func (m *typingManager) send(ctx context.Context, channelID, rootID string) {
	if err := m.messenger.SendTyping(ctx, channelID, rootID); err != nil && ctx.Err() == nil {
		m.logger.WarnContext(ctx, "Failed to send typing indicator",
			slog.String("channel_id", channelID),
			slog.Any("error", err))
	}
}
