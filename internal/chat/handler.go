package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler reads messages from a Messenger, filters the ones the bot should
// answer, and passes them on.
type Handler struct {
	messenger      Messenger
	next           MessageHandler
	recorder       MentionRecorder
	allow          *AllowList
	logger         *slog.Logger
	botUserID      string
	wg             sync.WaitGroup
	mu             sync.RWMutex
	requireMention bool
	running        bool
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAllowList restricts the channels the bot answers in.
func WithAllowList(allow *AllowList) HandlerOption {
	return func(h *Handler) {
		if allow != nil {
			h.allow = allow
		}
	}
}

// WithBotUserID sets the bot's own user id so its posts are ignored.
func WithBotUserID(id string) HandlerOption {
	return func(h *Handler) {
		h.botUserID = id
	}
}

// WithRequireMention controls whether only messages addressing the bot
// are answered.
func WithRequireMention(require bool) HandlerOption {
	return func(h *Handler) {
		h.requireMention = require
	}
}

// WithMentionRecorder records every mention before the channel check.
func WithMentionRecorder(r MentionRecorder) HandlerOption {
	return func(h *Handler) {
		h.recorder = r
	}
}

// NewHandler creates a new chat handler.
func NewHandler(messenger Messenger, next MessageHandler, opts ...HandlerOption) (*Handler, error) {
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if next == nil {
		return nil, fmt.Errorf("message handler is required")
	}

	h := &Handler{
		messenger:      messenger,
		next:           next,
		allow:          NewAllowList(),
		logger:         slog.Default(),
		requireMention: true,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Start processes messages until ctx is canceled.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("handler already running")
	}
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	messages, err := h.messenger.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to messages: %w", err)
	}

	h.logger.InfoContext(ctx, "chat handler started")

	h.wg.Add(1)
	go h.processMessages(ctx, messages)

	<-ctx.Done()

	h.logger.InfoContext(ctx, "chat handler stopping")
	h.wg.Wait()
	h.logger.InfoContext(ctx, "chat handler stopped")
	return nil
}

// Allow permits the bot to answer in a channel of a server.
func (h *Handler) Allow(serverID, channelID string) bool {
	return h.allow.Allow(serverID, channelID)
}

// Disallow stops the bot answering in a channel of a server.
func (h *Handler) Disallow(serverID, channelID string) bool {
	return h.allow.Disallow(serverID, channelID)
}

// AllowedChannels lists the channels the bot answers in on a server.
func (h *Handler) AllowedChannels(serverID string) []string {
	return h.allow.Channels(serverID)
}

// IsRunning returns whether the handler is currently running.
func (h *Handler) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Handler) processMessages(ctx context.Context, messages <-chan IncomingMessage) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messages:
			if !ok {
				h.logger.DebugContext(ctx, "message channel closed")
				return
			}
			h.Dispatch(ctx, msg)
		}
	}
}

// Dispatch applies the eligibility rules to one message and forwards it
// when the bot should answer. It reports whether the message was forwarded.
func (h *Handler) Dispatch(ctx context.Context, msg IncomingMessage) bool {
	if h.botUserID != "" && msg.UserID == h.botUserID {
		return false
	}
	if h.requireMention && !msg.Mentioned {
		return false
	}

	if h.recorder != nil {
		h.recorder.RecordMention(msg.ChannelID, msg.UserID, msg.Text)
	}

	if !h.allow.IsAllowed(msg.ServerID, msg.ChannelID) {
		h.logger.InfoContext(ctx, "channel not in allowed channels",
			slog.String("channel_id", msg.ChannelID),
			slog.String("server_id", msg.ServerID))
		return false
	}

	h.logger.DebugContext(ctx, "received message",
		slog.String("channel_id", msg.ChannelID),
		slog.String("user_id", msg.UserID),
		slog.Int("text_length", len(msg.Text)))

	if err := h.next.HandleMessage(ctx, msg); err != nil {
		h.logger.ErrorContext(ctx, "failed to hand off message",
			slog.String("channel_id", msg.ChannelID),
			slog.Any("error", err))
		return false
	}
	return true
}
