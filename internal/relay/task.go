package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/chatrelay/internal/chat"
)

// BuildPrompt prefixes text with the prior conversation when there is one.
func BuildPrompt(history, text string) string {
	if history == "" {
		return text
	}
	return fmt.Sprintf("Previous conversation:\n%s\n\nNew message: %s", history, text)
}

// messageTask answers one message. It runs on the channel's partition, so
// tasks of a channel never overlap.
type messageTask struct {
	received time.Time
	relay    *Relay
	msg      chat.IncomingMessage
}

// Execute runs the pipeline. Completion failures become the fallback
// reply; only a failed delivery is returned as an error.
func (t *messageTask) Execute(ctx context.Context) error {
	r := t.relay
	msg := t.msg
	logger := r.logger.With(
		slog.String("channel_id", msg.ChannelID),
		slog.String("message_id", msg.ID))

	if r.deps.Typing != nil {
		if err := r.deps.Typing.Start(ctx, msg.ChannelID, msg.ThreadID()); err == nil {
			defer r.deps.Typing.Stop(msg.ChannelID)
		}
	}

	history := r.deps.Context.Render(msg.ChannelID, r.lastN)
	result := r.Complete(ctx, msg.ServerID, BuildPrompt(history, msg.Text))
	reply := result.Text()

	var conversationID string
	if result.OK() {
		r.deps.Context.Append(msg.ChannelID, msg.Text, false)
		r.deps.Context.Append(msg.ChannelID, reply, true)
		conversationID = r.remember(msg, reply)
	} else {
		logger.ErrorContext(ctx, "Completion failed",
			slog.String("kind", string(result.Kind)),
			slog.Any("error", result.Err))
		r.deps.Analytics.RecordError(string(result.Kind), result.Err.Error())
	}

	if err := r.deps.Deliverer.Deliver(ctx, msg.ChannelID, msg.ThreadID(), reply); err != nil {
		r.deps.Analytics.RecordError("delivery", err.Error())
		return fmt.Errorf("deliver reply: %w", err)
	}

	latency := r.now().Sub(t.received)
	r.deps.Analytics.RecordLatency(msg.ChannelID, latency)
	logger.DebugContext(ctx, "Reply delivered",
		slog.Bool("ok", result.OK()),
		slog.Duration("latency", latency))

	if result.OK() {
		r.archiveExchange(ctx, msg, conversationID, reply)
	}
	return nil
}
