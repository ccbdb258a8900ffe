// Package chat connects a group-chat platform to the relay: it receives
// messages, decides which ones the bot should answer, and keeps typing
// indicators alive while answers are produced.
package chat

import (
	"context"
	"time"
)

// IncomingMessage is a message observed on the chat platform.
type IncomingMessage struct {
	Timestamp time.Time
	ID        string
	ServerID  string
	ChannelID string
	RootID    string
	UserID    string
	Username  string
	// Text is the message with any mention of the bot removed.
	Text string
	// Mentioned is true when the message addresses the bot.
	Mentioned bool
}

// ThreadID returns the id replies should attach to.
func (m IncomingMessage) ThreadID() string {
	if m.RootID != "" {
		return m.RootID
	}
	return m.ID
}

// Messenger abstracts the chat platform.
type Messenger interface {
	// Send posts text to the channel, threaded under rootID when set.
	Send(ctx context.Context, channelID, rootID, text string) error

	// SendTyping shows the bot as typing in the channel.
	SendTyping(ctx context.Context, channelID, rootID string) error

	// Subscribe returns a channel of incoming messages that closes when
	// ctx ends or the connection is lost for good.
	Subscribe(ctx context.Context) (<-chan IncomingMessage, error)
}

// MessageHandler accepts eligible messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg IncomingMessage) error
}

// MentionRecorder observes every mention, eligible or not.
type MentionRecorder interface {
	RecordMention(channel, userID, content string)
}
