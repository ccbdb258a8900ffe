package conversation

import "time"

// Turn is one message in a conversation.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	UserID    string    `json:"user_id,omitempty"`
	IsBot     bool      `json:"is_bot"`
}

// Speaker returns the transcript label for the turn.
func (t Turn) Speaker() string {
	if t.IsBot {
		return "Assistant"
	}
	return "User"
}

// ContextStore is the per-channel memory the relay reads before a completion
// and writes after it.
type ContextStore interface {
	// Append adds a turn to the channel.
	Append(channel, content string, isBot bool)

	// Render formats the last n turns of the channel as a transcript.
	Render(channel string, n int) string

	// Clear forgets the channel.
	Clear(channel string)
}

// Sweeper removes expired state and reports how much was removed.
type Sweeper interface {
	Sweep() int
}
