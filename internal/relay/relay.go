// Package relay turns eligible chat messages into model replies. Each
// message becomes a task on the per-channel queue that reads the channel
// context, calls the model under the shared rate limit, updates the
// context, records analytics and delivers the reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/analytics"
	"github.com/Veraticus/chatrelay/internal/archive"
	"github.com/Veraticus/chatrelay/internal/chat"
	"github.com/Veraticus/chatrelay/internal/claude"
	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/ratelimit"
)

// DefaultRateKey is the limiter key shared by every completion.
const DefaultRateKey = "global"

// Completer produces a model reply.
type Completer = claude.LLM

// Deliverer posts a reply to chat.
type Deliverer interface {
	Deliver(ctx context.Context, channelID, rootID, text string) error
}

// PromptSource picks the system prompt for a server.
type PromptSource interface {
	Prompt(serverID string) string
}

// Archiver stores relayed turns.
type Archiver interface {
	Record(ctx context.Context, turn archive.Turn) error
}

// Deps are the collaborators a Relay needs.
type Deps struct {
	Queue     *queue.Queue
	Limiter   *ratelimit.Limiter
	Context   conversation.ContextStore
	Analytics *analytics.Aggregator
	Completer Completer
	Deliverer Deliverer
	Prompts   PromptSource

	// Optional.
	Cache   *conversation.Cache
	Archive Archiver
	Typing  chat.TypingIndicator
}

// trackedConversation is the cache conversation a channel is appending to.
type trackedConversation struct {
	serverID string
	id       string
}

// Relay is the message pipeline.
type Relay struct {
	deps          Deps
	logger        *slog.Logger
	now           func() time.Time
	conversations map[string]trackedConversation
	rateKey       string
	lastN         int
	mu            sync.Mutex
}

var _ chat.MessageHandler = (*Relay)(nil)

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRateKey sets the limiter key completions are charged to.
func WithRateKey(key string) Option {
	return func(r *Relay) {
		if key != "" {
			r.rateKey = key
		}
	}
}

// WithLastN sets how many prior turns are sent as context.
func WithLastN(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.lastN = n
		}
	}
}

// WithClock sets the time source used for latency.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a relay.
func New(deps Deps, opts ...Option) (*Relay, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Context == nil:
		return nil, errors.New("context store is required")
	case deps.Completer == nil:
		return nil, errors.New("completer is required")
	case deps.Deliverer == nil:
		return nil, errors.New("deliverer is required")
	case deps.Prompts == nil:
		return nil, errors.New("prompt source is required")
	}

	r := &Relay{
		deps:          deps,
		logger:        slog.Default(),
		now:           time.Now,
		conversations: make(map[string]trackedConversation),
		rateKey:       DefaultRateKey,
		lastN:         conversation.DefaultLastN,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// HandleMessage submits the message for processing on its channel's
// partition and returns without waiting for the reply.
func (r *Relay) HandleMessage(_ context.Context, msg chat.IncomingMessage) error {
	task := &messageTask{relay: r, msg: msg, received: r.now()}
	if err := r.deps.Queue.Submit(msg.ChannelID, task); err != nil {
		return fmt.Errorf("submit message for channel %s: %w", msg.ChannelID, err)
	}
	return nil
}

// ClearContext forgets the channel's conversation.
func (r *Relay) ClearContext(serverID, channelID string) {
	r.deps.Context.Clear(channelID)

	r.mu.Lock()
	key := conversationKey(serverID, channelID)
	tracked, ok := r.conversations[key]
	delete(r.conversations, key)
	r.mu.Unlock()

	if ok && r.deps.Cache != nil {
		r.deps.Cache.Clear(tracked.id)
	}
}

// Conversations returns the server's most recently active conversations.
func (r *Relay) Conversations(serverID string, limit int) []*conversation.Conversation {
	if r.deps.Cache == nil {
		return nil
	}
	return r.deps.Cache.ListRecent(serverID, limit)
}

// Complete runs one rate-limited completion for the server.
func (r *Relay) Complete(ctx context.Context, serverID, prompt string) Result {
	var resp *claude.Response
	err := r.deps.Limiter.Do(ctx, r.rateKey, func(ctx context.Context) error {
		var err error
		resp, err = r.deps.Completer.Complete(ctx, claude.Request{
			System: r.deps.Prompts.Prompt(serverID),
			Prompt: prompt,
		})
		return err
	})
	return newResult(resp, err)
}

// remember records the exchange in the TTL cache and returns the
// conversation id.
func (r *Relay) remember(msg chat.IncomingMessage, reply string) string {
	if r.deps.Cache == nil {
		return ""
	}

	key := conversationKey(msg.ServerID, msg.ChannelID)

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.conversations[key].id
	if current != "" && !r.deps.Cache.Contains(msg.ServerID, current) {
		current = ""
	}

	id := r.deps.Cache.Append(msg.ServerID, msg.UserID, conversation.Turn{Content: msg.Text}, current)
	r.deps.Cache.Append(msg.ServerID, msg.UserID, conversation.Turn{Content: reply, IsBot: true}, id)
	r.conversations[key] = trackedConversation{serverID: msg.ServerID, id: id}
	return id
}

// Sweep forgets channels whose conversation has left the cache and returns
// how many were dropped.
func (r *Relay) Sweep() int {
	if r.deps.Cache == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, tracked := range r.conversations {
		if !r.deps.Cache.Contains(tracked.serverID, tracked.id) {
			delete(r.conversations, key)
			removed++
		}
	}
	return removed
}

// TrackedConversations returns how many channels have a live conversation id.
func (r *Relay) TrackedConversations() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conversations)
}

func (r *Relay) archiveExchange(ctx context.Context, msg chat.IncomingMessage, conversationID, reply string) {
	if r.deps.Archive == nil {
		return
	}

	now := r.now()
	turns := []archive.Turn{
		{CreatedAt: msg.Timestamp, Role: archive.RoleUser, Content: msg.Text},
		{CreatedAt: now, Role: archive.RoleAssistant, Content: reply},
	}
	for _, turn := range turns {
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		turn.ServerID = msg.ServerID
		turn.ChannelID = msg.ChannelID
		turn.UserID = msg.UserID
		turn.ConversationID = conversationID

		if err := r.deps.Archive.Record(ctx, turn); err != nil {
			r.logger.WarnContext(ctx, "Failed to archive turn",
				slog.String("channel_id", msg.ChannelID),
				slog.Any("error", err))
			return
		}
	}
}

func conversationKey(serverID, channelID string) string {
	return serverID + "/" + channelID
}
