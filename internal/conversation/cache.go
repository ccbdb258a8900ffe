package conversation

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAge is how long an idle conversation is kept.
	DefaultMaxAge = 24 * time.Hour
	// DefaultMaxConversations caps how many conversations the cache holds.
	DefaultMaxConversations = 100
	// DefaultGetMessages is how many turns Get returns when asked for none.
	DefaultGetMessages = 10
	// DefaultRecentLimit is how many conversations ListRecent returns when asked for none.
	DefaultRecentLimit = 5
)

// Conversation is a thread of turns scoped to one server.
type Conversation struct {
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Context      map[string]string `json:"context,omitempty"`
	ID           string            `json:"id"`
	ServerID     string            `json:"server_id"`
	UserID       string            `json:"user_id"`
	Turns        []Turn            `json:"turns"`
}

func (c *Conversation) clone(lastN int) *Conversation {
	turns := c.Turns
	if lastN > 0 && len(turns) > lastN {
		turns = turns[len(turns)-lastN:]
	}

	out := *c
	out.Turns = make([]Turn, len(turns))
	copy(out.Turns, turns)
	out.Context = make(map[string]string, len(c.Context))
	for k, v := range c.Context {
		out.Context[k] = v
	}
	return &out
}

// Cache holds conversations keyed by id and forgets them once idle for
// longer than maxAge. Expired conversations are swept on every Append.
type Cache struct {
	conversations    map[string]*Conversation
	now              func() time.Time
	newID            func() string
	logger           *slog.Logger
	maxAge           time.Duration
	maxConversations int
	mu               sync.Mutex
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock replaces the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the conversation id generator.
func WithIDGenerator(newID func() string) CacheOption {
	return func(c *Cache) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithMaxConversations caps the number of conversations. When the cap is
// exceeded the least recently active conversations are evicted. Zero
// disables the cap.
func WithMaxConversations(n int) CacheOption {
	return func(c *Cache) {
		if n >= 0 {
			c.maxConversations = n
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache creates a cache that expires conversations idle for maxAge.
func NewCache(maxAge time.Duration, opts ...CacheOption) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	c := &Cache{
		conversations:    make(map[string]*Conversation),
		now:              time.Now,
		newID:            uuid.NewString,
		logger:           slog.Default(),
		maxAge:           maxAge,
		maxConversations: DefaultMaxConversations,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds a turn to the conversation and returns its id. An empty
// conversationID starts a new conversation with a generated id; an unknown
// one starts a new conversation under that id. An id owned by another
// server is never appended to; a fresh conversation is started instead.
func (c *Cache) Append(serverID, userID string, turn Turn, conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if conversationID == "" {
		conversationID = c.newID()
	}

	conv, ok := c.conversations[conversationID]
	if ok && conv.ServerID != serverID {
		c.logger.Warn("conversation id belongs to another server, starting a new one",
			slog.String("conversation_id", conversationID),
			slog.String("server_id", serverID))
		conversationID = c.freshID()
		ok = false
	}
	if !ok {
		conv = &Conversation{
			ID:        conversationID,
			ServerID:  serverID,
			UserID:    userID,
			Context:   make(map[string]string),
			CreatedAt: now,
		}
		c.conversations[conversationID] = conv
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	turn.UserID = userID
	conv.Turns = append(conv.Turns, turn)
	conv.LastActivity = now

	c.expire(now)
	c.evict(conversationID)

	return conversationID
}

// freshID returns a generated id not already in the cache. A generator
// that keeps colliding gets a uuid.
func (c *Cache) freshID() string {
	for range 3 {
		if id := c.newID(); c.conversations[id] == nil {
			return id
		}
	}
	return uuid.NewString()
}

// Get returns a copy of the conversation holding at most maxMessages of its
// latest turns. It reports false when the conversation is unknown or
// belongs to another server.
func (c *Cache) Get(serverID, conversationID string, maxMessages int) (*Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok || conv.ServerID != serverID {
		return nil, false
	}
	if maxMessages <= 0 {
		maxMessages = DefaultGetMessages
	}
	return conv.clone(maxMessages), true
}

// ListRecent returns up to limit conversations of the server, most recently
// active first. Ties are ordered by id.
func (c *Cache) ListRecent(serverID string, limit int) []*Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	matches := make([]*Conversation, 0)
	for _, conv := range c.conversations {
		if conv.ServerID == serverID {
			matches = append(matches, conv)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].LastActivity.Equal(matches[j].LastActivity) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].LastActivity.After(matches[j].LastActivity)
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*Conversation, len(matches))
	for i, conv := range matches {
		out[i] = conv.clone(0)
	}
	return out
}

// SetContext attaches a metadata value to the conversation. It reports
// false when the conversation is unknown.
func (c *Cache) SetContext(conversationID, key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return false
	}
	conv.Context[key] = value
	return true
}

// Clear forgets the conversation. Clearing an unknown id is a no-op.
func (c *Cache) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.conversations, conversationID)
}

// Contains reports whether the server owns a live conversation with the id.
func (c *Cache) Contains(serverID, conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	return ok && conv.ServerID == serverID && c.now().Sub(conv.LastActivity) <= c.maxAge
}

// Len returns how many conversations are held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.conversations)
}

// Sweep removes expired conversations and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.expire(c.now())
}

// expire drops conversations idle longer than maxAge. Callers must hold c.mu.
func (c *Cache) expire(now time.Time) int {
	removed := 0
	for id, conv := range c.conversations {
		if now.Sub(conv.LastActivity) > c.maxAge {
			delete(c.conversations, id)
			removed++
		}
	}
	return removed
}

// evict drops the least recently active conversations past the cap,
// never the one named by keep. Callers must hold c.mu.
func (c *Cache) evict(keep string) {
	if c.maxConversations == 0 || len(c.conversations) <= c.maxConversations {
		return
	}

	ordered := make([]*Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		if conv.ID != keep {
			ordered = append(ordered, conv)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastActivity.Before(ordered[j].LastActivity)
	})

	over := len(c.conversations) - c.maxConversations
	for _, conv := range ordered[:over] {
		delete(c.conversations, conv.ID)
		c.logger.Debug("evicted conversation over capacity",
			slog.String("conversation_id", conv.ID),
			slog.String("server_id", conv.ServerID))
	}
}
