package conversation_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func userTurn(content string) conversation.Turn {
	return conversation.Turn{Content: content}
}

func TestCache_AppendGeneratesID(t *testing.T) {
	c := conversation.NewCache(time.Hour)

	id := c.Append("srv", "u1", userTurn("hello"), "")

	_, err := uuid.Parse(id)
	require.NoError(t, err, "generated id should be a UUID")

	conv, ok := c.Get("srv", id, 10)
	require.True(t, ok)
	assert.Equal(t, "u1", conv.UserID)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "u1", conv.Turns[0].UserID)
	assert.False(t, conv.Turns[0].Timestamp.IsZero())
}

func TestCache_AppendToExisting(t *testing.T) {
	c := conversation.NewCache(time.Hour)

	id := c.Append("srv", "u1", userTurn("one"), "")
	got := c.Append("srv", "u1", conversation.Turn{Content: "two", IsBot: true}, id)
	assert.Equal(t, id, got)

	conv, ok := c.Get("srv", id, 10)
	require.True(t, ok)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "two", conv.Turns[1].Content)
	assert.True(t, conv.Turns[1].IsBot)
}

func TestCache_UnknownIDStartsConversationUnderThatID(t *testing.T) {
	c := conversation.NewCache(time.Hour)

	id := c.Append("srv", "u1", userTurn("hi"), "thread-7")
	assert.Equal(t, "thread-7", id)

	_, ok := c.Get("srv", "thread-7", 0)
	assert.True(t, ok)
}

func TestCache_GetChecksServer(t *testing.T) {
	c := conversation.NewCache(time.Hour)
	id := c.Append("srv-a", "u1", userTurn("private"), "")

	_, ok := c.Get("srv-b", id, 10)
	assert.False(t, ok, "conversation must not leak across servers")

	_, ok = c.Get("srv-a", "missing", 10)
	assert.False(t, ok)
}

func TestCache_GetReturnsLatestTurns(t *testing.T) {
	c := conversation.NewCache(time.Hour)
	id := ""
	for i := 1; i <= 15; i++ {
		id = c.Append("srv", "u1", userTurn(fmt.Sprintf("m%d", i)), id)
	}

	conv, ok := c.Get("srv", id, 3)
	require.True(t, ok)
	require.Len(t, conv.Turns, 3)
	assert.Equal(t, "m13", conv.Turns[0].Content)
	assert.Equal(t, "m15", conv.Turns[2].Content)

	conv, ok = c.Get("srv", id, 0)
	require.True(t, ok)
	assert.Len(t, conv.Turns, conversation.DefaultGetMessages)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := conversation.NewCache(time.Hour)
	id := c.Append("srv", "u1", userTurn("original"), "")

	conv, _ := c.Get("srv", id, 10)
	conv.Turns[0].Content = "mutated"
	conv.Context["k"] = "v"

	again, _ := c.Get("srv", id, 10)
	assert.Equal(t, "original", again.Turns[0].Content)
	assert.Empty(t, again.Context)
}

func TestCache_ExpiredConversationsPrunedOnAppend(t *testing.T) {
	clock := newTestClock()
	c := conversation.NewCache(24*time.Hour, conversation.WithCacheClock(clock.Now))

	stale := c.Append("srv", "u1", userTurn("old"), "")

	clock.Advance(25 * time.Hour)
	fresh := c.Append("srv", "u2", userTurn("new"), "")

	_, ok := c.Get("srv", stale, 10)
	assert.False(t, ok, "stale conversation should be pruned")

	_, ok = c.Get("srv", fresh, 10)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCache_ActivityKeepsConversationAlive(t *testing.T) {
	clock := newTestClock()
	c := conversation.NewCache(time.Hour, conversation.WithCacheClock(clock.Now))

	id := c.Append("srv", "u1", userTurn("a"), "")
	clock.Advance(50 * time.Minute)
	c.Append("srv", "u1", userTurn("b"), id)
	clock.Advance(50 * time.Minute)

	assert.Equal(t, 0, c.Sweep())
	_, ok := c.Get("srv", id, 10)
	assert.True(t, ok)
}

func TestCache_ListRecent(t *testing.T) {
	clock := newTestClock()
	c := conversation.NewCache(time.Hour, conversation.WithCacheClock(clock.Now))

	first := c.Append("srv", "u1", userTurn("1"), "")
	clock.Advance(time.Minute)
	second := c.Append("srv", "u2", userTurn("2"), "")
	clock.Advance(time.Minute)
	c.Append("other", "u3", userTurn("3"), "")
	clock.Advance(time.Minute)
	c.Append("srv", "u1", userTurn("1b"), first)

	recent := c.ListRecent("srv", 5)
	require.Len(t, recent, 2)
	assert.Equal(t, first, recent[0].ID)
	assert.Equal(t, second, recent[1].ID)

	limited := c.ListRecent("srv", 1)
	require.Len(t, limited, 1)
	assert.Equal(t, first, limited[0].ID)

	assert.Empty(t, c.ListRecent("nobody", 5))
}

func TestCache_ClearIsIdempotent(t *testing.T) {
	c := conversation.NewCache(time.Hour)
	id := c.Append("srv", "u1", userTurn("x"), "")

	c.Clear(id)
	c.Clear(id)
	c.Clear("missing")

	_, ok := c.Get("srv", id, 10)
	assert.False(t, ok)
}

func TestCache_SetContext(t *testing.T) {
	c := conversation.NewCache(time.Hour)
	id := c.Append("srv", "u1", userTurn("x"), "")

	assert.True(t, c.SetContext(id, "topic", "go"))
	assert.False(t, c.SetContext("missing", "topic", "go"))

	conv, _ := c.Get("srv", id, 10)
	assert.Equal(t, "go", conv.Context["topic"])
}

func TestCache_EvictsLeastRecentPastCap(t *testing.T) {
	clock := newTestClock()
	c := conversation.NewCache(time.Hour,
		conversation.WithCacheClock(clock.Now),
		conversation.WithMaxConversations(2))

	oldest := c.Append("srv", "u1", userTurn("1"), "")
	clock.Advance(time.Second)
	c.Append("srv", "u2", userTurn("2"), "")
	clock.Advance(time.Second)
	newest := c.Append("srv", "u3", userTurn("3"), "")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("srv", oldest, 10)
	assert.False(t, ok)
	_, ok = c.Get("srv", newest, 10)
	assert.True(t, ok)
}

func TestCache_CustomIDGenerator(t *testing.T) {
	n := 0
	c := conversation.NewCache(time.Hour, conversation.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("conv-%d", n)
	}))

	assert.Equal(t, "conv-1", c.Append("srv", "u", userTurn("a"), ""))
	assert.Equal(t, "conv-2", c.Append("srv", "u", userTurn("b"), ""))
}

func TestCache_AppendDoesNotCrossServers(t *testing.T) {
	c := conversation.NewCache(time.Hour)

	id := c.Append("server-a", "alice", userTurn("a secret"), "")
	other := c.Append("server-b", "mallory", userTurn("what did alice say?"), id)

	assert.NotEqual(t, id, other, "server-b should get its own conversation")

	convA, ok := c.Get("server-a", id, 10)
	require.True(t, ok)
	require.Len(t, convA.Turns, 1)
	assert.Equal(t, "a secret", convA.Turns[0].Content)

	convB, ok := c.Get("server-b", other, 10)
	require.True(t, ok)
	require.Len(t, convB.Turns, 1)
	assert.Equal(t, "mallory", convB.UserID)

	_, ok = c.Get("server-b", id, 10)
	assert.False(t, ok)
}

func TestCache_CrossServerAppendAvoidsGeneratedCollision(t *testing.T) {
	c := conversation.NewCache(time.Hour, conversation.WithIDGenerator(func() string { return "fixed" }))

	id := c.Append("server-a", "alice", userTurn("hi"), "")
	other := c.Append("server-b", "bob", userTurn("hello"), id)

	assert.Equal(t, "fixed", id)
	assert.NotEqual(t, id, other)
	conv, ok := c.Get("server-a", id, 10)
	require.True(t, ok)
	assert.Len(t, conv.Turns, 1)
}

func TestCache_Contains(t *testing.T) {
	clock := newTestClock()
	c := conversation.NewCache(time.Hour, conversation.WithCacheClock(clock.Now))

	id := c.Append("srv", "u", userTurn("hi"), "")
	assert.True(t, c.Contains("srv", id))
	assert.False(t, c.Contains("other", id))
	assert.False(t, c.Contains("srv", "missing"))

	clock.Advance(2 * time.Hour)
	assert.False(t, c.Contains("srv", id), "expired conversations are not live")
}
