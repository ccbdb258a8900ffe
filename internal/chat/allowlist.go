package chat

import (
	"sort"
	"sync"
)

// AnyServer scopes an allowed channel to every server.
const AnyServer = "*"

// AllowList records which channels the bot may answer in, per server.
// An empty list allows every channel.
type AllowList struct {
	servers map[string]map[string]struct{}
	mu      sync.RWMutex
}

// NewAllowList creates a list allowing channels on every server.
func NewAllowList(channels ...string) *AllowList {
	a := &AllowList{servers: make(map[string]map[string]struct{})}
	for _, ch := range channels {
		a.Allow(AnyServer, ch)
	}
	return a
}

// Allow permits the channel on the server. It reports false when the
// channel was already allowed.
func (a *AllowList) Allow(serverID, channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	channels, ok := a.servers[serverID]
	if !ok {
		channels = make(map[string]struct{})
		a.servers[serverID] = channels
	}
	if _, exists := channels[channelID]; exists {
		return false
	}
	channels[channelID] = struct{}{}
	return true
}

// Disallow revokes the channel on the server. It reports false when the
// channel was not allowed.
func (a *AllowList) Disallow(serverID, channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	channels, ok := a.servers[serverID]
	if !ok {
		return false
	}
	if _, exists := channels[channelID]; !exists {
		return false
	}
	delete(channels, channelID)
	if len(channels) == 0 {
		delete(a.servers, serverID)
	}
	return true
}

// IsAllowed reports whether the bot may answer in the channel.
func (a *AllowList) IsAllowed(serverID, channelID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.servers) == 0 {
		return true
	}
	for _, scope := range []string{serverID, AnyServer} {
		if _, ok := a.servers[scope][channelID]; ok {
			return true
		}
	}
	return false
}

// Channels returns the sorted channels allowed on the server, including
// those allowed everywhere.
func (a *AllowList) Channels(serverID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, scope := range []string{serverID, AnyServer} {
		for ch := range a.servers[scope] {
			seen[ch] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
