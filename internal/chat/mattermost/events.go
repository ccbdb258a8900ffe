package mattermost

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Veraticus/chatrelay/internal/chat"
)

const (
	eventPosted = "posted"

	actionAuthenticate = "authentication_challenge"
	actionUserTyping   = "user_typing"

	channelTypeDirect = "D"
)

// wsEvent is a server-to-client websocket frame. Replies to client actions
// carry SeqReply and no Event.
type wsEvent struct {
	Event     string          `json:"event"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Broadcast wsBroadcast     `json:"broadcast"`
	Seq       int64           `json:"seq"`
	SeqReply  int64           `json:"seq_reply"`
}

type wsBroadcast struct {
	ChannelID string `json:"channel_id"`
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
}

// postedData is the payload of a posted event. Post and Mentions are JSON
// documents encoded as strings.
type postedData struct {
	Post        string `json:"post"`
	Mentions    string `json:"mentions"`
	ChannelType string `json:"channel_type"`
	SenderName  string `json:"sender_name"`
	TeamID      string `json:"team_id"`
}

type post struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	CreateAt  int64  `json:"create_at"`
}

// wsAction is a client-to-server websocket frame.
type wsAction struct {
	Data   any    `json:"data"`
	Action string `json:"action"`
	Seq    int64  `json:"seq"`
}

// identity is the bot account the client acts as.
type identity struct {
	UserID   string
	Username string
}

// parsePosted converts a posted event into an incoming message. It reports
// false for system posts and malformed payloads.
func parsePosted(ev wsEvent, self identity) (chat.IncomingMessage, bool, error) {
	var data postedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return chat.IncomingMessage{}, false, fmt.Errorf("decode posted event: %w", err)
	}

	var p post
	if err := json.Unmarshal([]byte(data.Post), &p); err != nil {
		return chat.IncomingMessage{}, false, fmt.Errorf("decode post: %w", err)
	}
	if p.Type != "" {
		return chat.IncomingMessage{}, false, nil
	}

	var mentions []string
	if data.Mentions != "" {
		if err := json.Unmarshal([]byte(data.Mentions), &mentions); err != nil {
			return chat.IncomingMessage{}, false, fmt.Errorf("decode mentions: %w", err)
		}
	}

	serverID := data.TeamID
	if serverID == "" {
		serverID = ev.Broadcast.TeamID
	}

	mentioned := data.ChannelType == channelTypeDirect ||
		(self.UserID != "" && slices.Contains(mentions, self.UserID)) ||
		(self.Username != "" && strings.Contains(p.Message, "@"+self.Username))

	return chat.IncomingMessage{
		Timestamp: time.UnixMilli(p.CreateAt),
		ID:        p.ID,
		ServerID:  serverID,
		ChannelID: p.ChannelID,
		RootID:    p.RootID,
		UserID:    p.UserID,
		Username:  strings.TrimPrefix(data.SenderName, "@"),
		Text:      stripMention(p.Message, self.Username),
		Mentioned: mentioned,
	}, true, nil
}

// stripMention removes every @username from text.
func stripMention(text, username string) string {
	if username != "" {
		text = strings.ReplaceAll(text, "@"+username, "")
	}
	return strings.TrimSpace(text)
}
