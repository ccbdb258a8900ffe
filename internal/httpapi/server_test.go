package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/analytics"
	"github.com/Veraticus/chatrelay/internal/archive"
	"github.com/Veraticus/chatrelay/internal/chat"
	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/httpapi"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/ratelimit"
)

const adminToken = "secret"

type fakeContext struct {
	cleared []string
}

func (f *fakeContext) ClearContext(serverID, channelID string) {
	f.cleared = append(f.cleared, serverID+"/"+channelID)
}

func (f *fakeContext) Conversations(serverID string, _ int) []*conversation.Conversation {
	return []*conversation.Conversation{{ID: "conv-1", ServerID: serverID}}
}

type fakeChannels struct {
	allow *chat.AllowList
}

func (f fakeChannels) Allow(s, c string) bool { return f.allow.Allow(s, c) }
func (f fakeChannels) Disallow(s, c string) bool { return f.allow.Disallow(s, c) }
func (f fakeChannels) AllowedChannels(s string) []string { return f.allow.Channels(s) }

type fakeHistory struct {
	pingErr error
	turns   []archive.Turn
}

func (f fakeHistory) Recent(context.Context, string, int) ([]archive.Turn, error) {
	return f.turns, nil
}

func (f fakeHistory) Ping(context.Context) error { return f.pingErr }

type fixture struct {
	server  *httptest.Server
	context *fakeContext
	roles   *config.Roles
}

func newFixture(t *testing.T, history httpapi.History) *fixture {
	t.Helper()

	agg := analytics.New(10)
	agg.RecordMention("c1", "u1", "hi")
	agg.RecordLatency("c1", 2*time.Second)

	roles, err := config.NewRoles(config.DefaultRoles, config.DefaultRoleName)
	require.NoError(t, err)

	f := &fixture{context: &fakeContext{}, roles: roles}
	srv, err := httpapi.New(httpapi.Deps{
		Analytics: agg,
		Queue:     queue.New(2),
		Limiter:   ratelimit.New(10, time.Minute),
		Context:   f.context,
		Channels:  fakeChannels{allow: chat.NewAllowList()},
		Roles:     roles,
		History:   history,
	}, httpapi.WithAdminToken(adminToken))
	require.NoError(t, err)

	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, authorized bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNew_RequiresAnalyticsAndQueue(t *testing.T) {
	_, err := httpapi.New(httpapi.Deps{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, fakeHistory{})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", false).StatusCode)

	down := newFixture(t, fakeHistory{pingErr: errors.New("down")})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/readyz", "", false).StatusCode)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/status", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Analytics analytics.Stats `json:"analytics"`
		Queue     queue.Stats     `json:"queue"`
		RateLimit map[string]any  `json:"rate_limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 1, body.Analytics.TotalMentions)
	assert.InDelta(t, 2.0, body.Analytics.AverageLatency["c1"], 0.001)
	require.Len(t, body.Analytics.TopChannels, 1)
	assert.Equal(t, "c1", body.Analytics.TopChannels[0].Channel)
	assert.Equal(t, 2, body.Queue.MaxConcurrent)
	assert.EqualValues(t, 10, body.RateLimit["max_calls"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/healthz", "", false)

	resp := f.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatrelay_http_request_duration_seconds")
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/admin/roles", "", false).StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/admin/roles", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	srv, err := httpapi.New(httpapi.Deps{Analytics: analytics.New(1), Queue: queue.New(1)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/roles", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Roles(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/admin/roles", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var roles struct {
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roles))
	assert.Contains(t, roles.Roles, config.DefaultRoleName)

	resp = f.do(t, http.MethodPut, "/admin/servers/team-a/role", `{"role":"concise"}`, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "concise", f.roles.ServerRole("team-a"))

	resp = f.do(t, http.MethodGet, "/admin/servers/team-a/role", "", true)
	var current map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&current))
	assert.Equal(t, "concise", current["role"])

	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodPut, "/admin/servers/team-a/role", `{"role":"pirate"}`, true).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/admin/servers/team-a/role", `{}`, true).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/admin/servers/team-a/role", `not json`, true).StatusCode)
}

func TestAdmin_Channels(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPut, "/admin/servers/team-a/channels/general", "", true).StatusCode)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPut, "/admin/servers/team-a/channels/general", "", true).StatusCode)

	resp := f.do(t, http.MethodGet, "/admin/servers/team-a/channels", "", true)
	var list struct {
		Channels []string `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []string{"general"}, list.Channels)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/admin/servers/team-a/channels/general", "", true).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/admin/servers/team-a/channels/general", "", true).StatusCode)
}

func TestAdmin_ResetAndConversations(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/admin/servers/team-a/channels/c1/reset", "", true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"team-a/c1"}, f.context.cleared)

	resp = f.do(t, http.MethodGet, "/admin/servers/team-a/conversations?limit=3", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Conversations, 1)
	assert.Equal(t, "conv-1", body.Conversations[0].ID)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/admin/servers/team-a/conversations?limit=abc", "", true).StatusCode)
}

func TestAdmin_History(t *testing.T) {
	f := newFixture(t, fakeHistory{turns: []archive.Turn{{ChannelID: "c1", Role: archive.RoleUser, Content: "hi"}}})

	resp := f.do(t, http.MethodGet, "/admin/channels/c1/history", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Turns []archive.Turn `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Turns, 1)
	assert.Equal(t, "hi", body.Turns[0].Content)
}
