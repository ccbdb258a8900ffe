// Package mattermost implements chat.Messenger on the Mattermost v4 API:
// posts arrive over the websocket event stream and replies go out through
// the REST API.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Veraticus/chatrelay/internal/chat"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	messageBuffer         = 64

	websocketPath = "/api/v4/websocket"
	postsPath     = "/api/v4/posts"
	mePath        = "/api/v4/users/me"
)

// Config holds Mattermost client configuration.
type Config struct {
	URL         string
	Token       string
	BotUserID   string
	BotUsername string
	// SendInterval is the minimum spacing between posts. Zero disables
	// throttling.
	SendInterval   time.Duration
	Timeout        time.Duration
	ReconnectDelay time.Duration
}

// Client implements chat.Messenger for Mattermost.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	limiter    *rate.Limiter
	logger     *slog.Logger
	conn       *websocket.Conn
	baseURL    *url.URL
	self       identity
	config     Config
	seq        atomic.Int64
	mu         sync.RWMutex
	writeMu    sync.Mutex
}

var _ chat.Messenger = (*Client)(nil)

// NewClient creates a Mattermost client.
func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, &PermanentError{Message: "token is required"}
	}
	base, err := url.Parse(strings.TrimSuffix(config.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &PermanentError{Message: fmt.Sprintf("invalid server url %q", config.URL)}
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaultReconnectDelay
	}

	limit := rate.Inf
	if config.SendInterval > 0 {
		limit = rate.Every(config.SendInterval)
	}

	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     slog.Default(),
		baseURL:    base,
		self:       identity{UserID: config.BotUserID, Username: config.BotUsername},
		config:     config,
	}, nil
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Identity returns the bot user id and username in use.
func (c *Client) Identity() (userID, username string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self.UserID, c.self.Username
}

// ResolveIdentity fills in the bot user id and username from the account
// the token belongs to. Values already configured are kept.
func (c *Client) ResolveIdentity(ctx context.Context) error {
	c.mu.RLock()
	complete := c.self.UserID != "" && c.self.Username != ""
	c.mu.RUnlock()
	if complete {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mePath), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("fetch identity: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}

	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return fmt.Errorf("decode identity: %w", err)
	}

	c.mu.Lock()
	if c.self.UserID == "" {
		c.self.UserID = me.ID
	}
	if c.self.Username == "" {
		c.self.Username = me.Username
	}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "mattermost identity resolved",
		slog.String("user_id", me.ID),
		slog.String("username", me.Username))
	return nil
}

// Send posts text to a channel, threaded under rootID when set.
func (c *Client) Send(ctx context.Context, channelID, rootID, text string) error {
	if channelID == "" {
		return &PermanentError{Message: "channel id is empty"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	payload := createPost{ChannelID: channelID, RootID: rootID, Message: text}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(postsPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "mattermost post created",
		slog.String("channel_id", channelID),
		slog.Int("length", len(text)))
	return nil
}

type createPost struct {
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id,omitempty"`
	Message   string `json:"message"`
}

// SendTyping shows the bot as typing over the websocket.
func (c *Client) SendTyping(_ context.Context, channelID, rootID string) error {
	return c.writeAction(actionUserTyping, map[string]string{
		"channel_id": channelID,
		"parent_id":  rootID,
	})
}

// Subscribe connects to the event stream and returns incoming posts. The
// client reconnects with backoff until ctx is canceled, then closes the
// returned channel.
func (c *Client) Subscribe(ctx context.Context) (<-chan chat.IncomingMessage, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan chat.IncomingMessage, messageBuffer)
	go c.listen(ctx, conn, out)
	return out, nil
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn, out chan<- chat.IncomingMessage) {
	defer close(out)

	delay := c.config.ReconnectDelay
	for {
		err := c.readLoop(ctx, conn, out)
		c.closeConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.WarnContext(ctx, "mattermost websocket disconnected", slog.Any("error", err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			conn, err = c.connect(ctx)
			if err == nil {
				delay = c.config.ReconnectDelay
				break
			}
			delay = min(delay*2, maxReconnectDelay)
			c.logger.WarnContext(ctx, "mattermost reconnect failed",
				slog.Any("error", err),
				slog.Duration("retry_in", delay))
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- chat.IncomingMessage) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.DebugContext(ctx, "skipping undecodable websocket frame", slog.Any("error", err))
			continue
		}
		if ev.Event != eventPosted {
			continue
		}

		c.mu.RLock()
		self := c.self
		c.mu.RUnlock()

		msg, ok, err := parsePosted(ev, self)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping malformed post", slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.websocketURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, checkStatus(resp.StatusCode, nil)
		}
		return nil, &RetryableError{Message: fmt.Sprintf("dial websocket: %v", err)}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeAction(actionAuthenticate, map[string]string{"token": c.config.Token}); err != nil {
		c.closeConn(conn)
		return nil, fmt.Errorf("authenticate websocket: %w", err)
	}

	c.logger.InfoContext(ctx, "mattermost websocket connected", slog.String("url", c.baseURL.Host))
	return conn, nil
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) writeAction(action string, data any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
	return conn.WriteJSON(wsAction{
		Seq:    c.seq.Add(1),
		Action: action,
		Data:   data,
	})
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) websocketURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + websocketPath
	return u.String()
}

func checkStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil

	case code == http.StatusBadRequest:
		return &PermanentError{Code: code, Message: fmt.Sprintf("bad request: %s", string(body))}

	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &PermanentError{Code: code, Message: "invalid or expired token"}

	case code == http.StatusNotFound:
		return &PermanentError{Code: code, Message: "not found"}

	case code == http.StatusTooManyRequests:
		return &RetryableError{Code: code, Message: "rate limited"}

	case code >= 500:
		return &RetryableError{Code: code, Message: fmt.Sprintf("server error: %s", string(body))}

	default:
		return fmt.Errorf("unexpected status %d: %s", code, string(body))
	}
}
