package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client defaults.
const (
	DefaultBaseURL     = "https://api.anthropic.com"
	DefaultModel       = "claude-3-5-haiku-20241022"
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second

	maxErrorBodyLen = 512
)

// Client talks to the Messages API through the Anthropic SDK.
type Client struct {
	api    anthropic.Client
	config Config
}

// NewClient creates a new Messages API client.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	c := &Client{config: config}
	c.api = anthropic.NewClient(c.options(nil)...)
	return c, nil
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.api = anthropic.NewClient(c.options(hc)...)
	}
}

// options builds the SDK options. Retries are off: every call has already
// been charged to the rate limiter and failures go to the fallback reply.
func (c *Client) options(hc *http.Client) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(c.config.APIKey),
		option.WithBaseURL(c.config.BaseURL + "/"),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(c.config.Timeout),
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	return opts
}

// Complete sends a single-turn request and returns the first text block.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	queryCtx, cancel := prepareQueryContext(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	msg, err := c.api.Messages.New(queryCtx, c.buildParams(req))
	if err != nil {
		return nil, c.mapError(queryCtx, err)
	}

	return parseMessage(msg, time.Since(start))
}

func (c *Client) buildParams(req Request) anthropic.MessageNewParams {
	system := req.System
	if system == "" {
		system = c.config.SystemPrompt
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.config.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(c.config.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func prepareQueryContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

func (c *Client) mapError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return handleErrorResponse(apiErr.StatusCode, apiErr.RawJSON())
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return fmt.Errorf("claude query timed out: %w", cause)
	}
	return fmt.Errorf("send request: %w", err)
}

func handleErrorResponse(status int, body string) error {
	var errResp errorResponse
	message := truncate(body, maxErrorBodyLen)
	errType := ""
	if err := json.Unmarshal([]byte(body), &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		errType = errResp.Error.Type
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthenticationError{Message: fmt.Sprintf("claude authentication failed: %s", message)}
	}

	return &APIError{
		StatusCode: status,
		Type:       errType,
		Message:    message,
	}
}

func parseMessage(msg *anthropic.Message, latency time.Duration) (*Response, error) {
	text := extractMessage(msg)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Message: text,
		Metadata: ResponseMetadata{
			ModelVersion: string(msg.Model),
			StopReason:   string(msg.StopReason),
			Latency:      latency,
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func extractMessage(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
