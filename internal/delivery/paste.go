package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultUploadTimeout = 10 * time.Second

// Uploader stores long text somewhere shareable and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, text string) (string, error)
}

// PasteClient uploads text to a paste service that accepts
// {"text": "..."} and answers {"url": "..."}.
type PasteClient struct {
	httpClient *http.Client
	url        string
}

// NewPasteClient creates a paste uploader for the given endpoint.
func NewPasteClient(url string, timeout time.Duration) *PasteClient {
	if timeout == 0 {
		timeout = defaultUploadTimeout
	}
	return &PasteClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
	}
}

type pasteRequest struct {
	Text string `json:"text"`
}

type pasteResponse struct {
	URL string `json:"url"`
}

// Upload posts text to the paste service.
func (p *PasteClient) Upload(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(pasteRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal paste: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload paste: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("paste service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out pasteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode paste response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("paste response has no url")
	}
	return out.URL, nil
}
