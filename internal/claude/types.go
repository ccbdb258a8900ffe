package claude

import "time"

// Config holds configuration for the Messages API client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	MaxTokens    int
	Temperature  float64
}

// Request is a single completion request.
type Request struct {
	// System overrides Config.SystemPrompt when set.
	System string
	// Prompt is the user message, already combined with any prior context.
	Prompt string
	// MaxTokens overrides Config.MaxTokens when positive.
	MaxTokens int
}

// Response contains the model's reply and metadata.
type Response struct {
	Message  string
	Metadata ResponseMetadata
}

// ResponseMetadata contains metadata about the response.
type ResponseMetadata struct {
	ModelVersion string
	StopReason   string
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
}

// TokensUsed returns input plus output tokens.
func (m ResponseMetadata) TokensUsed() int {
	return m.InputTokens + m.OutputTokens
}

// errorResponse is the JSON body of a failed Messages API call.
type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
