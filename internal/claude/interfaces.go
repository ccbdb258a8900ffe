// Package claude is a client for the Anthropic Messages API.
package claude

import (
	"context"
)

// LLM abstracts completion calls so callers can be tested without the API.
type LLM interface {
	// Complete sends one request and returns the model's reply.
	Complete(ctx context.Context, req Request) (*Response, error)
}
