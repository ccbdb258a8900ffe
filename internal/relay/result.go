package relay

import (
	"context"
	"errors"

	"github.com/Veraticus/chatrelay/internal/claude"
)

// FallbackMessage is posted in place of a reply when the completion fails.
const FallbackMessage = "I encountered an error processing your request. Please try again."

// Kind categorizes a failed completion.
type Kind string

// Failure kinds, used as the analytics error kind.
const (
	KindCompletion     Kind = "completion"
	KindAuthentication Kind = "authentication"
	KindRateLimited    Kind = "rate_limited"
	KindEmptyResponse  Kind = "empty_response"
	KindCanceled       Kind = "canceled"
)

// Result is the outcome of the completion step: either a response or a
// categorized failure.
type Result struct {
	Response *claude.Response
	Err      error
	Kind     Kind
}

// OK reports whether the completion produced a response.
func (r Result) OK() bool {
	return r.Err == nil && r.Response != nil
}

// Text is what should be posted for this result.
func (r Result) Text() string {
	if !r.OK() {
		return FallbackMessage
	}
	return r.Response.Message
}

func newResult(resp *claude.Response, err error) Result {
	if err == nil && resp == nil {
		err = claude.ErrEmptyResponse
	}
	if err == nil {
		return Result{Response: resp}
	}

	kind := KindCompletion
	switch {
	case claude.IsAuthenticationError(err):
		kind = KindAuthentication
	case claude.IsRateLimitError(err):
		kind = KindRateLimited
	case errors.Is(err, claude.ErrEmptyResponse):
		kind = KindEmptyResponse
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	}
	return Result{Err: err, Kind: kind}
}
