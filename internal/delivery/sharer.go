// Package delivery posts replies to chat, moving long ones to a paste
// service.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// DefaultMaxInline is the longest reply posted directly.
const DefaultMaxInline = 350

// Mode is how a reply was delivered.
type Mode string

// Delivery modes.
const (
	ModeInline    Mode = "inline"
	ModeLink      Mode = "link"
	ModeTruncated Mode = "truncated"
)

// Poster sends text to a chat channel.
type Poster interface {
	Send(ctx context.Context, channelID, rootID, text string) error
}

// ErrorRecorder receives sharing failures.
type ErrorRecorder interface {
	RecordError(kind, message string)
}

// Sharer delivers replies, replacing long ones with a link.
type Sharer struct {
	poster    Poster
	uploader  Uploader
	recorder  ErrorRecorder
	logger    *slog.Logger
	maxInline int
}

// Option configures a Sharer.
type Option func(*Sharer)

// WithUploader sets where long replies are uploaded. Without one, long
// replies are truncated.
func WithUploader(u Uploader) Option {
	return func(s *Sharer) { s.uploader = u }
}

// WithErrorRecorder sets where upload failures are reported.
func WithErrorRecorder(r ErrorRecorder) Option {
	return func(s *Sharer) { s.recorder = r }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sharer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSharer creates a Sharer. A non-positive maxInline uses
// DefaultMaxInline.
func NewSharer(poster Poster, maxInline int, opts ...Option) *Sharer {
	if maxInline <= 0 {
		maxInline = DefaultMaxInline
	}
	s := &Sharer{
		poster:    poster,
		logger:    slog.Default(),
		maxInline: maxInline,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Share returns the text to post for a reply.
func (s *Sharer) Share(ctx context.Context, text string) (string, Mode) {
	if utf8.RuneCountInString(text) <= s.maxInline {
		return text, ModeInline
	}

	if s.uploader != nil {
		url, err := s.uploader.Upload(ctx, text)
		if err == nil {
			return fmt.Sprintf("Full response available at: <%s>", url), ModeLink
		}

		s.logger.ErrorContext(ctx, "Sharing error", slog.Any("error", err))
		if s.recorder != nil {
			s.recorder.RecordError("sharing", err.Error())
		}
	}

	return truncate(text, s.maxInline) + "...", ModeTruncated
}

// Deliver posts the reply to the channel.
func (s *Sharer) Deliver(ctx context.Context, channelID, rootID, text string) error {
	out, mode := s.Share(ctx, text)
	if err := s.poster.Send(ctx, channelID, rootID, out); err != nil {
		return fmt.Errorf("deliver to %s: %w", channelID, err)
	}
	delivered.WithLabelValues(string(mode)).Inc()
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
