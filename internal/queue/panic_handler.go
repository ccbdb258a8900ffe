package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// PanicHandler defines how to handle task panics.
type PanicHandler interface {
	// HandlePanic is called when a task panics. It returns true when the
	// drainer should keep going with the partition's next entry.
	HandlePanic(key string, panicValue any, stackTrace []byte) bool
}

// DefaultPanicHandler logs panics with stack traces and keeps draining.
type DefaultPanicHandler struct {
	logger *slog.Logger
}

// NewDefaultPanicHandler returns the default panic handler.
func NewDefaultPanicHandler(logger *slog.Logger) *DefaultPanicHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultPanicHandler{logger: logger}
}

// HandlePanic logs the panic with stack trace and returns true.
func (h *DefaultPanicHandler) HandlePanic(key string, panicValue any, stackTrace []byte) bool {
	h.logger.ErrorContext(context.Background(), "PANIC in task",
		slog.String("key", key),
		slog.Any("panic", panicValue),
		slog.String("stack_trace", string(stackTrace)))
	return true
}

// MetricsPanicHandler calls onPanic before delegating to a wrapped handler.
type MetricsPanicHandler struct {
	wrapped PanicHandler
	onPanic func(key string, panicValue any)
}

// NewMetricsPanicHandler wraps another handler to add metrics tracking.
func NewMetricsPanicHandler(wrapped PanicHandler, onPanic func(string, any)) *MetricsPanicHandler {
	return &MetricsPanicHandler{
		wrapped: wrapped,
		onPanic: onPanic,
	}
}

// HandlePanic calls the metrics callback and delegates to the wrapped handler.
func (h *MetricsPanicHandler) HandlePanic(key string, panicValue any, stackTrace []byte) bool {
	if h.onPanic != nil {
		h.onPanic(key, panicValue)
	}
	if h.wrapped != nil {
		return h.wrapped.HandlePanic(key, panicValue, stackTrace)
	}
	return true
}

// HandleRecoveredPanic processes a panic that was recovered.
// Returns true if draining should continue.
func HandleRecoveredPanic(key string, panicValue any, handler PanicHandler) bool {
	if handler == nil {
		handler = NewDefaultPanicHandler(nil)
	}
	return handler.HandlePanic(key, panicValue, debug.Stack())
}
