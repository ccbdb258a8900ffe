package queue

import "context"

// Task is a unit of work submitted under a channel key.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts an ordinary function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// ErrorHandler observes errors returned by tasks. The queue never retries.
type ErrorHandler func(key string, err error)
