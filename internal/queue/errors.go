package queue

import (
	"errors"
	"fmt"
)

// Common queue errors.
var (
	// ErrQueueStopped indicates the queue has been stopped.
	ErrQueueStopped = errors.New("queue stopped")

	// ErrQueueFull indicates a partition reached its configured depth.
	ErrQueueFull = errors.New("queue full")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Key   string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task for %s panicked: %v", e.Key, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
