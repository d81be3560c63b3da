package commbus

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// NoHandlerError is returned when a query or command has no handler.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

// HandlerAlreadyRegisteredError is returned when a second handler is
// registered for the same message type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// QueryTimeoutError is returned when a query handler outlives the bus timeout.
// It matches context.DeadlineExceeded under errors.Is.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// HandlerError wraps a failure returned by a handler.
type HandlerError struct {
	MessageType string
	Cause       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.MessageType, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}
