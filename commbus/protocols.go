// Package commbus is the in-process message bus of the segmentation engine.
//
// The bus offers three messaging patterns:
//   - Publish(event): fan-out to every subscriber of the event type
//   - Send(command): fire-and-forget to a single handler
//   - QuerySync(query): request-response with a single handler and a timeout
package commbus

import "context"

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is implemented by every bus message.
type Message interface {
	// Category returns "event", "query" or "command".
	Category() string
}

// Query marks messages that expect a response.
type Query interface {
	Message
	IsQuery()
}

// HandlerFunc handles one message. Query handlers return the response;
// event and command handlers usually return nil.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware intercepts messages around their handlers.
type Middleware interface {
	// Before runs ahead of the handlers. Returning a nil message aborts
	// delivery.
	Before(ctx context.Context, message Message) (Message, error)

	// After runs once the handlers are done, in reverse registration order.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Bus is the messaging surface used by the engine.
type Bus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe registers an event handler and returns its unsubscribe func.
	Subscribe(eventType string, handler HandlerFunc) func()
	// RegisterHandler registers the single handler of a query or command.
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	SubscriberCount(eventType string) int
	Clear()
}
