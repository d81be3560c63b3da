package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
)

// DefaultQueryTimeout bounds QuerySync when no timeout is configured.
const DefaultQueryTimeout = 5 * time.Second

type subscription struct {
	id uint64
	fn HandlerFunc
}

// InMemoryBus is a thread-safe Bus for single-process deployments.
//
// Usage:
//
//	bus := NewInMemoryBus(5*time.Second, logger)
//	bus.Subscribe("SegmentActivated", notifyCRM)
//	bus.RegisterHandler("GetSegment", lookup)
//
//	bus.Publish(ctx, &SegmentActivated{...})
//	seg, err := bus.QuerySync(ctx, &GetSegment{SegmentID: "1A2B3C4D"})
type InMemoryBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	nextID       uint64
	logger       agents.Logger
	mu           sync.RWMutex
}

// NewInMemoryBus creates an InMemoryBus. A non-positive timeout falls back
// to DefaultQueryTimeout.
func NewInMemoryBus(queryTimeout time.Duration, logger agents.Logger) *InMemoryBus {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &InMemoryBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       agents.OrNop(logger).Bind("component", "commbus"),
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers an event to all subscribers concurrently and waits for
// them. Subscriber errors are logged and never returned.
func (b *InMemoryBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("event_aborted", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if _, err := h(ctx, processed); err != nil {
				errs[idx] = err
				b.logger.Warn("subscriber_failed", "type", eventType, "error", err.Error())
			}
		}(i, sub.fn)
	}
	wg.Wait()

	var first error
	for _, e := range errs {
		if e != nil {
			first = e
			break
		}
	}
	_, _ = b.runMiddlewareAfter(ctx, event, nil, first)
	return nil
}

// Send delivers a command to its handler. A missing handler is not an error.
func (b *InMemoryBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		return nil
	}

	b.mu.RLock()
	handler, ok := b.handlers[messageType]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("command_unhandled", "type", messageType)
		return nil
	}

	_, herr := handler(ctx, processed)
	if herr != nil {
		herr = &HandlerError{MessageType: messageType, Cause: herr}
	}
	_, _ = b.runMiddlewareAfter(ctx, command, nil, herr)
	return herr
}

// QuerySync sends a query to its handler and waits for the response or the
// bus timeout, whichever comes first.
func (b *InMemoryBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, &NoHandlerError{MessageType: messageType}
	}

	b.mu.RLock()
	handler, ok := b.handlers[messageType]
	b.mu.RUnlock()
	if !ok {
		return nil, &NoHandlerError{MessageType: messageType}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := &QueryTimeoutError{MessageType: messageType, Timeout: b.queryTimeout}
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		if res.err != nil {
			res.err = &HandlerError{MessageType: messageType, Cause: res.err}
		}
		final, mwErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if mwErr != nil {
			return final, mwErr
		}
		return final, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe adds an event handler. The returned func removes exactly this
// subscription and is safe to call more than once.
func (b *InMemoryBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, fn: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler registers the single handler for a query or command type.
func (b *InMemoryBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return &HandlerAlreadyRegisteredError{MessageType: messageType}
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware appends middleware; Before hooks run in registration order.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler reports whether a handler is registered for messageType.
func (b *InMemoryBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[messageType]
	return ok
}

// SubscriberCount returns the number of live subscriptions for eventType.
func (b *InMemoryBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Clear removes all handlers, subscribers and middleware.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Middleware(nil), b.middleware...)
}

func (b *InMemoryBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		next, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func (b *InMemoryBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.middlewareSnapshot()
	current := result
	for i := len(mws) - 1; i >= 0; i-- {
		next, afterErr := mws[i].After(ctx, message, current, err)
		if afterErr != nil {
			err = afterErr
		}
		if next != nil {
			current = next
		}
	}
	return current, err
}

var _ Bus = (*InMemoryBus)(nil)
