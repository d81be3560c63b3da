package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs every message at debug level and failures at warn.
type LoggingMiddleware struct {
	logger agents.Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware.
func NewLoggingMiddleware(logger agents.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: agents.OrNop(logger).Bind("component", "commbus")}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("message_received", "type", GetMessageType(message), "category", message.Category())
	return message, nil
}

// After logs the outcome.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("message_failed", "type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("message_handled", "type", GetMessageType(message))
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

type circuitState struct {
	failures    int
	lastFailure time.Time
	state       string
}

// CircuitBreakerMiddleware stops delivering a message type after repeated
// handler failures. Downstream notifiers that keep failing get muted until
// resetTimeout has passed, then a single trial delivery decides whether the
// circuit closes again.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excluded         map[string]struct{}
	states           map[string]*circuitState
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a breaker. A threshold of 0 never
// opens; excludedTypes always pass through.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excluded:         excluded,
		states:           make(map[string]*circuitState),
		now:              time.Now,
	}
}

func (m *CircuitBreakerMiddleware) state(msgType string) *circuitState {
	st, ok := m.states[msgType]
	if !ok {
		st = &circuitState{state: CircuitClosed}
		m.states[msgType] = st
	}
	return st
}

// Before blocks delivery while the circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, skip := m.excluded[msgType]; skip {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(msgType)
	if st.state == CircuitOpen {
		if m.now().Sub(st.lastFailure) < m.resetTimeout {
			return nil, nil
		}
		st.state = CircuitHalfOpen
	}
	return message, nil
}

// After records the delivery result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, skip := m.excluded[msgType]; skip {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(msgType)
	switch {
	case err != nil:
		st.failures++
		st.lastFailure = m.now()
		if st.state == CircuitHalfOpen || (m.failureThreshold > 0 && st.failures >= m.failureThreshold) {
			st.state = CircuitOpen
		}
	case st.state == CircuitHalfOpen:
		st.state = CircuitClosed
		st.failures = 0
	}
	return result, nil
}

// States returns the current state per message type.
func (m *CircuitBreakerMiddleware) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.states))
	for k, v := range m.states {
		out[k] = v.state
	}
	return out
}

// Reset forgets the state of msgType, or of every type when msgType is empty.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msgType == "" {
		m.states = make(map[string]*circuitState)
		return
	}
	delete(m.states, msgType)
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
