// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external services.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// =============================================================================
// MOCK LLM PROVIDER
// =============================================================================

// MockLLMProvider implements agents.LLMProvider for testing.
// Configure responses by prompt substring or use DefaultResponse.
type MockLLMProvider struct {
	// Responses maps prompt substrings to responses, checked in insertion order.
	Responses []PromptResponse

	// DefaultResponse is returned when nothing matches.
	DefaultResponse string

	// Delay simulates LLM latency.
	Delay time.Duration

	// Error causes Generate to return this error.
	Error error

	// Calls records all calls for assertion.
	Calls []LLMCall

	// GenerateFunc allows custom generation logic.
	// If set, this is called instead of using Responses.
	GenerateFunc func(context.Context, string, string, map[string]any) (string, error)

	mu sync.Mutex
}

// PromptResponse pairs a prompt substring with a canned response.
type PromptResponse struct {
	Contains string
	Response string
}

// LLMCall records a single LLM call for assertion.
type LLMCall struct {
	Model   string
	Prompt  string
	Options map[string]any
}

var _ agents.LLMProvider = (*MockLLMProvider)(nil)

// NewMockLLMProvider creates a MockLLMProvider whose default response is a
// single-condition criteria document.
func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{
		DefaultResponse: `{"conditions": [{"field": "age", "operator": ">", "value": 30}], "logical_operators": []}`,
	}
}

// Generate implements agents.LLMProvider.
func (m *MockLLMProvider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, LLMCall{Model: model, Prompt: prompt, Options: options})
	customFunc := m.GenerateFunc
	delay := m.Delay
	m.mu.Unlock()

	if customFunc != nil {
		return customFunc(ctx, model, prompt, options)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Error != nil {
		return "", m.Error
	}
	for _, r := range m.Responses {
		if strings.Contains(prompt, r.Contains) {
			return r.Response, nil
		}
	}
	return m.DefaultResponse, nil
}

// WithResponse adds a substring-matched response.
func (m *MockLLMProvider) WithResponse(contains, response string) *MockLLMProvider {
	m.Responses = append(m.Responses, PromptResponse{Contains: contains, Response: response})
	return m
}

// WithError configures the mock to return an error.
func (m *MockLLMProvider) WithError(err error) *MockLLMProvider {
	m.Error = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockLLMProvider) WithDelay(d time.Duration) *MockLLMProvider {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockLLMProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent call.
func (m *MockLLMProvider) LastCall() (LLMCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return LLMCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// =============================================================================
// SCRIPTED STORE
// =============================================================================

// ScriptedStore implements store.Store with canned results.
type ScriptedStore struct {
	// Rules are checked in order; the first whose substring occurs in the
	// query answers it.
	Rules []StoreRule

	// DefaultRows answers queries no rule matches.
	DefaultRows []store.Row

	// SchemaSnapshot is returned by Schema.
	SchemaSnapshot *store.Schema
	SchemaErr      error

	// Delay simulates query latency for every call.
	Delay time.Duration

	queries []string
	mu      sync.Mutex
}

// StoreRule is one canned answer of a ScriptedStore.
type StoreRule struct {
	Contains string
	Rows     []store.Row
	Err      error
}

var _ store.Store = (*ScriptedStore)(nil)

// NewScriptedStore creates an empty ScriptedStore for the bank table.
func NewScriptedStore() *ScriptedStore {
	return &ScriptedStore{SchemaSnapshot: &store.Schema{Table: BankTable}}
}

// On answers queries containing substr.
func (s *ScriptedStore) On(substr string, rows []store.Row, err error) *ScriptedStore {
	s.Rules = append(s.Rules, StoreRule{Contains: substr, Rows: rows, Err: err})
	return s
}

// OnCount answers derived row-count queries with n.
func (s *ScriptedStore) OnCount(n int64) *ScriptedStore {
	return s.On("COUNT(*)", []store.Row{{"count": n}}, nil)
}

// WithRows sets the answer for queries no rule matches.
func (s *ScriptedStore) WithRows(rows ...store.Row) *ScriptedStore {
	s.DefaultRows = rows
	return s
}

// WithDelay adds latency simulation.
func (s *ScriptedStore) WithDelay(d time.Duration) *ScriptedStore {
	s.Delay = d
	return s
}

// Execute implements store.Store.
func (s *ScriptedStore) Execute(ctx context.Context, sql string) ([]store.Row, error) {
	s.mu.Lock()
	s.queries = append(s.queries, sql)
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.Rules {
		if strings.Contains(sql, r.Contains) {
			if r.Err != nil {
				return nil, &store.ExecutionError{Op: "execute", Query: sql, Cause: r.Err}
			}
			return r.Rows, nil
		}
	}
	return s.DefaultRows, nil
}

// Schema implements store.Store.
func (s *ScriptedStore) Schema(ctx context.Context) (*store.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SchemaErr != nil {
		return nil, s.SchemaErr
	}
	return s.SchemaSnapshot, nil
}

// Queries returns every query executed so far.
func (s *ScriptedStore) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Rows builds n identical rows, handy for row-count scenarios.
func Rows(n int, row store.Row) []store.Row {
	out := make([]store.Row, n)
	for i := range out {
		out[i] = row
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements agents.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	bound []any
	root  *MockLogger
	mu    sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

var _ agents.Logger = (*MockLogger)(nil)

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{Logs: make([]LogEntry, 0)}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns a child that records into the same log with extra fields.
func (m *MockLogger) Bind(fields ...any) agents.Logger {
	bound := append(append([]any(nil), m.bound...), fields...)
	return &MockLogger{bound: bound, root: m.rootLogger()}
}

func (m *MockLogger) rootLogger() *MockLogger {
	if m.root != nil {
		return m.root
	}
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	all := append(append([]any(nil), m.bound...), keysAndValues...)
	fields := make(map[string]any)
	for i := 0; i < len(all)-1; i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}

	root := m.rootLogger()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Logs = append(root.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns a copy of the captured entries.
func (m *MockLogger) GetLogs() []LogEntry {
	root := m.rootLogger()
	root.mu.Lock()
	defer root.mu.Unlock()
	return append([]LogEntry(nil), root.Logs...)
}

// HasLog reports whether an entry with level and message was captured.
func (m *MockLogger) HasLog(level, message string) bool {
	for _, e := range m.GetLogs() {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured entries.
func (m *MockLogger) Clear() {
	root := m.rootLogger()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Logs = root.Logs[:0]
}
