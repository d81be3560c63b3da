// Package agents holds the contracts shared by the segment pipeline stages.
//
// Each stage of the pipeline (intent parsing, field mapping, query building,
// validation, activation) is an "agent" in the sense that it owns one step of
// the request and reports through the same Logger and, when it talks to a
// language model, the same LLMProvider.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// LLMProvider is the interface for LLM providers.
type LLMProvider interface {
	Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error)
}

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// Option keys understood by LLMProvider implementations.
const (
	OptionTemperature = "temperature"
	OptionMaxTokens   = "max_tokens"
)

// ErrNoJSONObject is returned when a response carries no decodable JSON object.
var ErrNoJSONObject = errors.New("no valid JSON object found in response")

// ExtractJSONObject decodes the first JSON object found in text.
// Models often wrap their answer in prose or code fences, so a direct decode
// is tried first and then every balanced {...} span in order.
func ExtractJSONObject(text string) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	start := -1
	depth := 0
	for i, c := range text {
		switch c {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				candidate := text[start : i+1]
				result = nil
				if err := json.Unmarshal([]byte(candidate), &result); err == nil {
					return result, nil
				}
				start = -1
			}
		}
	}

	return nil, ErrNoJSONObject
}

// Truncate shortens s to at most maxLen bytes, marking the cut with "...".
// The cut backs off to a rune boundary.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := max(maxLen, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// NopLogger discards everything. Useful as a default when callers pass nil.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// Bind returns the same logger.
func (n NopLogger) Bind(...any) Logger { return n }

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
