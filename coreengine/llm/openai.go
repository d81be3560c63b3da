// Package llm provides LLMProvider implementations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/observability"
)

const (
	// DefaultBaseURL is the public OpenAI API.
	DefaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	providerName   = "openai"
	maxErrorBody   = 512
)

// ErrEmptyCompletion is returned when the API answers without content.
var ErrEmptyCompletion = errors.New("openai returned empty content")

// APIError is a non-2xx answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai error status %d: %s", e.StatusCode, e.Body)
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// OpenAIProvider implements agents.LLMProvider over an OpenAI-compatible
// chat completions endpoint.
type OpenAIProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   agents.Logger
}

var _ agents.LLMProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider. The API key is required.
func NewOpenAIProvider(cfg OpenAIConfig, logger agents.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is not set")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAIProvider{
		endpoint: base + "/chat/completions",
		apiKey:   cfg.APIKey,
		client:   client,
		logger:   agents.OrNop(logger).Bind("component", "llm", "provider", providerName),
	}, nil
}

// Generate sends prompt as a single user message. Recognised options are
// agents.OptionTemperature and agents.OptionMaxTokens.
func (p *OpenAIProvider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	start := time.Now()
	content, err := p.complete(ctx, model, prompt, options)
	durationMS := int(time.Since(start).Milliseconds())

	status := "success"
	if err != nil {
		status = "error"
		p.logger.Warn("llm_call_failed", "model", model, "duration_ms", durationMS, "error", err.Error())
	} else {
		p.logger.Debug("llm_call_completed", "model", model, "duration_ms", durationMS, "response_chars", len(content))
	}
	observability.RecordLLMCall(providerName, model, status, durationMS)
	return content, err
}

func (p *OpenAIProvider) complete(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if t, ok := floatOption(options, agents.OptionTemperature); ok {
		reqBody.Temperature = &t
	}
	if n, ok := floatOption(options, agents.OptionMaxTokens); ok && n > 0 {
		reqBody.MaxTokens = int(n)
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: agents.Truncate(strings.TrimSpace(string(body)), maxErrorBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return parsed.Choices[0].Message.Content, nil
}

func floatOption(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
