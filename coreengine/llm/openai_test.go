package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/testutil"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateSendsChatRequest(t *testing.T) {
	var got map[string]any
	var auth, path string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"SELECT 1"}}]}`))
	})

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test"}, testutil.NewMockLogger())
	require.NoError(t, err)

	out, err := p.Generate(context.Background(), "gpt-3.5-turbo", "hello", map[string]any{
		agents.OptionTemperature: 0.0,
		agents.OptionMaxTokens:   1000,
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT 1", out)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "gpt-3.5-turbo", got["model"])
	assert.Equal(t, 0.0, got["temperature"], "zero temperature is sent explicitly")
	assert.Equal(t, 1000.0, got["max_tokens"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "hello"}}, got["messages"])
}

func TestGenerateOmitsUnsetOptions(t *testing.T) {
	var got map[string]any
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), "m", "p", nil)
	require.NoError(t, err)
	assert.NotContains(t, got, "temperature")
	assert.NotContains(t, got, "max_tokens")
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, func(t *testing.T, err error) {
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
			assert.Contains(t, apiErr.Body, "rate limited")
		}},
		{"no choices", http.StatusOK, `{"choices":[]}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrEmptyCompletion)
		}},
		{"malformed", http.StatusOK, `not json`, func(t *testing.T, err error) {
			assert.ErrorContains(t, err, "parse response")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			logger := testutil.NewMockLogger()
			p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, logger)
			require.NoError(t, err)

			out, err := p.Generate(context.Background(), "m", "p", nil)
			assert.Empty(t, out)
			tt.check(t, err)
			assert.True(t, logger.HasLog("warn", "llm_call_failed"))
		})
	}
}

func TestGenerateHonoursContext(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Generate(ctx, "m", "p", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{}, nil)
	assert.Error(t, err)
}
