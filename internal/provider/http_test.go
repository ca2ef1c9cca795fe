package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/common/logger"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func chatSpec(endpoint string) HTTPSpec {
	return HTTPSpec{
		ID:                "openai",
		DisplayName:       "OpenAI",
		Protocol:          ProtocolChat,
		BaseURL:           endpoint,
		EndpointPath:      "/chat/completions",
		AuthHeader:        "Authorization",
		AuthScheme:        "Bearer",
		CredentialEnvVars: []string{"OPENAI_API_KEY"},
		DefaultModel:      "gpt-4o-mini",
	}
}

func TestHTTPProviderChatInvoke(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, _ := json.Marshal(body)
		gotBody = string(raw)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello from model"}},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(chatSpec(srv.URL), testLogger(t))
	var streamed string
	exec, err := p.Invoke(context.Background(), InvokeOptions{
		Message:      "hi",
		SystemPrompt: "be terse",
		Env:          map[string]string{"OPENAI_API_KEY": "sk-test"},
		OnStdout:     func(chunk string) { streamed += chunk },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, exec.Code)
	assert.Equal(t, "hello from model", exec.Stdout)
	assert.Equal(t, "hello from model", streamed)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Contains(t, gotBody, `"role":"system"`)
	assert.Contains(t, gotBody, "gpt-4o-mini")
}

func TestHTTPProviderMessagesInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "part one "},
				{"type": "text", "text": "part two"},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPSpec{
		ID:                "anthropic",
		Protocol:          ProtocolMessages,
		BaseURL:           srv.URL,
		EndpointPath:      "/v1/messages",
		AuthHeader:        "x-api-key",
		CredentialEnvVars: []string{"ANTHROPIC_API_KEY"},
		VersionHeader:     "anthropic-version",
		Version:           "2023-06-01",
		DefaultModel:      "claude-sonnet-4-20250514",
	}, testLogger(t))

	exec, err := p.Invoke(context.Background(), InvokeOptions{
		Message: "hi",
		Env:     map[string]string{"ANTHROPIC_API_KEY": "sk-ant"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, exec.Code)
	assert.Equal(t, "part one part two", exec.Stdout)
}

func TestHTTPProviderMissingCredential(t *testing.T) {
	p := NewHTTPProvider(chatSpec("http://127.0.0.1:1"), testLogger(t))
	exec, err := p.Invoke(context.Background(), InvokeOptions{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Code)
	assert.Contains(t, exec.Stderr, "OPENAI_API_KEY")

	_, err = p.Authenticate(context.Background(), AuthOptions{})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestHTTPProviderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider(chatSpec(srv.URL), testLogger(t))
	exec, err := p.Invoke(context.Background(), InvokeOptions{
		Message: "hi",
		Env:     map[string]string{"OPENAI_API_KEY": "sk-test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Code)
	assert.Contains(t, exec.Stderr, "429")
	assert.Contains(t, exec.Stderr, "rate limited")
}

func TestHTTPProviderEndpointPrecedence(t *testing.T) {
	p := NewHTTPProvider(HTTPSpec{
		ID:           "openai",
		Protocol:     ProtocolChat,
		BaseURL:      "https://api.openai.com/v1",
		EndpointPath: "/chat/completions",
		EndpointEnv:  "OPENAI_ENDPOINT",
		BaseURLEnv:   "OPENAI_BASE_URL",
	}, testLogger(t))

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.endpoint(nil))
	assert.Equal(t, "https://proxy.local/v1/chat/completions",
		p.endpoint(map[string]string{"OPENAI_BASE_URL": "https://proxy.local/v1"}))
	assert.Equal(t, "https://direct.local/invoke",
		p.endpoint(map[string]string{
			"OPENAI_BASE_URL": "https://proxy.local/v1",
			"OPENAI_ENDPOINT": "https://direct.local/invoke",
		}))
}

func TestHTTPProviderUnsupportedAgentOps(t *testing.T) {
	p := NewHTTPProvider(chatSpec("https://api.openai.com/v1"), testLogger(t))
	_, err := p.CreateExternalAgent(context.Background(), ExternalAgentOptions{Name: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
	_, err = p.DeleteExternalAgent(context.Background(), ExternalAgentOptions{Name: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestRedact(t *testing.T) {
	info := v1.ProviderInfo{
		ID: "openai",
		EnvVars: []v1.ProviderEnvVar{
			{Name: "OPENAI_API_KEY", Secret: true},
			{Name: "OPENAI_MODEL"},
		},
	}
	cfg := &v1.ProviderConfig{
		ProviderID: "openai",
		Env:        map[string]string{"OPENAI_API_KEY": "sk-secret", "OPENAI_MODEL": "gpt-4o-mini"},
	}
	out := Redact(cfg, info)
	assert.Equal(t, "********", out.Env["OPENAI_API_KEY"])
	assert.Equal(t, "gpt-4o-mini", out.Env["OPENAI_MODEL"])
	// Original untouched.
	assert.Equal(t, "sk-secret", cfg.Env["OPENAI_API_KEY"])
}
