package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/common/logger"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// Protocol selects the request/response shape of an HTTP provider.
type Protocol string

const (
	// ProtocolChat is the OpenAI-compatible chat completions shape.
	ProtocolChat Protocol = "chat"
	// ProtocolMessages is the Anthropic messages shape.
	ProtocolMessages Protocol = "messages"
)

// HTTPSpec describes an HTTP-backed provider.
type HTTPSpec struct {
	ID          string
	DisplayName string
	Protocol    Protocol

	// Endpoint resolution, in precedence order: EndpointEnv (full URL),
	// BaseURLEnv + EndpointPath, BaseURL + EndpointPath.
	BaseURL      string
	EndpointPath string
	EndpointEnv  string
	BaseURLEnv   string

	// AuthHeader carries the credential: "Authorization" (with scheme
	// "Bearer"), "x-api-key", or "api-key".
	AuthHeader        string
	AuthScheme        string
	CredentialEnvVars []string

	// VersionHeader / Version are sent verbatim when set (e.g. the
	// anthropic-version pair).
	VersionHeader string
	Version       string

	ModelEnv     string
	DefaultModel string
	MaxTokens    int

	EnvVars      []v1.ProviderEnvVar
	Capabilities v1.ProviderCapabilities
}

// HTTPProvider POSTs prompts to a chat or messages endpoint.
type HTTPProvider struct {
	spec   HTTPSpec
	client *http.Client
	logger *logger.Logger
}

// NewHTTPProvider creates a provider from an HTTP spec.
func NewHTTPProvider(spec HTTPSpec, log *logger.Logger) *HTTPProvider {
	return &HTTPProvider{
		spec:   spec,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: log.WithFields(zap.String("component", "provider"), zap.String("provider_id", spec.ID)),
	}
}

func (p *HTTPProvider) Metadata() v1.ProviderInfo {
	return v1.ProviderInfo{
		ID:           p.spec.ID,
		DisplayName:  p.spec.DisplayName,
		Kind:         v1.ProviderKindHTTP,
		Capabilities: p.spec.Capabilities,
		EnvVars:      p.spec.EnvVars,
	}
}

func (p *HTTPProvider) Invoke(ctx context.Context, opts InvokeOptions) (*Execution, error) {
	credential, _ := firstEnv(opts.Env, p.spec.CredentialEnvVars)
	if credential == "" {
		return &Execution{
			Code:   1,
			Stderr: fmt.Sprintf("missing credential: set one of %s", strings.Join(p.spec.CredentialEnvVars, ", ")),
		}, nil
	}

	model := opts.Model
	if model == "" && p.spec.ModelEnv != "" {
		model = lookupEnv(opts.Env, p.spec.ModelEnv)
	}
	if model == "" {
		model = p.spec.DefaultModel
	}

	body, err := p.buildBody(model, opts)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	endpoint := p.endpoint(opts.Env)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.spec.AuthScheme != "" {
		req.Header.Set(p.spec.AuthHeader, p.spec.AuthScheme+" "+credential)
	} else {
		req.Header.Set(p.spec.AuthHeader, credential)
	}
	if p.spec.VersionHeader != "" {
		req.Header.Set(p.spec.VersionHeader, p.spec.Version)
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &Execution{Code: 1, Stderr: "timeout"}, nil
		}
		// Transport failures are a single attempt; the caller decides
		// whether to rerun.
		return &Execution{Code: 1, Stderr: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Execution{Code: 1, Stderr: fmt.Sprintf("failed to read response: %v", err)}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Execution{
			Code:   1,
			Stderr: fmt.Sprintf("%s returned %d: %s", p.spec.ID, resp.StatusCode, strings.TrimSpace(string(respBody))),
		}, nil
	}

	text, err := p.parseText(respBody)
	if err != nil {
		return &Execution{Code: 1, Stderr: err.Error()}, nil
	}

	execution := &Execution{Stdout: text, ProviderSessionID: opts.ProviderSessionID}
	if opts.OnStdout != nil && text != "" {
		// Single-response protocols deliver one chunk with the full body.
		opts.OnStdout(text)
	}
	return execution, nil
}

// Authenticate verifies a credential is present. HTTP providers have no
// interactive flow; keys come from the environment.
func (p *HTTPProvider) Authenticate(ctx context.Context, opts AuthOptions) (*Execution, error) {
	credential, name := firstEnv(opts.Env, p.spec.CredentialEnvVars)
	if credential == "" {
		return nil, fmt.Errorf("%w: set one of %s", ErrAuthentication, strings.Join(p.spec.CredentialEnvVars, ", "))
	}
	msg := fmt.Sprintf("credential found in %s\n", name)
	if opts.OnStdout != nil {
		opts.OnStdout(msg)
	}
	return &Execution{Stdout: msg}, nil
}

func (p *HTTPProvider) CreateExternalAgent(ctx context.Context, opts ExternalAgentOptions) (*Execution, error) {
	return nil, fmt.Errorf("%w: %s cannot create agents", ErrUnsupportedAction, p.spec.ID)
}

func (p *HTTPProvider) DeleteExternalAgent(ctx context.Context, opts ExternalAgentOptions) (*Execution, error) {
	return nil, fmt.Errorf("%w: %s cannot delete agents", ErrUnsupportedAction, p.spec.ID)
}

func (p *HTTPProvider) endpoint(env map[string]string) string {
	if p.spec.EndpointEnv != "" {
		if full := lookupEnv(env, p.spec.EndpointEnv); full != "" {
			return full
		}
	}
	base := p.spec.BaseURL
	if p.spec.BaseURLEnv != "" {
		if override := lookupEnv(env, p.spec.BaseURLEnv); override != "" {
			base = override
		}
	}
	return strings.TrimRight(base, "/") + p.spec.EndpointPath
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *HTTPProvider) buildBody(model string, opts InvokeOptions) ([]byte, error) {
	switch p.spec.Protocol {
	case ProtocolChat:
		messages := make([]chatMessage, 0, 2)
		if opts.SystemPrompt != "" {
			messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
		}
		messages = append(messages, chatMessage{Role: "user", Content: opts.Message})
		return json.Marshal(map[string]any{
			"model":    model,
			"messages": messages,
		})
	case ProtocolMessages:
		maxTokens := p.spec.MaxTokens
		if maxTokens == 0 {
			maxTokens = 4096
		}
		body := map[string]any{
			"model":      model,
			"max_tokens": maxTokens,
			"messages":   []chatMessage{{Role: "user", Content: opts.Message}},
		}
		if opts.SystemPrompt != "" {
			body["system"] = opts.SystemPrompt
		}
		return json.Marshal(body)
	default:
		return nil, fmt.Errorf("unknown protocol %q", p.spec.Protocol)
	}
}

func (p *HTTPProvider) parseText(body []byte) (string, error) {
	switch p.spec.Protocol {
	case ProtocolChat:
		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("failed to decode chat response: %w", err)
		}
		if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
			return "", fmt.Errorf("%w: empty chat response", ErrRuntime)
		}
		return parsed.Choices[0].Message.Content, nil
	case ProtocolMessages:
		var parsed struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("failed to decode messages response: %w", err)
		}
		var b strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return "", fmt.Errorf("%w: empty messages response", ErrRuntime)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown protocol %q", p.spec.Protocol)
	}
}
