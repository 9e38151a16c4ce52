package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/models"
)

const healthProbeTimeout = 5 * time.Second

// HTTPBackend reaches a provider over an OpenAI-compatible chat API.
// The API key is read from the environment at request time, never
// stored in configuration.
type HTTPBackend struct {
	name       string
	cfg        *config.HTTPBackendConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPBackend creates a backend for an HTTP API provider.
func NewHTTPBackend(p *config.ProviderConfig) *HTTPBackend {
	return &HTTPBackend{
		name: p.Name,
		cfg:  p.HTTP,
		// No client-level timeout; each request carries its own deadline.
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
}

type chatMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

// chatResponse covers the envelopes providers actually send back:
// OpenAI-style choices, or a bare "response"/"content" field.
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Response string `json:"response"`
	Content  string `json:"content"`
	Usage    struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Execute posts the request message to the configured endpoint and
// parses a single response envelope.
func (b *HTTPBackend) Execute(ctx context.Context, req *models.Request) (*Result, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model:    b.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: req.Message}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.setAuthHeader(httpReq)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return failResult(start, FailureTimeout, fmt.Sprintf("request timed out after %gs", req.TimeoutS)), nil
		case context.Canceled:
			return nil, ctx.Err()
		}
		return failResult(start, FailureUnreachable, fmt.Sprintf("endpoint unreachable: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failResult(start, FailureProtocol, fmt.Sprintf("read response body: %v", err)), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failResult(start, FailureProtocol, b.statusError(resp.StatusCode, raw)), nil
	}

	var envelope chatResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return failResult(start, FailureProtocol, fmt.Sprintf("decode response: %v", err)), nil
	}

	content, thinking := extractContent(&envelope)
	if content == "" {
		return failResult(start, FailureProtocol, "response contained no content"), nil
	}

	result := okResult(start, content)
	result.TokensUsed = envelope.Usage.TotalTokens
	if result.TokensUsed == 0 {
		result.TokensUsed = envelope.Usage.PromptTokens + envelope.Usage.CompletionTokens
	}
	result.Metadata = map[string]any{"status_code": resp.StatusCode}
	if b.cfg.Model != "" {
		result.Metadata["model"] = b.cfg.Model
	}
	if thinking != "" {
		result.Metadata["thinking"] = thinking
	}
	if envelope.Usage.PromptTokens > 0 || envelope.Usage.CompletionTokens > 0 {
		result.Metadata["input_tokens"] = envelope.Usage.PromptTokens
		result.Metadata["output_tokens"] = envelope.Usage.CompletionTokens
	}
	return result, nil
}

// statusError builds a short error for a non-2xx response, preferring
// the provider's own error message over a raw body dump.
func (b *HTTPBackend) statusError(code int, raw []byte) string {
	var envelope chatResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", code, envelope.Error.Message)
	}
	detail := strings.TrimSpace(string(raw))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if detail == "" {
		return fmt.Sprintf("HTTP %d", code)
	}
	return fmt.Sprintf("HTTP %d: %s", code, detail)
}

func extractContent(envelope *chatResponse) (content, thinking string) {
	if len(envelope.Choices) > 0 {
		msg := envelope.Choices[0].Message
		return msg.Content, msg.ReasoningContent
	}
	if envelope.Response != "" {
		return envelope.Response, ""
	}
	return envelope.Content, ""
}

// HealthCheck probes the endpoint for reachability. Any HTTP status
// counts as alive; several providers reject HEAD or unauthenticated
// requests outright.
func (b *HTTPBackend) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.cfg.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Shutdown closes idle connections. Safe to call more than once.
func (b *HTTPBackend) Shutdown(ctx context.Context) error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// Kind returns models.BackendHTTP.
func (b *HTTPBackend) Kind() models.BackendKind {
	return models.BackendHTTP
}

func (b *HTTPBackend) setAuthHeader(req *http.Request) {
	if b.cfg.AuthEnv == "" {
		return
	}
	key := os.Getenv(b.cfg.AuthEnv)
	if key == "" {
		b.logger.Warn("API key environment variable is empty", "provider", b.name, "env", b.cfg.AuthEnv)
		return
	}
	header := b.cfg.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	// Bare Authorization headers carry a bearer token; custom headers
	// like x-api-key take the key verbatim.
	if header == "Authorization" {
		key = "Bearer " + key
	}
	req.Header.Set(header, key)
}
