package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/adapter/sse"
	"github.com/blogchat/chatrelay/internal/openai"
)

// Ensure OpenAIAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*OpenAIAdapter)(nil)

// DefaultBaseURL is used when Config.BaseURL is empty.
const DefaultBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter streams chat completions from any OpenAI-compatible API.
type OpenAIAdapter struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	org        string // optional organization ID
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	// Name prefixes errors; defaults to "openai". DeepSeek reuses this adapter.
	Name           string
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "openai"
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key required", name)
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OpenAIAdapter{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: client,
	}, nil
}

// CreateCompletionStream sends a streaming chat completion request and relays content deltas.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req adapter.Request) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%s: no messages provided", a.name)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%s: model name required", a.name)
	}

	payload := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]openai.ChatMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openai.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", a.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp openai.ErrorEnvelope
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("%s: %s (type=%s, code=%v)", a.name, errResp.Error.Message, errResp.Error.Type, errResp.Error.Code)
		}
		return nil, fmt.Errorf("%s: http %d: %s", a.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ch := make(chan adapter.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		err := sse.Read(ctx, resp.Body, func(ev sse.Event) error {
			data := strings.TrimSpace(ev.Data)
			if data == "" {
				return nil
			}
			if data == "[DONE]" {
				return sse.ErrStop
			}
			var chunk openai.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("parse chunk: %w", err)
			}
			if delta := chunk.DeltaContent(); delta != "" {
				select {
				case ch <- adapter.StreamEvent{Delta: delta}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			ch <- adapter.StreamEvent{Error: fmt.Errorf("%s: read stream: %w", a.name, err)}
		}
	}()

	return ch, nil
}
