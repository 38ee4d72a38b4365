package anthropic

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

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/adapter/sse"
	"github.com/blogchat/chatrelay/internal/chat"
)

var _ adapter.StreamingChatAdapter = (*AnthropicAdapter)(nil)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 4096
)

// AnthropicAdapter streams responses from the Anthropic Messages API (Claude).
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	version    string // API version header
	maxTokens  int
}

// Config holds configuration for the Anthropic adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	MaxTokens      int    // optional, Anthropic requires max_tokens on every call
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New creates an AnthropicAdapter instance.
func New(cfg Config) (*AnthropicAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = DefaultVersion
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &AnthropicAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		version:    version,
		maxTokens:  maxTokens,
		httpClient: client,
	}, nil
}

// CreateCompletionStream sends a streaming request to Anthropic and relays text deltas.
func (a *AnthropicAdapter) CreateCompletionStream(ctx context.Context, req adapter.Request) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("anthropic: model name required")
	}

	messages, systemPrompt, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	payload := messagesRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    systemPrompt,
		MaxTokens: a.maxTokens,
		Stream:    true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp errorEnvelope
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("anthropic: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("anthropic: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	ch := make(chan adapter.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		err := sse.Read(ctx, resp.Body, func(ev sse.Event) error {
			payload := strings.TrimSpace(ev.Data)
			// Some servers send keepalive pings with '{}'
			if payload == "" || payload == "{}" || payload == "[DONE]" {
				return nil
			}
			var evt streamEvent
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				return fmt.Errorf("parse stream: %w", err)
			}
			switch {
			case evt.Type == "content_block_delta" && evt.Delta.Type == "text_delta" && evt.Delta.Text != "":
				select {
				case ch <- adapter.StreamEvent{Delta: evt.Delta.Text}:
				case <-ctx.Done():
					return ctx.Err()
				}
			case evt.Type == "error":
				return fmt.Errorf("upstream error: %s (type=%s)", evt.Error.Message, evt.Error.Type)
			case evt.Type == "message_stop" || ev.Name == "message_stop":
				return sse.ErrStop
			}
			return nil
		})
		if err != nil {
			ch <- adapter.StreamEvent{Error: fmt.Errorf("anthropic: read stream: %w", err)}
		}
	}()
	return ch, nil
}

type messagesRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

// anthropicMessage represents a message in Anthropic's format.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type errorEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Streaming event minimal schema
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// convertMessages lifts system messages into the top-level system prompt and
// maps the remaining history onto Anthropic's user/assistant turns.
func convertMessages(history chat.History) ([]anthropicMessage, string, error) {
	var (
		messages     []anthropicMessage
		systemPrompt string
	)
	for _, msg := range history {
		if msg.Role == chat.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		role := "user"
		if msg.Role == chat.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
		})
	}
	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}
	return messages, systemPrompt, nil
}
