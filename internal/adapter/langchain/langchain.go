// Package langchain streams completions through langchaingo provider clients.
// It is the alternative to the hand-written HTTP adapters, selected with
// engine=langchain.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	lcanthropic "github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/chat"
)

var _ adapter.StreamingChatAdapter = (*Adapter)(nil)

// Adapter wraps an llms.Model behind StreamingChatAdapter.
type Adapter struct {
	name string
	llm  llms.Model
}

// Config carries the credentials handed to a langchaingo client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

// New wraps an existing model. name prefixes errors.
func New(name string, llm llms.Model) *Adapter {
	return &Adapter{name: name, llm: llm}
}

// NewOpenAI builds an OpenAI-compatible client. DeepSeek reuses it with its own base URL.
func NewOpenAI(name string, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key required", name)
	}
	opts := []lcopenai.Option{
		lcopenai.WithToken(cfg.APIKey),
		lcopenai.WithHTTPClient(httpClient(cfg.RequestTimeout)),
	}
	if cfg.Model != "" {
		opts = append(opts, lcopenai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return New(name, llm), nil
}

// NewAnthropic builds a Claude client.
func NewAnthropic(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []lcanthropic.Option{
		lcanthropic.WithToken(cfg.APIKey),
		lcanthropic.WithHTTPClient(httpClient(cfg.RequestTimeout)),
	}
	if cfg.Model != "" {
		opts = append(opts, lcanthropic.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lcanthropic.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/v1"))
	}
	llm, err := lcanthropic.New(opts...)
	if err != nil {
		return nil, err
	}
	return New("anthropic", llm), nil
}

// NewGoogle builds a Gemini client. The base URL is not configurable here.
func NewGoogle(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("google: api key required")
	}
	opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(cfg.Model))
	}
	llm, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return New("google", llm), nil
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// CreateCompletionStream runs GenerateContent with a streaming callback and
// forwards every chunk. Models that ignore the callback still produce one
// delta carrying the full response.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req adapter.Request) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%s: no messages provided", a.name)
	}
	messages := make([]llms.MessageContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, llms.TextParts(messageType(msg.Role), msg.Content))
	}

	opts := []llms.CallOption{}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}

	ch := make(chan adapter.StreamEvent, 100)
	go func() {
		defer close(ch)

		streamed := false
		streamingFunc := func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			select {
			case ch <- adapter.StreamEvent{Delta: string(chunk)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		resp, err := a.llm.GenerateContent(ctx, messages, append(opts, llms.WithStreamingFunc(streamingFunc))...)
		if err != nil {
			ch <- adapter.StreamEvent{Error: fmt.Errorf("%s: %w", a.name, err)}
			return
		}
		if !streamed && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
			ch <- adapter.StreamEvent{Delta: resp.Choices[0].Content}
		}
	}()
	return ch, nil
}

func messageType(role chat.Role) llms.ChatMessageType {
	switch role {
	case chat.RoleSystem:
		return llms.ChatMessageTypeSystem
	case chat.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
