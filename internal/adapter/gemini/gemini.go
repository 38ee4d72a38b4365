package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/adapter/sse"
	"github.com/blogchat/chatrelay/internal/chat"
)

var _ adapter.StreamingChatAdapter = (*GeminiAdapter)(nil)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiAdapter streams responses from the Google Generative Language API.
type GeminiAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Gemini adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New creates a GeminiAdapter instance.
func New(cfg Config) (*GeminiAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
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
			timeout = 120 * time.Second // Gemini may need more time for generation
		}
		client = &http.Client{Timeout: timeout}
	}

	return &GeminiAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: client,
	}, nil
}

// CreateCompletionStream calls streamGenerateContent with alt=sse and relays text parts.
func (a *GeminiAdapter) CreateCompletionStream(ctx context.Context, req adapter.Request) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini: no messages provided")
	}
	model := strings.TrimPrefix(strings.TrimSpace(req.Model), "models/")
	if model == "" {
		return nil, errors.New("gemini: model name required")
	}

	payload, err := buildRequest(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	// Build URL: /v1beta/{model=models/*}:streamGenerateContent
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp errorEnvelope
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("gemini: %s (status=%s)", errResp.Error.Message, errResp.Error.Status)
		}
		return nil, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
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
			var chunk generateResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("parse chunk: %w", err)
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				return fmt.Errorf("upstream error: %s", chunk.Error.Message)
			}
			if reason := chunk.blockReason(); reason != "" {
				return fmt.Errorf("prompt blocked: %s", reason)
			}
			if text := chunk.text(); text != "" {
				select {
				case ch <- adapter.StreamEvent{Delta: text}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			ch <- adapter.StreamEvent{Error: fmt.Errorf("gemini: read stream: %w", err)}
		}
	}()
	return ch, nil
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (r generateResponse) blockReason() string {
	if r.PromptFeedback == nil {
		return ""
	}
	return r.PromptFeedback.BlockReason
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// buildRequest maps the history onto Gemini contents. Gemini names the
// assistant role "model" and takes system text as systemInstruction.
func buildRequest(history chat.History) (generateRequest, error) {
	var (
		out    generateRequest
		system []string
	)
	for _, msg := range history {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, msg.Content)
		case chat.RoleAssistant:
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: msg.Content}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: msg.Content}}})
		}
	}
	if len(out.Contents) == 0 {
		return generateRequest{}, errors.New("no user/assistant messages after filtering system messages")
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}
	return out, nil
}
