// Package client drives one chat turn against the relay: it checks local
// preconditions, commits the user message, posts the history and folds the
// streamed reply back into the conversation store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/conversation"
	"github.com/blogchat/chatrelay/internal/provider"
	"github.com/blogchat/chatrelay/internal/textstream"
	"github.com/blogchat/chatrelay/internal/version"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	ErrEmptyInput     = errors.New("message is empty")
	ErrNoConversation = errors.New("no conversation selected")
	ErrBusy           = errors.New("a reply is still streaming")
)

const requestFailedMessage = "chat request failed"

// MissingKeyError reports that the current provider has no stored API key.
type MissingKeyError struct {
	Provider chat.ProviderKind
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("configure the %s API key first", e.Provider)
}

// RelayError is a non-2xx relay response.
type RelayError struct {
	Status  int
	Code    string
	Message string
}

func (e *RelayError) Error() string { return e.Message }

// Turn is the outcome of a completed Send.
type Turn struct {
	ConversationID string
	User           conversation.Message
	// Assistant is nil when the stream ended without any text.
	Assistant *conversation.Message
}

// Consumer sends turns for the store's current conversation.
type Consumer struct {
	relayURL   *url.URL
	httpClient HTTPClient
	store      *conversation.Store
	logger     *log.Logger
	streaming  atomic.Bool

	// OnDelta receives each text delta as it arrives.
	OnDelta func(delta string)
}

// NewConsumer constructs a consumer posting to relayURL.
func NewConsumer(relayURL string, store *conversation.Store, httpClient HTTPClient) (*Consumer, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid relay URL %q", relayURL)
	}
	if store == nil {
		return nil, errors.New("client: store is required")
	}
	if httpClient == nil {
		// No overall timeout; a reply streams for as long as the upstream writes.
		httpClient = &http.Client{}
	}
	return &Consumer{relayURL: parsed, httpClient: httpClient, store: store}, nil
}

// SetLogger enables debug logging of each turn.
func (c *Consumer) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// Streaming reports whether a Send is in flight.
func (c *Consumer) Streaming() bool {
	return c.streaming.Load()
}

// Send runs one turn. The user message is committed before the network call
// and stays committed whatever happens afterwards. The assistant reply is
// committed once the stream ends, unless it is empty.
func (c *Consumer) Send(ctx context.Context, input string) (Turn, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return Turn{}, ErrEmptyInput
	}
	if !c.streaming.CompareAndSwap(false, true) {
		return Turn{}, ErrBusy
	}
	defer c.streaming.Store(false)

	conv, ok := c.store.CurrentConversation()
	if !ok {
		return Turn{}, ErrNoConversation
	}
	kind := c.store.CurrentProvider()
	settings, _ := c.store.ProviderSettings(kind)
	if strings.TrimSpace(settings.APIKey) == "" {
		return Turn{}, &MissingKeyError{Provider: kind}
	}

	userMsg, err := c.store.Append(ctx, conv.ID, chat.RoleUser, text)
	if err != nil {
		return Turn{}, err
	}
	turn := Turn{ConversationID: conv.ID, User: userMsg}

	history := append(conv.History(), chat.Message{Role: chat.RoleUser, Content: text})
	c.debugf("send conversation=%s provider=%s messages=%d key=%s", conv.ID, kind, len(history), chat.RedactKey(settings.APIKey))

	body, err := c.post(ctx, chat.Request{
		Messages: history,
		Provider: kind,
		APIKey:   settings.APIKey,
		Model:    settings.Model,
	})
	if err != nil {
		return turn, err
	}
	defer body.Close()

	reply, err := textstream.NewDecoder(body).ReadAll(c.OnDelta)
	if err != nil {
		return turn, fmt.Errorf("read reply: %w", err)
	}
	if reply == "" {
		c.debugf("empty reply conversation=%s", conv.ID)
		return turn, nil
	}
	assistant, err := c.store.Append(ctx, conv.ID, chat.RoleAssistant, reply)
	if err != nil {
		return turn, err
	}
	turn.Assistant = &assistant
	return turn, nil
}

// Providers lists what the relay can route to.
func (c *Consumer) Providers(ctx context.Context) ([]provider.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/providers"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent("chatctl"))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, decodeRelayError(resp)
	}
	var out struct {
		Providers []provider.Info `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}
	return out.Providers, nil
}

func (c *Consumer) post(ctx context.Context, payload chat.Request) (io.ReadCloser, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/chat"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("chatctl"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeRelayError(resp)
	}
	return resp.Body, nil
}

func (c *Consumer) endpoint(path string) string {
	rel := &url.URL{Path: strings.TrimSuffix(c.relayURL.Path, "/") + path}
	return c.relayURL.ResolveReference(rel).String()
}

func decodeRelayError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	rerr := &RelayError{Status: resp.StatusCode, Message: requestFailedMessage}
	var payload chat.ErrorResponse
	if err := json.Unmarshal(data, &payload); err == nil {
		rerr.Code = payload.Code
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			rerr.Message = msg
		}
	}
	return rerr
}

func (c *Consumer) debugf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("DEBUG "+format, args...)
	}
}
