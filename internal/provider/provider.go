// Package provider maps a provider kind to a per-request streaming adapter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blogchat/chatrelay/internal/adapter"
	anthropicadapter "github.com/blogchat/chatrelay/internal/adapter/anthropic"
	geminiadapter "github.com/blogchat/chatrelay/internal/adapter/gemini"
	"github.com/blogchat/chatrelay/internal/adapter/langchain"
	"github.com/blogchat/chatrelay/internal/adapter/loopback"
	openaiadapter "github.com/blogchat/chatrelay/internal/adapter/openai"
	"github.com/blogchat/chatrelay/internal/chat"
)

// Engine selects the adapter implementation family.
type Engine string

const (
	EngineNative    Engine = "native"
	EngineLangChain Engine = "langchain"
	// EngineLoopback echoes the caller's last message for every kind.
	EngineLoopback Engine = "loopback"
)

// DeepSeekBaseURL is the fixed OpenAI-compatible endpoint used for deepseek.
const DeepSeekBaseURL = "https://api.deepseek.com"

// ErrUnknownProvider is returned by Resolve for kinds outside the table.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Settings are the per-kind knobs that are not supplied by the caller.
type Settings struct {
	DefaultModel string
	BaseURL      string
}

// Credentials is what a factory needs to build one adapter for one request.
type Credentials struct {
	APIKey   string
	Model    string
	Settings Settings
}

// Factory builds an adapter bound to the caller's key.
type Factory func(ctx context.Context, creds Credentials) (adapter.StreamingChatAdapter, error)

// Options configures a Table.
type Options struct {
	Engine           Engine
	UpstreamTimeout  time.Duration
	AnthropicVersion string
	// Overrides replace individual non-empty fields of the built-in settings.
	Overrides map[chat.ProviderKind]Settings
}

// Info describes one table entry for listing.
type Info struct {
	Kind         chat.ProviderKind `json:"provider"`
	DefaultModel string            `json:"defaultModel"`
}

// Table is the fixed Kind -> Factory mapping.
type Table struct {
	mu        sync.RWMutex
	engine    Engine
	settings  map[chat.ProviderKind]Settings
	factories map[chat.ProviderKind]Factory
}

// DefaultSettings returns the built-in defaults for every kind.
func DefaultSettings() map[chat.ProviderKind]Settings {
	return map[chat.ProviderKind]Settings{
		chat.ProviderDeepSeek:  {DefaultModel: "deepseek-chat", BaseURL: DeepSeekBaseURL},
		chat.ProviderOpenAI:    {DefaultModel: "gpt-4o-mini"},
		chat.ProviderAnthropic: {DefaultModel: "claude-3-5-sonnet-20241022"},
		chat.ProviderGoogle:    {DefaultModel: "gemini-1.5-flash"},
	}
}

// ParseEngine normalises an engine name; empty selects native.
func ParseEngine(s string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case "", EngineNative:
		return EngineNative, nil
	case EngineLangChain:
		return EngineLangChain, nil
	case EngineLoopback:
		return EngineLoopback, nil
	default:
		return "", fmt.Errorf("provider: unknown engine %q", s)
	}
}

// New builds the table for the selected engine.
func New(opts Options) (*Table, error) {
	engine, err := ParseEngine(string(opts.Engine))
	if err != nil {
		return nil, err
	}
	settings := DefaultSettings()
	for kind, o := range opts.Overrides {
		s, ok := settings[kind]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
		}
		if o.DefaultModel != "" {
			s.DefaultModel = o.DefaultModel
		}
		if o.BaseURL != "" {
			s.BaseURL = o.BaseURL
		}
		settings[kind] = s
	}

	t := &Table{engine: engine, settings: settings}
	switch engine {
	case EngineLangChain:
		t.factories = langchainFactories(opts)
	case EngineLoopback:
		t.factories = loopbackFactories()
	default:
		t.factories = nativeFactories(opts)
	}
	return t, nil
}

// Engine reports the engine the table was built with.
func (t *Table) Engine() Engine {
	return t.engine
}

// Register replaces the factory for an existing kind.
func (t *Table) Register(kind chat.ProviderKind, f Factory) error {
	if f == nil {
		return errors.New("provider: factory cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.settings[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	t.factories[kind] = f
	return nil
}

// DefaultModel returns the model used when the caller does not name one.
func (t *Table) DefaultModel(kind chat.ProviderKind) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.settings[kind]
	return s.DefaultModel, ok
}

// List returns the table entries sorted by kind.
func (t *Table) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.settings))
	for kind, s := range t.settings {
		out = append(out, Info{Kind: kind, DefaultModel: s.DefaultModel})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Resolve builds an adapter for kind with apiKey and returns it with the
// effective model (the caller's override, else the kind's default).
func (t *Table) Resolve(ctx context.Context, kind chat.ProviderKind, apiKey, model string) (adapter.StreamingChatAdapter, string, error) {
	t.mu.RLock()
	settings, ok := t.settings[kind]
	factory := t.factories[kind]
	t.mu.RUnlock()
	if !ok || factory == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}

	resolved := strings.TrimSpace(model)
	if resolved == "" {
		resolved = settings.DefaultModel
	}
	a, err := factory(ctx, Credentials{APIKey: apiKey, Model: resolved, Settings: settings})
	if err != nil {
		return nil, "", err
	}
	return a, resolved, nil
}

func nativeFactories(opts Options) map[chat.ProviderKind]Factory {
	return map[chat.ProviderKind]Factory{
		chat.ProviderDeepSeek: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return openaiadapter.New(openaiadapter.Config{
				Name:           "deepseek",
				APIKey:         c.APIKey,
				BaseURL:        c.Settings.BaseURL,
				RequestTimeout: opts.UpstreamTimeout,
			})
		},
		chat.ProviderOpenAI: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return openaiadapter.New(openaiadapter.Config{
				APIKey:         c.APIKey,
				BaseURL:        c.Settings.BaseURL,
				RequestTimeout: opts.UpstreamTimeout,
			})
		},
		chat.ProviderAnthropic: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return anthropicadapter.New(anthropicadapter.Config{
				APIKey:         c.APIKey,
				BaseURL:        c.Settings.BaseURL,
				Version:        opts.AnthropicVersion,
				RequestTimeout: opts.UpstreamTimeout,
			})
		},
		chat.ProviderGoogle: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return geminiadapter.New(geminiadapter.Config{
				APIKey:         c.APIKey,
				BaseURL:        c.Settings.BaseURL,
				RequestTimeout: opts.UpstreamTimeout,
			})
		},
	}
}

func langchainFactories(opts Options) map[chat.ProviderKind]Factory {
	config := func(c Credentials) langchain.Config {
		return langchain.Config{
			APIKey:         c.APIKey,
			BaseURL:        c.Settings.BaseURL,
			Model:          c.Model,
			RequestTimeout: opts.UpstreamTimeout,
		}
	}
	return map[chat.ProviderKind]Factory{
		chat.ProviderDeepSeek: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return langchain.NewOpenAI("deepseek", config(c))
		},
		chat.ProviderOpenAI: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return langchain.NewOpenAI("openai", config(c))
		},
		chat.ProviderAnthropic: func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return langchain.NewAnthropic(config(c))
		},
		chat.ProviderGoogle: func(ctx context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
			return langchain.NewGoogle(ctx, config(c))
		},
	}
}

func loopbackFactories() map[chat.ProviderKind]Factory {
	out := make(map[chat.ProviderKind]Factory, len(chat.ProviderKinds()))
	for _, kind := range chat.ProviderKinds() {
		kind := kind
		out[kind] = func(context.Context, Credentials) (adapter.StreamingChatAdapter, error) {
			return loopback.New(kind), nil
		}
	}
	return out
}
