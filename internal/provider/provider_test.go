package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blogchat/chatrelay/internal/adapter"
	anthropicadapter "github.com/blogchat/chatrelay/internal/adapter/anthropic"
	geminiadapter "github.com/blogchat/chatrelay/internal/adapter/gemini"
	"github.com/blogchat/chatrelay/internal/adapter/langchain"
	"github.com/blogchat/chatrelay/internal/adapter/loopback"
	openaiadapter "github.com/blogchat/chatrelay/internal/adapter/openai"
	"github.com/blogchat/chatrelay/internal/chat"
)

func TestResolveDefaults(t *testing.T) {
	table, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if table.Engine() != EngineNative {
		t.Fatalf("engine = %q, want native", table.Engine())
	}

	cases := []struct {
		kind  chat.ProviderKind
		model string
		check func(adapter.StreamingChatAdapter) bool
	}{
		{chat.ProviderDeepSeek, "deepseek-chat", func(a adapter.StreamingChatAdapter) bool { _, ok := a.(*openaiadapter.OpenAIAdapter); return ok }},
		{chat.ProviderOpenAI, "gpt-4o-mini", func(a adapter.StreamingChatAdapter) bool { _, ok := a.(*openaiadapter.OpenAIAdapter); return ok }},
		{chat.ProviderAnthropic, "claude-3-5-sonnet-20241022", func(a adapter.StreamingChatAdapter) bool {
			_, ok := a.(*anthropicadapter.AnthropicAdapter)
			return ok
		}},
		{chat.ProviderGoogle, "gemini-1.5-flash", func(a adapter.StreamingChatAdapter) bool { _, ok := a.(*geminiadapter.GeminiAdapter); return ok }},
	}
	for _, tc := range cases {
		a, model, err := table.Resolve(context.Background(), tc.kind, "sk-test", "")
		if err != nil {
			t.Fatalf("Resolve(%s): %v", tc.kind, err)
		}
		if model != tc.model {
			t.Errorf("Resolve(%s) model = %q, want %q", tc.kind, model, tc.model)
		}
		if !tc.check(a) {
			t.Errorf("Resolve(%s) adapter type %T", tc.kind, a)
		}
	}
}

func TestResolveModelOverride(t *testing.T) {
	table, _ := New(Options{})
	_, model, err := table.Resolve(context.Background(), chat.ProviderOpenAI, "sk-test", " gpt-4o ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if model != "gpt-4o" {
		t.Fatalf("model = %q, want gpt-4o", model)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	table, _ := New(Options{})
	called := false
	for _, kind := range chat.ProviderKinds() {
		_ = table.Register(kind, func(context.Context, Credentials) (adapter.StreamingChatAdapter, error) {
			called = true
			return nil, nil
		})
	}
	for _, kind := range []chat.ProviderKind{"mistral", "", "OpenAI"} {
		_, _, err := table.Resolve(context.Background(), kind, "sk-test", "")
		if !errors.Is(err, ErrUnknownProvider) {
			t.Errorf("Resolve(%q) err = %v, want ErrUnknownProvider", kind, err)
		}
	}
	if called {
		t.Fatal("factory invoked for unknown provider")
	}
}

func TestResolveFactoryError(t *testing.T) {
	table, _ := New(Options{})
	_, _, err := table.Resolve(context.Background(), chat.ProviderAnthropic, "", "")
	if err == nil {
		t.Fatal("expected configuration error for empty key")
	}
}

func TestRegisterPassesCredentials(t *testing.T) {
	table, _ := New(Options{Overrides: map[chat.ProviderKind]Settings{
		chat.ProviderDeepSeek: {BaseURL: "http://upstream.test"},
	}})
	var got Credentials
	if err := table.Register(chat.ProviderDeepSeek, func(_ context.Context, c Credentials) (adapter.StreamingChatAdapter, error) {
		got = c
		return nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := table.Resolve(context.Background(), chat.ProviderDeepSeek, "sk-ds", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.APIKey != "sk-ds" || got.Model != "deepseek-chat" || got.Settings.BaseURL != "http://upstream.test" {
		t.Fatalf("credentials = %+v", got)
	}
	if err := table.Register("mistral", func(context.Context, Credentials) (adapter.StreamingChatAdapter, error) { return nil, nil }); err == nil {
		t.Fatal("expected error registering unknown kind")
	}
}

func TestLangChainEngine(t *testing.T) {
	table, err := New(Options{Engine: "LangChain"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _, err := table.Resolve(context.Background(), chat.ProviderDeepSeek, "sk-ds", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := a.(*langchain.Adapter); !ok {
		t.Fatalf("adapter type %T, want *langchain.Adapter", a)
	}

	if _, err := New(Options{Engine: "grpc"}); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestLoopbackEngine(t *testing.T) {
	table, err := New(Options{Engine: EngineLoopback})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, kind := range chat.ProviderKinds() {
		a, model, err := table.Resolve(context.Background(), kind, "any-key", "")
		if err != nil {
			t.Fatalf("Resolve %s: %v", kind, err)
		}
		if _, ok := a.(*loopback.LoopbackAdapter); !ok {
			t.Fatalf("adapter type %T, want *loopback.LoopbackAdapter", a)
		}
		if model == "" {
			t.Fatalf("expected default model for %s", kind)
		}
	}
}

func TestListSorted(t *testing.T) {
	table, _ := New(Options{Overrides: map[chat.ProviderKind]Settings{
		chat.ProviderGoogle: {DefaultModel: "gemini-2.0-flash"},
	}})
	list := table.List()
	if len(list) != 4 {
		t.Fatalf("got %d entries", len(list))
	}
	if list[0].Kind != chat.ProviderAnthropic || list[3].Kind != chat.ProviderOpenAI {
		t.Fatalf("unexpected order %+v", list)
	}
	if m, _ := table.DefaultModel(chat.ProviderGoogle); m != "gemini-2.0-flash" {
		t.Fatalf("google default = %q", m)
	}
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	data := []byte("providers:\n  deepseek:\n    default_model: deepseek-reasoner\n  openai:\n    base_url: http://proxy.test/v1\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	overrides, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if overrides[chat.ProviderDeepSeek].DefaultModel != "deepseek-reasoner" {
		t.Errorf("deepseek = %+v", overrides[chat.ProviderDeepSeek])
	}

	table, err := New(Options{Overrides: overrides})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m, _ := table.DefaultModel(chat.ProviderDeepSeek); m != "deepseek-reasoner" {
		t.Errorf("deepseek default = %q", m)
	}
	if m, _ := table.DefaultModel(chat.ProviderOpenAI); m != "gpt-4o-mini" {
		t.Errorf("openai default = %q", m)
	}

	if _, err := ParseCatalog([]byte("providers:\n  mistral:\n    default_model: x\n")); err == nil {
		t.Error("expected error for unknown provider in catalog")
	}
	if _, err := LoadCatalog(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
