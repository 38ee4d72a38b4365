package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/metrics"
	"github.com/blogchat/chatrelay/internal/provider"
	"github.com/blogchat/chatrelay/internal/textstream"
)

type fakeAdapter struct {
	events   []adapter.StreamEvent
	startErr error
	got      adapter.Request
}

func (f *fakeAdapter) CreateCompletionStream(_ context.Context, req adapter.Request) (<-chan adapter.StreamEvent, error) {
	f.got = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan adapter.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeProviders struct {
	table     *provider.Table
	adapter   *fakeAdapter
	factories int
	creds     provider.Credentials
	buildErr  error
}

func newFakeProviders(t *testing.T, events ...adapter.StreamEvent) *fakeProviders {
	t.Helper()
	table, err := provider.New(provider.Options{})
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	fp := &fakeProviders{table: table, adapter: &fakeAdapter{events: events}}
	for _, kind := range chat.ProviderKinds() {
		if err := table.Register(kind, func(_ context.Context, c provider.Credentials) (adapter.StreamingChatAdapter, error) {
			fp.factories++
			fp.creds = c
			if fp.buildErr != nil {
				return nil, fp.buildErr
			}
			return fp.adapter, nil
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return fp
}

func newTestServer(fp *fakeProviders) *Server {
	srv := New(fp.table)
	srv.SetLogger("debug", log.New(io.Discard, "", 0))
	srv.SetMetrics(metrics.NewCollector())
	return srv
}

func postChat(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) chat.ErrorResponse {
	t.Helper()
	var resp chat.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestChatValidation(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		message string
		code    string
	}{
		{"missing messages", `{"provider":"openai","apiKey":"sk"}`, "Messages are required", CodeMissingMessages},
		{"null messages", `{"messages":null,"provider":"openai","apiKey":"sk"}`, "Messages are required", CodeMissingMessages},
		{"messages not an array", `{"messages":"hi","provider":"openai","apiKey":"sk"}`, "Messages are required", CodeMissingMessages},
		{"body not an object", `[1,2,3]`, "Messages are required", CodeMissingMessages},
		{"malformed body", `{"messages":`, "Messages are required", CodeMissingMessages},
		{"messages checked before key", `{"provider":"mistral"}`, "Messages are required", CodeMissingMessages},
		{"missing key", `{"messages":[],"provider":"openai"}`, "API key is required", CodeMissingCredential},
		{"empty key", `{"messages":[],"provider":"openai","apiKey":""}`, "API key is required", CodeMissingCredential},
		{"whitespace key", `{"messages":[],"provider":"openai","apiKey":"   "}`, "API key is required", CodeMissingCredential},
		{"non-string key", `{"messages":[],"provider":"openai","apiKey":42}`, "API key is required", CodeMissingCredential},
		{"key checked before provider", `{"messages":[],"provider":"mistral"}`, "API key is required", CodeMissingCredential},
		{"unknown provider", `{"messages":[],"provider":"mistral","apiKey":"sk"}`, "Invalid provider", CodeUnknownProvider},
		{"missing provider", `{"messages":[{"role":"user","content":"hi"}],"apiKey":"sk"}`, "Invalid provider", CodeUnknownProvider},
		{"provider is case sensitive", `{"messages":[],"provider":"OpenAI","apiKey":"sk"}`, "Invalid provider", CodeUnknownProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := newFakeProviders(t)
			rr := postChat(t, newTestServer(fp), tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rr.Code, rr.Body.String())
			}
			resp := decodeError(t, rr)
			if resp.Error != tc.message || resp.Code != tc.code {
				t.Fatalf("error = %+v, want %q/%q", resp, tc.message, tc.code)
			}
			if fp.factories != 0 {
				t.Fatalf("adapter factory invoked %d times for rejected request", fp.factories)
			}
		})
	}
}

func TestChatStreamsRecords(t *testing.T) {
	fp := newFakeProviders(t,
		adapter.StreamEvent{Delta: "Hello"},
		adapter.StreamEvent{Delta: ""},
		adapter.StreamEvent{Delta: " world"},
	)
	srv := newTestServer(fp)
	body := `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello"},{"role":"user","content":"Again"}],"provider":"openai","apiKey":"  sk-test  "}`
	rr := postChat(t, srv, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	if got := rr.Body.String(); got != "0:\"Hello\"\n0:\" world\"\n" {
		t.Fatalf("body = %q", got)
	}
	if !rr.Flushed {
		t.Fatal("expected records to be flushed")
	}
	if fp.creds.APIKey != "sk-test" || fp.creds.Model != "gpt-4o-mini" {
		t.Fatalf("credentials = %+v", fp.creds)
	}
	if fp.adapter.got.Model != "gpt-4o-mini" || len(fp.adapter.got.Messages) != 4 {
		t.Fatalf("adapter request = %+v", fp.adapter.got)
	}
	if fp.adapter.got.Messages[0].Role != chat.RoleSystem || fp.adapter.got.Messages[3].Content != "Again" {
		t.Fatalf("history not forwarded in order: %+v", fp.adapter.got.Messages)
	}

	var text strings.Builder
	if _, err := textstream.NewDecoder(strings.NewReader(rr.Body.String())).ReadAll(func(d string) { text.WriteString(d) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text.String() != "Hello world" {
		t.Fatalf("decoded %q", text.String())
	}
}

func TestChatDefaultModels(t *testing.T) {
	want := map[chat.ProviderKind]string{
		chat.ProviderDeepSeek:  "deepseek-chat",
		chat.ProviderOpenAI:    "gpt-4o-mini",
		chat.ProviderAnthropic: "claude-3-5-sonnet-20241022",
		chat.ProviderGoogle:    "gemini-1.5-flash",
	}
	for kind, model := range want {
		fp := newFakeProviders(t, adapter.StreamEvent{Delta: "ok"})
		rr := postChat(t, newTestServer(fp), fmt.Sprintf(`{"messages":[{"role":"user","content":"hi"}],"provider":%q,"apiKey":"sk"}`, kind))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", kind, rr.Code)
		}
		if fp.adapter.got.Model != model {
			t.Errorf("%s: model = %q, want %q", kind, fp.adapter.got.Model, model)
		}
	}

	fp := newFakeProviders(t, adapter.StreamEvent{Delta: "ok"})
	postChat(t, newTestServer(fp), `{"messages":[{"role":"user","content":"hi"}],"provider":"anthropic","apiKey":"sk","model":"claude-3-haiku-20240307"}`)
	if fp.adapter.got.Model != "claude-3-haiku-20240307" {
		t.Errorf("override model = %q", fp.adapter.got.Model)
	}
}

func TestChatProviderFailures(t *testing.T) {
	t.Run("adapter configuration", func(t *testing.T) {
		fp := newFakeProviders(t)
		fp.buildErr = errors.New("openai: api key required")
		rr := postChat(t, newTestServer(fp), `{"messages":[],"provider":"openai","apiKey":"sk"}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rr.Code)
		}
		if resp := decodeError(t, rr); resp.Error != "openai: api key required" || resp.Code != CodeProviderFailure {
			t.Fatalf("error = %+v", resp)
		}
	})
	t.Run("stream start", func(t *testing.T) {
		fp := newFakeProviders(t)
		fp.adapter.startErr = errors.New("openai: Incorrect API key provided")
		rr := postChat(t, newTestServer(fp), `{"messages":[{"role":"user","content":"hi"}],"provider":"openai","apiKey":"bad"}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rr.Code)
		}
		if resp := decodeError(t, rr); resp.Error != "openai: Incorrect API key provided" {
			t.Fatalf("error = %+v", resp)
		}
	})
	t.Run("error before first delta", func(t *testing.T) {
		fp := newFakeProviders(t, adapter.StreamEvent{Error: errors.New("quota exceeded")})
		rr := postChat(t, newTestServer(fp), `{"messages":[{"role":"user","content":"hi"}],"provider":"google","apiKey":"sk"}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rr.Code)
		}
		if resp := decodeError(t, rr); resp.Error != "quota exceeded" {
			t.Fatalf("error = %+v", resp)
		}
	})
	t.Run("empty message falls back", func(t *testing.T) {
		fp := newFakeProviders(t)
		fp.adapter.startErr = errors.New("")
		rr := postChat(t, newTestServer(fp), `{"messages":[],"provider":"deepseek","apiKey":"sk"}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rr.Code)
		}
		if resp := decodeError(t, rr); resp.Error != "Internal server error" {
			t.Fatalf("error = %+v", resp)
		}
	})
}

func TestChatMidStreamErrorEndsBody(t *testing.T) {
	fp := newFakeProviders(t,
		adapter.StreamEvent{Delta: "Par"},
		adapter.StreamEvent{Delta: "tial"},
		adapter.StreamEvent{Error: errors.New("connection reset")},
		adapter.StreamEvent{Delta: "never"},
	)
	srv := newTestServer(fp)
	rr := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"provider":"deepseek","apiKey":"sk"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Body.String(); got != "0:\"Par\"\n0:\"tial\"\n" {
		t.Fatalf("body = %q", got)
	}
	snap := srv.metrics.GetSnapshot()
	if snap.UpstreamFailures["deepseek"] != 1 || snap.DeltasByProvider["deepseek"] != 2 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestChatEmptyStream(t *testing.T) {
	fp := newFakeProviders(t)
	rr := postChat(t, newTestServer(fp), `{"messages":[{"role":"user","content":"hi"}],"provider":"openai","apiKey":"sk"}`)
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Fatalf("status = %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestChatDeepSeekUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-ds" {
			t.Errorf("Authorization = %q", auth)
		}
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "deepseek-chat" || !body.Stream {
			t.Errorf("upstream body = %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"你好\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"\\n\\\"ok\\\"\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	table, err := provider.New(provider.Options{Overrides: map[chat.ProviderKind]provider.Settings{
		chat.ProviderDeepSeek: {BaseURL: upstream.URL},
	}})
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	srv := New(table)
	srv.SetLogger("info", log.New(io.Discard, "", 0))

	rr := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"provider":"deepseek","apiKey":"sk-ds"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "0:\"你好\"\n0:\"\\n\\\"ok\\\"\"\n" {
		t.Fatalf("body = %q", got)
	}
}

func TestSupportingRoutes(t *testing.T) {
	fp := newFakeProviders(t)
	srv := newTestServer(fp)
	router := srv.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/providers", nil))
	var listing struct {
		Providers []provider.Info `json:"providers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil || len(listing.Providers) != 4 {
		t.Fatalf("providers = %s (%v)", rr.Body.String(), err)
	}

	postChat(t, srv, `{"messages":[],"provider":"x","apiKey":"sk"}`)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `chatrelay_rejected_requests_total{code="unknown_provider"} 1`) {
		t.Fatalf("metrics = %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/chat = %d", rr.Code)
	}
}

func TestMetricsRouteDisabled(t *testing.T) {
	fp := newFakeProviders(t)
	srv := New(fp.table)
	srv.SetLogger("info", log.New(io.Discard, "", 0))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
