package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/textstream"
)

// relayBody keeps every field raw so each one is validated independently,
// in the documented order, regardless of what the others contain.
type relayBody struct {
	Messages json.RawMessage `json:"messages"`
	Provider json.RawMessage `json:"provider"`
	APIKey   json.RawMessage `json:"apiKey"`
	Model    json.RawMessage `json:"model"`
}

// relayRequest is a validated relay call.
type relayRequest struct {
	Messages chat.History
	Provider chat.ProviderKind
	APIKey   string
	Model    string
}

// decodeRelayRequest validates messages, then the key, then the provider.
func (s *Server) decodeRelayRequest(r io.Reader) (relayRequest, *RequestError) {
	var body relayBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return relayRequest{}, badRequest(CodeMissingMessages, ErrMissingMessages)
	}

	var req relayRequest
	raw := bytes.TrimSpace(body.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return relayRequest{}, badRequest(CodeMissingMessages, ErrMissingMessages)
	}
	if err := json.Unmarshal(raw, &req.Messages); err != nil {
		return relayRequest{}, badRequest(CodeMissingMessages, ErrMissingMessages)
	}

	req.APIKey = strings.TrimSpace(rawString(body.APIKey))
	if req.APIKey == "" {
		return relayRequest{}, badRequest(CodeMissingCredential, ErrMissingCredential)
	}

	req.Provider = chat.ProviderKind(rawString(body.Provider))
	if _, ok := s.providers.DefaultModel(req.Provider); !ok {
		return relayRequest{}, badRequest(CodeUnknownProvider, ErrUnknownProvider)
	}

	req.Model = strings.TrimSpace(rawString(body.Model))
	return req, nil
}

// rawString returns the decoded value of a JSON string, or "" for anything else.
func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	req, rerr := s.decodeRelayRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if rerr != nil {
		s.debugf("chat rejected code=%s", rerr.Code)
		if s.metrics != nil {
			s.metrics.RecordReject(rerr.Code)
		}
		s.respondError(w, rerr.Status, rerr.Code, rerr)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "relay.chat", trace.WithAttributes(
		attribute.String("chat.provider", string(req.Provider)),
		attribute.Int("chat.messages", len(req.Messages)),
	))
	defer span.End()

	provider := string(req.Provider)
	s.debugf("chat request provider=%s model=%q messages=%d key=%s", provider, req.Model, len(req.Messages), chat.RedactKey(req.APIKey))

	stream, model, err := s.providers.Resolve(ctx, req.Provider, req.APIKey, req.Model)
	if err != nil {
		s.failProvider(w, span, provider, "configure adapter", err)
		return
	}
	span.SetAttributes(attribute.String("chat.model", model))

	if s.metrics != nil {
		s.metrics.RecordStreamStart(provider)
	}
	var streamErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordStreamEnd(provider, time.Since(reqStart), streamErr)
		}
	}()

	ch, err := stream.CreateCompletionStream(ctx, adapter.Request{Model: model, Messages: req.Messages})
	if err != nil {
		streamErr = err
		s.failProvider(w, span, provider, "start stream", err)
		return
	}
	// Drain whatever the adapter still sends once we stop reading.
	defer func() {
		cancel()
		go func() {
			for range ch {
			}
		}()
	}()

	// The first event decides between a 500 and a streamed 200.
	first, open := <-ch
	if open && first.IsError() {
		streamErr = first.Error
		s.failProvider(w, span, provider, "start stream", first.Error)
		return
	}

	w.Header().Set("Content-Type", textstream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	out := textstream.NewWriter(w)

	write := func(delta string) bool {
		before := out.Bytes()
		if err := out.WriteText(delta); err != nil {
			s.debugf("chat client write failed provider=%s: %v", provider, err)
			return false
		}
		if s.metrics != nil && delta != "" {
			s.metrics.RecordDelta(provider, out.Bytes()-before)
		}
		return true
	}

	if open && write(first.Delta) {
		for ev := range ch {
			if ev.IsError() {
				streamErr = ev.Error
				// Headers are committed; the error can only be logged.
				s.logger.Printf("relay stream error provider=%s model=%s after %d records: %v", provider, model, out.Records(), ev.Error)
				span.RecordError(ev.Error)
				span.SetStatus(codes.Error, "stream interrupted")
				break
			}
			if !write(ev.Delta) {
				break
			}
		}
	}
	if r.Context().Err() != nil {
		s.debugf("chat client disconnected provider=%s", provider)
	}
	span.SetAttributes(attribute.Int("chat.records", out.Records()))
	s.debugf("chat done provider=%s model=%s records=%d bytes=%d dur=%s", provider, model, out.Records(), out.Bytes(), time.Since(reqStart))
}

// failProvider reports a 500 before any body byte has been written.
func (s *Server) failProvider(w http.ResponseWriter, span trace.Span, provider, stage string, err error) {
	s.logger.Printf("relay %s failed provider=%s: %v", stage, provider, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	rerr := providerFailure(err)
	s.respondError(w, rerr.Status, rerr.Code, rerr)
}
