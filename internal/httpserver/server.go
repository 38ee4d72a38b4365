package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/httpserver/protocol"
	"github.com/blogchat/chatrelay/internal/metrics"
	"github.com/blogchat/chatrelay/internal/observability"
	"github.com/blogchat/chatrelay/internal/provider"
	"github.com/blogchat/chatrelay/internal/version"
)

// maxRequestBytes caps the relay request body.
const maxRequestBytes = 8 << 20

// Server exposes the relay endpoint and its supporting routes.
// It holds no per-conversation state; every request carries its full history.
type Server struct {
	providers *provider.Table
	metrics   *metrics.Collector
	tracer    trace.Tracer
	// logging
	logger   *log.Logger
	logLevel string
	started  time.Time
}

// New creates a Server that resolves adapters through providers.
func New(providers *provider.Table) *Server {
	return &Server{
		providers: providers,
		tracer:    observability.Tracer(),
		logger:    log.Default(),
		logLevel:  "info",
		started:   time.Now(),
	}
}

// SetLogger configures the log level and destination.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics enables counters and the /metrics route.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// SetTracer overrides the tracer taken from the global provider.
func (s *Server) SetTracer(t trace.Tracer) {
	if t != nil {
		s.tracer = t
	}
}

// Router returns the HTTP handler with every relay endpoint mounted.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	endpoints := []protocol.Endpoint{
		newChatEndpoint(s),
		newProvidersEndpoint(s),
		newHealthEndpoint(s),
	}
	if s.metrics != nil {
		endpoints = append(endpoints, newMetricsEndpoint(s))
	}
	s.registerEndpoints(r, endpoints...)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, route := range protocol.Mount(r, endpoints...) {
		s.debugf("registered route %s", route)
	}
}

// HandleHealth reports liveness. The relay has no backing stores to probe.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  int64(time.Since(s.started).Seconds()),
		"version": version.Info(),
		"engine":  s.providers.Engine(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"providers": s.providers.List()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, code string, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, chat.ErrorResponse{Error: err.Error(), Code: code})
}
