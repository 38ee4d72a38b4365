package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

// LoopbackServer is an HTTP server on 127.0.0.1 that is shut down with the test.
type LoopbackServer struct {
	URL       string
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewLoopbackServer starts handler on an ephemeral IPv4 loopback port and
// registers its shutdown with t.
func NewLoopbackServer(t *testing.T, handler http.Handler) *LoopbackServer {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{DisableCompression: true}
	s := &LoopbackServer{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("loopback server: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns an HTTP client bound to the server's transport.
func (s *LoopbackServer) Client() *http.Client {
	return s.client
}

// Close stops the server and drops idle client connections.
func (s *LoopbackServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	s.transport.CloseIdleConnections()
}
