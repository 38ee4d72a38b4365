package httpserver

import (
	"net/http"

	"github.com/blogchat/chatrelay/internal/httpserver/protocol"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
}

type metricsEndpoint struct {
	server *Server
}

func newMetricsEndpoint(server *Server) protocol.Endpoint {
	return &metricsEndpoint{server: server}
}

func (e *metricsEndpoint) Name() string { return "metrics" }

func (e *metricsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.handleMetrics)},
	}
}
