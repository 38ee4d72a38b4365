package httpserver

import (
	"net/http"

	"github.com/blogchat/chatrelay/internal/httpserver/protocol"
)

type chatEndpoint struct {
	server *Server
}

func newChatEndpoint(server *Server) protocol.Endpoint {
	return &chatEndpoint{server: server}
}

func (e *chatEndpoint) Name() string { return "chat" }

func (e *chatEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/chat", Handler: http.HandlerFunc(e.server.handleChat)},
	}
}

type providersEndpoint struct {
	server *Server
}

func newProvidersEndpoint(server *Server) protocol.Endpoint {
	return &providersEndpoint{server: server}
}

func (e *providersEndpoint) Name() string { return "providers" }

func (e *providersEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/providers", Handler: http.HandlerFunc(e.server.handleProviders)},
	}
}
