// Package protocol describes groups of routes mounted on the relay router.
package protocol

import "net/http"

// EndpointRoute is one method/path pair.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named set of routes.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}

// Mounter is satisfied by chi.Router.
type Mounter interface {
	Method(method, pattern string, h http.Handler)
}

// Mount registers every route of every non-nil endpoint and returns the
// "METHOD path" strings that were mounted.
func Mount(r Mounter, endpoints ...Endpoint) []string {
	var mounted []string
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
			mounted = append(mounted, route.Method+" "+route.Path)
		}
	}
	return mounted
}
