package api

import (
	"context"
	"log/slog"
	"strings"
)

// Request contains route parameters and the payload following the path.
type Request struct {
	Ctx     context.Context
	Params  map[string]string
	Payload string
}

// Response holds the JSON string to return to the client.
type Response struct {
	JSON string
}

// HandlerFunc processes a request and populates the response.
// The logger is connection-scoped and carries the remote address.
type HandlerFunc func(req *Request, res *Response, logger *slog.Logger) error

// Router implements simple path pattern matching with placeholders in {name}.
type Router struct {
	routes []routeEntry
}

type routeEntry struct {
	parts []string
	// names holds the placeholder name per segment, "" for literals.
	names   []string
	handler HandlerFunc
}

// NewRouter returns a new Router instance.
func NewRouter() *Router { return &Router{} }

// Register registers a handler for a path pattern like "device/{busid}/detach".
// Literal segments match case-insensitively; placeholder names keep their case.
func (r *Router) Register(pattern string, handler HandlerFunc) {
	orig := strings.Split(pattern, "/")
	e := routeEntry{parts: make([]string, len(orig)), names: make([]string, len(orig)), handler: handler}
	for i, p := range orig {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			e.names[i] = p[1 : len(p)-1]
			continue
		}
		e.parts[i] = strings.ToLower(p)
	}
	r.routes = append(r.routes, e)
}

// Match returns the handler and params of the first matching pattern, or nil.
func (r *Router) Match(path string) (HandlerFunc, map[string]string) {
	parts := strings.Split(path, "/")
	for _, rt := range r.routes {
		if len(rt.parts) != len(parts) {
			continue
		}
		params := map[string]string{}
		ok := true
		for i, seg := range parts {
			if rt.names[i] != "" {
				params[rt.names[i]] = seg
				continue
			}
			if rt.parts[i] != strings.ToLower(seg) {
				ok = false
				break
			}
		}
		if ok {
			return rt.handler, params
		}
	}
	return nil, nil
}
