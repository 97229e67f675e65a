// Package router matches request paths against registered routes. Patterns
// are segment based: "/users/:id/posts" captures id, "/static/*rest"
// captures the remainder of the path.
package router

import (
	"fmt"
	"strings"

	"github.com/searchktools/reactor/core/http"
)

// Params carries captured path segments. Values alias the request buffer
// and are valid only for the duration of the handler call.
type Params struct {
	names  []string
	values [][]byte
}

// Get returns the captured value for name, or nil.
func (p *Params) Get(name string) []byte {
	for i, n := range p.names {
		if n == name {
			return p.values[i]
		}
	}
	return nil
}

func (p *Params) reset() {
	p.names = p.names[:0]
	p.values = p.values[:0]
}

func (p *Params) add(name string, value []byte) {
	p.names = append(p.names, name)
	p.values = append(p.values, value)
}

// Handler is a route endpoint. Unlike the engine's handler it also
// receives the captured parameters.
type Handler interface {
	Serve(req *http.Request, resp *http.Response, ps *Params)
}

type HandlerFunc func(*http.Request, *http.Response, *Params)

func (f HandlerFunc) Serve(req *http.Request, resp *http.Response, ps *Params) { f(req, resp, ps) }

type node struct {
	static map[string]*node
	param  *node

	paramName string
	catchAll  string // non-empty when this node ends in *name
	handlers  map[string]Handler
	catchers  map[string]Handler
}

func newNode() *node {
	return &node{static: make(map[string]*node)}
}

// Router dispatches by method and path. Registration is not synchronized:
// register every route before serving, the way main does.
type Router struct {
	root     *node
	notFound Handler
}

func New() *Router {
	return &Router{
		root: newNode(),
		notFound: HandlerFunc(func(req *http.Request, resp *http.Response, _ *Params) {
			resp.SetStatus(http.StatusNotFound)
			resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
			resp.WriteString("not found")
		}),
	}
}

// NotFound replaces the default 404 handler.
func (r *Router) NotFound(h Handler) { r.notFound = h }

// Handle registers a route. It panics on a malformed pattern, surfacing
// typos at startup rather than at request time.
func (r *Router) Handle(method, pattern string, h Handler) {
	if pattern == "" || pattern[0] != '/' {
		panic(fmt.Sprintf("router: pattern %q must start with /", pattern))
	}

	n := r.root
	rest := pattern[1:]
	for rest != "" {
		seg, tail, _ := strings.Cut(rest, "/")
		rest = tail

		switch {
		case strings.HasPrefix(seg, "*"):
			if rest != "" {
				panic(fmt.Sprintf("router: pattern %q has segments after the wildcard", pattern))
			}
			n.catchAll = seg[1:]
			if n.catchers == nil {
				n.catchers = make(map[string]Handler)
			}
			n.catchers[method] = h
			return
		case strings.HasPrefix(seg, ":"):
			if n.param == nil {
				n.param = newNode()
				n.param.paramName = seg[1:]
			} else if n.param.paramName != seg[1:] {
				panic(fmt.Sprintf("router: conflicting parameter names %q and %q", n.param.paramName, seg[1:]))
			}
			n = n.param
		default:
			child, ok := n.static[seg]
			if !ok {
				child = newNode()
				n.static[seg] = child
			}
			n = child
		}
	}

	if n.handlers == nil {
		n.handlers = make(map[string]Handler)
	}
	if _, dup := n.handlers[method]; dup {
		panic(fmt.Sprintf("router: duplicate route %s %s", method, pattern))
	}
	n.handlers[method] = h
}

func (r *Router) GET(pattern string, h HandlerFunc)    { r.Handle("GET", pattern, h) }
func (r *Router) POST(pattern string, h HandlerFunc)   { r.Handle("POST", pattern, h) }
func (r *Router) PUT(pattern string, h HandlerFunc)    { r.Handle("PUT", pattern, h) }
func (r *Router) DELETE(pattern string, h HandlerFunc) { r.Handle("DELETE", pattern, h) }
func (r *Router) HEAD(pattern string, h HandlerFunc)   { r.Handle("HEAD", pattern, h) }

// Serve implements the engine's Handler interface. It runs on an event
// loop, so the lookup allocates nothing on the static fast path.
func (r *Router) Serve(req *http.Request, resp *http.Response) {
	var ps Params
	h := r.lookup(req.Method(), req.Path(), &ps)
	if h == nil {
		r.notFound.Serve(req, resp, &ps)
		return
	}
	h.Serve(req, resp, &ps)
}

func (r *Router) lookup(method, path []byte, ps *Params) Handler {
	ps.reset()
	n := r.root
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	for len(path) > 0 {
		seg := path
		rest := []byte(nil)
		if i := indexByte(path, '/'); i >= 0 {
			seg, rest = path[:i], path[i+1:]
		}

		if child, ok := n.static[string(seg)]; ok {
			n, path = child, rest
			continue
		}
		if n.param != nil && len(seg) > 0 {
			ps.add(n.param.paramName, seg)
			n, path = n.param, rest
			continue
		}
		if n.catchAll != "" {
			ps.add(n.catchAll, path)
			return n.catchers[methodKey(method)]
		}
		return nil
	}

	if n.handlers != nil {
		if h := n.handlers[methodKey(method)]; h != nil {
			return h
		}
	}
	// A trailing wildcard also matches the empty remainder.
	if n.catchAll != "" {
		ps.add(n.catchAll, nil)
		return n.catchers[methodKey(method)]
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// methodKey interns the common methods so map lookups do not allocate.
func methodKey(m []byte) string {
	switch string(m) {
	case "GET":
		return "GET"
	case "POST":
		return "POST"
	case "PUT":
		return "PUT"
	case "DELETE":
		return "DELETE"
	case "HEAD":
		return "HEAD"
	case "OPTIONS":
		return "OPTIONS"
	case "PATCH":
		return "PATCH"
	}
	return string(m)
}
