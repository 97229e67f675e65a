package core

import "github.com/searchktools/reactor/core/http"

// Handler serves one parsed request. It runs on the event-loop goroutine
// that owns the connection, so it must not block; slow work belongs on a
// separate goroutine with its result delivered through a later request.
//
// The Request's views are valid only for the duration of the call. A
// handler that needs bytes afterwards must copy them out.
type Handler interface {
	Serve(req *http.Request, resp *http.Response)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*http.Request, *http.Response)

func (f HandlerFunc) Serve(req *http.Request, resp *http.Response) { f(req, resp) }
