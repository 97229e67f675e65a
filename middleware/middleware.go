// Package middleware provides composable wrappers around the engine's
// Handler: access logging, panic recovery, CORS and response compression.
package middleware

import (
	"time"

	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/logging"
)

// Middleware wraps a Handler with extra behavior.
type Middleware func(core.Handler) core.Handler

// Chain applies middlewares outermost first: Chain(h, a, b) serves a(b(h)).
func Chain(h core.Handler, mws ...Middleware) core.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Logger emits one access line per request with method, path, status and
// handler latency.
func Logger(log *logging.Logger) Middleware {
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, resp *http.Response) {
			start := time.Now()
			next.Serve(req, resp)
			log.Infof("%s %s -> %d (%s)", req.Method(), req.Target(), resp.Status(), time.Since(start))
		})
	}
}

// Recovery converts a panic below it into a 500 instead of letting it
// reach the engine, which would also close the connection.
func Recovery(log *logging.Logger) Middleware {
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, resp *http.Response) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("panic serving %s %s: %v", req.Method(), req.Target(), r)
					resp.Reset()
					resp.SetStatus(http.StatusInternalServerError)
					resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
					resp.WriteString("internal server error")
				}
			}()
			next.Serve(req, resp)
		})
	}
}
