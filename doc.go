/*
Package reactor provides an event-loop HTTP/1.1 server built directly on
epoll/kqueue, with size-classed buffer pooling and a zero-copy streaming
request parser.

Each event loop runs on its own locked OS thread and owns its connections
outright: socket I/O, parsing, dispatch and response serialization for a
connection all happen on one goroutine, so per-connection state needs no
locks. Request data stays in the pooled read buffer from recv to handler;
the parser hands out offset views into that buffer instead of copies, and
a generation counter catches any view that outlives its buffer.

Quick start:

	package main

	import (
	    "github.com/searchktools/reactor/app"
	    "github.com/searchktools/reactor/config"
	    "github.com/searchktools/reactor/core/http"
	    "github.com/searchktools/reactor/router"
	)

	func main() {
	    a := app.New(config.Default())
	    a.Router().GET("/hello", func(req *http.Request, resp *http.Response, _ *router.Params) {
	        resp.WriteString("Hello, World!")
	    })
	    if err := a.Run(); err != nil {
	        a.Logger().Errorf("server: %v", err)
	    }
	}

Layout:

  - app: lifecycle wiring and signal handling
  - config: layered configuration with live reload
  - core: engine, event loops, acceptor, connection state machine
  - core/http: streaming parser, request views, response serialization
  - core/pools: size-classed buffer pool and GC tuning
  - core/poller: epoll/kqueue readiness notification
  - core/observability: counters and snapshot encoding
  - router: path routing with parameter capture
  - middleware: logging, recovery, CORS, gzip
  - logging: leveled colored logger
*/
package reactor
