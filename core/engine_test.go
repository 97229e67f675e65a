package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/logging"
)

func startEngine(t *testing.T, handler Handler, opts Options) *Engine {
	t.Helper()
	opts.Addr = "127.0.0.1"
	opts.Port = 0
	if opts.Logger == nil {
		opts.Logger = logging.NewWithWriter(logging.LevelError, io.Discard)
	}
	e, err := NewEngine(handler, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	t.Cleanup(func() {
		e.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return e
}

func dialEngine(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, raw string) string {
	t.Helper()
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	var sb strings.Builder
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		sb.WriteString(line)
		if line == "\r\n" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			fmt.Sscanf(v, "%d", &contentLength)
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	sb.Write(body)
	return sb.String()
}

func TestEngineServesOverTCP(t *testing.T) {
	e := startEngine(t, HandlerFunc(func(req *http.Request, resp *http.Response) {
		resp.SetHeader("Content-Type", "text/plain")
		resp.Write(req.Path())
		if q := req.Query(); len(q) > 0 {
			resp.WriteString("?")
			resp.Write(q)
		}
	}), Options{Loops: 2})

	conn := dialEngine(t, e)
	out := roundTrip(t, conn, "GET /ping?x=1 HTTP/1.1\r\nHost: h\r\n\r\n")
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(out, "/ping?x=1") {
		t.Errorf("response = %q", out)
	}

	// Same connection serves a second request.
	out = roundTrip(t, conn, "GET /pong HTTP/1.1\r\nHost: h\r\n\r\n")
	if !strings.HasSuffix(out, "/pong") {
		t.Errorf("second response = %q", out)
	}

	sn := e.Snapshot()
	if sn.Requests != 2 || sn.ConnsAccepted != 1 {
		t.Errorf("snapshot = %+v", sn)
	}
}

func TestEnginePostBody(t *testing.T) {
	e := startEngine(t, HandlerFunc(func(req *http.Request, resp *http.Response) {
		resp.Write(req.Body())
	}), Options{Loops: 1})

	conn := dialEngine(t, e)
	out := roundTrip(t, conn, "POST /echo HTTP/1.1\r\nHost: h\r\nContent-Length: 7\r\n\r\npayload")
	if !strings.HasSuffix(out, "payload") {
		t.Errorf("response = %q", out)
	}
}

func TestEngineConcurrentConnections(t *testing.T) {
	e := startEngine(t, HandlerFunc(func(req *http.Request, resp *http.Response) {
		resp.Write(req.Path())
	}), Options{Loops: 2})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			path := fmt.Sprintf("/c%d", i)
			raw := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", path)
			if _, err := conn.Write([]byte(raw)); err != nil {
				errs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			all, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}
			if !strings.HasSuffix(string(all), path) {
				errs <- fmt.Errorf("conn %d: bad response %q", i, all)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// Short-lived connections churn the per-loop connection counts while the
// acceptor keeps reading them for least-loaded assignment. Under the race
// detector this also proves the counter read is synchronized.
func TestEngineConnCountChurn(t *testing.T) {
	e := startEngine(t, HandlerFunc(func(req *http.Request, resp *http.Response) {
		resp.WriteString("ok")
	}), Options{Loops: 2})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			raw := "GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"
			if _, err := conn.Write([]byte(raw)); err != nil {
				errs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := io.ReadAll(conn); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Once every peer has closed, the mirrored counts settle back to zero.
	deadline := time.Now().Add(5 * time.Second)
	for {
		total := 0
		for _, l := range e.loops {
			total += l.active()
		}
		if total == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active connections did not drain, total = %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A worker loop dying must not take the engine down: the acceptor and the
// surviving loops keep serving. Connections assigned to the dead loop are
// lost, so dials retry until one lands on a live loop.
func TestEngineSurvivesLoopFailure(t *testing.T) {
	e := startEngine(t, HandlerFunc(func(req *http.Request, resp *http.Response) {
		resp.WriteString("alive")
	}), Options{Loops: 2})

	// Force one loop's poller to fail; its run returns with an error.
	e.loops[0].poller.Close()
	time.Sleep(200 * time.Millisecond)

	served := false
	for attempt := 0; attempt < 20 && !served; attempt++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		raw := "GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"
		if _, err := conn.Write([]byte(raw)); err == nil {
			conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			all, err := io.ReadAll(conn)
			if err == nil && strings.HasSuffix(string(all), "alive") {
				served = true
			}
		}
		conn.Close()
	}
	if !served {
		t.Error("no connection was served after a loop failure")
	}
}

func TestEnginePerSourceLimit(t *testing.T) {
	e := startEngine(t, HandlerFunc(func(req *http.Request, resp *http.Response) {
		resp.WriteString("ok")
	}), Options{Loops: 1, MaxConnsPerSource: 2})

	c1 := dialEngine(t, e)
	c2 := dialEngine(t, e)
	_ = roundTrip(t, c1, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	_ = roundTrip(t, c2, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")

	// Third connection from the same source is accepted then dropped.
	c3 := dialEngine(t, e)
	c3.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c3.Read(buf); err != io.EOF {
		t.Errorf("expected EOF on over-limit connection, got %v", err)
	}
}
