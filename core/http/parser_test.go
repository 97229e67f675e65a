package http

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/searchktools/reactor/core/pools"
)

func newTestBuffer(size int) *pools.Buffer {
	return pools.NewBuffer(size)
}

func mustWrite(t *testing.T, buf *pools.Buffer, p []byte) {
	t.Helper()
	if _, err := buf.Write(p); err != nil {
		t.Fatalf("buffer write failed: %v", err)
	}
}

// parseAll feeds the whole input at once and requires a complete request.
func parseAll(t *testing.T, input []byte) (*Parser, *pools.Buffer, *Request) {
	t.Helper()
	buf := newTestBuffer(64 * 1024)
	mustWrite(t, buf, input)

	p := NewParser(DefaultLimits())
	p.Reset(0)
	done, err := p.Parse(buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !done {
		t.Fatal("Expected complete request")
	}
	req := &Request{}
	p.Finish(req, buf)
	return p, buf, req
}

func TestParseSimpleGet(t *testing.T) {
	_, _, req := parseAll(t, []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	if string(req.Method()) != "GET" {
		t.Errorf("method = %q", req.Method())
	}
	if string(req.Target()) != "/index.html" {
		t.Errorf("target = %q", req.Target())
	}
	if string(req.Proto()) != "HTTP/1.1" {
		t.Errorf("proto = %q", req.Proto())
	}
	if string(req.Header([]byte("Host"))) != "example.com" {
		t.Errorf("Host = %q", req.Header([]byte("Host")))
	}
	if req.HeaderCount() != 1 {
		t.Errorf("header count = %d", req.HeaderCount())
	}
	if !req.KeepAlive() {
		t.Error("HTTP/1.1 without Connection header must keep alive")
	}
}

func TestParseQuerySplit(t *testing.T) {
	_, _, req := parseAll(t, []byte("GET /search?q=go&limit=10 HTTP/1.1\r\nHost: a\r\n\r\n"))

	if string(req.Path()) != "/search" {
		t.Errorf("path = %q", req.Path())
	}
	if string(req.Query()) != "q=go&limit=10" {
		t.Errorf("query = %q", req.Query())
	}
}

func TestParseContentLengthBody(t *testing.T) {
	_, _, req := parseAll(t, []byte("POST /submit HTTP/1.1\r\nHost: a\r\nContent-Length: 11\r\n\r\nhello world"))

	if string(req.Body()) != "hello world" {
		t.Errorf("body = %q", req.Body())
	}
	if req.ContentLength() != 11 {
		t.Errorf("content length = %d", req.ContentLength())
	}
}

func TestParseChunkedBody(t *testing.T) {
	input := []byte("POST /up HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	_, _, req := parseAll(t, input)

	if !req.Chunked() {
		t.Error("expected chunked request")
	}
	if string(req.Body()) != "hello world" {
		t.Errorf("body = %q", req.Body())
	}
}

func TestParseChunkedWithExtensionAndTrailer(t *testing.T) {
	input := []byte("POST /up HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"b;ext=1\r\nhello world\r\n0\r\nX-Checksum: abc\r\n\r\n")
	_, _, req := parseAll(t, input)

	if string(req.Body()) != "hello world" {
		t.Errorf("body = %q", req.Body())
	}
}

func TestParseHTTP10Defaults(t *testing.T) {
	_, _, req := parseAll(t, []byte("GET / HTTP/1.0\r\nHost: a\r\n\r\n"))
	if req.KeepAlive() {
		t.Error("HTTP/1.0 without keep-alive must close")
	}

	_, _, req = parseAll(t, []byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
	if !req.KeepAlive() {
		t.Error("HTTP/1.0 with keep-alive must persist")
	}
}

func TestParseConnectionClose(t *testing.T) {
	_, _, req := parseAll(t, []byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n"))
	if req.KeepAlive() {
		t.Error("Connection: close must not keep alive")
	}
}

// The central incremental-parsing property: every split of a valid request
// into two chunks yields exactly the same fields as one-shot parsing.
func TestParseSplitInvariance(t *testing.T) {
	inputs := [][]byte{
		[]byte("GET /a/b?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"),
		[]byte("POST /data HTTP/1.1\r\nHost: h\r\nContent-Length: 16\r\n\r\n0123456789abcdef"),
		[]byte("PUT /c HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n"),
	}

	for _, input := range inputs {
		_, _, want := parseAll(t, input)
		wantMethod := string(want.Method())
		wantTarget := string(want.Target())
		wantBody := string(want.Body())
		wantHeaders := want.HeaderCount()

		for split := 1; split < len(input); split++ {
			buf := newTestBuffer(64 * 1024)
			p := NewParser(DefaultLimits())
			p.Reset(0)

			mustWrite(t, buf, input[:split])
			done, err := p.Parse(buf)
			if err != nil {
				t.Fatalf("split %d: unexpected error on first chunk: %v", split, err)
			}
			if done {
				// Valid only if the split is past the logical end.
				t.Fatalf("split %d: request complete before all bytes arrived", split)
			}

			mustWrite(t, buf, input[split:])
			done, err = p.Parse(buf)
			if err != nil {
				t.Fatalf("split %d: unexpected error on second chunk: %v", split, err)
			}
			if !done {
				t.Fatalf("split %d: request not complete after all bytes", split)
			}

			req := &Request{}
			p.Finish(req, buf)
			if string(req.Method()) != wantMethod ||
				string(req.Target()) != wantTarget ||
				string(req.Body()) != wantBody ||
				req.HeaderCount() != wantHeaders {
				t.Fatalf("split %d: fields diverge from one-shot parse", split)
			}
		}
	}
}

// Byte-at-a-time delivery is the worst case of the same property.
func TestParseByteAtATime(t *testing.T) {
	input := []byte("POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nabcde")

	buf := newTestBuffer(4096)
	p := NewParser(DefaultLimits())
	p.Reset(0)

	for i, b := range input {
		mustWrite(t, buf, []byte{b})
		done, err := p.Parse(buf)
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if done != (i == len(input)-1) {
			t.Fatalf("byte %d: done = %v", i, done)
		}
	}

	req := &Request{}
	p.Finish(req, buf)
	if string(req.Body()) != "abcde" {
		t.Errorf("body = %q", req.Body())
	}
}

func TestParsePipelinedRequests(t *testing.T) {
	input := []byte("GET /first HTTP/1.1\r\nHost: h\r\n\r\n" +
		"GET /second HTTP/1.1\r\nHost: h\r\n\r\n")

	buf := newTestBuffer(4096)
	mustWrite(t, buf, input)
	p := NewParser(DefaultLimits())
	p.Reset(0)

	var targets []string
	for i := 0; i < 2; i++ {
		done, err := p.Parse(buf)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !done {
			t.Fatalf("request %d not complete", i)
		}
		req := &Request{}
		p.Finish(req, buf)
		targets = append(targets, string(req.Target()))

		// The connection consumes the request bytes, then restarts the
		// parser at the buffer's read cursor without any compaction.
		buf.Consume(p.Pos() - buf.ReadPos())
		p.Reset(buf.ReadPos())
	}

	if targets[0] != "/first" || targets[1] != "/second" {
		t.Errorf("targets = %v", targets)
	}
}

func TestParseRebaseAfterCompaction(t *testing.T) {
	first := []byte("GET /one HTTP/1.1\r\nHost: h\r\n\r\n")
	partial := []byte("GET /two HTTP/1.1\r\nHost: h")
	rest := []byte("\r\n\r\n")

	buf := newTestBuffer(len(first) + len(partial)) // full after both writes
	mustWrite(t, buf, first)
	mustWrite(t, buf, partial)

	p := NewParser(DefaultLimits())
	p.Reset(0)
	done, err := p.Parse(buf)
	if err != nil || !done {
		t.Fatalf("first request: done=%v err=%v", done, err)
	}
	buf.Consume(p.Pos() - buf.ReadPos())
	p.Reset(buf.ReadPos())

	// Second request is mid-parse and the buffer is full: compact and
	// rebase, the only copy the steady-state path permits.
	done, err = p.Parse(buf)
	if err != nil || done {
		t.Fatalf("partial second request: done=%v err=%v", done, err)
	}
	delta := buf.ReadPos()
	buf.Compact()
	p.Rebase(delta)

	mustWrite(t, buf, rest)
	done, err = p.Parse(buf)
	if err != nil || !done {
		t.Fatalf("after compaction: done=%v err=%v", done, err)
	}
	req := &Request{}
	p.Finish(req, buf)
	if string(req.Target()) != "/two" {
		t.Errorf("target = %q", req.Target())
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		status int
	}{
		{"garbage request line", "NOT A REQUEST\r\n\r\n", 400},
		{"missing proto", "GET /\r\n\r\n", 400},
		{"bad proto", "GET / HTTP/2.0\r\n\r\n", 400},
		{"header without colon", "GET / HTTP/1.1\r\nBadHeader\r\n\r\n", 400},
		{"space in header name", "GET / HTTP/1.1\r\nBad Name: x\r\n\r\n", 400},
		{"bad content length", "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", 400},
		{"negative content length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", 400},
		{"duplicate content length", "POST / HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nab", 400},
		{"conflicting framing", "POST / HTTP/1.1\r\nContent-Length: 2\r\nTransfer-Encoding: chunked\r\n\r\n", 400},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", 400},
		{"huge body", "POST / HTTP/1.1\r\nContent-Length: 99999999\r\n\r\n", 413},
		{"overflowing content length", "POST / HTTP/1.1\r\nContent-Length: 18446744073709551616\r\n\r\n", 400},
		{"overflowing chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nffffffffffffffff0\r\n", 400},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := newTestBuffer(64 * 1024)
			mustWrite(t, buf, []byte(tc.input))
			p := NewParser(DefaultLimits())
			p.Reset(0)

			_, err := p.Parse(buf)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if pe.Status != tc.status {
				t.Errorf("status = %d, want %d", pe.Status, tc.status)
			}
		})
	}
}

// A Content-Length that wraps the integer range must be fatal. A wrapped
// value of zero would end the request at the header block and leave the
// body bytes in the buffer to be parsed as a pipelined request.
func TestParseContentLengthWrapRejected(t *testing.T) {
	input := []byte("POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 18446744073709551616\r\n\r\nGET /x HTTP/1.1\r\n\r\n")
	buf := newTestBuffer(4096)
	mustWrite(t, buf, input)

	p := NewParser(DefaultLimits())
	p.Reset(0)
	done, err := p.Parse(buf)
	if done {
		t.Fatal("wrapped Content-Length accepted as complete request")
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Status != 400 {
		t.Fatalf("expected 400 ParseError, got %v", err)
	}
}

func TestParseConnectionListTokens(t *testing.T) {
	_, _, req := parseAll(t, []byte("GET / HTTP/1.1\r\nHost: h\r\nConnection: close, foo\r\n\r\n"))
	if req.KeepAlive() {
		t.Error("close inside a Connection list must not keep alive")
	}

	_, _, req = parseAll(t, []byte("GET / HTTP/1.0\r\nHost: h\r\nConnection: keep-alive, TE\r\n\r\n"))
	if !req.KeepAlive() {
		t.Error("keep-alive inside a Connection list must persist")
	}
}

func TestParseHeaderLimits(t *testing.T) {
	limits := Limits{MaxLineLen: 64, MaxHeaders: 4, MaxBodySize: 1024}

	t.Run("line too long", func(t *testing.T) {
		buf := newTestBuffer(4096)
		long := bytes.Repeat([]byte("a"), 100)
		mustWrite(t, buf, []byte("GET / HTTP/1.1\r\nX-Long: "))
		mustWrite(t, buf, long)

		p := NewParser(limits)
		p.Reset(0)
		_, err := p.Parse(buf)
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Status != 400 {
			t.Fatalf("expected 400 ParseError, got %v", err)
		}
	})

	t.Run("too many headers", func(t *testing.T) {
		buf := newTestBuffer(4096)
		mustWrite(t, buf, []byte("GET / HTTP/1.1\r\n"))
		for i := 0; i < 6; i++ {
			mustWrite(t, buf, []byte(fmt.Sprintf("X-H%d: v\r\n", i)))
		}
		mustWrite(t, buf, []byte("\r\n"))

		p := NewParser(limits)
		p.Reset(0)
		_, err := p.Parse(buf)
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Status != 400 {
			t.Fatalf("expected 400 ParseError, got %v", err)
		}
	})

	t.Run("trailers count toward limit", func(t *testing.T) {
		buf := newTestBuffer(4096)
		mustWrite(t, buf, []byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n"))
		for i := 0; i < 6; i++ {
			mustWrite(t, buf, []byte(fmt.Sprintf("X-T%d: v\r\n", i)))
		}
		mustWrite(t, buf, []byte("\r\n"))

		p := NewParser(limits)
		p.Reset(0)
		_, err := p.Parse(buf)
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Status != 400 {
			t.Fatalf("expected 400 ParseError, got %v", err)
		}
	})
}

func TestRequestViewStaleAccessPanics(t *testing.T) {
	pool := pools.NewBufferPool()
	buf, err := pool.Checkout(4096)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	buf.Write([]byte("GET /x HTTP/1.1\r\nHost: h\r\n\r\n"))

	p := NewParser(DefaultLimits())
	p.Reset(0)
	done, err := p.Parse(buf)
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	req := &Request{}
	p.Finish(req, buf)

	// Releasing bumps the generation; the view is now stale.
	pool.Release(buf)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on stale view access")
		}
	}()
	_ = req.Method()
}

func BenchmarkParseSimpleRequest(b *testing.B) {
	input := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\nUser-Agent: bench\r\n\r\n")
	buf := newTestBuffer(4096)
	p := NewParser(DefaultLimits())
	req := &Request{}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		buf.Write(input)
		p.Reset(0)
		done, err := p.Parse(buf)
		if err != nil || !done {
			b.Fatalf("done=%v err=%v", done, err)
		}
		p.Finish(req, buf)
	}
}
