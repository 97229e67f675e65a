package http

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/searchktools/reactor/core/pools"
)

func serialize(t *testing.T, r *Response, keepAlive bool) []byte {
	t.Helper()
	buf := pools.NewBuffer(64 * 1024)
	if err := r.WriteTo(buf, keepAlive); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	return buf.Bytes()
}

func TestResponseDefault(t *testing.T) {
	r := &Response{}
	r.WriteString("ok")
	out := string(serialize(t, r, true))

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line wrong: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 2\r\n") {
		t.Errorf("missing content length: %q", out)
	}
	if !strings.Contains(out, "Connection: keep-alive\r\n") {
		t.Errorf("missing connection header: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nok") {
		t.Errorf("body framing wrong: %q", out)
	}
}

func TestResponseConnectionClose(t *testing.T) {
	r := &Response{}
	r.SetStatus(StatusNotFound)
	out := string(serialize(t, r, false))

	if !strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("status line wrong: %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Errorf("missing close header: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 0\r\n") {
		t.Errorf("empty body still needs a length: %q", out)
	}
}

func TestResponseReservedHeadersIgnored(t *testing.T) {
	r := &Response{}
	r.SetHeader("Connection", "upgrade")
	r.SetHeader("Content-Length", "9999")
	r.SetHeader("Transfer-Encoding", "gzip")
	r.SetHeader("X-Custom", "yes")
	r.WriteString("abc")
	out := string(serialize(t, r, true))

	if strings.Contains(out, "upgrade") || strings.Contains(out, "9999") || strings.Contains(out, "gzip") {
		t.Errorf("reserved header leaked: %q", out)
	}
	if !strings.Contains(out, "X-Custom: yes\r\n") {
		t.Errorf("custom header missing: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 3\r\n") {
		t.Errorf("framing must reflect the real body: %q", out)
	}
}

func TestResponseChunked(t *testing.T) {
	r := &Response{}
	r.SetChunked(true)
	r.WriteString("hello world")
	out := serialize(t, r, true)

	if !bytes.Contains(out, []byte("Transfer-Encoding: chunked\r\n")) {
		t.Errorf("missing chunked header: %q", out)
	}
	if !bytes.HasSuffix(out, []byte("b\r\nhello world\r\n0\r\n\r\n")) {
		t.Errorf("chunked framing wrong: %q", out)
	}
	if bytes.Contains(out, []byte("Content-Length")) {
		t.Errorf("chunked response must not carry a length: %q", out)
	}
}

func TestResponseSerializedSizeExact(t *testing.T) {
	cases := []func(*Response){
		func(r *Response) { r.WriteString("plain") },
		func(r *Response) { r.SetStatus(StatusInternalServerError); r.SetHeader("Retry-After", "1") },
		func(r *Response) { r.SetChunked(true); r.WriteString(strings.Repeat("x", 300)) },
		func(r *Response) {},
	}

	for i, build := range cases {
		for _, keepAlive := range []bool{true, false} {
			r := &Response{}
			build(r)
			out := serialize(t, r, keepAlive)
			if got := r.SerializedSize(keepAlive); got != len(out) {
				t.Errorf("case %d keepAlive=%v: SerializedSize = %d, wrote %d", i, keepAlive, got, len(out))
			}
			r.Reset()
		}
	}
}

func TestResponseWriteToFull(t *testing.T) {
	r := &Response{}
	r.WriteString(strings.Repeat("z", 256))

	buf := pools.NewBuffer(64)
	err := r.WriteTo(buf, true)
	if !errors.Is(err, pools.ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("failed write must not leave partial bytes, got %d", buf.Len())
	}
}

func TestResponseResetReuse(t *testing.T) {
	r := &Response{}
	r.SetStatus(StatusCreated)
	r.SetHeader("X-A", "1")
	r.WriteString("first")
	_ = serialize(t, r, true)

	r.Reset()
	if r.Status() != StatusOK || r.BodyLen() != 0 {
		t.Errorf("reset did not clear response: status=%d bodyLen=%d", r.Status(), r.BodyLen())
	}
	r.WriteString("second")
	out := string(serialize(t, r, true))
	if strings.Contains(out, "X-A") || strings.Contains(out, "first") {
		t.Errorf("stale state after reset: %q", out)
	}
}

func TestStatusText(t *testing.T) {
	if StatusText(StatusOK) != "OK" {
		t.Errorf("200 text = %q", StatusText(StatusOK))
	}
	if StatusText(StatusPayloadTooLarge) != "Payload Too Large" {
		t.Errorf("413 text = %q", StatusText(StatusPayloadTooLarge))
	}
	if StatusText(999) == "" {
		t.Error("unknown status must still have a reason phrase")
	}
}
