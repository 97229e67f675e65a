package http

import (
	"bytes"

	"github.com/searchktools/reactor/core/pools"
)

// View is a half-open byte range [Start, End) in absolute buffer offsets.
// Header and body fields are recorded as views instead of copies.
type View struct {
	Start int
	End   int
}

// Len returns the number of bytes the view covers.
func (v View) Len() int { return v.End - v.Start }

func (v View) empty() bool { return v.End <= v.Start }

// shift rebases the view after a buffer compaction moved data left.
func (v View) shift(delta int) View {
	if v.empty() {
		return v
	}
	return View{Start: v.Start - delta, End: v.End - delta}
}

// HeaderView is one header line as a name/value view pair.
type HeaderView struct {
	Name  View
	Value View
}

// Request is a zero-copy view over a connection's read buffer. It is valid
// only until the buffer's data is advanced or the buffer is reclaimed;
// every accessor checks the buffer generation recorded at parse time and
// panics on a stale view, so use-after-advance bugs fail loudly instead of
// returning another request's bytes.
type Request struct {
	buf *pools.Buffer
	gen uint64

	method View
	target View
	proto  View
	path   View
	query  View

	headers []HeaderView
	body    View

	contentLength int
	chunked       bool
	http11        bool
	connClose     bool
	connKeepAlive bool
}

func (r *Request) resolve(v View) []byte {
	if r.buf == nil {
		return nil
	}
	if r.buf.Generation() != r.gen {
		panic("http: request view outlived its buffer")
	}
	if v.empty() {
		return nil
	}
	return r.buf.At(v.Start, v.End)
}

// Method returns the request method bytes, e.g. "GET".
func (r *Request) Method() []byte { return r.resolve(r.method) }

// Target returns the full request target as sent, query included.
func (r *Request) Target() []byte { return r.resolve(r.target) }

// Path returns the target with any query string stripped.
func (r *Request) Path() []byte { return r.resolve(r.path) }

// Query returns the raw query string without the leading '?', or nil.
func (r *Request) Query() []byte { return r.resolve(r.query) }

// Proto returns the protocol bytes, e.g. "HTTP/1.1".
func (r *Request) Proto() []byte { return r.resolve(r.proto) }

// Body returns the request body, de-chunked if the transfer encoding was
// chunked, or nil when there is none.
func (r *Request) Body() []byte { return r.resolve(r.body) }

// HeaderCount returns the number of parsed header lines.
func (r *Request) HeaderCount() int { return len(r.headers) }

// HeaderAt returns the name and value of header line i.
func (r *Request) HeaderAt(i int) (name, value []byte) {
	h := r.headers[i]
	return r.resolve(h.Name), r.resolve(h.Value)
}

// Header returns the value of the first header matching name
// (ASCII case-insensitive), or nil.
func (r *Request) Header(name []byte) []byte {
	for _, h := range r.headers {
		if bytes.EqualFold(r.resolve(h.Name), name) {
			return r.resolve(h.Value)
		}
	}
	return nil
}

// ContentLength returns the declared body length, 0 when absent.
func (r *Request) ContentLength() int { return r.contentLength }

// Chunked reports whether the body arrived with chunked transfer encoding.
func (r *Request) Chunked() bool { return r.chunked }

// KeepAlive reports whether the connection should persist after this
// request. HTTP/1.1 defaults to persistent unless "Connection: close";
// HTTP/1.0 defaults to close unless "Connection: keep-alive". This decision
// belongs to the core, not the handler.
func (r *Request) KeepAlive() bool {
	if r.http11 {
		return !r.connClose
	}
	return r.connKeepAlive
}

// IsHTTP11 reports whether the request used HTTP/1.1.
func (r *Request) IsHTTP11() bool { return r.http11 }

// Invalidate detaches the request from its buffer so late accessor calls
// panic predictably. The connection calls this after dispatch returns,
// right before the underlying bytes are consumed.
func (r *Request) Invalidate() {
	r.buf = nil
	r.headers = nil
}
