package http

import (
	"github.com/valyala/bytebufferpool"

	"github.com/searchktools/reactor/core/pools"
)

// Response is the mutable descriptor a handler fills in. The core owns its
// serialization into pool buffers, including Connection and
// Content-Length/chunked framing; any attempt by a handler to set those
// headers directly is ignored.
type Response struct {
	status      int
	headerNames []string
	headerVals  []string
	body        *bytebufferpool.ByteBuffer
	chunked     bool
}

// Reset clears the response for reuse, returning the body buffer to its
// pool.
func (r *Response) Reset() {
	r.status = 0
	r.headerNames = r.headerNames[:0]
	r.headerVals = r.headerVals[:0]
	if r.body != nil {
		bytebufferpool.Put(r.body)
		r.body = nil
	}
	r.chunked = false
}

// SetStatus sets the response status code.
func (r *Response) SetStatus(code int) { r.status = code }

// Status returns the status code, defaulting to 200 when unset.
func (r *Response) Status() int {
	if r.status == 0 {
		return 200
	}
	return r.status
}

// reservedHeader reports headers whose framing the core controls.
func reservedHeader(name string) bool {
	return equalFold([]byte(name), "Connection") ||
		equalFold([]byte(name), "Content-Length") ||
		equalFold([]byte(name), "Transfer-Encoding")
}

// SetHeader sets a header, replacing any previous value.
func (r *Response) SetHeader(name, value string) {
	if reservedHeader(name) {
		return
	}
	for i, n := range r.headerNames {
		if equalFold([]byte(n), name) {
			r.headerVals[i] = value
			return
		}
	}
	r.headerNames = append(r.headerNames, name)
	r.headerVals = append(r.headerVals, value)
}

// Header returns the value previously set for name, or "".
func (r *Response) Header(name string) string {
	for i, n := range r.headerNames {
		if equalFold([]byte(n), name) {
			return r.headerVals[i]
		}
	}
	return ""
}

// SetChunked switches the wire framing to chunked transfer encoding
// instead of Content-Length. The body is still buffered in full; only the
// framing changes.
func (r *Response) SetChunked(chunked bool) { r.chunked = chunked }

// Chunked reports the selected framing.
func (r *Response) Chunked() bool { return r.chunked }

func (r *Response) bodyBuf() *bytebufferpool.ByteBuffer {
	if r.body == nil {
		r.body = bytebufferpool.Get()
	}
	return r.body
}

// Write appends p to the response body. It implements io.Writer.
func (r *Response) Write(p []byte) (int, error) {
	return r.bodyBuf().Write(p)
}

// WriteString appends s to the response body.
func (r *Response) WriteString(s string) (int, error) {
	return r.bodyBuf().WriteString(s)
}

// BodyLen returns the buffered body length.
func (r *Response) BodyLen() int {
	if r.body == nil {
		return 0
	}
	return r.body.Len()
}

// BodyBytes exposes the buffered body, mainly for middleware that rewrites
// it (e.g. compression).
func (r *Response) BodyBytes() []byte {
	if r.body == nil {
		return nil
	}
	return r.body.B
}

// SetBody replaces the buffered body.
func (r *Response) SetBody(p []byte) {
	b := r.bodyBuf()
	b.Reset()
	b.Write(p)
}

// SerializedSize returns the exact number of bytes WriteTo will produce so
// the connection can check out a correctly sized pool buffer.
func (r *Response) SerializedSize(keepAlive bool) int {
	status := r.Status()
	n := len("HTTP/1.1 ") + 3 + 1 + len(StatusText(status)) + 2
	for i := range r.headerNames {
		n += len(r.headerNames[i]) + 2 + len(r.headerVals[i]) + 2
	}
	if keepAlive {
		n += len("Connection: keep-alive\r\n")
	} else {
		n += len("Connection: close\r\n")
	}
	bodyLen := r.BodyLen()
	if r.chunked {
		n += len("Transfer-Encoding: chunked\r\n") + 2
		if bodyLen > 0 {
			n += hexDigits(bodyLen) + 2 + bodyLen + 2
		}
		n += len("0\r\n\r\n")
	} else {
		n += len("Content-Length: ") + decimalDigits(bodyLen) + 2 + 2
		n += bodyLen
	}
	return n
}

// WriteTo serializes the response into buf. The buffer must have been
// sized with SerializedSize; running out of room is a programming error
// surfaced as ErrBufferFull.
func (r *Response) WriteTo(buf *pools.Buffer, keepAlive bool) error {
	if r.SerializedSize(keepAlive) > buf.Free() {
		return pools.ErrBufferFull
	}
	w := buf.Writable()
	n := 0

	n += copy(w[n:], "HTTP/1.1 ")
	n += writeDecimal3(w[n:], r.Status())
	w[n] = ' '
	n++
	n += copy(w[n:], StatusText(r.Status()))
	n += copy(w[n:], "\r\n")

	for i := range r.headerNames {
		n += copy(w[n:], r.headerNames[i])
		n += copy(w[n:], ": ")
		n += copy(w[n:], r.headerVals[i])
		n += copy(w[n:], "\r\n")
	}

	if keepAlive {
		n += copy(w[n:], "Connection: keep-alive\r\n")
	} else {
		n += copy(w[n:], "Connection: close\r\n")
	}

	bodyLen := r.BodyLen()
	if r.chunked {
		n += copy(w[n:], "Transfer-Encoding: chunked\r\n\r\n")
		if bodyLen > 0 {
			n += writeHex(w[n:], bodyLen)
			n += copy(w[n:], "\r\n")
			n += copy(w[n:], r.body.B)
			n += copy(w[n:], "\r\n")
		}
		n += copy(w[n:], "0\r\n\r\n")
	} else {
		n += copy(w[n:], "Content-Length: ")
		n += writeDecimal(w[n:], bodyLen)
		n += copy(w[n:], "\r\n\r\n")
		if bodyLen > 0 {
			n += copy(w[n:], r.body.B)
		}
	}

	buf.Advance(n)
	return nil
}

func decimalDigits(n int) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

func hexDigits(n int) int {
	d := 1
	for n >= 16 {
		n >>= 4
		d++
	}
	return d
}

func writeDecimal(w []byte, n int) int {
	d := decimalDigits(n)
	for i := d - 1; i >= 0; i-- {
		w[i] = byte('0' + n%10)
		n /= 10
	}
	return d
}

// writeDecimal3 writes a status code as exactly three digits.
func writeDecimal3(w []byte, n int) int {
	w[0] = byte('0' + n/100%10)
	w[1] = byte('0' + n/10%10)
	w[2] = byte('0' + n%10)
	return 3
}

const hexLower = "0123456789abcdef"

func writeHex(w []byte, n int) int {
	d := hexDigits(n)
	for i := d - 1; i >= 0; i-- {
		w[i] = hexLower[n&0xf]
		n >>= 4
	}
	return d
}
