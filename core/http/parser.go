package http

import (
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/reactor/core/pools"
)

// unsafeString views a byte slice as a string without allocation. The
// result must not outlive the slice.
func unsafeString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// ParseError is a fatal protocol fault. Status is the 4xx class the
// connection should answer with before closing; parse errors are never
// retried.
type ParseError struct {
	Status int
	Msg    string
}

func (e *ParseError) Error() string { return e.Msg }

var (
	errMalformedRequestLine = &ParseError{Status: 400, Msg: "malformed request line"}
	errUnsupportedProto     = &ParseError{Status: 400, Msg: "unsupported protocol version"}
	errMalformedHeader      = &ParseError{Status: 400, Msg: "malformed header line"}
	errInvalidHeaderName    = &ParseError{Status: 400, Msg: "invalid header field name"}
	errInvalidHeaderValue   = &ParseError{Status: 400, Msg: "invalid header field value"}
	errLineTooLong          = &ParseError{Status: 400, Msg: "header line exceeds limit"}
	errTooManyHeaders       = &ParseError{Status: 400, Msg: "header count exceeds limit"}
	errBadContentLength     = &ParseError{Status: 400, Msg: "invalid Content-Length"}
	errConflictingFraming   = &ParseError{Status: 400, Msg: "Content-Length conflicts with chunked encoding"}
	errBadChunkSize         = &ParseError{Status: 400, Msg: "invalid chunk size"}
	errBodyTooLarge         = &ParseError{Status: 413, Msg: "request body exceeds limit"}
)

// Limits bound the parser against hostile input. Exceeding any of them is
// a fatal parse error, never a silent truncation.
type Limits struct {
	MaxLineLen  int // request line and each header line
	MaxHeaders  int // header count, trailers included
	MaxBodySize int // declared or de-chunked body bytes
}

// DefaultLimits mirror common server defaults: 8 KiB lines, 100 headers,
// 1 MiB bodies.
func DefaultLimits() Limits {
	return Limits{
		MaxLineLen:  8 * 1024,
		MaxHeaders:  100,
		MaxBodySize: 1024 * 1024,
	}
}

type parserState uint8

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateComplete
)

// Parser is an incremental, restartable HTTP/1.1 request decoder. It works
// directly over a pool-owned buffer, recording fields as offset views, and
// tolerates arbitrary chunk boundaries: feeding N bytes then M more yields
// exactly the same result as feeding N+M at once. One parser instance is
// bound to one connection for the connection's lifetime.
type Parser struct {
	limits Limits

	state   parserState
	pos     int // absolute offset of the next unparsed byte
	scanned int // high-water mark of newline scanning, avoids O(n^2) rescans

	method View
	target View
	path   View
	query  View
	proto  View

	headers []HeaderView

	contentLength int
	hasLength     bool
	chunked       bool
	http11        bool
	connClose     bool
	connKeepAlive bool

	body          View
	bodyRemaining int
	chunkRemain   int
	bodyWrite     int // chunked: absolute offset where the next chunk byte lands
	trailerCount  int
}

// NewParser creates a parser with the given limits.
func NewParser(limits Limits) *Parser {
	return &Parser{
		limits:  limits,
		headers: make([]HeaderView, 0, 16),
	}
}

// Pos returns the absolute offset one past the last byte the parser has
// consumed. After a complete request this is where the next pipelined
// request begins.
func (p *Parser) Pos() int { return p.pos }

// Reset prepares the parser for the next request starting at pos. All
// recorded views are dropped; the header storage is retained.
func (p *Parser) Reset(pos int) {
	p.state = stateRequestLine
	p.pos = pos
	p.scanned = pos
	p.method, p.target, p.path, p.query, p.proto = View{}, View{}, View{}, View{}, View{}
	p.headers = p.headers[:0]
	p.contentLength = 0
	p.hasLength = false
	p.chunked = false
	p.http11 = false
	p.connClose = false
	p.connKeepAlive = false
	p.body = View{}
	p.bodyRemaining = 0
	p.chunkRemain = 0
	p.bodyWrite = 0
	p.trailerCount = 0
}

// Rebase shifts every recorded offset left by delta after the connection
// compacted its buffer. Compaction is only performed when the buffer is
// full and is the single permitted copy on the steady-state read path.
func (p *Parser) Rebase(delta int) {
	if delta == 0 {
		return
	}
	p.pos -= delta
	p.scanned -= delta
	p.method = p.method.shift(delta)
	p.target = p.target.shift(delta)
	p.path = p.path.shift(delta)
	p.query = p.query.shift(delta)
	p.proto = p.proto.shift(delta)
	for i := range p.headers {
		p.headers[i].Name = p.headers[i].Name.shift(delta)
		p.headers[i].Value = p.headers[i].Value.shift(delta)
	}
	p.body = p.body.shift(delta)
	p.bodyWrite -= delta
}

// findLine locates the next '\n' at or after p.pos, remembering how far it
// has scanned so arriving bytes are never examined twice. Returns the
// absolute offset of the '\n', or -1 when more data is needed.
func (p *Parser) findLine(buf *pools.Buffer, lineStart int) (int, error) {
	avail := buf.WritePos()
	if p.scanned < lineStart {
		p.scanned = lineStart
	}
	for p.scanned < avail {
		if buf.At(p.scanned, p.scanned+1)[0] == '\n' {
			return p.scanned, nil
		}
		p.scanned++
	}
	if avail-lineStart > p.limits.MaxLineLen {
		return -1, errLineTooLong
	}
	return -1, nil
}

// trimOWS strips optional whitespace from both ends of an absolute view.
func trimOWS(buf *pools.Buffer, v View) View {
	for v.Start < v.End {
		c := buf.At(v.Start, v.Start+1)[0]
		if c != ' ' && c != '\t' {
			break
		}
		v.Start++
	}
	for v.End > v.Start {
		c := buf.At(v.End-1, v.End)[0]
		if c != ' ' && c != '\t' {
			break
		}
		v.End--
	}
	return v
}

// Parse advances the state machine over the buffer's unread bytes. It
// returns (true, nil) when a complete request is available, (false, nil)
// when more bytes are needed, and a *ParseError on fatal protocol faults.
// Bytes already parsed are never revisited.
func (p *Parser) Parse(buf *pools.Buffer) (bool, error) {
	for p.state != stateComplete {
		switch p.state {
		case stateRequestLine:
			done, err := p.parseRequestLine(buf)
			if err != nil || !done {
				return false, err
			}
		case stateHeaders:
			done, err := p.parseHeaderLine(buf)
			if err != nil || !done {
				return false, err
			}
		case stateBody:
			if !p.parseLengthBody(buf) {
				return false, nil
			}
		case stateChunkSize:
			done, err := p.parseChunkSize(buf)
			if err != nil || !done {
				return false, err
			}
		case stateChunkData:
			if !p.parseChunkData(buf) {
				return false, nil
			}
		case stateChunkDataEnd:
			done, err := p.parseChunkDataEnd(buf)
			if err != nil || !done {
				return false, err
			}
		case stateTrailer:
			done, err := p.parseTrailerLine(buf)
			if err != nil || !done {
				return false, err
			}
		}
	}
	return true, nil
}

func (p *Parser) parseRequestLine(buf *pools.Buffer) (bool, error) {
	var nl, lineEnd int
	for {
		var err error
		nl, err = p.findLine(buf, p.pos)
		if err != nil || nl < 0 {
			return false, err
		}
		lineEnd = nl
		if lineEnd > p.pos && buf.At(lineEnd-1, lineEnd)[0] == '\r' {
			lineEnd--
		}
		if lineEnd > p.pos {
			break
		}
		// Tolerate empty line(s) before the request line, as servers
		// conventionally do for clients that send a stray CRLF after
		// a body.
		p.pos = nl + 1
		p.scanned = p.pos
	}

	line := buf.At(p.pos, lineEnd)
	sp1 := indexByte(line, ' ')
	if sp1 <= 0 {
		return false, errMalformedRequestLine
	}
	sp2 := indexByte(line[sp1+1:], ' ')
	if sp2 < 0 {
		return false, errMalformedRequestLine
	}
	sp2 += sp1 + 1
	if sp2 == sp1+1 || sp2 == len(line)-1 {
		return false, errMalformedRequestLine
	}

	base := p.pos
	p.method = View{Start: base, End: base + sp1}
	p.target = View{Start: base + sp1 + 1, End: base + sp2}
	p.proto = View{Start: base + sp2 + 1, End: base + len(line)}

	switch unsafeString(line[sp2+1:]) {
	case "HTTP/1.1":
		p.http11 = true
	case "HTTP/1.0":
		p.http11 = false
	default:
		return false, errUnsupportedProto
	}

	// Split target into path and query.
	p.path = p.target
	p.query = View{}
	if q := indexByte(line[sp1+1:sp2], '?'); q >= 0 {
		p.path = View{Start: p.target.Start, End: p.target.Start + q}
		p.query = View{Start: p.target.Start + q + 1, End: p.target.End}
	}

	p.pos = nl + 1
	p.scanned = p.pos
	p.state = stateHeaders
	return true, nil
}

func (p *Parser) parseHeaderLine(buf *pools.Buffer) (bool, error) {
	nl, err := p.findLine(buf, p.pos)
	if err != nil || nl < 0 {
		return false, err
	}

	lineEnd := nl
	if lineEnd > p.pos && buf.At(lineEnd-1, lineEnd)[0] == '\r' {
		lineEnd--
	}

	if lineEnd == p.pos {
		// Blank line terminates the header block.
		p.pos = nl + 1
		p.scanned = p.pos
		return true, p.beginBody()
	}

	if len(p.headers) >= p.limits.MaxHeaders {
		return false, errTooManyHeaders
	}

	line := buf.At(p.pos, lineEnd)
	colon := indexByte(line, ':')
	if colon <= 0 {
		return false, errMalformedHeader
	}

	base := p.pos
	name := View{Start: base, End: base + colon}
	value := trimOWS(buf, View{Start: base + colon + 1, End: base + len(line)})

	nameBytes := buf.At(name.Start, name.End)
	if !httpguts.ValidHeaderFieldName(unsafeString(nameBytes)) {
		return false, errInvalidHeaderName
	}
	if !httpguts.ValidHeaderFieldValue(unsafeString(buf.At(value.Start, value.End))) {
		return false, errInvalidHeaderValue
	}

	p.headers = append(p.headers, HeaderView{Name: name, Value: value})

	if err := p.inspectHeader(buf, nameBytes, value); err != nil {
		return false, err
	}

	p.pos = nl + 1
	p.scanned = p.pos
	return true, nil
}

// inspectHeader picks out the headers the core itself acts on.
func (p *Parser) inspectHeader(buf *pools.Buffer, name []byte, value View) error {
	val := buf.At(value.Start, value.End)
	switch {
	case equalFold(name, "Content-Length"):
		if p.hasLength {
			return errBadContentLength
		}
		n, ok := parseDecimal(val)
		if !ok {
			return errBadContentLength
		}
		p.contentLength = n
		p.hasLength = true
	case equalFold(name, "Transfer-Encoding"):
		if !equalFold(val, "chunked") {
			return &ParseError{Status: 400, Msg: fmt.Sprintf("unsupported transfer encoding %q", val)}
		}
		p.chunked = true
	case equalFold(name, "Connection"):
		// Connection is a comma-separated option list.
		for len(val) > 0 {
			tok := val
			if comma := indexByte(val, ','); comma >= 0 {
				tok = val[:comma]
				val = val[comma+1:]
			} else {
				val = nil
			}
			tok = trimOWSBytes(tok)
			if equalFold(tok, "close") {
				p.connClose = true
			} else if equalFold(tok, "keep-alive") {
				p.connKeepAlive = true
			}
		}
	}
	return nil
}

// trimOWSBytes strips optional whitespace around a header list element.
func trimOWSBytes(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// beginBody decides the body framing once the header block is complete.
func (p *Parser) beginBody() error {
	if p.hasLength && p.chunked {
		return errConflictingFraming
	}
	switch {
	case p.chunked:
		p.body = View{Start: p.pos, End: p.pos}
		p.bodyWrite = p.pos
		p.state = stateChunkSize
	case p.hasLength && p.contentLength > 0:
		if p.contentLength > p.limits.MaxBodySize {
			return errBodyTooLarge
		}
		p.body = View{Start: p.pos, End: p.pos + p.contentLength}
		p.bodyRemaining = p.contentLength
		p.state = stateBody
	default:
		p.state = stateComplete
	}
	return nil
}

func (p *Parser) parseLengthBody(buf *pools.Buffer) bool {
	avail := buf.WritePos() - p.pos
	if avail > p.bodyRemaining {
		avail = p.bodyRemaining
	}
	p.pos += avail
	p.scanned = p.pos
	p.bodyRemaining -= avail
	if p.bodyRemaining > 0 {
		return false
	}
	p.state = stateComplete
	return true
}

func (p *Parser) parseChunkSize(buf *pools.Buffer) (bool, error) {
	nl, err := p.findLine(buf, p.pos)
	if err != nil || nl < 0 {
		return false, err
	}

	lineEnd := nl
	if lineEnd > p.pos && buf.At(lineEnd-1, lineEnd)[0] == '\r' {
		lineEnd--
	}

	line := buf.At(p.pos, lineEnd)
	// Chunk extensions after ';' are ignored.
	if semi := indexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	size, ok := parseHex(line)
	if !ok {
		return false, errBadChunkSize
	}
	if p.body.Len()+size > p.limits.MaxBodySize {
		return false, errBodyTooLarge
	}

	p.pos = nl + 1
	p.scanned = p.pos
	if size == 0 {
		p.state = stateTrailer
	} else {
		p.chunkRemain = size
		p.state = stateChunkData
	}
	return true, nil
}

// parseChunkData moves chunk payload down to the contiguous body region.
// The destination is always at or left of the source inside the same
// buffer, so the copy is safe and the final body is a single view.
func (p *Parser) parseChunkData(buf *pools.Buffer) bool {
	n := buf.WritePos() - p.pos
	if n > p.chunkRemain {
		n = p.chunkRemain
	}
	if n == 0 {
		return false
	}
	copy(buf.At(p.bodyWrite, p.bodyWrite+n), buf.At(p.pos, p.pos+n))
	p.bodyWrite += n
	p.body.End = p.bodyWrite
	p.pos += n
	p.scanned = p.pos
	p.chunkRemain -= n
	if p.chunkRemain > 0 {
		return false
	}
	p.state = stateChunkDataEnd
	return true
}

func (p *Parser) parseChunkDataEnd(buf *pools.Buffer) (bool, error) {
	avail := buf.WritePos()
	if p.pos >= avail {
		return false, nil
	}
	c := buf.At(p.pos, p.pos+1)[0]
	if c == '\n' {
		p.pos++
		p.scanned = p.pos
		p.state = stateChunkSize
		return true, nil
	}
	if c != '\r' {
		return false, errBadChunkSize
	}
	if p.pos+1 >= avail {
		return false, nil
	}
	if buf.At(p.pos+1, p.pos+2)[0] != '\n' {
		return false, errBadChunkSize
	}
	p.pos += 2
	p.scanned = p.pos
	p.state = stateChunkSize
	return true, nil
}

func (p *Parser) parseTrailerLine(buf *pools.Buffer) (bool, error) {
	nl, err := p.findLine(buf, p.pos)
	if err != nil || nl < 0 {
		return false, err
	}
	lineEnd := nl
	if lineEnd > p.pos && buf.At(lineEnd-1, lineEnd)[0] == '\r' {
		lineEnd--
	}
	empty := lineEnd == p.pos
	p.pos = nl + 1
	p.scanned = p.pos
	if empty {
		p.state = stateComplete
		return true, nil
	}
	// Trailer fields are parsed for framing but not surfaced. They still
	// count toward the header limit.
	p.trailerCount++
	if len(p.headers)+p.trailerCount > p.limits.MaxHeaders {
		return false, errTooManyHeaders
	}
	return true, nil
}

// Finish publishes the completed request as a view bound to buf's current
// generation. Call only after Parse returned true.
func (p *Parser) Finish(req *Request, buf *pools.Buffer) {
	if p.state != stateComplete {
		panic("http: Finish before request complete")
	}
	*req = Request{
		buf:           buf,
		gen:           buf.Generation(),
		method:        p.method,
		target:        p.target,
		path:          p.path,
		query:         p.query,
		proto:         p.proto,
		headers:       p.headers,
		body:          p.body,
		contentLength: p.contentLength,
		chunked:       p.chunked,
		http11:        p.http11,
		connClose:     p.connClose,
		connKeepAlive: p.connKeepAlive,
	}
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// equalFold matches b against the ASCII string s case-insensitively
// without allocating.
func equalFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c, d := b[i], s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if 'A' <= d && d <= 'Z' {
			d += 'a' - 'A'
		}
		if c != d {
			return false
		}
	}
	return true
}

func parseDecimal(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := int(c - '0')
		// Checked before multiplying: a wrap past MaxInt can land back in
		// the positive range, so a sign test after the fact is not enough.
		if n > (math.MaxInt-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	return n, true
}

func parseHex(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'f':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int(c-'A') + 10
		default:
			return 0, false
		}
		if n > math.MaxInt>>4 {
			return 0, false
		}
		n = n<<4 | d
	}
	return n, true
}
