package core

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/core/pools"
)

type connState uint8

const (
	stateReading connState = iota
	stateWriting
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateWriting:
		return "writing"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// pendingWrite is one serialized response waiting to drain. Error responses
// are built in unpooled buffers so they can be produced even when the pool
// is exhausted; those must not be returned to the pool.
type pendingWrite struct {
	buf    *pools.Buffer
	pooled bool
}

// Connection is the per-socket state machine. It is owned by exactly one
// event loop and is never touched from any other goroutine, so none of its
// fields need synchronization.
type Connection struct {
	fd   int
	id   uint64
	loop *Loop

	state      connState
	readBuf    *pools.Buffer
	parser     *http.Parser
	req        http.Request
	resp       http.Response
	writeQueue []pendingWrite

	// closeAfterWrite marks the connection for teardown once the write
	// queue drains: Connection: close, parse errors, panics, shedding.
	closeAfterWrite bool
	writeArmed      bool
	lastActive      time.Time
}

func newConnection(fd int, id uint64, loop *Loop) *Connection {
	return &Connection{
		fd:         fd,
		id:         id,
		loop:       loop,
		state:      stateReading,
		parser:     http.NewParser(loop.limits),
		lastActive: time.Now(),
	}
}

// handleReadable drains the socket and runs the parse/dispatch cycle on
// every chunk. Level-triggered polling re-arms automatically, so stopping
// at EAGAIN is the only exit condition that matters.
func (c *Connection) handleReadable(now time.Time) {
	if c.state != stateReading && c.state != stateWriting {
		return
	}
	for c.state != stateClosed && c.state != stateClosing {
		if err := c.ensureReadBuffer(); err != nil {
			c.shed()
			return
		}
		if c.readBuf.Free() == 0 {
			if err := c.makeRoom(); err != nil {
				if errors.Is(err, pools.ErrPoolExhausted) {
					c.shed()
				} else {
					c.fail(err)
				}
				return
			}
		}

		n, err := unix.Read(c.fd, c.readBuf.Writable())
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			c.loop.log.Debugf("conn %d: read: %v", c.id, err)
			c.close()
			return
		}
		if n == 0 {
			// Peer closed. Anything still queued is undeliverable.
			c.close()
			return
		}
		c.readBuf.Advance(n)
		c.loop.stats.BytesRead.Add(uint64(n))
		c.lastActive = now

		c.process()
	}
}

// process parses and dispatches every complete request currently buffered.
// Pipelined requests are served strictly in arrival order; each response is
// queued before the next request is parsed.
func (c *Connection) process() {
	for c.state != stateClosed && c.state != stateClosing {
		done, err := c.parser.Parse(c.readBuf)
		if err != nil {
			c.fail(err)
			return
		}
		if !done {
			return
		}

		c.parser.Finish(&c.req, c.readBuf)
		keepAlive := c.req.KeepAlive()
		c.loop.stats.Requests.Add(1)

		panicked := c.dispatch()
		if panicked {
			keepAlive = false
			c.resp.Reset()
			c.resp.SetStatus(http.StatusInternalServerError)
			c.resp.WriteString("internal server error")
		}

		c.req.Invalidate()
		c.readBuf.Consume(c.parser.Pos() - c.readBuf.ReadPos())
		c.parser.Reset(c.readBuf.ReadPos())

		if !keepAlive {
			c.closeAfterWrite = true
		}
		c.enqueueResponse(keepAlive)
		if c.closeAfterWrite || c.state == stateClosed {
			return
		}
		c.releaseReadBufferIfIdle()
		if c.readBuf == nil {
			return
		}
	}
}

// dispatch runs the handler with panic containment. A panicking handler
// costs its own connection a 500 and a close, nothing more.
func (c *Connection) dispatch() (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			c.loop.stats.PanicsRecovered.Add(1)
			c.loop.log.Errorf("conn %d: handler panic: %v", c.id, r)
		}
	}()
	c.resp.Reset()
	c.loop.handler.Serve(&c.req, &c.resp)
	return false
}

// enqueueResponse serializes the current response into a pool buffer and
// queues it behind any earlier responses still draining. Pool exhaustion
// here degrades to a 503 and a close.
func (c *Connection) enqueueResponse(keepAlive bool) {
	size := c.resp.SerializedSize(keepAlive)
	wb, err := c.loop.pool.Checkout(size)
	if err != nil {
		c.resp.Reset()
		c.shed()
		return
	}
	if err := c.resp.WriteTo(wb, keepAlive); err != nil {
		c.loop.pool.Release(wb)
		c.loop.log.Errorf("conn %d: serialize: %v", c.id, err)
		c.close()
		return
	}
	c.resp.Reset()
	c.writeQueue = append(c.writeQueue, pendingWrite{buf: wb, pooled: true})
	c.flush()
}

// fail converts a parse error into its wire response and marks the
// connection for close. Unknown errors get a plain 400.
func (c *Connection) fail(err error) {
	status := http.StatusBadRequest
	msg := "bad request"
	if pe, ok := err.(*http.ParseError); ok {
		status = pe.Status
		msg = pe.Msg
	}
	c.loop.stats.ParseErrors.Add(1)
	c.loop.log.Debugf("conn %d: %v", c.id, err)
	c.sendErrorResponse(status, msg)
}

// shed is the pool-exhaustion path: tell the client we are overloaded and
// drop the connection so its buffers come back.
func (c *Connection) shed() {
	c.loop.stats.Shed.Add(1)
	c.sendErrorResponse(http.StatusServiceUnavailable, "service unavailable")
}

// sendErrorResponse queues a terminal response built in an unpooled buffer,
// so it works even when the pool has nothing left to give.
func (c *Connection) sendErrorResponse(status int, msg string) {
	c.resp.Reset()
	c.resp.SetStatus(status)
	c.resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	c.resp.WriteString(msg)

	wb := pools.NewBuffer(c.resp.SerializedSize(false))
	if err := c.resp.WriteTo(wb, false); err != nil {
		c.resp.Reset()
		c.close()
		return
	}
	c.resp.Reset()
	c.writeQueue = append(c.writeQueue, pendingWrite{buf: wb, pooled: false})
	c.closeAfterWrite = true
	c.flush()
}

// flush drains the write queue in submission order. A short write parks the
// remainder and arms write interest; handleWritable resumes from the exact
// byte where the kernel stopped.
func (c *Connection) flush() {
	for len(c.writeQueue) > 0 {
		pw := c.writeQueue[0]
		for pw.buf.Len() > 0 {
			n, err := unix.Write(c.fd, pw.buf.Bytes())
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if c.closeAfterWrite {
					c.state = stateClosing
				} else {
					c.state = stateWriting
				}
				c.armWrite(true)
				return
			}
			if err != nil {
				c.loop.log.Debugf("conn %d: write: %v", c.id, err)
				c.close()
				return
			}
			pw.buf.Consume(n)
			c.loop.stats.BytesWritten.Add(uint64(n))
		}
		c.releaseWrite(pw)
		c.writeQueue = c.writeQueue[1:]
	}

	c.armWrite(false)
	if c.closeAfterWrite {
		c.close()
		return
	}
	c.state = stateReading
}

func (c *Connection) handleWritable(now time.Time) {
	c.lastActive = now
	c.flush()
}

func (c *Connection) armWrite(enable bool) {
	if c.writeArmed == enable {
		return
	}
	if err := c.loop.poller.ModifyWrite(c.fd, enable); err != nil {
		c.loop.log.Errorf("conn %d: poller modify: %v", c.id, err)
		c.close()
		return
	}
	c.writeArmed = enable
}

func (c *Connection) ensureReadBuffer() error {
	if c.readBuf != nil {
		return nil
	}
	buf, err := c.loop.pool.Checkout(c.loop.readBufSize)
	if err != nil {
		return err
	}
	c.readBuf = buf
	return nil
}

// releaseReadBufferIfIdle returns the read buffer to the pool between
// requests. An idle keep-alive connection holds no pool memory at all.
func (c *Connection) releaseReadBufferIfIdle() {
	if c.readBuf != nil && c.readBuf.Len() == 0 {
		c.loop.pool.Release(c.readBuf)
		c.readBuf = nil
		c.parser.Reset(0)
	}
}

// makeRoom handles a full read buffer mid-request: compact first, and only
// when the buffer is compact and still full move up a size class. A request
// that cannot fit the largest class is oversized.
func (c *Connection) makeRoom() error {
	if c.readBuf.ReadPos() > 0 {
		delta := c.readBuf.ReadPos()
		c.readBuf.Compact()
		c.parser.Rebase(delta)
		return nil
	}
	if c.readBuf.Cap() >= c.loop.pool.LargestClass() {
		return &http.ParseError{Status: http.StatusPayloadTooLarge, Msg: "request too large"}
	}

	bigger, err := c.loop.pool.Checkout(c.readBuf.Cap() + 1)
	if err != nil {
		return err
	}
	n := copy(bigger.Writable(), c.readBuf.Bytes())
	bigger.Advance(n)
	c.loop.pool.Release(c.readBuf)
	c.readBuf = bigger
	return nil
}

// close tears the connection down exactly once: deregister, close the fd,
// release every buffer, invalidate outstanding views.
func (c *Connection) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed

	c.req.Invalidate()
	if err := c.loop.poller.Remove(c.fd); err != nil {
		c.loop.log.Debugf("conn %d: poller remove: %v", c.id, err)
	}
	if err := unix.Close(c.fd); err != nil {
		c.loop.log.Debugf("conn %d: close: %v", c.id, err)
	}
	if c.readBuf != nil {
		c.loop.pool.Release(c.readBuf)
		c.readBuf = nil
	}
	for _, pw := range c.writeQueue {
		c.releaseWrite(pw)
	}
	c.writeQueue = nil
	c.resp.Reset()

	c.loop.connClosed(c)
}

func (c *Connection) releaseWrite(pw pendingWrite) {
	if pw.pooled {
		c.loop.pool.Release(pw.buf)
	}
}

// idleExpired reports whether the connection has been silent past the
// loop's idle timeout.
func (c *Connection) idleExpired(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(c.lastActive) >= timeout
}
