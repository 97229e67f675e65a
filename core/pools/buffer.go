package pools

import "errors"

// ErrBufferFull is returned when a write does not fit in the remaining
// capacity of a fixed-size buffer.
var ErrBufferFull = errors.New("buffer full")

// Buffer is a pool-owned byte region with a read cursor and a write cursor.
// Bytes in [readPos, writePos) are unconsumed data. A buffer is owned by
// exactly one connection while checked out and carries a generation counter
// that the pool bumps on every release, so stale views into reused memory
// can be detected.
type Buffer struct {
	data    []byte
	readPos int
	writePos int
	gen     uint64
	class   int // size class index, -1 for overflow allocations
}

// NewBuffer creates an unpooled buffer, mainly for tests and overflow
// allocations. Pooled buffers come from BufferPool.Checkout.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity), class: -1}
}

// Cap returns the total capacity of the buffer.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return b.writePos - b.readPos }

// Free returns the capacity remaining past the write cursor.
func (b *Buffer) Free() int { return len(b.data) - b.writePos }

// Generation returns the buffer's current generation. It changes every time
// the buffer is released back to its pool.
func (b *Buffer) Generation() uint64 { return b.gen }

// ReadPos returns the absolute offset of the read cursor.
func (b *Buffer) ReadPos() int { return b.readPos }

// WritePos returns the absolute offset of the write cursor.
func (b *Buffer) WritePos() int { return b.writePos }

// Writable returns the spare region past the write cursor for direct reads
// from a socket. Call Advance after filling it.
func (b *Buffer) Writable() []byte { return b.data[b.writePos:] }

// Advance moves the write cursor forward after n bytes were written into
// the Writable region.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.writePos+n > len(b.data) {
		panic("pools: Advance out of range")
	}
	b.writePos += n
}

// Write appends p behind the write cursor. It fails with ErrBufferFull
// rather than growing: pooled buffers are fixed-size by design.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrBufferFull
	}
	n := copy(b.data[b.writePos:], p)
	b.writePos += n
	return n, nil
}

// Bytes returns the unconsumed region [readPos, writePos).
func (b *Buffer) Bytes() []byte { return b.data[b.readPos:b.writePos] }

// At returns the raw region [start, end) in absolute offsets. Offset views
// recorded by the parser are resolved through this.
func (b *Buffer) At(start, end int) []byte { return b.data[start:end] }

// Consume moves the read cursor forward by n bytes. When the cursors meet,
// both are rewound to zero so the full capacity is reusable without a copy.
func (b *Buffer) Consume(n int) {
	if n < 0 || b.readPos+n > b.writePos {
		panic("pools: Consume beyond write cursor")
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos = 0
		b.writePos = 0
	}
}

// Compact moves unconsumed bytes to the front of the buffer to make room
// behind the write cursor. This is the only data copy in the steady-state
// read path and is needed only when a pipelined request straddles the end
// of a full buffer. Returns the number of bytes moved.
func (b *Buffer) Compact() int {
	if b.readPos == 0 {
		return 0
	}
	n := copy(b.data, b.data[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = n
	return n
}

// Reset clears both cursors. The backing memory is retained.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}
