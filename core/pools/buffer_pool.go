package pools

import (
	"errors"
	"sync/atomic"
)

// ErrPoolExhausted is returned by Checkout when granting the request would
// push the pool past its resident cap. Callers must treat it as
// backpressure, not as a fatal fault.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// Size classes tuned for HTTP workloads, smallest to largest.
var defaultClasses = []int{
	4 * 1024,
	16 * 1024,
	64 * 1024,
}

// DefaultMaxResident bounds the total bytes a pool may keep alive,
// checked-out buffers included.
const DefaultMaxResident = 64 * 1024 * 1024

// BufferPool hands out size-classed Buffers from per-class free lists.
// Each event loop owns one pool, so no locking is needed on the checkout
// path; the resident counter is atomic only so that stats collectors on
// other goroutines can read it.
type BufferPool struct {
	classes     []int
	free        [][]*Buffer
	resident    atomic.Int64
	maxResident int64

	checkouts atomic.Uint64
	releases  atomic.Uint64
	misses    atomic.Uint64 // checkout had to allocate a fresh chunk
}

// NewBufferPool creates a pool with the default size classes and resident cap.
func NewBufferPool() *BufferPool {
	return NewBufferPoolWithClasses(defaultClasses, DefaultMaxResident)
}

// NewBufferPoolWithClasses creates a pool with custom size classes, given
// smallest to largest. Nil classes or a non-positive cap fall back to the
// defaults.
func NewBufferPoolWithClasses(classes []int, maxResident int64) *BufferPool {
	if len(classes) == 0 {
		classes = defaultClasses
	}
	if maxResident <= 0 {
		maxResident = DefaultMaxResident
	}
	return &BufferPool{
		classes:     classes,
		free:        make([][]*Buffer, len(classes)),
		maxResident: maxResident,
	}
}

// classFor returns the index of the smallest class >= size, or -1 when the
// request is larger than every class and must take the overflow path.
func (p *BufferPool) classFor(size int) int {
	for i, c := range p.classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// Checkout returns a buffer from the smallest size class that fits minSize.
// A fresh chunk is allocated only when the class's free list is empty and
// the resident cap allows it; past the cap Checkout fails with
// ErrPoolExhausted.
func (p *BufferPool) Checkout(minSize int) (*Buffer, error) {
	p.checkouts.Add(1)

	ci := p.classFor(minSize)
	size := minSize
	if ci >= 0 {
		size = p.classes[ci]
		if list := p.free[ci]; len(list) > 0 {
			buf := list[len(list)-1]
			p.free[ci] = list[:len(list)-1]
			return buf, nil
		}
	}

	if p.resident.Load()+int64(size) > p.maxResident {
		return nil, ErrPoolExhausted
	}
	p.resident.Add(int64(size))
	p.misses.Add(1)

	return &Buffer{data: make([]byte, size), class: ci}, nil
}

// Release resets the buffer's cursors, bumps its generation and returns it
// to its class's free list. Overflow buffers are not retained: their memory
// goes back to the runtime and the resident count drops. Releasing never
// otherwise shrinks the pool.
func (p *BufferPool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	p.releases.Add(1)

	buf.Reset()
	buf.gen++

	if buf.class < 0 {
		p.resident.Add(-int64(len(buf.data)))
		return
	}
	p.free[buf.class] = append(p.free[buf.class], buf)
}

// LargestClass returns the byte size of the biggest size class. Requests
// beyond it take the overflow path.
func (p *BufferPool) LargestClass() int { return p.classes[len(p.classes)-1] }

// Resident returns the total bytes currently owned by the pool.
func (p *BufferPool) Resident() int64 { return p.resident.Load() }

// FreeCount returns the number of idle buffers across all classes.
func (p *BufferPool) FreeCount() int {
	n := 0
	for _, list := range p.free {
		n += len(list)
	}
	return n
}

// Stats returns checkout/release counters for observability collaborators.
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		Checkouts: p.checkouts.Load(),
		Releases:  p.releases.Load(),
		Misses:    p.misses.Load(),
		Resident:  p.resident.Load(),
	}
}

// BufferPoolStats is a point-in-time snapshot of pool counters.
type BufferPoolStats struct {
	Checkouts uint64
	Releases  uint64
	Misses    uint64
	Resident  int64
}
