// Package poller abstracts the platform readiness-notification primitive
// behind a single behavioral contract. The event loop depends only on this
// interface; epoll (Linux) and kqueue (Darwin) satisfy it today and an
// io_uring backend can slot in later.
package poller

// Event reports readiness for one registered file descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Hup is set when the peer closed or the descriptor errored; the
	// owner should tear the connection down without further I/O.
	Hup bool
}

// Poller is the I/O multiplexing interface. All methods are called only
// from the owning event loop goroutine.
type Poller interface {
	// Add registers fd for read readiness.
	Add(fd int) error
	// ModifyWrite enables or disables write-readiness notification for
	// an already registered fd. Read interest is always kept.
	ModifyWrite(fd int, enable bool) error
	// Remove deregisters fd. Removing an fd that was already removed is
	// an error; callers own exactly-once deregistration.
	Remove(fd int) error
	// Wait blocks until at least one event is ready or the timeout (in
	// milliseconds) elapses. A negative timeout blocks indefinitely.
	// Events are appended into evs; the filled prefix length is returned.
	Wait(evs []Event, timeoutMs int) (int, error)
	Close() error
}
