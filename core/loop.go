package core

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/core/observability"
	"github.com/searchktools/reactor/core/poller"
	"github.com/searchktools/reactor/core/pools"
	"github.com/searchktools/reactor/logging"
)

const (
	// Wait returns at least this often so the loop can adopt new
	// connections and sweep idle ones even when no socket fires.
	waitTickMs = 100

	sweepInterval = time.Second
)

type loopConfig struct {
	readBufSize     int
	maxConns        int
	idleTimeout     time.Duration
	drainGrace      time.Duration
	limits          http.Limits
	poolClasses     []int
	poolMaxResident int64
}

// Loop is one event loop: a poller, the connections registered with it and
// the buffer pool they draw from. All three are confined to the loop's
// goroutine; the only cross-goroutine paths are the incoming channel, the
// activeConns mirror and the pool's atomic counters.
type Loop struct {
	id     int
	poller poller.Poller
	pool   *pools.BufferPool
	conns  map[int]*Connection

	// activeConns mirrors len(conns) for readers off the loop goroutine.
	// The map itself is never touched off-loop.
	activeConns atomic.Int64

	// incoming carries accepted fds from the acceptor goroutine. A full
	// channel means this loop is saturated and the acceptor sheds.
	incoming chan int

	handler Handler
	stats   *observability.Stats
	log     *logging.Logger
	onOpen  func(id uint64, fd int)
	onClose func(id uint64, fd int)

	readBufSize int
	maxConns    int
	idleTimeout time.Duration
	drainGrace  time.Duration
	limits      http.Limits

	idSeq         uint64
	lastSweep     time.Time
	draining      bool
	drainDeadline time.Time
}

func newLoop(id int, cfg loopConfig, handler Handler, stats *observability.Stats, log *logging.Logger) (*Loop, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}
	pool := pools.NewBufferPoolWithClasses(cfg.poolClasses, cfg.poolMaxResident)

	return &Loop{
		id:          id,
		poller:      p,
		pool:        pool,
		conns:       make(map[int]*Connection),
		incoming:    make(chan int, 256),
		handler:     handler,
		stats:       stats,
		log:         log,
		readBufSize: cfg.readBufSize,
		maxConns:    cfg.maxConns,
		idleTimeout: cfg.idleTimeout,
		drainGrace:  cfg.drainGrace,
		limits:      cfg.limits,
	}, nil
}

// enqueue hands an accepted fd to the loop. It never blocks: false means
// the loop's intake is full and the caller must shed the connection.
func (l *Loop) enqueue(fd int) bool {
	select {
	case l.incoming <- fd:
		return true
	default:
		return false
	}
}

// active reports the connection count, for least-loaded assignment. It is
// safe to call from the acceptor goroutine: it reads the atomic mirror of
// the connection count, never the map.
func (l *Loop) active() int {
	return int(l.activeConns.Load()) + len(l.incoming)
}

// run is the event loop body. It locks its goroutine to an OS thread and
// owns every connection registered with its poller until shutdown.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer l.poller.Close()

	events := make([]poller.Event, 256)
	for {
		n, err := l.poller.Wait(events, waitTickMs)
		if err != nil {
			l.log.Errorf("loop %d: wait: %v", l.id, err)
			l.closeAll()
			return err
		}
		now := time.Now()

		for i := 0; i < n; i++ {
			l.handleEvent(events[i], now)
		}
		l.drainIncoming(now)
		l.sweepIdle(now)

		if ctx.Err() != nil {
			if l.drainDown(now) {
				return nil
			}
		}
	}
}

func (l *Loop) handleEvent(ev poller.Event, now time.Time) {
	c, ok := l.conns[ev.FD]
	if !ok {
		return
	}
	// A hangup with readable data still pending is drained first; the
	// read path observes EOF and closes. Only a bare hangup short-cuts.
	if ev.Hup && !ev.Readable {
		c.close()
		return
	}
	if ev.Writable {
		c.handleWritable(now)
	}
	if ev.Readable && c.state != stateClosed {
		c.handleReadable(now)
	}
}

// drainIncoming adopts connections handed over by the acceptor. Adoption
// happens here, on the loop goroutine, so the connection is loop-confined
// from its first byte.
func (l *Loop) drainIncoming(now time.Time) {
	for {
		select {
		case fd := <-l.incoming:
			l.adopt(fd, now)
		default:
			return
		}
	}
}

func (l *Loop) adopt(fd int, now time.Time) {
	if l.draining || (l.maxConns > 0 && len(l.conns) >= l.maxConns) {
		l.stats.Shed.Add(1)
		unix.Close(fd)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}
	// Best effort: responses are single writes, Nagle only adds latency.
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if err := l.poller.Add(fd); err != nil {
		l.log.Errorf("loop %d: register fd %d: %v", l.id, fd, err)
		unix.Close(fd)
		return
	}

	l.idSeq++
	c := newConnection(fd, uint64(l.id)<<32|l.idSeq, l)
	c.lastActive = now
	l.conns[fd] = c
	l.activeConns.Add(1)
	l.stats.ConnsActive.Add(1)
	if l.onOpen != nil {
		l.onOpen(c.id, fd)
	}
}

// connClosed is called by Connection.close, exactly once per connection.
func (l *Loop) connClosed(c *Connection) {
	delete(l.conns, c.fd)
	l.activeConns.Add(-1)
	l.stats.ConnsActive.Add(-1)
	l.stats.ConnsClosed.Add(1)
	if l.onClose != nil {
		l.onClose(c.id, c.fd)
	}
}

// sweepIdle closes connections idle past the timeout. Deleting during the
// range is fine: close removes entries through connClosed.
func (l *Loop) sweepIdle(now time.Time) {
	if l.idleTimeout <= 0 || now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for _, c := range l.conns {
		if c.idleExpired(now, l.idleTimeout) {
			l.log.Debugf("loop %d: conn %d idle timeout", l.id, c.id)
			c.close()
		}
	}
}

// drainDown runs graceful shutdown: quiescent connections close right
// away, ones mid-write get the grace period to finish, then everything
// goes. Returns true when the loop is empty.
func (l *Loop) drainDown(now time.Time) bool {
	if !l.draining {
		l.draining = true
		l.drainDeadline = now.Add(l.drainGrace)
		l.log.Infof("loop %d: draining %d connections", l.id, len(l.conns))
	}

	for _, c := range l.conns {
		if c.state == stateReading && len(c.writeQueue) == 0 && (c.readBuf == nil || c.readBuf.Len() == 0) {
			c.close()
		}
	}
	if len(l.conns) == 0 {
		return true
	}
	if now.After(l.drainDeadline) {
		l.closeAll()
		return true
	}
	return false
}

func (l *Loop) closeAll() {
	for _, c := range l.conns {
		c.close()
	}
}

// poolStats exposes this loop's pool counters for the engine snapshot.
func (l *Loop) poolStats() pools.BufferPoolStats {
	return l.pool.Stats()
}
