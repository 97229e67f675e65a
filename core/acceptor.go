package core

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor/core/observability"
	"github.com/searchktools/reactor/core/poller"
	"github.com/searchktools/reactor/logging"
)

type acceptorConfig struct {
	addr         string
	port         int
	backlog      int
	maxConns     int64 // global active-connection ceiling, 0 = unlimited
	maxPerSource int   // per source IP, 0 = unlimited
}

type sourceKey [16]byte

// Acceptor owns the listening socket. It accepts on its own goroutine and
// hands each connection to the least-loaded event loop. Over-limit
// connections are accepted and closed immediately, which empties the SYN
// backlog instead of letting it overflow.
type Acceptor struct {
	fd     int
	poller poller.Poller
	loops  []*Loop
	cfg    acceptorConfig
	stats  *observability.Stats
	log    *logging.Logger

	next int // round-robin tiebreak

	// Source tracking is the one piece of acceptor state touched from
	// loop goroutines (on connection close), hence the mutex.
	mu        sync.Mutex
	perSource map[sourceKey]int
	sources   map[int]sourceKey
}

func newAcceptor(cfg acceptorConfig, loops []*Loop, stats *observability.Stats, log *logging.Logger) (*Acceptor, error) {
	fd, err := listenTCP(cfg.addr, cfg.port, cfg.backlog)
	if err != nil {
		return nil, err
	}
	p, err := poller.NewPoller()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := p.Add(fd); err != nil {
		p.Close()
		unix.Close(fd)
		return nil, err
	}
	return &Acceptor{
		fd:        fd,
		poller:    p,
		loops:     loops,
		cfg:       cfg,
		stats:     stats,
		log:       log,
		perSource: make(map[sourceKey]int),
		sources:   make(map[int]sourceKey),
	}, nil
}

// listenTCP builds the listening socket by hand: SO_REUSEADDR for fast
// restart, SO_REUSEPORT so multiple server processes can share the port.
func listenTCP(addr string, port, backlog int) (int, error) {
	ip := net.IPv4zero
	if addr != "" {
		ip = net.ParseIP(addr)
		if ip == nil {
			return -1, fmt.Errorf("listen: bad address %q", addr)
		}
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		s := &unix.SockaddrInet4{Port: port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		domain = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: port}
		copy(s.Addr[:], ip.To16())
		sa = s
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("listen: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: SO_REUSEPORT: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: bind %s:%d: %w", ip, port, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// port returns the bound port, which matters when the config asked for 0.
func (a *Acceptor) port() int {
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return 0
	}
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return s.Port
	case *unix.SockaddrInet6:
		return s.Port
	}
	return 0
}

func (a *Acceptor) run(ctx context.Context) error {
	defer a.poller.Close()
	defer unix.Close(a.fd)

	events := make([]poller.Event, 1)
	for ctx.Err() == nil {
		n, err := a.poller.Wait(events, waitTickMs)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		a.acceptBurst()
	}
	return nil
}

// acceptBurst drains the accept queue until it would block.
func (a *Acceptor) acceptBurst() {
	for {
		fd, sa, err := unix.Accept(a.fd)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			a.log.Errorf("accept: %v", err)
			return
		}
		a.stats.ConnsAccepted.Add(1)

		if !a.admit(fd, sa) {
			a.stats.Shed.Add(1)
			unix.Close(fd)
			continue
		}

		loop := a.pickLoop()
		if !loop.enqueue(fd) {
			a.log.Warnf("loop %d intake full, shedding fd %d", loop.id, fd)
			a.release(fd)
			a.stats.Shed.Add(1)
			unix.Close(fd)
		}
	}
}

// admit checks the global and per-source ceilings and records the source
// on success.
func (a *Acceptor) admit(fd int, sa unix.Sockaddr) bool {
	if a.cfg.maxConns > 0 && a.stats.ConnsActive.Load() >= a.cfg.maxConns {
		return false
	}
	if a.cfg.maxPerSource <= 0 {
		return true
	}
	key, ok := keyFor(sa)
	if !ok {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perSource[key] >= a.cfg.maxPerSource {
		return false
	}
	a.perSource[key]++
	a.sources[fd] = key
	return true
}

// release drops the per-source claim for fd. Safe to call for fds that
// were never tracked.
func (a *Acceptor) release(fd int) {
	if a.cfg.maxPerSource <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.sources[fd]
	if !ok {
		return
	}
	delete(a.sources, fd)
	if n := a.perSource[key]; n <= 1 {
		delete(a.perSource, key)
	} else {
		a.perSource[key] = n - 1
	}
}

func keyFor(sa unix.Sockaddr) (sourceKey, bool) {
	var key sourceKey
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		copy(key[12:], s.Addr[:]) // v4-mapped position
		return key, true
	case *unix.SockaddrInet6:
		copy(key[:], s.Addr[:])
		return key, true
	}
	return key, false
}

// pickLoop chooses the least-loaded loop, round-robin on ties.
func (a *Acceptor) pickLoop() *Loop {
	best := a.loops[a.next%len(a.loops)]
	bestLoad := best.active()
	for i := 1; i < len(a.loops); i++ {
		l := a.loops[(a.next+i)%len(a.loops)]
		if load := l.active(); load < bestLoad {
			best, bestLoad = l, load
		}
	}
	a.next++
	return best
}
