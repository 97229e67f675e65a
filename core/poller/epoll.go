//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is the Linux backend.
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates the platform poller (epoll on Linux).
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

// Level-triggered on purpose: a short read leaves the event pending, so a
// connection that could not drain its socket is revisited without
// edge-triggered bookkeeping.
const readFlags = unix.EPOLLIN | unix.EPOLLRDHUP

func (p *EpollPoller) Add(fd int) error {
	ev := unix.EpollEvent{Events: readFlags, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *EpollPoller) ModifyWrite(fd int, enable bool) error {
	flags := uint32(readFlags)
	if enable {
		flags |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: flags, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *EpollPoller) Wait(evs []Event, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	if n > len(evs) {
		n = len(evs)
	}
	for i := 0; i < n; i++ {
		e := p.events[i]
		evs[i] = Event{
			FD:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Hup:      e.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		}
	}
	return n, nil
}

func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}
