//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is the Darwin backend.
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates the platform poller (kqueue on Darwin).
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

func (p *KqueuePoller) change(fd int, filter int16, flags uint16) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *KqueuePoller) Add(fd int) error {
	// Level-triggered read filter; the write filter is registered
	// disabled so ModifyWrite is a cheap enable/disable toggle.
	if err := p.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return err
	}
	return p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_DISABLE)
}

func (p *KqueuePoller) ModifyWrite(fd int, enable bool) error {
	flags := uint16(unix.EV_DISABLE)
	if enable {
		flags = unix.EV_ENABLE
	}
	return p.change(fd, unix.EVFILT_WRITE, flags)
}

func (p *KqueuePoller) Remove(fd int) error {
	if err := p.change(fd, unix.EVFILT_READ, unix.EV_DELETE); err != nil {
		return err
	}
	// The write filter may already be gone with the descriptor.
	_ = p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (p *KqueuePoller) Wait(evs []Event, timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
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
			FD:       int(e.Ident),
			Readable: e.Filter == unix.EVFILT_READ,
			Writable: e.Filter == unix.EVFILT_WRITE,
			Hup:      e.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0,
		}
	}
	return n, nil
}

func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
