//go:build darwin

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

func (p *KqueuePoller) apply(fd int, in Interest, deleteMissing bool) error {
	// Use level-triggered (default) for reliability
	// EV_CLEAR (edge-triggered) can miss events if not handled carefully
	var changes []unix.Kevent_t
	for _, f := range []struct {
		filter int16
		want   bool
	}{
		{unix.EVFILT_READ, in&Read != 0},
		{unix.EVFILT_WRITE, in&Write != 0},
	} {
		var ev unix.Kevent_t
		switch {
		case f.want:
			unix.SetKevent(&ev, fd, int(f.filter), unix.EV_ADD|unix.EV_ENABLE)
		case deleteMissing:
			unix.SetKevent(&ev, fd, int(f.filter), unix.EV_DELETE)
		default:
			continue
		}
		changes = append(changes, ev)
	}
	for _, ev := range changes {
		_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
		if err != nil && !(ev.Flags&unix.EV_DELETE != 0 && err == unix.ENOENT) {
			return err
		}
	}
	return nil
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, in Interest) error {
	return p.apply(fd, in, false)
}

// Modify replaces the interest set of a watched descriptor
func (p *KqueuePoller) Modify(fd int, in Interest) error {
	return p.apply(fd, in, true)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	return p.apply(fd, 0, true)
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(events []Event, timeout time.Duration) ([]Event, error) {
	events = events[:0]
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err == unix.EINTR {
		return events, nil
	}
	if err != nil {
		return events, err
	}

	for _, kev := range p.events[:n] {
		ev := Event{FD: int(kev.Ident)}
		switch kev.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
			ev.Hangup = kev.Flags&unix.EV_EOF != 0
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			ev.Hangup = true
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

type pipeWaker struct {
	r, w int
}

// NewWaker returns a pipe-backed Waker.
func NewWaker() (Waker, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &pipeWaker{r: fds[0], w: fds[1]}, nil
}

func (w *pipeWaker) FD() int { return w.r }

func (w *pipeWaker) Wake() error {
	for {
		_, err := unix.Write(w.w, []byte{1})
		switch err {
		case unix.EINTR:
			continue
		case nil, unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

func (w *pipeWaker) Drain() error {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || (err == nil && n < len(buf)):
			return nil
		case err != nil:
			return err
		}
	}
}

func (w *pipeWaker) Close() error {
	err := unix.Close(w.r)
	if cerr := unix.Close(w.w); err == nil {
		err = cerr
	}
	return err
}
