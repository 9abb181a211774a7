//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
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

func epollEvents(in Interest) uint32 {
	// Level-triggered. EPOLLRDHUP only with read interest: a half-closed
	// peer keeps it raised, which would wake a writer waiting on EPOLLOUT.
	var ev uint32
	if in&Read != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest set of a watched descriptor
func (p *EpollPoller) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(events []Event, timeout time.Duration) ([]Event, error) {
	events = events[:0]
	n, err := unix.EpollWait(p.epfd, p.events, millis(timeout))
	if err == unix.EINTR {
		return events, nil
	}
	if err != nil {
		return events, err
	}

	for _, ev := range p.events[:n] {
		events = append(events, Event{
			FD:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return events, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}

type eventfdWaker struct {
	fd int
}

// NewWaker returns an eventfd-backed Waker.
func NewWaker() (Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventfdWaker{fd: fd}, nil
}

func (w *eventfdWaker) FD() int { return w.fd }

func (w *eventfdWaker) Wake() error {
	var one = [8]byte{1}
	for {
		_, err := unix.Write(w.fd, one[:])
		switch err {
		case unix.EINTR:
			continue
		case nil, unix.EAGAIN:
			// EAGAIN: the counter is saturated, a wake-up is pending anyway.
			return nil
		default:
			return err
		}
	}
}

func (w *eventfdWaker) Drain() error {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
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

func (w *eventfdWaker) Close() error {
	return unix.Close(w.fd)
}
