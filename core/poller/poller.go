// Package poller wraps the platform readiness API (epoll on Linux, kqueue on
// macOS) behind a small level-triggered interface, plus a Waker other
// goroutines use to interrupt a blocked Wait.
package poller

import "time"

// Interest selects the readiness conditions watched for a descriptor.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Event reports readiness of one descriptor. Hangup covers both errors and a
// full hang-up; a peer that only shut down its write side shows up as
// Readable.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Hangup   bool
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, in Interest) error
	Modify(fd int, in Interest) error
	Remove(fd int) error
	// Wait blocks up to timeout (negative: forever) and appends ready events
	// to events[:0]. An interrupted wait returns no events and no error.
	Wait(events []Event, timeout time.Duration) ([]Event, error)
	Close() error
}

// Waker interrupts a Wait on the poller its FD is registered with.
type Waker interface {
	// FD is the descriptor to register for Read interest.
	FD() int
	Wake() error
	// Drain consumes pending wake-ups so the descriptor stops being readable.
	Drain() error
	Close() error
}

func millis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}
