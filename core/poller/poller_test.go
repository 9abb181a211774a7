//go:build linux || darwin

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func find(events []Event, fd int) (Event, bool) {
	var out Event
	found := false
	for _, ev := range events {
		if ev.FD == fd {
			out.FD = fd
			out.Readable = out.Readable || ev.Readable
			out.Writable = out.Writable || ev.Writable
			out.Hangup = out.Hangup || ev.Hangup
			found = true
		}
	}
	return out, found
}

func TestReadWriteInterest(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketpair(t)
	require.NoError(t, p.Add(a, Read))

	events, err := p.Wait(nil, 10*time.Millisecond)
	require.NoError(t, err)
	_, ok := find(events, a)
	assert.False(t, ok, "nothing to read yet")

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	ev, ok := find(events, a)
	require.True(t, ok)
	assert.True(t, ev.Readable)
	assert.False(t, ev.Writable)

	require.NoError(t, p.Modify(a, Read|Write))
	events, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	ev, ok = find(events, a)
	require.True(t, ok)
	assert.True(t, ev.Writable)

	require.NoError(t, p.Remove(a))
	events, err = p.Wait(events, 10*time.Millisecond)
	require.NoError(t, err)
	_, ok = find(events, a)
	assert.False(t, ok)
}

func TestPeerShutdownIsReadable(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketpair(t)
	require.NoError(t, p.Add(a, Read))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))

	events, err := p.Wait(nil, time.Second)
	require.NoError(t, err)
	ev, ok := find(events, a)
	require.True(t, ok)
	assert.True(t, ev.Readable)
}

func TestHalfClosedPeerQuietUnderWriteInterest(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketpair(t)
	require.NoError(t, unix.SetNonblock(a, true))
	chunk := make([]byte, 64<<10)
	for {
		_, err := unix.Write(a, chunk)
		if err == unix.EAGAIN {
			break
		}
		require.NoError(t, err)
	}
	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))

	require.NoError(t, p.Add(a, Write))
	events, err := p.Wait(nil, 50*time.Millisecond)
	require.NoError(t, err)
	_, ok := find(events, a)
	assert.False(t, ok, "peer shutdown must not wake a blocked writer")

	require.NoError(t, p.Modify(a, Read|Write))
	events, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	ev, ok := find(events, a)
	require.True(t, ok)
	assert.True(t, ev.Readable)
	assert.False(t, ev.Writable)
}

func TestWaker(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	w, err := NewWaker()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, p.Add(w.FD(), Read))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = w.Wake()
	}()

	start := time.Now()
	events, err := p.Wait(nil, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	_, ok := find(events, w.FD())
	require.True(t, ok)

	require.NoError(t, w.Drain())

	// Pending wake-ups coalesce into one drain.
	require.NoError(t, w.Wake())
	require.NoError(t, w.Wake())
	require.NoError(t, w.Drain())
	events, err = p.Wait(events, 10*time.Millisecond)
	require.NoError(t, err)
	_, ok = find(events, w.FD())
	assert.False(t, ok, "drained waker must not stay readable")
}

func TestMillis(t *testing.T) {
	assert.Equal(t, -1, millis(-time.Second))
	assert.Equal(t, 0, millis(0))
	assert.Equal(t, 1, millis(time.Microsecond))
	assert.Equal(t, 100, millis(100*time.Millisecond))
}
