// Package sock wraps the raw socket operations used by the reactor: non-blocking
// fd I/O, listener setup and accept. Everything above this package sees a Socket
// that either makes progress, reports ErrWouldBlock, or fails.
package sock

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"time"
)

// ErrWouldBlock reports that an operation cannot progress without blocking.
var ErrWouldBlock = errors.New("sock: operation would block")

// Socket is the byte stream a connection state machine drives.
// Read returns (0, nil) at end of stream.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Conn adapts a blocking net.Conn to Socket. Each operation gets a short deadline;
// a deadline expiry is reported as ErrWouldBlock so the state machine suspends
// instead of stalling its caller.
type Conn struct {
	c       net.Conn
	timeout time.Duration
}

// NewConn wraps c. timeout bounds each individual read or write.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{c: c, timeout: timeout}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.c.SetReadDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.c.Read(p)
	return n, mapNetError(n, err)
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.c.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.c.Write(p)
	return n, mapNetError(n, err)
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// RemoteAddr returns the peer address of the wrapped connection.
func (c *Conn) RemoteAddr() netip.Addr {
	if ap, err := netip.ParseAddrPort(c.c.RemoteAddr().String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}

func mapNetError(n int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return nil
		}
		return ErrWouldBlock
	}
	if n == 0 && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
