//go:build linux || darwin

package sock

import (
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFDReadWouldBlock(t *testing.T) {
	a, b, err := Socketpair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 16)
	_, err = a.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	n, err := b.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestFDReadEOFAfterShutdown(t *testing.T) {
	a, b, err := Socketpair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, ShutdownWrite(b))

	n, err := a.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListenerAccept(t *testing.T) {
	ln, err := Listen("127.0.0.1", "0")
	require.NoError(t, err)
	defer ln.Close()

	_, _, err = ln.Accept()
	assert.ErrorIs(t, err, ErrWouldBlock)

	port := ln.Addr().(*net.TCPAddr).Port
	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer client.Close()

	var fd FD
	var acceptErr error
	require.Eventually(t, func() bool {
		var addr netip.Addr
		fd, addr, acceptErr = ln.Accept()
		if acceptErr != nil {
			return false
		}
		assert.True(t, addr.IsLoopback())
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, acceptErr)
	defer fd.Close()

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)
}

func TestConnDeadlineMapsToWouldBlock(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewConn(server, 10*time.Millisecond)
	_, err := c.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrWouldBlock)

	go func() { _, _ = client.Write([]byte("ok")) }()
	buf := make([]byte, 4)
	var n int
	require.Eventually(t, func() bool {
		n, err = c.Read(buf)
		return err == nil && n > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestConnEOF(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := NewConn(server, 50*time.Millisecond)
	client.Close()

	n, err := c.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
}
