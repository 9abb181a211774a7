//go:build linux || darwin

package sock

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// FD is a non-blocking socket descriptor.
type FD int

// Closed is the sentinel for a connection without a socket.
const Closed FD = -1

func (fd FD) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

func (fd FD) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(fd), p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

func (fd FD) Close() error {
	return unix.Close(int(fd))
}

// Listener owns a bound TCP listener and a non-blocking duplicate of its descriptor
// for use by the reactor.
type Listener struct {
	ln *net.TCPListener
	fd int
}

// Listen binds ip:port. The listener's descriptor is switched to non-blocking mode.
func Listen(ip, port string) (*Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(ip, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%s: %w", ip, port, err)
	}

	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s:%s: %w", ip, port, err)
	}

	lnFile, err := ln.File()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("listener fd: %w", err)
	}

	// File() hands back a dup; the *os.File may go, the descriptor stays ours.
	lfd, err := unix.Dup(int(lnFile.Fd()))
	lnFile.Close()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("dup listener fd: %w", err)
	}

	if err := unix.SetNonblock(lfd, true); err != nil {
		unix.Close(lfd)
		ln.Close()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	unix.CloseOnExec(lfd)

	return &Listener{ln: ln, fd: lfd}, nil
}

// FD returns the non-blocking listening descriptor.
func (l *Listener) FD() int {
	return l.fd
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close releases both the descriptor and the listener.
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	if cerr := l.ln.Close(); err == nil {
		err = cerr
	}
	return err
}

// Accept takes one pending connection off the listener. It returns ErrWouldBlock
// when the backlog is empty.
func (l *Listener) Accept() (FD, netip.Addr, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return Closed, netip.Addr{}, ErrWouldBlock
		default:
			return Closed, netip.Addr{}, err
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return Closed, netip.Addr{}, fmt.Errorf("set nonblock: %w", err)
		}
		unix.CloseOnExec(nfd)

		// TCP_NODELAY: Disable Nagle's algorithm
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		return FD(nfd), sockaddrIP(sa), nil
	}
}

func sockaddrIP(sa unix.Sockaddr) netip.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr).Unmap()
	}
	return netip.Addr{}
}

// Socketpair returns a connected pair of non-blocking stream sockets.
func Socketpair() (FD, FD, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return Closed, Closed, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return Closed, Closed, err
		}
	}
	return FD(fds[0]), FD(fds[1]), nil
}

// ShutdownWrite half-closes fd so the peer reads end of stream.
func ShutdownWrite(fd FD) error {
	return unix.Shutdown(int(fd), unix.SHUT_WR)
}
