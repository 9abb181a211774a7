// Package http implements the per-connection HTTP/1.x state machine. A Conn
// owns one socket and its buffers and moves itself from request parsing to
// response writing each time the reactor resumes it, suspending whenever the
// socket would block.
package http

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/searchktools/blizzard/core/buffer"
	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/core/pools"
	"github.com/searchktools/blizzard/core/sock"
	"github.com/searchktools/blizzard/internal/logger"
)

// State is a connection's position in the request/response cycle.
type State int

const (
	StateUndefined State = iota
	StateReadingHead
	StateReadingHeaders
	StateReadingPost
	StateReadyToHandle
	StateWriting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "Undefined"
	case StateReadingHead:
		return "ReadingHead"
	case StateReadingHeaders:
		return "ReadingHeaders"
	case StateReadingPost:
		return "ReadingPost"
	case StateReadyToHandle:
		return "ReadyToHandle"
	case StateWriting:
		return "Writing"
	case StateDone:
		return "Done"
	default:
		return "Invalid"
	}
}

// MaxHeaderItems bounds the number of request headers kept for lookup.
const MaxHeaderItems = 16

// MaxBodyCeiling is the largest request body accepted under any limits.
const MaxBodyCeiling = 1 << 30

// Default buffer segment sizes.
const (
	DefaultReadHeaders  = 8192
	DefaultWriteTitle   = 8192
	DefaultWriteHeaders = 4096
	DefaultWriteBody    = 32768
)

// Limits sizes a connection's buffers.
type Limits struct {
	ReadHeaders  int
	WriteHeaders int
	WriteBody    int
	// MaxBody caps Content-Length. 0 means MaxBodyCeiling, which also
	// bounds any larger value.
	MaxBody int
	Pool    *pools.BytePool
}

func (l Limits) bodyLimit() int {
	if l.MaxBody <= 0 || l.MaxBody > MaxBodyCeiling {
		return MaxBodyCeiling
	}
	return l.MaxBody
}

// DefaultLimits returns the stock buffer sizes.
func DefaultLimits() Limits {
	return Limits{
		ReadHeaders:  DefaultReadHeaders,
		WriteHeaders: DefaultWriteHeaders,
		WriteBody:    DefaultWriteBody,
	}
}

type header struct {
	key   string
	value string
}

// Conn is one client connection. Between Init and Destroy it is driven by
// the reactor through Resume, except while Locked, when exactly one worker
// owns it.
type Conn struct {
	sock     sock.Socket
	addr     netip.Addr
	accepted time.Time
	flags    buffer.Flags
	locked   atomic.Bool
	state    State
	limits   Limits

	method    plugin.Method
	major     int
	minor     int
	keepAlive bool
	cache     bool
	path      string
	query     string
	headers   [MaxHeaderItems]header
	nheaders  int
	bodySize  int
	hasLength bool
	status    int

	inHeaders  buffer.Chunk
	inBody     buffer.Block
	outTitle   buffer.Chunk
	outHeaders buffer.Chunk
	outBody    buffer.Chunk
}

// Init binds a fresh or recycled connection to s.
func (c *Conn) Init(s sock.Socket, addr netip.Addr, now time.Time, lim Limits) {
	if c.sock != nil {
		logger.Warn("http: double init of connection from %s", c.addr)
		c.Destroy()
	}
	if lim.ReadHeaders <= 0 {
		lim.ReadHeaders = DefaultReadHeaders
	}
	if lim.WriteHeaders <= 0 {
		lim.WriteHeaders = DefaultWriteHeaders
	}
	if lim.WriteBody <= 0 {
		lim.WriteBody = DefaultWriteBody
	}

	c.sock = s
	c.addr = addr
	c.accepted = now
	c.limits = lim
	c.flags.Reset()
	c.locked.Store(false)
	c.state = StateUndefined

	c.resetRequest()
	c.status = 0
	c.keepAlive = false
	c.cache = false

	c.inHeaders.Init(lim.ReadHeaders, false, lim.Pool)
	c.inBody.Init(lim.Pool)
	c.outTitle.Init(DefaultWriteTitle, true, lim.Pool)
	c.outHeaders.Init(lim.WriteHeaders, true, lim.Pool)
	c.outBody.Init(lim.WriteBody, true, lim.Pool)
}

func (c *Conn) resetRequest() {
	c.method = plugin.MethodUndef
	c.major, c.minor = 0, 0
	c.path, c.query = "", ""
	clear(c.headers[:])
	c.nheaders = 0
	c.bodySize = 0
	c.hasLength = false
}

// Destroy closes the socket and returns every buffer to the pool.
func (c *Conn) Destroy() {
	if c.sock != nil {
		if err := c.sock.Close(); err != nil {
			logger.Debug("http: close %s: %v", c.addr, err)
		}
		c.sock = nil
	}
	c.resetRequest()
	c.inHeaders.Reset()
	c.inBody.Reset()
	c.outTitle.Reset()
	c.outHeaders.Reset()
	c.outBody.Reset()
	c.state = StateUndefined
}

// Reset clears a destroyed connection for reuse. Buffer segment slices are
// kept.
func (c *Conn) Reset() {
	if c.sock != nil {
		c.Destroy()
	}
	c.addr = netip.Addr{}
	c.accepted = time.Time{}
	c.flags.Reset()
	c.locked.Store(false)
	c.status = 0
	c.keepAlive = false
	c.cache = false
}

// Lock claims the connection for a worker. It reports false if it was
// already claimed.
func (c *Conn) Lock() bool {
	return c.locked.CompareAndSwap(false, true)
}

// Unlock releases a worker's claim.
func (c *Conn) Unlock() {
	c.locked.Store(false)
}

// Locked reports whether a worker owns the connection.
func (c *Conn) Locked() bool {
	return c.locked.Load()
}

// State returns the current state.
func (c *Conn) State() State {
	return c.state
}

// Open reports whether the connection still holds a socket.
func (c *Conn) Open() bool {
	return c.sock != nil
}

// Lifetime returns the time elapsed since Init.
func (c *Conn) Lifetime(now time.Time) time.Duration {
	return now.Sub(c.accepted)
}

// AllowRead grants one round of reads.
func (c *Conn) AllowRead() { c.flags.CanRead = true }

// AllowWrite grants one round of writes.
func (c *Conn) AllowWrite() { c.flags.CanWrite = true }

// SetReadEOF records that the peer finished sending.
func (c *Conn) SetReadEOF() { c.flags.ReadEOF = true }

// SetWriteEOF records that nothing more can be written.
func (c *Conn) SetWriteEOF() { c.flags.WriteEOF = true }

// Progress returns the number of bytes moved over the socket so far.
func (c *Conn) Progress() int {
	sent := 0
	for _, part := range [...]*buffer.Chunk{&c.outTitle, &c.outHeaders, &c.outBody} {
		sent += part.Len() - part.Pending()
	}
	return c.inHeaders.Len() + c.inBody.Len() + sent
}

// WantWrite reports whether the connection is waiting for writability.
func (c *Conn) WantWrite() bool {
	return c.state == StateWriting && !c.flags.CanWrite && !c.flags.WriteEOF
}

// Resume runs the state machine until it has to wait for the socket, reaches
// ReadyToHandle or reaches Done. Entered in ReadyToHandle it renders the
// response the plugin prepared and starts writing it.
func (c *Conn) Resume() State {
	if c.sock == nil {
		return c.state
	}
	for {
		switch c.state {
		case StateUndefined:
			c.state = StateReadingHead

		case StateReadingHead:
			line, ok := c.readLine()
			if !ok {
				return c.state
			}
			c.parseRequestLine(line)

		case StateReadingHeaders:
			line, ok := c.readLine()
			if !ok {
				return c.state
			}
			c.parseHeaderLine(line)
			if c.state == StateReadyToHandle {
				return c.state
			}

		case StateReadingPost:
			if !c.readBody() {
				return c.state
			}
			if c.state == StateReadyToHandle {
				return c.state
			}

		case StateReadyToHandle:
			c.commit()
			c.state = StateWriting

		case StateWriting:
			if !c.writeResponse() {
				return c.state
			}

		default:
			return c.state
		}
	}
}

// readLine returns the next line of the request head without its line
// terminator. It reads from the socket until a line is complete or the
// socket would block.
func (c *Conn) readLine() ([]byte, bool) {
	for {
		if line, ok := c.nextLine(); ok {
			return line, true
		}
		if !c.flags.Readable() {
			if c.flags.ReadEOF {
				c.truncated()
			}
			return nil, false
		}
		if _, err := c.inHeaders.ReadFrom(c.sock, &c.flags); err != nil {
			if err == buffer.ErrFull {
				logger.Debug("http: request head from %s exceeds %d bytes", c.addr, c.limits.ReadHeaders)
				c.fail(400)
			} else {
				logger.Debug("http: read from %s: %v", c.addr, err)
				c.state = StateDone
			}
			return nil, false
		}
	}
}

func (c *Conn) nextLine() ([]byte, bool) {
	data := c.inHeaders.Unparsed()
	for i, b := range data {
		if b == '\n' {
			c.inHeaders.SetMarker(c.inHeaders.Marker() + i + 1)
			line := data[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			return line, true
		}
	}
	return nil, false
}

// truncated handles a peer that closed before completing the request head.
// A connection that sent nothing is simply finished.
func (c *Conn) truncated() {
	if c.inHeaders.Len() == 0 {
		c.state = StateDone
		return
	}
	logger.Debug("http: %s closed mid-request", c.addr)
	c.fail(400)
}

func (c *Conn) readBody() bool {
	for !c.inBody.Full() && c.flags.Readable() {
		if _, err := c.inBody.ReadFrom(c.sock, &c.flags); err != nil {
			logger.Debug("http: read body from %s: %v", c.addr, err)
			c.state = StateDone
			return true
		}
	}
	if c.inBody.Full() {
		c.state = StateReadyToHandle
		return true
	}
	if c.flags.ReadEOF {
		logger.Debug("http: %s closed after %d of %d body bytes", c.addr, c.inBody.Len(), c.bodySize)
		c.fail(400)
		return true
	}
	return false
}

func (c *Conn) writeResponse() bool {
	if !c.flags.Writable() {
		if c.flags.WriteEOF {
			c.state = StateDone
			return true
		}
		return false
	}

	parts := [...]*buffer.Chunk{&c.outTitle, &c.outHeaders, &c.outBody}
	n := len(parts)
	if c.method == plugin.MethodHead {
		n--
	}
	for _, part := range parts[:n] {
		done, err := part.WriteTo(c.sock, &c.flags)
		if err != nil {
			logger.Debug("http: write to %s: %v", c.addr, err)
			c.state = StateDone
			return true
		}
		if !done {
			return false
		}
	}
	c.flags.WriteEOF = true
	c.state = StateDone
	return true
}

// fail answers a protocol error with a bare status response.
func (c *Conn) fail(code int) {
	if c.major == 0 && c.minor == 0 {
		c.major = 1
	}
	c.ResetResponse()
	c.status = code
	c.commit()
	c.state = StateWriting
}
