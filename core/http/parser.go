package http

import (
	"bytes"
	"strconv"
	"strings"
	"unsafe"

	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/internal/logger"
)

// unsafeString converts byte slice to string without allocation
// WARNING: The returned string shares memory with the byte slice
func unsafeString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

func trimLeadingSpaces(b []byte) []byte {
	for len(b) > 0 && b[0] == ' ' {
		b = b[1:]
	}
	return b
}

// cutSpace splits b at the first space and drops the run of spaces after it.
func cutSpace(b []byte) (before, after []byte, found bool) {
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return b, nil, false
	}
	return b[:i], trimLeadingSpaces(b[i+1:]), true
}

// leadingInt parses the decimal digits at the start of b; anything after them
// is ignored.
func leadingInt(b []byte) int {
	n := 0
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			break
		}
		n = n*10 + int(ch-'0')
		if n > 1<<20 {
			break
		}
	}
	return n
}

// parseRequestLine handles "METHOD SP TARGET SP HTTP/M.N". The version is
// checked before the method so that a 501 still answers in the client's
// protocol version.
func (c *Conn) parseRequestLine(line []byte) {
	mthd, rest, ok := cutSpace(trimLeadingSpaces(line))
	if !ok {
		c.fail(400)
		return
	}
	target, version, ok := cutSpace(rest)
	if !ok {
		c.fail(400)
		return
	}
	if len(version) < 5 || !bytes.EqualFold(version[:5], []byte("HTTP/")) {
		c.fail(400)
		return
	}
	version = version[5:]
	dot := bytes.IndexByte(version, '.')
	if dot < 0 {
		c.fail(400)
		return
	}
	c.major = leadingInt(version)
	c.minor = leadingInt(version[dot+1:])

	// Only the first letters are looked at: g/G, h/H, p/P + o/O.
	switch {
	case len(mthd) > 0 && (mthd[0] == 'g' || mthd[0] == 'G'):
		c.method = plugin.MethodGet
	case len(mthd) > 0 && (mthd[0] == 'h' || mthd[0] == 'H'):
		c.method = plugin.MethodHead
	case len(mthd) > 1 && (mthd[0] == 'p' || mthd[0] == 'P') && (mthd[1] == 'o' || mthd[1] == 'O'):
		c.method = plugin.MethodPost
	default:
		logger.Debug("http: %s sent unsupported method %q", c.addr, mthd)
		c.method = plugin.MethodUndef
		c.fail(501)
		return
	}

	if q := bytes.IndexByte(target, '?'); q >= 0 {
		c.path = unsafeString(target[:q])
		c.query = unsafeString(target[q+1:])
	} else {
		c.path = unsafeString(target)
	}
	c.state = StateReadingHeaders
}

// parseHeaderLine stores one header, or finishes the head on an empty line.
func (c *Conn) parseHeaderLine(line []byte) {
	if len(line) == 0 {
		c.endOfHead()
		return
	}

	line = trimLeadingSpaces(line)
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		logger.Debug("http: malformed header line from %s", c.addr)
		c.fail(400)
		return
	}
	key := unsafeString(line[:colon])
	value := unsafeString(trimLeadingSpaces(line[colon+1:]))

	if c.nheaders < MaxHeaderItems && key != "" {
		c.headers[c.nheaders] = header{key: key, value: value}
		c.nheaders++
	}

	switch {
	case len(key) >= 11 && strings.EqualFold(key[:11], "content-len"):
		n, err := strconv.Atoi(strings.TrimRight(value, " \t"))
		if err != nil || n < 0 {
			c.fail(400)
			return
		}
		if c.hasLength && n != c.bodySize {
			logger.Debug("http: %s sent conflicting Content-Length %d and %d", c.addr, c.bodySize, n)
			c.fail(400)
			return
		}
		if limit := c.limits.bodyLimit(); n > limit {
			logger.Debug("http: %s declared %d body bytes, limit %d", c.addr, n, limit)
			c.fail(413)
			return
		}
		c.bodySize = n
		c.hasLength = true

	case strings.EqualFold(key, "expect") && strings.EqualFold(value, "100-continue"):
		// Written straight to the socket, ahead of anything buffered.
		n, err := c.sock.Write([]byte(continueResponse))
		if err != nil || n < len(continueResponse) {
			logger.Warn("http: client %s didn't receive '100 Continue'", c.addr)
		}
	}
}

func (c *Conn) endOfHead() {
	if c.method != plugin.MethodPost || c.bodySize == 0 {
		c.state = StateReadyToHandle
		return
	}
	c.inBody.Resize(c.bodySize)
	c.inBody.Append(c.inHeaders.Unparsed())
	c.state = StateReadingPost
}
