package http

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/blizzard/core/plugin"
)

// DateFormat is the layout of the Date response header.
const DateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// ErrInvalidHeader is returned by AddHeader for a name or value that cannot
// appear in an HTTP header.
var ErrInvalidHeader = errors.New("http: invalid response header")

var _ plugin.Task = (*Conn)(nil)

// commit renders the status line and the server-controlled headers around
// the ones the plugin added. Connections are never kept alive.
func (c *Conn) commit() {
	code, reason := StatusText(c.status)
	c.status = code

	var buf [256]byte
	b := fmt.Appendf(buf[:0], "HTTP/%d.%d %d %s\r\nServer: blizzard/%s\r\nDate: %s\r\n",
		c.major, c.minor, code, reason, plugin.Version, time.Now().UTC().Format(DateFormat))
	c.outTitle.Append(b)

	if !c.cache {
		c.outHeaders.AppendString("Pragma: no-cache\r\nCache-control: no-cache\r\n")
	}
	c.outHeaders.AppendString("Connection: close\r\n")
	if n := c.outBody.Len(); n > 0 {
		c.outHeaders.AppendString("Accept-Ranges: bytes\r\nContent-Length: ")
		c.outHeaders.Append(strconv.AppendInt(buf[:0], int64(n), 10))
		c.outHeaders.AppendString("\r\n")
	}
	c.outHeaders.AppendString("\r\n")
}

// ResetResponse drops everything a plugin wrote so far.
func (c *Conn) ResetResponse() {
	c.status = 0
	c.cache = false
	c.outTitle.Reset()
	c.outHeaders.Reset()
	c.outBody.Reset()
}

// Status returns the response status set so far.
func (c *Conn) Status() int { return c.status }

// ResponseSize returns the buffered response body size.
func (c *Conn) ResponseSize() int { return c.outBody.Len() }

func (c *Conn) Method() plugin.Method { return c.method }

func (c *Conn) VersionMajor() int { return c.major }

func (c *Conn) VersionMinor() int { return c.minor }

func (c *Conn) KeepAlive() bool { return c.keepAlive }

func (c *Conn) Cache() bool { return c.cache }

func (c *Conn) RemoteAddr() netip.Addr { return c.addr }

func (c *Conn) Path() string { return c.path }

func (c *Conn) Query() string { return c.query }

// Body returns the request body, or nil when there is none.
func (c *Conn) Body() []byte {
	if c.inBody.Len() == 0 {
		return nil
	}
	return c.inBody.Bytes()
}

// Header returns the value of the first header whose key matches name
// case-insensitively.
func (c *Conn) Header(name string) (string, bool) {
	for i := range c.nheaders {
		if strings.EqualFold(c.headers[i].key, name) {
			return c.headers[i].value, true
		}
	}
	return "", false
}

func (c *Conn) HeaderCount() int { return c.nheaders }

func (c *Conn) HeaderAt(i int) (key, value string) {
	if i < 0 || i >= c.nheaders {
		return "", ""
	}
	return c.headers[i].key, c.headers[i].value
}

func (c *Conn) ServerTime() time.Time { return c.accepted }

func (c *Conn) SetStatus(code int) { c.status = code }

// SetKeepAlive is recorded for the plugin's benefit only; every response
// closes the connection.
func (c *Conn) SetKeepAlive(on bool) { c.keepAlive = on }

func (c *Conn) SetCache(on bool) { c.cache = on }

// AddHeader appends a response header.
func (c *Conn) AddHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%q: %w", name, ErrInvalidHeader)
	}
	c.outHeaders.AppendString(name)
	c.outHeaders.AppendString(": ")
	c.outHeaders.AppendString(value)
	c.outHeaders.AppendString("\r\n")
	return nil
}

// Write appends p to the response body.
func (c *Conn) Write(p []byte) (int, error) {
	return c.outBody.Append(p), nil
}
