// Package plugin defines the contract between the server and the module that
// handles requests. The server parses a request, hands it to the plugin as a
// Task, and writes back whatever the plugin put into it.
package plugin

import (
	"net/netip"
	"time"
)

// Version is the server version reported in the Server header and the status
// document.
const Version = "0.3.2"

// Status is the result of a plugin call.
type Status int

const (
	// OK means the response is ready to be written.
	OK Status = iota
	// Error replaces the response with a 503.
	Error
	// Again defers the task to the hard tier. It is only meaningful from Easy.
	Again
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Error:
		return "ERROR"
	case Again:
		return "AGAIN"
	default:
		return "UNKNOWN"
	}
}

// Method is the parsed request method.
type Method int

const (
	MethodUndef Method = iota
	MethodGet
	MethodPost
	MethodHead
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	default:
		return "UNDEF"
	}
}

// Task is one request/response exchange as seen by a plugin. Strings and
// slices returned by a Task are only valid during the call that received it;
// a plugin must copy anything it keeps.
type Task interface {
	Method() Method
	VersionMajor() int
	VersionMinor() int
	KeepAlive() bool
	Cache() bool
	RemoteAddr() netip.Addr
	Path() string
	Query() string
	Body() []byte

	// Header returns the first header named name (case-insensitive).
	Header(name string) (string, bool)
	HeaderCount() int
	HeaderAt(i int) (key, value string)

	// ServerTime is the time the request was accepted.
	ServerTime() time.Time

	SetStatus(code int)
	SetKeepAlive(on bool)
	SetCache(on bool)
	AddHeader(name, value string) error
	Write(p []byte) (int, error)
}

// Plugin handles requests. Easy runs on the low-latency worker tier, Hard on
// the tier for slow or blocking work. Idle is called periodically and
// RotateCustomLogs when the server rotates its logs.
type Plugin interface {
	Load(params string) error
	Easy(t Task) Status
	Hard(t Task) Status
	Idle() error
	RotateCustomLogs() error
}

// Base provides no-op Idle and RotateCustomLogs for embedding.
type Base struct{}

func (Base) Idle() error { return nil }

func (Base) RotateCustomLogs() error { return nil }
