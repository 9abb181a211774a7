//go:build linux || darwin

package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/blizzard/core/pipeline"
	"github.com/searchktools/blizzard/core/plugin"
)

type testPlugin struct {
	plugin.Base
	easy func(plugin.Task) plugin.Status
	hard func(plugin.Task) plugin.Status

	easyCalls atomic.Int64
	hardCalls atomic.Int64
}

func (p *testPlugin) Load(string) error { return nil }

func (p *testPlugin) Easy(t plugin.Task) plugin.Status {
	p.easyCalls.Add(1)
	return p.easy(t)
}

func (p *testPlugin) Hard(t plugin.Task) plugin.Status {
	p.hardCalls.Add(1)
	if p.hard == nil {
		return plugin.Error
	}
	return p.hard(t)
}

func hello(t plugin.Task) plugin.Status {
	t.SetStatus(200)
	_, _ = t.Write([]byte("hi"))
	return plugin.OK
}

func startEngine(t *testing.T, cfg Config, p plugin.Plugin) *Engine {
	t.Helper()
	cfg.IP = "127.0.0.1"
	cfg.Port = "0"
	e := NewEngine(cfg, p, nil)
	require.NoError(t, e.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return e
}

// roundTrip sends raw and reads until the server closes the connection.
func roundTrip(t *testing.T, addr net.Addr, raw string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(c, raw)
	require.NoError(t, err)
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(out)
}

func parse(t *testing.T, raw string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err, raw)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestListenRequiresPlugin(t *testing.T) {
	e := NewEngine(Config{IP: "127.0.0.1", Port: "0"}, nil, nil)
	assert.ErrorIs(t, e.Listen(), ErrNoPlugin)
	assert.ErrorIs(t, e.Run(context.Background()), ErrNotListening)
	assert.Nil(t, e.Addr())
	assert.Nil(t, e.StatusAddr())
}

func TestGetHello(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{}, p)

	raw := roundTrip(t, e.Addr(), "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"), raw)

	resp, body := parse(t, raw)
	assert.Equal(t, "2", resp.Header.Get("Content-Length"))
	assert.Equal(t, "blizzard/"+plugin.Version, resp.Header.Get("Server"))
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	assert.Equal(t, "hi", body)
}

func TestAgainWithoutHardThreads(t *testing.T) {
	p := &testPlugin{easy: func(t plugin.Task) plugin.Status {
		if string(t.Body()) != "hello" {
			return plugin.Error
		}
		return plugin.Again
	}}
	e := startEngine(t, Config{}, p)

	raw := roundTrip(t, e.Addr(), "POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	resp, body := parse(t, raw)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, pipeline.BodyEasyError, body)
	assert.EqualValues(t, 1, p.easyCalls.Load())
	assert.Zero(t, p.hardCalls.Load())
}

func TestUnknownMethod(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{}, p)

	raw := roundTrip(t, e.Addr(), "BADVERB / HTTP/1.1\r\n\r\n")
	resp, _ := parse(t, raw)
	assert.Equal(t, 501, resp.StatusCode)
	assert.Zero(t, p.easyCalls.Load())
}

func TestBadRequest(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{}, p)

	raw := roundTrip(t, e.Addr(), "GET / FTP/1.1\r\n\r\n")
	resp, _ := parse(t, raw)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Zero(t, p.easyCalls.Load())
}

func TestHardTier(t *testing.T) {
	p := &testPlugin{
		easy: func(plugin.Task) plugin.Status { return plugin.Again },
		hard: func(t plugin.Task) plugin.Status {
			t.SetStatus(200)
			_ = t.AddHeader("X-Tier", "hard")
			_, _ = t.Write([]byte(t.Path()))
			return plugin.OK
		},
	}
	e := startEngine(t, Config{Pipeline: pipeline.Config{EasyThreads: 2, HardThreads: 2}}, p)

	resp, body := parse(t, roundTrip(t, e.Addr(), "GET /deep HTTP/1.0\r\n\r\n"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hard", resp.Header.Get("X-Tier"))
	assert.Equal(t, "/deep", body)
	assert.EqualValues(t, 1, p.hardCalls.Load())
}

func TestLargeResponse(t *testing.T) {
	const size = 1 << 20
	p := &testPlugin{easy: func(t plugin.Task) plugin.Status {
		t.SetStatus(200)
		_, _ = t.Write([]byte(strings.Repeat("x", size)))
		return plugin.OK
	}}
	e := startEngine(t, Config{}, p)

	resp, body := parse(t, roundTrip(t, e.Addr(), "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Len(t, body, size)
}

func TestIdleConnectionTimesOut(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{ConnectionTimeout: 200 * time.Millisecond}, p)

	c, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

	start := time.Now()
	n, err := c.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, p.easyCalls.Load())
}

func isReset(err error) bool {
	return err != nil && strings.Contains(err.Error(), "reset")
}

func TestPeerClosesWithoutRequest(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{}, p)

	for range 20 {
		c, err := net.Dial("tcp", e.Addr().String())
		require.NoError(t, err)
		c.Close()
	}
	// The server keeps working.
	resp, _ := parse(t, roundTrip(t, e.Addr(), "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, 200, resp.StatusCode)
}

func TestStatusListener(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{StatusIP: "127.0.0.1", StatusPort: "0"}, p)
	require.NotNil(t, e.StatusAddr())

	parse(t, roundTrip(t, e.Addr(), "GET / HTTP/1.1\r\n\r\n"))

	resp, body := parse(t, roundTrip(t, e.StatusAddr(), "GET / HTTP/1.0\r\n\r\n"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "<blizzard_stats>\n"), body)
	assert.Contains(t, body, "<blizzard_version>"+plugin.Version+"</blizzard_version>")

	resp, body = parse(t, roundTrip(t, e.StatusAddr(), "GET /?format=json HTTP/1.0\r\n\r\n"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-type"))
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, plugin.Version, doc["blizzard_version"])

	resp, body = parse(t, roundTrip(t, e.StatusAddr(), "GET /metrics HTTP/1.0\r\n\r\n"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, body, "blizzard_connections_served_total")

	resp, _ = parse(t, roundTrip(t, e.StatusAddr(), "GET /?format=yaml HTTP/1.0\r\n\r\n"))
	assert.Equal(t, 400, resp.StatusCode)
}

func TestConnectionsAreRecycled(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{PageSize: 4}, p)

	for range 50 {
		resp, _ := parse(t, roundTrip(t, e.Addr(), "GET / HTTP/1.1\r\n\r\n"))
		require.Equal(t, 200, resp.StatusCode)
	}
	require.Eventually(t, func() bool {
		return e.Stats().Snapshot(time.Now()).Requests == 50
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, e.Stats().Snapshot(time.Now()).Pages)
}

func TestLockedConnectionOutlivesTimeout(t *testing.T) {
	p := &testPlugin{easy: func(t plugin.Task) plugin.Status {
		time.Sleep(800 * time.Millisecond)
		return hello(t)
	}}
	e := startEngine(t, Config{ConnectionTimeout: 200 * time.Millisecond}, p)

	resp, body := parse(t, roundTrip(t, e.Addr(), "GET /slow HTTP/1.1\r\n\r\n"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hi", body)
}

func dialTCP(t *testing.T, addr net.Addr) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c.(*net.TCPConn)
}

func TestHalfClosedMidBody(t *testing.T) {
	p := &testPlugin{easy: hello}
	e := startEngine(t, Config{}, p)

	c := dialTCP(t, e.Addr())
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := io.WriteString(c, "POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	out, err := io.ReadAll(c)
	require.NoError(t, err)
	resp, _ := parse(t, string(out))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Zero(t, p.easyCalls.Load())
}

func cpuTime(t *testing.T) time.Duration {
	t.Helper()
	var ru unix.Rusage
	require.NoError(t, unix.Getrusage(unix.RUSAGE_SELF, &ru))
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

func TestHalfClosedReaderIsReaped(t *testing.T) {
	const size = 16 << 20
	p := &testPlugin{easy: func(t plugin.Task) plugin.Status {
		t.SetStatus(200)
		_, _ = t.Write(make([]byte, size))
		return plugin.OK
	}}
	e := startEngine(t, Config{ConnectionTimeout: 300 * time.Millisecond}, p)

	c := dialTCP(t, e.Addr())
	_, err := io.WriteString(c, "GET /big HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	start := cpuTime(t)
	time.Sleep(1500 * time.Millisecond)
	assert.Less(t, cpuTime(t)-start, 750*time.Millisecond, "reactor must sleep while the peer is stalled")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	out, _ := io.ReadAll(c)
	assert.Less(t, len(out), size, "stalled connection was never timed out")
	require.Eventually(t, func() bool {
		return e.Stats().Snapshot(time.Now()).Requests == 1
	}, 2*time.Second, 10*time.Millisecond)
}
