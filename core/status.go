//go:build linux || darwin

package core

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/searchktools/blizzard/core/http"
	"github.com/searchktools/blizzard/core/observability"
	"github.com/searchktools/blizzard/core/sock"
	"github.com/searchktools/blizzard/internal/logger"
)

// MetricsPath is served in the Prometheus text format by the status listener.
const MetricsPath = "/metrics"

// serveStatus answers status requests one connection at a time. It reuses
// the client state machine over a blocking socket with short deadlines.
func (e *Engine) serveStatus(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = e.status.Close()
	})
	defer stop()

	var c http.Conn
	for {
		nc, err := e.status.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("status: accept: %v", err)
			continue
		}
		e.serveStatusConn(&c, nc)
	}
}

func (e *Engine) serveStatusConn(c *http.Conn, nc net.Conn) {
	s := sock.NewConn(nc, e.cfg.StatusTimeout)
	now := time.Now()
	c.Init(s, s.RemoteAddr(), now, http.Limits{Pool: e.cfg.Limits.Pool})
	defer c.Destroy()

	// A client gets a few deadlines' worth of time in total.
	deadline := now.Add(20 * e.cfg.StatusTimeout)
	for time.Now().Before(deadline) {
		c.AllowRead()
		c.AllowWrite()
		switch c.Resume() {
		case http.StateReadyToHandle:
			e.renderStatus(c)
		case http.StateDone:
			logger.Debug("status: served %s", c.RemoteAddr())
			return
		}
	}
	logger.Debug("status: %s timed out", c.RemoteAddr())
}

// renderStatus fills in the response for one status request.
func (e *Engine) renderStatus(t *http.Conn) {
	if t.Path() == MetricsPath {
		if err := observability.WriteMetrics(t, e.metrics); err != nil {
			statusError(t, err)
			return
		}
		t.SetStatus(200)
		_ = t.AddHeader("Content-type", observability.MetricsContentType)
		return
	}

	q, _ := url.ParseQuery(t.Query())
	f, err := observability.ParseFormat(q.Get("format"))
	if err != nil {
		t.SetStatus(400)
		_ = t.AddHeader("Content-type", "text/plain")
		_, _ = t.Write([]byte(err.Error() + "\n"))
		return
	}

	snap := e.stats.Snapshot(time.Now())
	if err := snap.Render(t, f); err != nil {
		statusError(t, err)
		return
	}
	t.SetStatus(200)
	_ = t.AddHeader("Content-type", f.ContentType())
}

func statusError(t *http.Conn, err error) {
	logger.Error("status: %v", err)
	t.ResetResponse()
	t.SetStatus(500)
	_ = t.AddHeader("Content-type", "text/plain")
	_, _ = t.Write([]byte("status rendering failed\n"))
}
