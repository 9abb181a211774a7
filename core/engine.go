//go:build linux || darwin

// Package core runs the blizzard reactor: it accepts client connections,
// drives their state machines on socket readiness and hands parsed requests
// to the plugin pipeline.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/searchktools/blizzard/core/http"
	"github.com/searchktools/blizzard/core/observability"
	"github.com/searchktools/blizzard/core/pipeline"
	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/core/poller"
	"github.com/searchktools/blizzard/core/pools"
	"github.com/searchktools/blizzard/core/sock"
	"github.com/searchktools/blizzard/core/timeline"
	"github.com/searchktools/blizzard/internal/logger"
)

// Config describes the listeners and the resources of an Engine.
type Config struct {
	IP   string
	Port string

	// ConnectionTimeout closes connections idle for longer.
	ConnectionTimeout time.Duration
	// TimeoutGranularity is the bucket width of the timeout index.
	TimeoutGranularity time.Duration

	Limits   http.Limits
	Pipeline pipeline.Config
	PageSize int

	// The status listener is disabled when StatusPort is empty.
	StatusIP      string
	StatusPort    string
	StatusTimeout time.Duration
	// Prometheus adds the Go runtime and process collectors to /metrics.
	Prometheus bool
}

func (c *Config) applyDefaults() {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.TimeoutGranularity <= 0 {
		c.TimeoutGranularity = DefaultTimeoutGranularity
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.Pipeline.EasyThreads <= 0 {
		c.Pipeline.EasyThreads = DefaultEasyThreads
	}
	if c.PageSize <= 0 {
		c.PageSize = pools.DefaultPageSize
	}
	if c.Limits.Pool == nil {
		c.Limits.Pool = pools.Bytes()
	}
}

// client is a live connection as the reactor tracks it.
type client struct {
	fd int
	h  pools.Handle
	c  *http.Conn
}

// Engine is the single-threaded reactor. Only the goroutine running Serve
// touches the connection table, the arena and the timeout index; workers
// reach a connection only while they hold its lock.
type Engine struct {
	cfg    Config
	plugin plugin.Plugin
	stats  *observability.Stats

	listener *sock.Listener
	status   net.Listener
	metrics  prometheus.Gatherer

	poller poller.Poller
	waker  poller.Waker
	pipe   *pipeline.Pipeline[*http.Conn]

	arena    *pools.Arena[http.Conn]
	clients  map[int]client
	owners   map[*http.Conn]int
	timeouts *timeline.Index
	sweep    timeline.Iterator
	events   []poller.Event
	epoch    time.Time
}

// NewEngine builds an engine serving p. stats may be nil.
func NewEngine(cfg Config, p plugin.Plugin, stats *observability.Stats) *Engine {
	cfg.applyDefaults()
	now := time.Now()
	if stats == nil {
		stats = observability.NewStats(observability.DefaultWindow, now)
	}
	return &Engine{
		cfg:      cfg,
		plugin:   p,
		stats:    stats,
		arena:    pools.NewArena[http.Conn](cfg.PageSize),
		clients:  make(map[int]client, cfg.PageSize),
		owners:   make(map[*http.Conn]int, cfg.PageSize),
		timeouts: timeline.New(cfg.TimeoutGranularity.Microseconds()),
		events:   make([]poller.Event, 0, maxEvents),
		epoch:    now,
	}
}

// Stats returns the aggregator the engine reports to.
func (e *Engine) Stats() *observability.Stats {
	return e.stats
}

// Listen binds the client listener and, when configured, the status
// listener, and prepares the poller.
func (e *Engine) Listen() error {
	if e.plugin == nil {
		return ErrNoPlugin
	}

	ln, err := sock.Listen(e.cfg.IP, e.cfg.Port)
	if err != nil {
		return err
	}

	p, err := poller.NewPoller()
	if err != nil {
		ln.Close()
		return fmt.Errorf("create poller: %w", err)
	}
	w, err := poller.NewWaker()
	if err != nil {
		p.Close()
		ln.Close()
		return fmt.Errorf("create waker: %w", err)
	}
	if err := p.Add(ln.FD(), poller.Read); err != nil {
		w.Close()
		p.Close()
		ln.Close()
		return fmt.Errorf("watch listener: %w", err)
	}
	if err := p.Add(w.FD(), poller.Read); err != nil {
		w.Close()
		p.Close()
		ln.Close()
		return fmt.Errorf("watch waker: %w", err)
	}

	if e.cfg.StatusPort != "" {
		addr := net.JoinHostPort(e.cfg.StatusIP, e.cfg.StatusPort)
		st, err := net.Listen("tcp", addr)
		if err != nil {
			w.Close()
			p.Close()
			ln.Close()
			return fmt.Errorf("bind status %s: %w", addr, err)
		}
		e.status = st
		e.metrics = observability.NewRegistry(e.stats, e.cfg.Prometheus)
		logger.Info("blizzard statistics is bound to %s", st.Addr())
	}

	e.listener = ln
	e.poller = p
	e.waker = w
	e.pipe = pipeline.New[*http.Conn](e.plugin, e.cfg.Pipeline, w, e.stats)

	logger.Info("blizzard %s listening on %s (%d easy, %d hard threads)",
		plugin.Version, ln.Addr(), e.cfg.Pipeline.EasyThreads, e.cfg.Pipeline.HardThreads)
	return nil
}

// Addr returns the client listener address, or nil before Listen.
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// StatusAddr returns the status listener address, or nil when disabled.
func (e *Engine) StatusAddr() net.Addr {
	if e.status == nil {
		return nil
	}
	return e.status.Addr()
}

// Run serves until ctx is cancelled or a component fails, then closes every
// connection and listener.
func (e *Engine) Run(ctx context.Context) error {
	if e.listener == nil {
		return ErrNotListening
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.pipe.Run(ctx)
	})
	g.Go(func() error {
		// the pipeline must not outlive the reactor that drains it
		defer e.pipe.Close()
		return e.Serve(ctx)
	})
	if e.status != nil {
		g.Go(func() error {
			return e.serveStatus(ctx)
		})
	}

	err := g.Wait()
	e.shutdown()
	return err
}

// Serve runs the reactor loop until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	if e.listener == nil {
		return ErrNotListening
	}
	lfd, wfd := e.listener.FD(), e.waker.FD()

	for ctx.Err() == nil {
		events, err := e.poller.Wait(e.events[:0], waitTimeout)
		if err != nil {
			return fmt.Errorf("poller wait: %w", err)
		}
		e.events = events

		now := time.Now()
		for _, ev := range events {
			switch ev.FD {
			case lfd:
				e.accept(now)
			case wfd:
				if err := e.waker.Drain(); err != nil {
					logger.Warn("engine: drain waker: %v", err)
				}
			default:
				e.handle(ev, now)
			}
		}

		e.drainDone(now)
		e.expire(now)
		e.report(now)
	}
	return nil
}

func (e *Engine) micros(t time.Time) int64 {
	return t.Sub(e.epoch).Microseconds()
}

func (e *Engine) accept(now time.Time) {
	for {
		fd, addr, err := e.listener.Accept()
		if errors.Is(err, sock.ErrWouldBlock) {
			return
		}
		if err != nil {
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
				logger.Warn("engine: accept: %v (%d connections open)", err, len(e.clients))
			} else {
				logger.Error("engine: accept: %v", err)
			}
			return
		}

		h, c := e.arena.Allocate()
		c.Init(fd, addr, now, e.cfg.Limits)
		if err := e.poller.Add(int(fd), poller.Read); err != nil {
			logger.Error("engine: watch %d: %v", fd, err)
			c.Destroy()
			_ = e.arena.Free(h)
			continue
		}

		e.clients[int(fd)] = client{fd: int(fd), h: h, c: c}
		e.owners[c] = int(fd)
		e.timeouts.Register(int(fd), e.micros(now))
		logger.Debug("engine: accepted %d from %s", fd, addr)
	}
}

func (e *Engine) handle(ev poller.Event, now time.Time) {
	cl, ok := e.clients[ev.FD]
	if !ok || cl.c.Locked() {
		return
	}
	if ev.Hangup {
		logger.Debug("engine: %d hung up in %s", ev.FD, cl.c.State())
		e.release(cl, now)
		return
	}
	if ev.Readable {
		cl.c.AllowRead()
	}
	if ev.Writable {
		cl.c.AllowWrite()
	}
	state, moved := cl.c.State(), cl.c.Progress()
	e.process(cl, now)
	// idle time restarts only when bytes moved or the state changed
	if _, live := e.clients[cl.fd]; live && !cl.c.Locked() &&
		(cl.c.State() != state || cl.c.Progress() != moved) {
		e.timeouts.Register(cl.fd, e.micros(now))
	}
}

// process advances a connection and updates its readiness interest.
func (e *Engine) process(cl client, now time.Time) {
	switch cl.c.Resume() {
	case http.StateReadyToHandle:
		if !cl.c.Lock() {
			return
		}
		if err := e.poller.Remove(cl.fd); err != nil {
			logger.Warn("engine: unwatch %d: %v", cl.fd, err)
		}
		e.pipe.Submit(cl.c)

	case http.StateWriting:
		if cl.c.WantWrite() {
			if err := e.poller.Modify(cl.fd, poller.Write); err != nil {
				logger.Warn("engine: watch %d for write: %v", cl.fd, err)
				e.release(cl, now)
			}
		}

	case http.StateDone, http.StateUndefined:
		e.release(cl, now)
	}
}

// drainDone takes back connections the pipeline has finished with and
// starts writing their responses.
func (e *Engine) drainDone(now time.Time) {
	for {
		c, ok := e.pipe.PopDone()
		if !ok {
			return
		}
		fd, ok := e.owners[c]
		if !ok {
			logger.Warn("engine: finished request for an unknown connection")
			continue
		}
		cl := e.clients[fd]
		c.Unlock()

		if err := e.poller.Add(fd, poller.Write); err != nil {
			logger.Warn("engine: watch %d for write: %v", fd, err)
			e.release(cl, now)
			continue
		}
		c.AllowWrite()
		e.timeouts.Register(fd, e.micros(now))
		e.process(cl, now)
	}
}

// expire closes idle connections. Connections owned by a worker are left
// alone; they are registered again when they come back.
func (e *Engine) expire(now time.Time) {
	cutoff := e.micros(now.Add(-e.cfg.ConnectionTimeout))
	for range sweepBudget {
		fd, ok := e.timeouts.Next(&e.sweep, cutoff)
		if !ok {
			e.timeouts.EvictBefore(cutoff)
			e.sweep.Reset()
			return
		}
		cl, ok := e.clients[fd]
		if !ok {
			e.timeouts.Delete(fd)
			continue
		}
		if cl.c.Locked() {
			continue
		}
		logger.Debug("engine: %d timed out in %s", fd, cl.c.State())
		e.release(cl, now)
	}
}

func (e *Engine) release(cl client, now time.Time) {
	delete(e.clients, cl.fd)
	delete(e.owners, cl.c)
	e.timeouts.Delete(cl.fd)

	// unwatch before the descriptor is closed and possibly reused
	if err := e.poller.Remove(cl.fd); err != nil && !errors.Is(err, unix.ENOENT) {
		logger.Debug("engine: unwatch %d: %v", cl.fd, err)
	}
	e.stats.ReportLifetime(cl.c.Lifetime(now))
	cl.c.Destroy()
	if err := e.arena.Free(cl.h); err != nil {
		logger.Error("engine: free connection %d: %v", cl.fd, err)
	}
}

func (e *Engine) report(now time.Time) {
	e.stats.SetFDCount(len(e.clients))
	e.stats.SetPool(e.arena.Pages(), e.arena.Objects())
	e.stats.Process(now)
}

func (e *Engine) shutdown() {
	now := time.Now()
	for _, cl := range e.clients {
		// workers have stopped; nobody else holds these
		cl.c.Unlock()
		e.release(cl, now)
	}
	if err := e.listener.Close(); err != nil {
		logger.Warn("engine: close listener: %v", err)
	}
	if e.status != nil {
		_ = e.status.Close()
	}
	if err := e.waker.Close(); err != nil {
		logger.Warn("engine: close waker: %v", err)
	}
	if err := e.poller.Close(); err != nil {
		logger.Warn("engine: close poller: %v", err)
	}
	logger.Info("blizzard stopped: %s", e.PoolStats())
}
