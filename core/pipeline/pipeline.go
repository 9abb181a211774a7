// Package pipeline moves parsed requests through the plugin. Requests enter
// the easy queue, may be deferred to the hard queue, and always leave through
// the done queue, from which the reactor picks them up to write the response.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/internal/logger"
)

// Diagnostic bodies of synthesized 503 responses.
const (
	BodyEasyQueueFull = "easy queue filled!"
	BodyHardQueueFull = "hard queue filled!"
	BodyEasyError     = "easy loop error"
	BodyHardError     = "hard loop error"
)

// ErrPluginPanic wraps a panic raised inside a plugin call.
var ErrPluginPanic = errors.New("pipeline: plugin panicked")

// Item is a request in flight. ResetResponse discards whatever the plugin
// wrote so a 503 can replace it.
type Item interface {
	plugin.Task
	ResetResponse()
}

// Tier names one of the three queues.
type Tier int

const (
	TierEasy Tier = iota
	TierHard
	TierDone
)

func (t Tier) String() string {
	switch t {
	case TierEasy:
		return "easy"
	case TierHard:
		return "hard"
	case TierDone:
		return "done"
	default:
		return "unknown"
	}
}

// Observer receives queue lengths as items move.
type Observer interface {
	QueueLen(tier Tier, n int)
}

// Waker wakes the reactor when the done queue receives an item.
type Waker interface {
	Wake() error
}

// Config sizes the worker tiers.
type Config struct {
	EasyThreads int
	HardThreads int
	EasyLimit   int
	HardLimit   int
}

// Pipeline runs the easy and hard worker tiers over a plugin.
type Pipeline[T Item] struct {
	plugin plugin.Plugin
	cfg    Config
	waker  Waker

	easy *Queue[T]
	hard *Queue[T]
	done *Queue[T]

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a pipeline. waker and obs may be nil.
func New[T Item](p plugin.Plugin, cfg Config, waker Waker, obs Observer) *Pipeline[T] {
	pl := &Pipeline[T]{
		plugin: p,
		cfg:    cfg,
		waker:  waker,
		easy:   NewQueue[T](cfg.EasyLimit),
		hard:   NewQueue[T](cfg.HardLimit),
		done:   NewQueue[T](0),
		closed: make(chan struct{}),
	}
	if obs != nil {
		pl.easy.observe = func(n int) { obs.QueueLen(TierEasy, n) }
		pl.hard.observe = func(n int) { obs.QueueLen(TierHard, n) }
		pl.done.observe = func(n int) { obs.QueueLen(TierDone, n) }
	}
	return pl
}

// Submit hands a locked item to the easy tier. When the easy queue is full the
// item is answered with a 503 and goes straight to done; Submit then reports
// false.
func (p *Pipeline[T]) Submit(t T) bool {
	if p.easy.Push(t) {
		return true
	}
	logger.Debug("pipeline: easy queue full (limit %d), rejecting %s", p.cfg.EasyLimit, t.RemoteAddr())
	reject(t, BodyEasyQueueFull)
	p.finish(t)
	return false
}

// PopDone takes one finished item without blocking.
func (p *Pipeline[T]) PopDone() (T, bool) {
	return p.done.TryPop()
}

// Lens returns the current queue lengths.
func (p *Pipeline[T]) Lens() (easy, hard, done int) {
	return p.easy.Len(), p.hard.Len(), p.done.Len()
}

// Run starts the workers and blocks until ctx is cancelled, Close is called
// or a worker fails. A failing worker closes the pipeline so every other
// worker stops too.
func (p *Pipeline[T]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.cfg.EasyThreads {
		g.Go(func() error {
			defer p.Close()
			return p.easyLoop(i)
		})
	}
	for i := range p.cfg.HardThreads {
		g.Go(func() error {
			defer p.Close()
			return p.hardLoop(i)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-p.closed:
		}
		p.Close()
		return nil
	})

	return g.Wait()
}

// Close stops all workers. Items already in done can still be popped.
func (p *Pipeline[T]) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.easy.Close()
		p.hard.Close()
		p.done.Close()
	})
}

func (p *Pipeline[T]) easyLoop(id int) error {
	for {
		t, ok := p.easy.PopOrWait()
		if !ok {
			return nil
		}

		st, err := call(p.plugin.Easy, t)
		if err != nil {
			reject(t, BodyEasyError)
			p.finish(t)
			return fmt.Errorf("easy worker %d: %w", id, err)
		}

		switch st {
		case plugin.OK:
			p.finish(t)
		case plugin.Again:
			p.escalate(t)
		default:
			logger.Error("pipeline: easy worker %d: plugin returned %s", id, st)
			reject(t, BodyEasyError)
			p.finish(t)
		}
	}
}

// escalate moves an item from the easy tier to the hard tier.
func (p *Pipeline[T]) escalate(t T) {
	if p.cfg.HardThreads == 0 {
		logger.Error("pipeline: plugin deferred to the hard tier, but there are no hard threads")
		reject(t, BodyEasyError)
		p.finish(t)
		return
	}
	if !p.hard.Push(t) {
		logger.Debug("pipeline: hard queue full (limit %d)", p.cfg.HardLimit)
		reject(t, BodyHardQueueFull)
		p.finish(t)
	}
}

func (p *Pipeline[T]) hardLoop(id int) error {
	for {
		t, ok := p.hard.PopOrWait()
		if !ok {
			return nil
		}

		st, err := call(p.plugin.Hard, t)
		if err != nil {
			reject(t, BodyHardError)
			p.finish(t)
			return fmt.Errorf("hard worker %d: %w", id, err)
		}

		if st != plugin.OK {
			logger.Error("pipeline: hard worker %d: plugin returned %s", id, st)
			reject(t, BodyHardError)
		}
		p.finish(t)
	}
}

func (p *Pipeline[T]) finish(t T) {
	if !p.done.PushForce(t) {
		return
	}
	if p.waker != nil {
		if err := p.waker.Wake(); err != nil {
			logger.Warn("pipeline: wake reactor: %v", err)
		}
	}
}

func call[T Item](fn func(plugin.Task) plugin.Status, t T) (st plugin.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPluginPanic, r)
		}
	}()
	return fn(t), nil
}

func reject(t Item, body string) {
	t.ResetResponse()
	t.SetStatus(503)
	_ = t.AddHeader("Content-type", "text/plain")
	_, _ = t.Write([]byte(body))
}
