// Package app wires configuration, logging, the plugin and the engine into
// a process with signal handling and an orderly shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/blizzard/config"
	"github.com/searchktools/blizzard/core"
	"github.com/searchktools/blizzard/core/http"
	"github.com/searchktools/blizzard/core/observability"
	"github.com/searchktools/blizzard/core/pipeline"
	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/core/pools"
	"github.com/searchktools/blizzard/internal/logger"
)

// ErrShutdownTimeout is returned by Run when components did not stop within
// the configured shutdown timeout.
var ErrShutdownTimeout = errors.New("app: shutdown timed out")

// App is a configured, listening blizzard instance.
type App struct {
	cfg    *config.Config
	plugin plugin.Plugin
	engine *core.Engine
}

// New sets up logging and the runtime, loads the plugin and binds the
// listeners. Any error here is fatal for the process.
func New(cfg *config.Config) (*App, error) {
	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return nil, err
	}

	if cfg.Runtime.GCPercent != 0 || cfg.Runtime.MemoryLimit != 0 {
		pools.ApplyGCConfig(pools.GCConfig{
			GOGC:        cfg.Runtime.GCPercent,
			MemoryLimit: int64(cfg.Runtime.MemoryLimit),
		})
	}

	p, err := openPlugin(cfg.Plugin)
	if err != nil {
		return nil, err
	}
	return NewWithPlugin(cfg, p)
}

// NewWithPlugin binds the listeners for an already loaded plugin.
func NewWithPlugin(cfg *config.Config, p plugin.Plugin) (*App, error) {
	stats := observability.NewStats(cfg.Stats.Window, time.Now())
	e := core.NewEngine(engineConfig(cfg), p, stats)
	if err := e.Listen(); err != nil {
		return nil, err
	}
	return &App{cfg: cfg, plugin: p, engine: e}, nil
}

func openPlugin(cfg config.PluginConfig) (plugin.Plugin, error) {
	if cfg.Library != "" {
		logger.Info("loading plugin library %s", cfg.Library)
		return plugin.OpenLibrary(cfg.Library, cfg.Params)
	}
	logger.Info("loading plugin %q", cfg.Name)
	p, err := plugin.Open(cfg.Name, cfg.Params)
	if errors.Is(err, plugin.ErrNotFound) {
		return nil, fmt.Errorf("%w (compiled in: %v)", err, plugin.Names())
	}
	return p, err
}

func engineConfig(cfg *config.Config) core.Config {
	ec := core.Config{
		IP:                 cfg.Server.IP,
		Port:               cfg.Server.Port,
		ConnectionTimeout:  cfg.Server.ConnectionTimeout,
		TimeoutGranularity: cfg.Server.TimeoutGranularity,
		Limits: http.Limits{
			ReadHeaders:  cfg.Buffers.ReadHeaders.Int(),
			WriteHeaders: cfg.Buffers.WriteHeaders.Int(),
			WriteBody:    cfg.Buffers.WriteBody.Int(),
			MaxBody:      cfg.Server.MaxBodySize.Int(),
		},
		Pipeline: pipeline.Config{
			EasyThreads: cfg.Plugin.EasyThreads,
			HardThreads: cfg.Plugin.HardThreads,
			EasyLimit:   cfg.Plugin.EasyQueueLimit,
			HardLimit:   cfg.Plugin.HardQueueLimit,
		},
	}
	if cfg.Stats.Enabled {
		ec.StatusIP = cfg.Stats.IP
		ec.StatusPort = cfg.Stats.Port
		ec.Prometheus = cfg.Stats.Prometheus
	}
	return ec
}

// Engine returns the underlying engine.
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	g.Go(func() error {
		return a.idle(gctx)
	})
	g.Go(func() error {
		return a.watchLogs(gctx)
	})

	errc := make(chan error, 1)
	go func() { errc <- g.Wait() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	select {
	case err := <-errc:
		return err
	case <-time.After(a.cfg.Server.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

// idle drives the plugin heartbeat. A zero interval calls Idle once.
func (a *App) idle(ctx context.Context) error {
	a.callIdle()
	if a.cfg.Plugin.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(a.cfg.Plugin.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.callIdle()
		}
	}
}

func (a *App) callIdle() {
	if err := a.plugin.Idle(); err != nil {
		logger.Error("plugin idle: %v", err)
	}
}
