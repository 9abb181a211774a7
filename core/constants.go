//go:build linux || darwin

package core

import (
	"errors"
	"time"
)

// Reactor tuning.
const (
	// waitTimeout bounds one readiness wait so timeouts and shutdown are
	// noticed even on an idle server.
	waitTimeout = 100 * time.Millisecond

	// sweepBudget caps the idle connections examined per reactor tick.
	sweepBudget = 256

	maxEvents = 1024
)

// Defaults applied by NewEngine to a zero Config.
const (
	DefaultConnectionTimeout  = 10 * time.Second
	DefaultTimeoutGranularity = 10 * time.Millisecond
	DefaultStatusTimeout      = 50 * time.Millisecond
	DefaultEasyThreads        = 1
)

// Engine errors
var (
	ErrNotListening = errors.New("engine: not listening")
	ErrNoPlugin     = errors.New("engine: no plugin")
)
