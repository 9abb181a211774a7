package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	// 0 leaves the runtime default alone, -1 disables the collector.
	GOGC int

	// MemoryLimit sets soft memory limit in bytes
	// 0 = no limit
	MemoryLimit int64
}

// ApplyGCConfig applies GC tuning and returns the previous settings so
// callers can restore them.
func ApplyGCConfig(cfg GCConfig) GCConfig {
	prev := GCConfig{GOGC: 0, MemoryLimit: 0}

	if cfg.GOGC != 0 {
		prev.GOGC = debug.SetGCPercent(cfg.GOGC)
	}

	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}

	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	HeapAlloc    uint64
	Sys          uint64
	NumGoroutine int
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		HeapAlloc:    ms.HeapAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}

	return stats
}
