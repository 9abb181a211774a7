//go:build linux || darwin

package core

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/searchktools/blizzard/core/pools"
)

// PoolStats describes the connection arena and the buffer pool.
type PoolStats struct {
	Pages    int                 `json:"pages"`
	Objects  int                 `json:"objects"`
	Capacity int                 `json:"capacity"`
	Buffers  pools.BytePoolStats `json:"buffers"`
}

// PoolStats returns the pool occupancy. It must be called from the reactor
// goroutine or after Run returned.
func (e *Engine) PoolStats() PoolStats {
	return PoolStats{
		Pages:    e.arena.Pages(),
		Objects:  e.arena.Objects(),
		Capacity: e.arena.Capacity(),
		Buffers:  e.cfg.Limits.Pool.Stats(),
	}
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%d/%d connections in %d pages, %s buffer gets (%.1f%% hit rate)",
		s.Objects, s.Capacity, s.Pages, humanize.Comma(int64(s.Buffers.Gets)), s.Buffers.HitRate()*100)
}
