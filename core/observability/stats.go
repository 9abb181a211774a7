// Package observability aggregates server statistics over a sliding window
// and renders them for the status listener.
package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/blizzard/core/pipeline"
	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/core/pools"
)

// DefaultWindow is the interval over which rates and extremes are averaged.
const DefaultWindow = 4 * time.Second

// Stats collects counters from the reactor and the pipeline. Reporting
// methods are safe for concurrent use; the current window is published to
// readers by Process.
type Stats struct {
	window  time.Duration
	started time.Time

	// current window
	requests  atomic.Uint64
	lifeTotal atomic.Uint64
	lifeMin   atomic.Uint64
	lifeMax   atomic.Uint64
	queueLen  [3]atomic.Int64
	queueMax  [3]atomic.Int64

	// gauges set by the reactor
	fdCount atomic.Int64
	pages   atomic.Int64
	objects atomic.Int64

	totalRequests atomic.Uint64

	mu        sync.RWMutex
	rotated   time.Time
	published window
}

type window struct {
	rps      float64
	lifeMin  time.Duration
	lifeAvg  time.Duration
	lifeMax  time.Duration
	queueMax [3]int64
}

// NewStats returns an aggregator whose window starts at now. A non-positive
// window selects DefaultWindow.
func NewStats(d time.Duration, now time.Time) *Stats {
	if d <= 0 {
		d = DefaultWindow
	}
	return &Stats{
		window:  d,
		started: now,
		rotated: now,
	}
}

// Window returns the aggregation interval.
func (s *Stats) Window() time.Duration {
	return s.window
}

// ReportLifetime records a finished connection.
func (s *Stats) ReportLifetime(d time.Duration) {
	if d < 0 {
		d = 0
	}
	ns := uint64(d.Nanoseconds())
	s.requests.Add(1)
	s.totalRequests.Add(1)
	s.lifeTotal.Add(ns)
	updateMinMax(&s.lifeMin, &s.lifeMax, ns)
}

func updateMinMax(lo, hi *atomic.Uint64, d uint64) {
	// lo holds d+1 so that zero keeps meaning "unset".
	v := d + 1
	for {
		min := lo.Load()
		if min != 0 && v >= min {
			break
		}
		if lo.CompareAndSwap(min, v) {
			break
		}
	}
	for {
		max := hi.Load()
		if d <= max {
			break
		}
		if hi.CompareAndSwap(max, d) {
			break
		}
	}
}

// QueueLen implements pipeline.Observer.
func (s *Stats) QueueLen(tier pipeline.Tier, n int) {
	if tier < 0 || int(tier) >= len(s.queueLen) {
		return
	}
	s.queueLen[tier].Store(int64(n))
	for {
		max := s.queueMax[tier].Load()
		if int64(n) <= max || s.queueMax[tier].CompareAndSwap(max, int64(n)) {
			return
		}
	}
}

// SetFDCount records the number of open client connections.
func (s *Stats) SetFDCount(n int) {
	s.fdCount.Store(int64(n))
}

// SetPool records the connection arena occupancy.
func (s *Stats) SetPool(pages, objects int) {
	s.pages.Store(int64(pages))
	s.objects.Store(int64(objects))
}

// Process publishes the current window once it is older than the window
// length and starts a new one. It reports whether a rotation happened.
func (s *Stats) Process(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.rotated) <= s.window {
		return false
	}

	n := s.requests.Swap(0)
	total := s.lifeTotal.Swap(0)
	lo := s.lifeMin.Swap(0)
	hi := s.lifeMax.Swap(0)

	w := window{
		rps:     float64(n) / s.window.Seconds(),
		lifeMax: time.Duration(hi),
	}
	if lo > 0 {
		w.lifeMin = time.Duration(lo - 1)
	}
	if n > 0 {
		w.lifeAvg = time.Duration(total / n)
	}
	for i := range s.queueMax {
		w.queueMax[i] = s.queueMax[i].Swap(s.queueLen[i].Load())
	}

	s.published = w
	s.rotated = now
	return true
}

// Snapshot returns the last published window together with live gauges.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	w := s.published
	s.mu.RUnlock()

	snap := Snapshot{
		Version:  plugin.Version,
		Uptime:   now.Sub(s.started),
		RPS:      w.rps,
		FDCount:  int(s.fdCount.Load()),
		Requests: s.totalRequests.Load(),
		Queues: Queues{
			Easy:    int(s.queueLen[pipeline.TierEasy].Load()),
			MaxEasy: int(w.queueMax[pipeline.TierEasy]),
			Hard:    int(s.queueLen[pipeline.TierHard].Load()),
			MaxHard: int(w.queueMax[pipeline.TierHard]),
			Done:    int(s.queueLen[pipeline.TierDone].Load()),
			MaxDone: int(w.queueMax[pipeline.TierDone]),
		},
		ConnTime: ConnTime{
			Min: w.lifeMin,
			Avg: w.lifeAvg,
			Max: w.lifeMax,
		},
		Pages:   int(s.pages.Load()),
		Objects: int(s.objects.Load()),
		Buffers: pools.Bytes().Stats(),
		GC:      pools.GetGCStats(),
	}
	snap.UserTime, snap.SystemTime = cpuTimes()
	return snap
}
