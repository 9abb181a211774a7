package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool backing connection buffer segments
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Buffer segment sizes used by a connection: response headers, request headers,
// response body
var defaultSizes = []int{
	4096,
	8192,
	32768,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
// sizes must be ascending.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size // Capture for closure
		bp.pools[i] = &sync.Pool{
			New: func() any {
				bp.misses.Add(1)
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of the requested length. Its capacity is the
// smallest tier that fits.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}

	// Size too large, allocate directly
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}

	// Not from pool, let GC handle it
}

// BytePoolStats holds pool counters
type BytePoolStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64
}

// HitRate is the share of gets served from a recycled buffer
func (s BytePoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	hits := float64(s.Gets) - float64(s.Misses)
	if hits < 0 {
		hits = 0
	}
	return hits / float64(s.Gets)
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}

// Global byte pool instance
var globalBytePool = NewBytePool()

// Bytes returns the process-wide pool shared by all connections
func Bytes() *BytePool {
	return globalBytePool
}
