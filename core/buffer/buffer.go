// Package buffer provides the I/O buffers a connection parses from and writes
// to. Chunk is a segmented append buffer with a parse marker and a drain
// cursor; Block is a fixed-capacity buffer whose fullness marks a complete
// message. Both fill and drain through a sock.Socket under a set of Flags and
// never block.
package buffer

import (
	"errors"

	"github.com/searchktools/blizzard/core/pools"
	"github.com/searchktools/blizzard/core/sock"
)

// ErrFull is returned when a non-expandable buffer has no room left.
var ErrFull = errors.New("buffer: full")

// Flags gate socket I/O. CanRead and CanWrite are readiness grants from the
// reactor; ReadEOF and WriteEOF record that a direction is finished for good.
type Flags struct {
	CanRead  bool
	CanWrite bool
	ReadEOF  bool
	WriteEOF bool
}

// Readable reports whether a read may be attempted.
func (f *Flags) Readable() bool {
	return f.CanRead && !f.ReadEOF
}

// Writable reports whether a write may be attempted.
func (f *Flags) Writable() bool {
	return f.CanWrite && !f.WriteEOF
}

// Reset clears every flag.
func (f *Flags) Reset() {
	*f = Flags{}
}

// Chunk is an append-only buffer made of same-sized segments. Without expand
// it holds a single segment and reports ErrFull once it is filled.
type Chunk struct {
	segSize int
	expand  bool
	pool    *pools.BytePool

	segs   [][]byte
	n      int
	marker int
	off    int
}

// NewChunk returns an empty chunk. Segments are taken from pool lazily; a nil
// pool means the shared one.
func NewChunk(segSize int, expand bool, pool *pools.BytePool) *Chunk {
	c := &Chunk{}
	c.Init(segSize, expand, pool)
	return c
}

// Init prepares a zero Chunk for use. It must not hold segments.
func (c *Chunk) Init(segSize int, expand bool, pool *pools.BytePool) {
	if pool == nil {
		pool = pools.Bytes()
	}
	c.segSize, c.expand, c.pool = segSize, expand, pool
}

// Len returns the number of buffered bytes.
func (c *Chunk) Len() int {
	return c.n
}

// Bytes returns the contents of the first segment. For a non-expandable chunk
// that is the whole buffer. The slice is valid until Reset.
func (c *Chunk) Bytes() []byte {
	if len(c.segs) == 0 {
		return nil
	}
	return c.segs[0][:min(c.n, c.segSize)]
}

// Marker returns the parse cursor.
func (c *Chunk) Marker() int {
	return c.marker
}

// SetMarker moves the parse cursor. It is clamped to Len.
func (c *Chunk) SetMarker(m int) {
	c.marker = min(max(m, 0), c.n)
}

// Unparsed returns the first-segment bytes past the marker.
func (c *Chunk) Unparsed() []byte {
	b := c.Bytes()
	if c.marker >= len(b) {
		return nil
	}
	return b[c.marker:]
}

// AppendTo appends the whole contents to dst.
func (c *Chunk) AppendTo(dst []byte) []byte {
	left := c.n
	for _, seg := range c.segs {
		k := min(left, c.segSize)
		dst = append(dst, seg[:k]...)
		left -= k
	}
	return dst
}

// Pending returns the number of bytes not yet drained by WriteTo.
func (c *Chunk) Pending() int {
	return c.n - c.off
}

// tail returns the free space of the last segment, growing when allowed.
func (c *Chunk) tail() []byte {
	used := c.n - (len(c.segs)-1)*c.segSize
	if len(c.segs) == 0 || used == c.segSize {
		if len(c.segs) > 0 && !c.expand {
			return nil
		}
		c.segs = append(c.segs, c.pool.Get(c.segSize))
		used = 0
	}
	return c.segs[len(c.segs)-1][used:c.segSize]
}

// Append copies p into the chunk and returns the number of bytes accepted.
// The count is short only for a full, non-expandable chunk.
func (c *Chunk) Append(p []byte) int {
	total := 0
	for len(p) > 0 {
		t := c.tail()
		if len(t) == 0 {
			break
		}
		k := copy(t, p)
		c.n += k
		total += k
		p = p[k:]
	}
	return total
}

// AppendString is Append for strings.
func (c *Chunk) AppendString(s string) int {
	total := 0
	for len(s) > 0 {
		t := c.tail()
		if len(t) == 0 {
			break
		}
		k := copy(t, s)
		c.n += k
		total += k
		s = s[k:]
	}
	return total
}

// ReadFrom performs at most one read from s into the chunk. It returns the
// number of bytes read. A would-block read revokes CanRead; end of stream sets
// ReadEOF. Reading is skipped entirely unless the flags allow it.
func (c *Chunk) ReadFrom(s sock.Socket, f *Flags) (int, error) {
	if !f.Readable() {
		return 0, nil
	}
	t := c.tail()
	if len(t) == 0 {
		return 0, ErrFull
	}
	return read(s, t, f, func(k int) { c.n += k })
}

// WriteTo drains unwritten bytes to s. It returns true once everything has
// been written. A would-block write revokes CanWrite; a failed write sets
// WriteEOF and returns the error.
func (c *Chunk) WriteTo(s sock.Socket, f *Flags) (bool, error) {
	for c.off < c.n {
		if !f.Writable() {
			return false, nil
		}
		seg := c.segs[c.off/c.segSize]
		start := c.off % c.segSize
		end := min(c.segSize, start+(c.n-c.off))
		k, err := s.Write(seg[start:end])
		if k > 0 {
			c.off += k
		}
		if err != nil {
			if errors.Is(err, sock.ErrWouldBlock) {
				f.CanWrite = false
				return false, nil
			}
			f.WriteEOF = true
			return false, err
		}
		if k == 0 {
			f.CanWrite = false
			return false, nil
		}
	}
	return true, nil
}

// Reset empties the chunk and returns its segments to the pool.
func (c *Chunk) Reset() {
	for _, seg := range c.segs {
		c.pool.Put(seg)
	}
	clear(c.segs)
	c.segs = c.segs[:0]
	c.n = 0
	c.marker = 0
	c.off = 0
}

// Block is a fixed-capacity buffer. Reaching capacity means the message it
// holds is complete.
type Block struct {
	pool *pools.BytePool
	buf  []byte
	n    int
}

// NewBlock returns an unsized block.
func NewBlock(pool *pools.BytePool) *Block {
	b := &Block{}
	b.Init(pool)
	return b
}

// Init prepares a zero Block for use.
func (b *Block) Init(pool *pools.BytePool) {
	if pool == nil {
		pool = pools.Bytes()
	}
	b.pool = pool
}

// Resize discards the contents and sets the capacity to size.
func (b *Block) Resize(size int) {
	b.Reset()
	if size > 0 {
		b.buf = b.pool.Get(size)
	}
}

// Cap returns the capacity.
func (b *Block) Cap() int {
	return len(b.buf)
}

// Len returns the number of buffered bytes.
func (b *Block) Len() int {
	return b.n
}

// Full reports whether the block reached its capacity.
func (b *Block) Full() bool {
	return b.n == len(b.buf)
}

// Bytes returns the buffered bytes. The slice is valid until Reset.
func (b *Block) Bytes() []byte {
	return b.buf[:b.n]
}

// Append copies as much of p as fits and returns the count.
func (b *Block) Append(p []byte) int {
	k := copy(b.buf[b.n:], p)
	b.n += k
	return k
}

// ReadFrom performs at most one read from s under the same rules as
// Chunk.ReadFrom. A full block reads nothing.
func (b *Block) ReadFrom(s sock.Socket, f *Flags) (int, error) {
	if !f.Readable() || b.Full() {
		return 0, nil
	}
	return read(s, b.buf[b.n:], f, func(k int) { b.n += k })
}

// Reset empties the block and releases its storage.
func (b *Block) Reset() {
	if b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = nil
	b.n = 0
}

func read(s sock.Socket, p []byte, f *Flags, commit func(int)) (int, error) {
	k, err := s.Read(p)
	if k < 0 {
		k = 0
	}
	if k > 0 {
		commit(k)
	}
	switch {
	case err == nil && k == 0:
		f.ReadEOF = true
	case errors.Is(err, sock.ErrWouldBlock):
		f.CanRead = false
		return k, nil
	case err != nil:
		f.ReadEOF = true
		return k, err
	}
	return k, nil
}
