// Package pool implements the per-connection memory pool: a linear bump
// allocator with a reset-to-mark discipline. It owns all parsing scratch,
// header tables, and pipeline buffers for one connection and never frees
// individual objects — only whole regions, or everything past a mark.
package pool

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// DefaultSize is the default region size for a freshly created Pool.
const DefaultSize = 32 * 1024

// wordAlign is the natural alignment used by allocate.
const wordAlign = 8

var regionPool bytebufferpool.Pool

// Pool is a contiguous region with a monotonically increasing allocation
// cursor and a user-settable mark. It is not safe for concurrent use: a
// connection's pool is owned by exactly one goroutine at a time (the
// worker driving it in thread-per-connection mode, or the scheduler in
// either select mode).
type Pool struct {
	buf    *bytebufferpool.ByteBuffer
	region []byte
	offset int
	mark   int

	mu       sync.Mutex
	lastAllo struct {
		offset int
		length int
	}
}

// New creates a Pool with the given region size. A size of 0 uses
// DefaultSize. The backing region is drawn from a shared
// bytebufferpool.Pool so steady-state connection churn does not allocate
// a fresh slab on every accept.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	buf := regionPool.Get()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	return &Pool{buf: buf, region: buf.B}
}

// Cap returns the total capacity of the pool's region.
func (p *Pool) Cap() int { return len(p.region) }

// Used returns the current allocation cursor, the same value as Offset.
// ResetToMark and Reset move it back; no separate peak value is tracked.
func (p *Pool) Used() int { return p.offset }

// Offset returns the pool's current allocation cursor.
func (p *Pool) Offset() int { return p.offset }

// Allocate reserves n bytes from the pool and returns a slice viewing
// them. It returns nil if the remaining capacity is smaller than n. The
// returned slice is valid until the next ResetToMark call that rewinds
// past its offset; callers must not retain it across such a reset.
func (p *Pool) Allocate(n int) []byte {
	if n <= 0 {
		return p.region[p.offset:p.offset]
	}
	aligned := alignUp(p.offset, wordAlign)
	if aligned+n > len(p.region) {
		return nil
	}
	p.mu.Lock()
	p.lastAllo.offset = aligned
	p.lastAllo.length = n
	p.mu.Unlock()
	p.offset = aligned + n
	return p.region[aligned : aligned+n]
}

// Reallocate grows or shrinks an existing allocation. If b is the most
// recent allocation made from this pool, it is extended or truncated in
// place; otherwise a fresh allocation is made and the old contents
// copied. Returns nil on failure (out of space for a fresh allocation).
func (p *Pool) Reallocate(b []byte, oldLen, newLen int) []byte {
	p.mu.Lock()
	isLast := p.lastAllo.length == oldLen && len(b) >= oldLen &&
		p.lastAllo.offset+oldLen == p.offset &&
		(oldLen == 0 || &b[0] == &p.region[p.lastAllo.offset])
	lastOffset := p.lastAllo.offset
	p.mu.Unlock()

	if isLast {
		if lastOffset+newLen > len(p.region) {
			return nil
		}
		p.offset = lastOffset + newLen
		p.mu.Lock()
		p.lastAllo.length = newLen
		p.mu.Unlock()
		return p.region[lastOffset : lastOffset+newLen]
	}

	fresh := p.Allocate(newLen)
	if fresh == nil {
		return nil
	}
	n := oldLen
	if newLen < n {
		n = newLen
	}
	copy(fresh[:n], b[:n])
	return fresh
}

// Mark saves the current allocation cursor, returning a token that can
// later be passed to ResetToMark.
func (p *Pool) Mark() int {
	p.mark = p.offset
	return p.mark
}

// ResetToMark restores the cursor to the most recent Mark call,
// implicitly invalidating every allocation made since. It is the
// mechanism by which a keep-alive connection reclaims per-request
// scratch without a per-object free.
func (p *Pool) ResetToMark() {
	p.offset = p.mark
	p.mu.Lock()
	p.lastAllo.offset = 0
	p.lastAllo.length = 0
	p.mu.Unlock()
}

// Reset rewinds the pool to empty and clears the mark, for full reuse
// (e.g. when a pool is about to be returned to a connection-level
// freelist rather than reused mid-connection).
func (p *Pool) Reset() {
	p.offset = 0
	p.mark = 0
	p.mu.Lock()
	p.lastAllo.offset = 0
	p.lastAllo.length = 0
	p.mu.Unlock()
}

// Destroy releases the whole region back to the shared recycling pool.
// The Pool must not be used afterward.
func (p *Pool) Destroy() {
	if p.buf != nil {
		regionPool.Put(p.buf)
		p.buf = nil
		p.region = nil
	}
}

func alignUp(n, align int) int {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}
