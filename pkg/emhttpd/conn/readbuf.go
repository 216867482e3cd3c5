package conn

import "github.com/yourusername/emhttpd/pkg/emhttpd/pool"

// readBuf is the connection's inbound read buffer: a slice within the
// connection's pool, per the data-model invariant that "at any
// suspension point, the connection's read buffer contains exactly the
// unconsumed prefix of the inbound stream; no byte is parsed twice". It
// is allocated once, before the per-request mark is taken, so a
// keep-alive reset_to_mark never invalidates bytes already buffered for
// a pipelined next request.
type readBuf struct {
	p       *pool.Pool
	data    []byte
	filled  int // bytes read from the socket, including already-consumed ones
	consumed int
}

const initialReadBufSize = 4096

func newReadBuf(p *pool.Pool) *readBuf {
	return &readBuf{p: p, data: p.Allocate(initialReadBufSize)}
}

// unconsumed returns the slice of bytes read but not yet parsed.
func (b *readBuf) unconsumed() []byte {
	return b.data[b.consumed:b.filled]
}

// consume advances the consumed cursor by n bytes.
func (b *readBuf) consume(n int) {
	b.consumed += n
	if b.consumed == b.filled {
		// nothing pending; rewind to the front so repeated small reads
		// don't walk off the end of the buffer across many requests
		b.consumed = 0
		b.filled = 0
	}
}

// compact shifts unconsumed bytes to the front of the backing array,
// reclaiming room at the tail without a pool allocation.
func (b *readBuf) compact() {
	if b.consumed == 0 {
		return
	}
	n := copy(b.data, b.data[b.consumed:b.filled])
	b.filled = n
	b.consumed = 0
}

// ensureCapacity grows the backing array (via the pool, copying if this
// is not the pool's most recent allocation) so at least extra more bytes
// can be read past filled. Returns false if the limit would be exceeded
// or the pool is out of space.
func (b *readBuf) ensureCapacity(extra, limit int) bool {
	if b.filled+extra <= len(b.data) {
		return true
	}
	b.compact()
	if b.filled+extra <= len(b.data) {
		return true
	}
	newLen := len(b.data) * 2
	if newLen < b.filled+extra {
		newLen = b.filled + extra
	}
	if limit > 0 && newLen > limit {
		newLen = limit
		if newLen < b.filled+extra {
			return false
		}
	}
	grown := b.p.Reallocate(b.data, len(b.data), newLen)
	if grown == nil {
		return false
	}
	b.data = grown
	return true
}

// fill performs one Read call into the buffer's free tail, growing it
// first if necessary. It returns the number of bytes read and any
// error, which may be ErrWouldBlock.
func (b *readBuf) fill(io IO, limit int) (int, error) {
	if !b.ensureCapacity(256, limit) {
		return 0, errHeadersTooLarge
	}
	n, err := io.Read(b.data[b.filled:])
	b.filled += n
	return n, err
}
