// Package response implements the Response Object: a reference-counted,
// frozen payload plus an append-ordered header list, produced by the
// application and handed to one or many connections. It carries no
// connection state and may back simultaneous responses on many
// connections at once.
package response

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrInvalidHeader is returned by AddHeader when name or value contains
// a TAB, CR, or LF byte, or is empty.
var ErrInvalidHeader = errors.New("response: invalid header name or value")

// ContentReader produces body bytes for a callback-backed Response. It is
// invoked with the current stream position and a destination buffer.
//
//   - n > 0, done == false, err == nil: n bytes were written to buf.
//   - n == 0, done == false, err == nil: "try again later" — the FSM
//     suspends this connection's write side until the producer's
//     readiness signal (or a short retry) fires.
//   - done == true: end of stream; any bytes written in the same call
//     (n may be 0) are the last of the body.
//   - err != nil: the producer failed; the FSM closes the connection
//     with an io-error termination.
type ContentReader func(ctx any, position int64, buf []byte) (n int, done bool, err error)

type headerEntry struct {
	name  string
	value string
}

// Response is the immutable-after-first-send payload+headers object.
// All exported methods are safe for concurrent use; mu guards the
// refcount and header list together, matching the open-question
// resolution in the design notes (atomic counter, but still serialized
// with header mutation under one lock since both can race from
// different connections before the contract's "don't mutate after
// handing to a connection" is honored).
type Response struct {
	mu sync.Mutex

	refcount atomic.Int32

	hasSize   bool
	totalSize int64

	// buffer-backed payload
	buffer   []byte
	mustFree bool

	// callback-backed payload
	reader    ContentReader
	readerCtx any
	freeCtx   func(any)

	headers []headerEntry
}

// NewFromBuffer constructs a Response whose body is entirely in memory.
//
// mustCopy duplicates data into memory owned by the Response; otherwise
// the Response borrows the caller's slice and the caller must keep it
// alive and unmodified for the Response's lifetime. mustFree is
// orthogonal to mustCopy: when set, the Response's underlying array is
// discarded (eligible for GC) once the Response is destroyed, as opposed
// to a borrowed buffer whose lifetime the caller still manages
// independently. When mustCopy is set the copy is always owned
// regardless of mustFree.
func NewFromBuffer(data []byte, mustCopy, mustFree bool) *Response {
	r := &Response{hasSize: true, totalSize: int64(len(data))}
	r.refcount.Store(1)
	if mustCopy {
		r.buffer = append([]byte(nil), data...)
		r.mustFree = true
	} else {
		r.buffer = data
		r.mustFree = mustFree
	}
	return r
}

// NewFromCallback constructs a Response whose body is produced on demand
// by reader. hasSize/totalSize describe a known length; pass
// hasSize=false when the length is unknown (a streaming/chunked body).
// freeCtx, if non-nil, is invoked exactly once with ctx when the
// Response is destroyed.
func NewFromCallback(hasSize bool, totalSize int64, reader ContentReader, ctx any, freeCtx func(any)) *Response {
	r := &Response{
		hasSize:   hasSize,
		totalSize: totalSize,
		reader:    reader,
		readerCtx: ctx,
		freeCtx:   freeCtx,
	}
	r.refcount.Store(1)
	return r
}

// HasSize reports whether the total body size is known.
func (r *Response) HasSize() bool { return r.hasSize }

// TotalSize returns the known total body size; meaningless if HasSize is
// false.
func (r *Response) TotalSize() int64 { return r.totalSize }

// Buffer returns the in-memory body and true, or nil and false if this
// Response is callback-backed.
func (r *Response) Buffer() ([]byte, bool) {
	if r.reader != nil {
		return nil, false
	}
	return r.buffer, true
}

// Read invokes the callback-backed reader. It must not be called on a
// buffer-backed Response.
func (r *Response) Read(position int64, buf []byte) (n int, done bool, err error) {
	return r.reader(r.readerCtx, position, buf)
}

// IsCallback reports whether this Response is backed by a ContentReader
// rather than an in-memory buffer.
func (r *Response) IsCallback() bool { return r.reader != nil }

// AddHeader appends a header in insertion order. Names and values
// containing TAB, CR, or LF, or either being empty, are rejected without
// mutating the header list.
func (r *Response) AddHeader(name, value string) error {
	if !validHeaderToken(name) || !validHeaderToken(value) {
		return ErrInvalidHeader
	}
	r.mu.Lock()
	r.headers = append(r.headers, headerEntry{name: name, value: value})
	r.mu.Unlock()
	return nil
}

// DeleteHeader removes the first header matching name (case-sensitive,
// matching the ordered-list contract; callers wanting case-insensitive
// deletion should filter name themselves before calling).
func (r *Response) DeleteHeader(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.headers {
		if h.name == name {
			r.headers = append(r.headers[:i], r.headers[i+1:]...)
			return
		}
	}
}

// VisitHeaders iterates headers in insertion order, stopping early if
// visit returns false.
func (r *Response) VisitHeaders(visit func(name, value string) bool) {
	r.mu.Lock()
	headers := r.headers
	r.mu.Unlock()
	for _, h := range headers {
		if !visit(h.name, h.value) {
			return
		}
	}
}

// IncRef increments the reference count. Every Connection that attaches
// this Response must call IncRef exactly once (per §9's explicit
// contract: increment on queue, decrement on connection release,
// destroy at zero).
func (r *Response) IncRef() {
	r.mu.Lock()
	r.refcount.Add(1)
	r.mu.Unlock()
}

// Release decrements the reference count, destroying the Response's
// owned resources when it reaches zero. Calling Release more times than
// the Response was referenced is a caller bug; it is not guarded against.
func (r *Response) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refcount.Add(-1) != 0 {
		return
	}
	if r.mustFree {
		r.buffer = nil
	}
	if r.freeCtx != nil {
		r.freeCtx(r.readerCtx)
		r.freeCtx = nil
	}
}

// RefCount returns the current reference count, for tests and
// diagnostics.
func (r *Response) RefCount() int32 { return r.refcount.Load() }

func validHeaderToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\t', '\r', '\n':
			return false
		}
	}
	return true
}
