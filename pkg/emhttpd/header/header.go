// Package header implements the Header Store: an append-ordered sequence
// of (kind, name, value) triples with case-insensitive, kind-filterable
// lookup. All key/value bytes referenced by a Store live in the
// connection's memory pool and never outlive it — per the design note
// that the storage is a pool-and-index design, not a table of raw
// pointers.
package header

import "github.com/yourusername/emhttpd/pkg/emhttpd/pool"

// Kind classifies a stored header/field per §3 of the design: request
// headers, response headers, cookies, decoded GET/POST form arguments,
// and chunked-upload trailers all share one ordered table so iteration
// and lookup stay O(1)/O(n) regardless of where an entry came from.
type Kind uint8

const (
	KindRequestHeader Kind = iota
	KindResponseHeader
	KindCookie
	KindGetArg
	KindPostArg
	KindFooter
)

func (k Kind) String() string {
	switch k {
	case KindRequestHeader:
		return "request-header"
	case KindResponseHeader:
		return "response-header"
	case KindCookie:
		return "cookie"
	case KindGetArg:
		return "get-arg"
	case KindPostArg:
		return "post-arg"
	case KindFooter:
		return "footer"
	default:
		return "unknown"
	}
}

// entry is a (kind, name, value) triple. name and value are slices into
// the owning pool's region; they are never copied again once appended.
type entry struct {
	kind  Kind
	name  []byte
	value []byte
}

// Store is the append-ordered header table for one connection. It is
// not safe for concurrent use — a connection's header store, like its
// pool, is owned by exactly one goroutine at a time.
type Store struct {
	p       *pool.Pool
	entries []entry
}

// New creates a Store backed by p. All Add calls copy their name/value
// bytes into p, so the caller's buffers may be reused immediately after
// Add returns.
func New(p *pool.Pool) *Store {
	return &Store{p: p}
}

// Reset empties the store. It does not touch the pool; callers reset the
// pool to its mark separately, at the same point in the keep-alive
// transition, per §4.D's "reset_to_mark() on the pool, zero the
// request-scoped state" rule.
func (s *Store) Reset() {
	s.entries = s.entries[:0]
}

// Add appends a (kind, name, value) triple in insertion order. Duplicates
// of the same name are permitted and preserved. name and value are copied
// into the pool; Add never retains the caller's backing array.
//
// Returns false if the pool could not satisfy the copy (out of space);
// callers should treat this the same as an oversized-request condition.
func (s *Store) Add(kind Kind, name, value []byte) bool {
	nameCopy := s.p.Allocate(len(name))
	if nameCopy == nil && len(name) > 0 {
		return false
	}
	copy(nameCopy, name)

	valueCopy := s.p.Allocate(len(value))
	if valueCopy == nil && len(value) > 0 {
		return false
	}
	copy(valueCopy, value)

	s.entries = append(s.entries, entry{kind: kind, name: nameCopy, value: valueCopy})
	return true
}

// AppendToLastValue folds a header-continuation line into the value of
// the most recently appended entry, inserting a single space as the
// joiner, per §4.D's "folded into the prior header's value with a single
// space" rule. It returns false if there is no prior entry to fold into,
// or if the pool cannot satisfy the grown allocation.
func (s *Store) AppendToLastValue(cont []byte) bool {
	if len(s.entries) == 0 {
		return false
	}
	last := &s.entries[len(s.entries)-1]
	oldLen := len(last.value)
	grown := s.p.Reallocate(last.value, oldLen, oldLen+1+len(cont))
	if grown == nil {
		return false
	}
	grown[oldLen] = ' '
	copy(grown[oldLen+1:], cont)
	last.value = grown
	return true
}

// Get returns the first value matching name (case-insensitive), or nil
// if absent. Kind is not filtered; use GetKind to restrict to one kind.
func (s *Store) Get(name []byte) []byte {
	for i := range s.entries {
		if equalFold(s.entries[i].name, name) {
			return s.entries[i].value
		}
	}
	return nil
}

// GetKind returns the first value matching name within the given kind,
// case-insensitive, or nil if absent.
func (s *Store) GetKind(kind Kind, name []byte) []byte {
	for i := range s.entries {
		if s.entries[i].kind == kind && equalFold(s.entries[i].name, name) {
			return s.entries[i].value
		}
	}
	return nil
}

// Has reports whether any entry matches name, case-insensitive.
func (s *Store) Has(name []byte) bool {
	return s.Get(name) != nil
}

// Len returns the total number of entries across all kinds.
func (s *Store) Len() int { return len(s.entries) }

// VisitAll calls visit for every entry in insertion order; iteration
// stops early if visit returns false.
func (s *Store) VisitAll(visit func(kind Kind, name, value []byte) bool) {
	for i := range s.entries {
		if !visit(s.entries[i].kind, s.entries[i].name, s.entries[i].value) {
			return
		}
	}
}

// VisitKind is VisitAll restricted to one kind.
func (s *Store) VisitKind(kind Kind, visit func(name, value []byte) bool) {
	for i := range s.entries {
		if s.entries[i].kind != kind {
			continue
		}
		if !visit(s.entries[i].name, s.entries[i].value) {
			return
		}
	}
}

func equalFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if toLower(a[i]) != toLower(b[i]) {
			return false
		}
	}
	return true
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 32
	}
	return c
}
