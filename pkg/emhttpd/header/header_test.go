package header

import (
	"testing"

	"github.com/yourusername/emhttpd/pkg/emhttpd/pool"
)

func newStore(t *testing.T) (*Store, *pool.Pool) {
	t.Helper()
	p := pool.New(4096)
	t.Cleanup(p.Destroy)
	return New(p), p
}

func TestCaseInsensitiveLookup(t *testing.T) {
	s, _ := newStore(t)
	s.Add(KindRequestHeader, []byte("Content-Length"), []byte("13"))

	if v := s.Get([]byte("content-length")); string(v) != "13" {
		t.Fatalf("lower-case lookup = %q, want 13", v)
	}
	if v := s.Get([]byte("Content-Length")); string(v) != "13" {
		t.Fatalf("exact-case lookup = %q, want 13", v)
	}
	if v := s.Get([]byte("CONTENT-LENGTH")); string(v) != "13" {
		t.Fatalf("upper-case lookup = %q, want 13", v)
	}
}

func TestInsertionOrderPreservedWithDuplicates(t *testing.T) {
	s, _ := newStore(t)
	s.Add(KindCookie, []byte("Set-Cookie"), []byte("a=1"))
	s.Add(KindCookie, []byte("Set-Cookie"), []byte("b=2"))

	var values []string
	s.VisitAll(func(kind Kind, name, value []byte) bool {
		values = append(values, string(value))
		return true
	})
	if len(values) != 2 || values[0] != "a=1" || values[1] != "b=2" {
		t.Fatalf("got %v, want [a=1 b=2] in order", values)
	}
}

func TestKindFilter(t *testing.T) {
	s, _ := newStore(t)
	s.Add(KindRequestHeader, []byte("Host"), []byte("example.com"))
	s.Add(KindGetArg, []byte("Host"), []byte("shadowed"))

	if v := s.GetKind(KindGetArg, []byte("host")); string(v) != "shadowed" {
		t.Fatalf("GetKind(GetArg) = %q, want shadowed", v)
	}
	if v := s.GetKind(KindRequestHeader, []byte("host")); string(v) != "example.com" {
		t.Fatalf("GetKind(RequestHeader) = %q, want example.com", v)
	}
}

func TestHeaderContinuationFolding(t *testing.T) {
	s, _ := newStore(t)
	s.Add(KindRequestHeader, []byte("X-Long"), []byte("first"))
	if !s.AppendToLastValue([]byte("second")) {
		t.Fatal("expected continuation fold to succeed")
	}
	if v := s.Get([]byte("x-long")); string(v) != "first second" {
		t.Fatalf("folded value = %q, want %q", v, "first second")
	}
}

func TestResetEmptiesStoreWithoutTouchingPool(t *testing.T) {
	s, p := newStore(t)
	s.Add(KindRequestHeader, []byte("A"), []byte("1"))
	offsetBefore := p.Offset()

	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", s.Len())
	}
	if p.Offset() != offsetBefore {
		t.Fatalf("pool offset changed by header Reset: %d != %d", p.Offset(), offsetBefore)
	}
}

func TestAddCopiesCallerBuffer(t *testing.T) {
	s, _ := newStore(t)
	name := []byte("X-Mutate")
	value := []byte("original")
	s.Add(KindRequestHeader, name, value)

	// mutate the caller's buffers after Add returns
	copy(value, []byte("corrupt!"))
	copy(name, []byte("X-Wrongxx"))

	if v := s.Get([]byte("X-Mutate")); string(v) != "original" {
		t.Fatalf("stored value was aliased to caller buffer: got %q", v)
	}
}
