package pool

import "testing"

func TestAllocateWithinCapacity(t *testing.T) {
	p := New(128)
	defer p.Destroy()

	a := p.Allocate(32)
	if a == nil {
		t.Fatal("expected allocation to succeed")
	}
	if len(a) != 32 {
		t.Fatalf("got length %d, want 32", len(a))
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(64)
	defer p.Destroy()

	if p.Allocate(64) == nil {
		t.Fatal("expected first allocation of full capacity to succeed")
	}
	if p.Allocate(1) != nil {
		t.Fatal("expected allocation past capacity to fail")
	}
}

func TestMarkAndResetToMark(t *testing.T) {
	p := New(256)
	defer p.Destroy()

	p.Allocate(16)
	p.Mark()
	before := p.Offset()

	p.Allocate(64)
	p.Allocate(32)
	if p.Offset() == before {
		t.Fatal("expected offset to advance after allocation")
	}

	p.ResetToMark()
	if p.Offset() != before {
		t.Fatalf("offset after reset = %d, want %d", p.Offset(), before)
	}

	// space reclaimed by the reset must be reusable
	if p.Allocate(64) == nil {
		t.Fatal("expected reclaimed space to be allocatable again")
	}
}

func TestHighWaterMarkNeverDecreasesExceptOnReset(t *testing.T) {
	p := New(256)
	defer p.Destroy()

	p.Allocate(10)
	high := p.Offset()
	p.Allocate(10)
	if p.Offset() <= high {
		t.Fatal("offset should monotonically increase between marks")
	}
}

func TestReallocateExtendsLastAllocationInPlace(t *testing.T) {
	p := New(256)
	defer p.Destroy()

	a := p.Allocate(16)
	copy(a, []byte("0123456789abcdef"))

	b := p.Reallocate(a, 16, 32)
	if b == nil {
		t.Fatal("expected reallocation to succeed")
	}
	if string(b[:16]) != "0123456789abcdef" {
		t.Fatalf("reallocated contents corrupted: %q", b[:16])
	}
}

func TestReallocateNonLastAllocationCopies(t *testing.T) {
	p := New(256)
	defer p.Destroy()

	first := p.Allocate(16)
	copy(first, []byte("first-allocation"))
	_ = p.Allocate(8) // pushes first out of "last allocation" position

	grown := p.Reallocate(first, 16, 24)
	if grown == nil {
		t.Fatal("expected reallocation to succeed via copy path")
	}
	if string(grown[:16]) != "first-allocation" {
		t.Fatalf("copied contents corrupted: %q", grown[:16])
	}
}

func TestDestroyReleasesRegion(t *testing.T) {
	p := New(64)
	p.Allocate(8)
	p.Destroy()
	// a pool reused for a new connection must not retain state from the
	// destroyed instance
	p2 := New(64)
	defer p2.Destroy()
	if p2.Offset() != 0 {
		t.Fatalf("new pool offset = %d, want 0", p2.Offset())
	}
}
