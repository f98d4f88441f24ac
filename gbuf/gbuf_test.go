package gbuf

import "testing"

func TestBorrowSizesBuffer(t *testing.T) {
	b := New(16)
	buf := b.Borrow(GB1, 10, "caller-a")
	if len(buf) != 10 {
		t.Fatalf("len(buf) = %d, want 10", len(buf))
	}
}

func TestBorrowGrowsPastInitialCapacity(t *testing.T) {
	b := New(4)
	buf := b.Borrow(GB2, 100, "caller-a")
	if len(buf) != 100 {
		t.Fatalf("len(buf) = %d, want 100", len(buf))
	}
}

func TestReleaseThenBorrowByDifferentOwner(t *testing.T) {
	b := New(16)
	b.Borrow(GB1, 4, "caller-a")
	b.Release(GB1)
	// must not panic: the buffer is free again.
	b.Borrow(GB1, 4, "caller-b")
}

func TestDoubleBorrowByDifferentOwnerPanics(t *testing.T) {
	b := New(16)
	b.Borrow(GB3, 4, "caller-a")
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic borrowing an already-owned buffer under a different name")
		}
	}()
	b.Borrow(GB3, 4, "caller-b")
}

func TestReBorrowBySameOwnerIsFine(t *testing.T) {
	b := New(16)
	b.Borrow(GB1, 4, "caller-a")
	// same owner re-borrowing (e.g. resizing within one call) must not panic.
	buf := b.Borrow(GB1, 8, "caller-a")
	if len(buf) != 8 {
		t.Fatalf("len(buf) = %d, want 8", len(buf))
	}
}

func TestBuffersAreIndependent(t *testing.T) {
	b := New(16)
	buf1 := b.Borrow(GB1, 4, "a")
	buf2 := b.Borrow(GB2, 4, "b")
	buf1[0] = 1
	buf2[0] = 2
	if buf1[0] == buf2[0] {
		t.Fatal("GB1 and GB2 must be independent backing arrays")
	}
}
