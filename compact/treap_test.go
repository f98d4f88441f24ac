package compact

import "testing"

func TestIntervalTreapMergesAdjacent(t *testing.T) {
	tr := newIntervalTreap()
	if err := tr.Insert(10, 5); err != nil { // [10,15)
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(15, 5); err != nil { // [15,20), adjacent to the first
		t.Fatalf("Insert: %v", err)
	}
	got := tr.Intervals()
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 merged interval: %v", len(got), got)
	}
	if got[0].Ptr != 10 || got[0].Length != 10 {
		t.Fatalf("merged interval = %+v, want {10 10}", got[0])
	}
}

func TestIntervalTreapMergesFromTheRight(t *testing.T) {
	tr := newIntervalTreap()
	if err := tr.Insert(10, 5); err != nil { // [10,15)
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(5, 5); err != nil { // [5,10), adjacent on the left of the first
		t.Fatalf("Insert: %v", err)
	}
	got := tr.Intervals()
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 merged interval: %v", len(got), got)
	}
	if got[0].Ptr != 5 || got[0].Length != 10 {
		t.Fatalf("merged interval = %+v, want {5 10}", got[0])
	}
}

func TestIntervalTreapKeepsDisjointSeparate(t *testing.T) {
	tr := newIntervalTreap()
	if err := tr.Insert(0, 5); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(100, 5); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got := tr.Intervals()
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 disjoint intervals: %v", len(got), got)
	}
	if got[0].Ptr != 0 || got[1].Ptr != 100 {
		t.Fatalf("intervals = %v, want ascending ptr order", got)
	}
}

func TestIntervalTreapZeroLengthIsNoop(t *testing.T) {
	tr := newIntervalTreap()
	if err := tr.Insert(0, 0); err != nil {
		t.Fatalf("Insert(0,0): %v", err)
	}
	if got := tr.Intervals(); len(got) != 0 {
		t.Fatalf("Intervals() = %v, want empty", got)
	}
}

func TestCheckNoOverlapDetectsOverlap(t *testing.T) {
	ivs := []Interval{{Ptr: 0, Length: 10}, {Ptr: 5, Length: 10}}
	if err := CheckNoOverlap(ivs); err == nil {
		t.Fatal("expected an overlap error")
	}
}

func TestCheckNoOverlapAcceptsAdjacentOrDisjoint(t *testing.T) {
	ivs := []Interval{{Ptr: 0, Length: 10}, {Ptr: 10, Length: 5}, {Ptr: 20, Length: 5}}
	if err := CheckNoOverlap(ivs); err != nil {
		t.Fatalf("CheckNoOverlap: %v", err)
	}
}

func TestAdjustRowIndexZeroStaysZero(t *testing.T) {
	if got := AdjustRowIndex(0, []int64{0, 1, 2}); got != 0 {
		t.Fatalf("AdjustRowIndex(0, ...) = %d, want 0 (null reference)", got)
	}
}

func TestAdjustRowIndexShiftsPastGaps(t *testing.T) {
	gaps := []int64{1, 3} // 0-based block indices
	cases := []struct {
		row  int64
		want int64
	}{
		{1, 1}, // index 0, no gap index < 0
		{2, 2}, // index 1, no gap index strictly < 1 (gap 1 is not < 1)
		{3, 2}, // index 2, one gap index < 2 (gap 1)
		{5, 3}, // index 4, two gap indices < 4 (gaps 1,3)
	}
	for _, c := range cases {
		if got := AdjustRowIndex(c.row, gaps); got != c.want {
			t.Errorf("AdjustRowIndex(%d, %v) = %d, want %d", c.row, gaps, got, c.want)
		}
	}
}
