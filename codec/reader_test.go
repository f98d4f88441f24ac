package codec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/filespace"
)

func TestRangesForMergesAdjacentAndOverlapping(t *testing.T) {
	cols := []Layout{
		{Offset: 10, FLLen: 5}, // [10,15)
		{Offset: 0, FLLen: 4},  // [0,4)
		{Offset: 4, FLLen: 3},  // [4,7) -- adjacent to the previous
		{Offset: 20, FLLen: 2}, // [20,22) -- disjoint
	}
	got := rangesFor(cols)
	want := [][2]int{{0, 7}, {10, 15}, {20, 22}}
	if len(got) != len(want) {
		t.Fatalf("rangesFor returned %d ranges, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRangesForEmpty(t *testing.T) {
	if got := rangesFor(nil); got != nil {
		t.Fatalf("rangesFor(nil) = %v, want nil", got)
	}
}

func openTestFL(t *testing.T, blockSize int64) *filespace.FL {
	t.Helper()
	dir := t.TempDir()
	p := fileio.NewProvider(context.Background())
	f, err := p.Open(filepath.Join(dir, "fl.dat"))
	if err != nil {
		t.Fatalf("open fl file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	fl, err := filespace.OpenFL(f, blockSize, -1)
	if err != nil {
		t.Fatalf("OpenFL: %v", err)
	}
	return fl
}

func allocateIndex(t *testing.T, fl *filespace.FL) int64 {
	t.Helper()
	pos, err := fl.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return fl.PosToIndex(pos)
}

func TestReaderReadRowWholeBlock(t *testing.T) {
	const n = 16
	fl := openTestFL(t, n)
	idx := allocateIndex(t, fl)
	row := make([]byte, n)
	for i := range row {
		row[i] = byte(i)
	}
	if _, err := fl.File().WriteAt(row, fl.IndexToPos(idx)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	r := &Reader{FL: fl}
	got, err := r.ReadRow(idx, nil, n)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	for i := range row {
		if got[i] != row[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], row[i])
		}
	}
}

func TestReaderReadRowDisjointColumns(t *testing.T) {
	const n = 256
	fl := openTestFL(t, n)
	idx := allocateIndex(t, fl)
	row := make([]byte, n)
	for i := range row {
		row[i] = byte(i)
	}
	if _, err := fl.File().WriteAt(row, fl.IndexToPos(idx)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	r := &Reader{FL: fl}
	wanted := []Layout{{Offset: 5, FLLen: 3}, {Offset: 100, FLLen: 3}}
	got, err := r.ReadRow(idx, wanted, n)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	for _, l := range wanted {
		for i := l.Offset; i < l.Offset+l.FLLen; i++ {
			if got[i] != row[i] {
				t.Fatalf("byte %d = %d, want %d", i, got[i], row[i])
			}
		}
	}
}

func TestScanBufferRefillsAcrossBatches(t *testing.T) {
	const n = 8
	fl := openTestFL(t, n)
	const blocks = 5
	for i := 0; i < blocks; i++ {
		idx := allocateIndex(t, fl)
		b := []byte{byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i)}
		if _, err := fl.File().WriteAt(b, fl.IndexToPos(idx)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}

	sb := NewScanBuffer(fl, 2)
	for i := int64(0); i < blocks; i++ {
		b, err := sb.Block(i, fl.File())
		if err != nil {
			t.Fatalf("Block(%d): %v", i, err)
		}
		want := byte(i)
		for _, c := range b {
			if c != want {
				t.Fatalf("block %d = %v, want all %d", i, b, want)
			}
		}
	}
}
