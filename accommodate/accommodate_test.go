package accommodate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/acdp-go/acdpcore/fileio"
)

func TestSpotListAddRequiresAscendingOrder(t *testing.T) {
	var l SpotList
	l.Add(Spot{Pos: 4, CLen: 1})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on non-ascending spot position")
		}
	}()
	l.Add(Spot{Pos: 4, CLen: 1})
}

func openTemp(t *testing.T) *fileio.File {
	t.Helper()
	dir := t.TempDir()
	p := fileio.NewProvider(context.Background())
	f, err := p.Open(filepath.Join(dir, "fl.dat"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func writeBlocks(t *testing.T, f *fileio.File, blocks [][]byte) {
	t.Helper()
	for i, b := range blocks {
		if _, err := f.WriteAt(b, int64(i*len(b))); err != nil {
			t.Fatalf("writeAt block %d: %v", i, err)
		}
	}
}

func readBlocks(t *testing.T, f *fileio.File, n, count int) [][]byte {
	t.Helper()
	out := make([][]byte, count)
	for i := range out {
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, int64(i*n)); err != nil {
			t.Fatalf("readAt block %d: %v", i, err)
		}
		out[i] = buf
	}
	return out
}

func TestRunConcentricContraction(t *testing.T) {
	f := openTemp(t)
	oldN := 8
	blocks := [][]byte{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{9, 10, 11, 12, 13, 14, 15, 16},
	}
	writeBlocks(t, f, blocks)

	var list SpotList
	list.Add(Spot{Pos: 2, CLen: -2})
	newN, err := Run(f, oldN, 2, list.Spots(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if newN != 6 {
		t.Fatalf("newN = %d, want 6", newN)
	}
	got := readBlocks(t, f, newN, 2)
	want := [][]byte{
		{1, 2, 5, 6, 7, 8},
		{9, 10, 13, 14, 15, 16},
	}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("block %d byte %d = %d, want %d", i, j, got[i][j], want[i][j])
			}
		}
	}
	sz, err := f.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if sz != int64(2*newN) {
		t.Fatalf("file size = %d, want %d", sz, 2*newN)
	}
}

func TestRunExcentricInsertion(t *testing.T) {
	f := openTemp(t)
	oldN := 4
	blocks := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
	}
	writeBlocks(t, f, blocks)

	var list SpotList
	list.Add(Spot{Pos: 2, CLen: 2, Updater: func(old, out []byte) {
		out[0] = 0xAA
		out[1] = 0xBB
	}, UpdLen: 2})
	newN, err := Run(f, oldN, 2, list.Spots(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if newN != 6 {
		t.Fatalf("newN = %d, want 6", newN)
	}
	got := readBlocks(t, f, newN, 2)
	want := [][]byte{
		{1, 2, 0xAA, 0xBB, 3, 4},
		{5, 6, 0xAA, 0xBB, 7, 8},
	}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("block %d byte %d = %#x, want %#x", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestRunGeneralPreservesGapTag(t *testing.T) {
	f := openTemp(t)
	oldN := 4
	blocks := [][]byte{
		{0x80, 0, 0, 0}, // gap block: high bit of byte 0 set
		{1, 2, 3, 4},
	}
	writeBlocks(t, f, blocks)

	var seen [][]byte
	presenter := func(old []byte) error {
		cp := append([]byte{}, old...)
		seen = append(seen, cp)
		return nil
	}

	var list SpotList
	list.Add(Spot{Pos: 1, CLen: -1})
	list.Add(Spot{Pos: 3, CLen: 1, UpdLen: 0})
	newN, err := Run(f, oldN, 2, list.Spots(), presenter)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if newN != oldN {
		t.Fatalf("newN = %d, want unchanged %d", newN, oldN)
	}
	// presenter must only see the live (non-gap) block.
	if len(seen) != 1 {
		t.Fatalf("presenter called %d times, want 1 (gap block must be skipped)", len(seen))
	}
	got := readBlocks(t, f, newN, 2)
	if got[0][0]&0x80 == 0 {
		t.Fatal("gap tag lost on rewritten gap block")
	}
	if got[1][0]&0x80 != 0 {
		t.Fatal("live block wrongly tagged as gap")
	}
}
