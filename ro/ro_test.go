package ro

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"

	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/gbuf"
	"github.com/acdp-go/acdpcore/store"
	"github.com/acdp-go/acdpcore/unit"
)

type fakeTarget struct{ live map[int64]bool }

func (f *fakeTarget) RowExists(row int64) (bool, error) { return f.live[row], nil }
func (f *fakeTarget) AdjustRefCount(row int64, delta int64, u unit.Unit) error { return nil }

type fakeResolver struct{ targets map[string]codec.RefTarget }

func (r fakeResolver) Table(name string) (codec.RefTarget, error) { return r.targets[name], nil }

func openTestFile(t *testing.T, name string) *fileio.File {
	t.Helper()
	dir := t.TempDir()
	p := fileio.NewProvider(context.Background())
	f, err := p.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func gunzipAll(t *testing.T, raw []byte) []byte {
	t.Helper()
	r, err := pgzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("pgzip.NewReader: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return out
}

func TestPackerRoundTripAcrossBlocks(t *testing.T) {
	dst := openTestFile(t, "packed.dat")
	p := NewPacker(dst, nil, 8, 4) // tiny regular blocks to force several flushes
	payload := []byte("0123456789abcdefghij") // 20 bytes, spans 3 regular blocks (8+8+4)
	if _, err := p.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	sizes := p.BlockSizeTable()
	if len(sizes) != 3 {
		t.Fatalf("len(BlockSizeTable()) = %d, want 3", len(sizes))
	}

	// Re-read every packed block, gunzip it, and confirm the concatenation
	// reconstructs the original payload.
	var got bytes.Buffer
	pos := int64(0)
	for _, sz := range sizes {
		buf := make([]byte, sz)
		if _, err := dst.ReadAt(buf, pos); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		got.Write(gunzipAll(t, buf))
		pos += sz
	}
	if got.String() != string(payload) {
		t.Fatalf("round trip = %q, want %q", got.String(), payload)
	}
}

func TestPackerFlushNoopOnEmptyPending(t *testing.T) {
	dst := openTestFile(t, "empty.dat")
	p := NewPacker(dst, nil, 8, 4)
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush on empty packer: %v", err)
	}
	if len(p.BlockSizeTable()) != 0 {
		t.Fatalf("BlockSizeTable() = %v, want empty", p.BlockSizeTable())
	}
}

func TestWriteBlockSizeTableAdvancesPos(t *testing.T) {
	dst := openTestFile(t, "bst.dat")
	p := NewPacker(dst, nil, 1024, 8)
	if _, err := p.Write([]byte("small payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	before := p.Pos()
	n, err := p.WriteBlockSizeTable()
	if err != nil {
		t.Fatalf("WriteBlockSizeTable: %v", err)
	}
	if p.Pos() != before+n {
		t.Fatalf("Pos() = %d, want %d", p.Pos(), before+n)
	}
}

// newTestStore builds a minimal single-int-column Store for ConvertTable
// tests, optionally adding a reference column targeting refTableName.
func newTestStore(t *testing.T, withRef bool, refTableName string, resolver codec.RefResolver) *store.Store {
	t.Helper()
	cols := []coltype.Column{coltype.Simple("n", coltype.VInt, coltype.Inrow, 8, false, true)}
	if withRef {
		cols = append(cols, coltype.Reference("r", refTableName))
	}
	w := codec.Widths{NobsRowRef: 4, NobsOutrowPtr: 5, NobsRefCount: 2}
	shape := codec.BuildRowShape(cols, w, 0)
	f := openTestFile(t, "store.fl")
	fl, err := filespace.OpenFL(f, int64(shape.Total), -1)
	if err != nil {
		t.Fatalf("OpenFL: %v", err)
	}
	return &store.Store{
		Shape: shape,
		FL:    fl,
		Codec: &codec.Codec{Widths: w, Refs: resolver},
		GB:    gbuf.New(shape.Total),
	}
}

func TestConvertTablePacksLiveRowsInOriginalOrderAndClearsGapBit(t *testing.T) {
	s := newTestStore(t, false, "", nil)
	for _, v := range []int64{10, 20, 30} {
		if _, err := s.Insert([]interface{}{v}, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Delete(store.Ref(2), nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	dst := openTestFile(t, "ro.dat")
	p := NewPacker(dst, nil, 4096, 8)
	spec := TableSpec{Name: "items", Store: s, NobsRowRefRO: 4}
	ptrs, err := ConvertTable(p, spec, map[string][]int64{})
	if err != nil {
		t.Fatalf("ConvertTable: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(ptrs) != 2 {
		t.Fatalf("len(ptrs) = %d, want 2 (row 2 was deleted)", len(ptrs))
	}
	if ptrs[0].Row != 1 || ptrs[1].Row != 3 {
		t.Fatalf("ptrs rows = [%d %d], want [1 3]", ptrs[0].Row, ptrs[1].Row)
	}

	sizes := p.BlockSizeTable()
	var raw []byte
	pos := int64(0)
	for _, sz := range sizes {
		buf := make([]byte, sz)
		if _, err := dst.ReadAt(buf, pos); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		raw = append(raw, gunzipAll(t, buf)...)
		pos += sz
	}
	if len(raw) == 0 {
		t.Fatal("no packed row bytes produced")
	}
	if raw[0]&0x80 != 0 {
		t.Fatal("RO row must never carry the gap bit")
	}
	// bitmap(1) + len-prefix(4) + 8 value bytes per row, twice.
	rowLen := 1 + 4 + 8
	if len(raw) != rowLen*2 {
		t.Fatalf("len(raw) = %d, want %d", len(raw), rowLen*2)
	}
	v1 := int64(binary.BigEndian.Uint64(raw[1+4 : 1+4+8]))
	if v1 != 10 {
		t.Fatalf("first packed row value = %d, want 10", v1)
	}
	v2 := int64(binary.BigEndian.Uint64(raw[rowLen+1+4 : rowLen+1+4+8]))
	if v2 != 30 {
		t.Fatalf("second packed row value = %d, want 30", v2)
	}
}

func TestConvertTableAdjustsReferenceThroughGaps(t *testing.T) {
	target := &fakeTarget{live: map[int64]bool{1: true, 2: true, 3: true}}
	resolver := fakeResolver{targets: map[string]codec.RefTarget{"other": target}}
	s := newTestStore(t, true, "other", resolver)

	// Row 1 points at row 3 of "other", whose gap list removes its row 2,
	// so row 3 should renumber to row 2 on the RO side.
	if _, err := s.Insert([]interface{}{int64(1), int64(3)}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dst := openTestFile(t, "ro-ref.dat")
	p := NewPacker(dst, nil, 4096, 8)
	spec := TableSpec{Name: "items", Store: s, NobsRowRefRO: 4}
	gaps := map[string][]int64{"other": {1}} // 0-based gap at index 1 == row 2
	ptrs, err := ConvertTable(p, spec, gaps)
	if err != nil {
		t.Fatalf("ConvertTable: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(ptrs) != 1 {
		t.Fatalf("len(ptrs) = %d, want 1", len(ptrs))
	}

	sizes := p.BlockSizeTable()
	buf := make([]byte, sizes[0])
	if _, err := dst.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	raw := gunzipAll(t, buf)
	// bitmap(1) + n: len-prefix(4)+8 value bytes + r: 4-byte RO reference.
	refOff := 1 + 4 + 8
	gotRef := int64(binary.BigEndian.Uint32(raw[refOff : refOff+4]))
	if gotRef != 2 {
		t.Fatalf("adjusted reference = %d, want 2", gotRef)
	}
}

func TestComputeGapsCollectsPerTable(t *testing.T) {
	s := newTestStore(t, false, "", nil)
	for _, v := range []int64{1, 2, 3} {
		if _, err := s.Insert([]interface{}{v}, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Delete(store.Ref(2), nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gaps, err := computeGaps([]TableSpec{{Name: "items", Store: s}})
	if err != nil {
		t.Fatalf("computeGaps: %v", err)
	}
	if got := gaps["items"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("gaps[items] = %v, want [1] (0-based index of row 2)", got)
	}
}

func TestConvertWritesHeaderAndPlaintextTrailer(t *testing.T) {
	s := newTestStore(t, false, "", nil)
	for _, v := range []int64{5, 6} {
		if _, err := s.Insert([]interface{}{v}, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	dst := openTestFile(t, "full.dat")
	tables := []TableSpec{{Name: "items", Store: s, NobsRowRefRO: 4}}
	if err := Convert(dst, tables, 4096, 8, nil); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	hdr := make([]byte, 9)
	if _, err := dst.ReadAt(hdr, 0); err != nil {
		t.Fatalf("ReadAt header: %v", err)
	}
	trailerOff := int64(binary.BigEndian.Uint64(hdr[:8]))
	if hdr[8] != 0 {
		t.Fatalf("envelope flag = %d, want 0 (no recipient)", hdr[8])
	}
	size, err := dst.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	trailer := make([]byte, size-trailerOff)
	if _, err := dst.ReadAt(trailer, trailerOff); err != nil {
		t.Fatalf("ReadAt trailer: %v", err)
	}
	raw := gunzipAll(t, trailer)
	var layout []TableLayout
	if err := json.Unmarshal(raw, &layout); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if len(layout) != 1 || layout[0].Name != "items" || layout[0].RowCount != 2 {
		t.Fatalf("layout = %+v, want one items entry with RowCount 2", layout)
	}
}
