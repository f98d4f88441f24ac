// Package store implements the Write operations of spec §4.7 (Insert,
// Update, Delete, Truncate) over a single table's FL/VL file spaces, tying
// together filespace, codec, and refcount the way the Database (out of
// scope here) would for a single store.
package store

import (
	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/gbuf"
	"github.com/acdp-go/acdpcore/refcount"
	"github.com/acdp-go/acdpcore/unit"
)

// Ref is a 1-based row reference (spec §3.1 bullet 7).
type Ref int64

// ColumnValue names a column by position and the value an Update call
// writes to it.
type ColumnValue struct {
	Index int
	Value interface{}
}

// Store is one table's WR-side storage: its row shape, FL/VL file spaces,
// codec, and (if referenced) its own reference-counter field.
type Store struct {
	Shape    codec.RowShape
	FL       *filespace.FL
	VL       *filespace.VL // nil if no outrow column
	Codec    *codec.Codec
	RefTable *refcount.Table // nil if this table is unreferenced
	GB       *gbuf.Buffers
}

func (s *Store) maxRows() int64 {
	return maxForWidth(s.Codec.Widths.NobsRowRef)
}

func maxForWidth(width int) int64 {
	if width >= 8 {
		return 1<<63 - 1
	}
	return int64(1) << uint(8*width)
}

// Insert writes a new row (spec §4.7 Insert): validates the value count,
// encodes every column against a zeroed block-sized buffer, allocates an FL
// block, and writes it.
func (s *Store) Insert(values []interface{}, u unit.Unit) (Ref, error) {
	if len(values) != len(s.Shape.Columns) {
		return 0, acdperr.Integrity("column-count", "value count does not match column count")
	}
	buf := s.GB.Borrow(gbuf.GB1, int(s.Shape.Total), "store.Insert")
	defer s.GB.Release(gbuf.GB1)
	for i := range buf {
		buf[i] = 0
	}
	for i, l := range s.Shape.Columns {
		dst := buf[l.Offset : l.Offset+l.FLLen]
		if err := s.Codec.EncodeColumn(l, buf, s.Shape.Bitmap, dst, nil, values[i], u); err != nil {
			return 0, err
		}
	}
	pos, err := s.FL.Allocate(u)
	if err != nil {
		return 0, err
	}
	idx := s.FL.PosToIndex(pos)
	row := idx + 1
	if row > s.maxRows() {
		_ = s.FL.Free(idx, u)
		return 0, acdperr.Capacity("row-index", row, s.maxRows())
	}
	if _, err := s.FL.File().WriteAt(buf, pos); err != nil {
		return 0, err
	}
	return Ref(row), nil
}

// readBlock loads the whole FL block for ref, erroring with IllegalReference
// if it is currently a gap.
func (s *Store) readBlock(ref Ref) (int64, []byte, error) {
	idx := int64(ref) - 1
	isGap, err := s.FL.IsGap(idx)
	if err != nil {
		return 0, nil, err
	}
	if isGap {
		return 0, nil, acdperr.IllegalReference("", int64(ref), "row is a gap")
	}
	buf := make([]byte, s.Shape.Total)
	if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(idx)); err != nil {
		return 0, nil, err
	}
	return idx, buf, nil
}

// Update rewrites a subset of ref's columns (spec §4.7 Update): each change
// is encoded against the previously stored bytes for that column (enabling
// VL reuse and reference-count diffing), then the whole block is rewritten.
func (s *Store) Update(ref Ref, changes []ColumnValue, u unit.Unit) error {
	idx, buf, err := s.readBlock(ref)
	if err != nil {
		return err
	}
	pos := s.FL.IndexToPos(idx)
	if u != nil {
		before := make([]byte, len(buf))
		copy(before, buf)
		if err := u.Record(s.FL.File(), pos, before); err != nil {
			return acdperr.Unit(err)
		}
	}
	for _, ch := range changes {
		l := s.Shape.Columns[ch.Index]
		old := make([]byte, l.FLLen)
		copy(old, buf[l.Offset:l.Offset+l.FLLen])
		dst := buf[l.Offset : l.Offset+l.FLLen]
		if err := s.Codec.EncodeColumn(l, buf, s.Shape.Bitmap, dst, old, ch.Value, u); err != nil {
			return err
		}
	}
	_, err = s.FL.File().WriteAt(buf, pos)
	return err
}

// Delete marks ref's block a gap (spec §4.7 Delete): first verifies no
// outstanding reference count on this row, then decrements every row this
// row's RT/A[RT] columns point at, deallocates its outrow payloads, and
// frees the block.
func (s *Store) Delete(ref Ref, u unit.Unit) error {
	idx, buf, err := s.readBlock(ref)
	if err != nil {
		return err
	}
	if s.RefTable != nil {
		count, err := s.RefTable.Get(int64(ref))
		if err != nil {
			return err
		}
		if count != 0 {
			return acdperr.DeleteConstraint("", int64(ref), count)
		}
	}
	for _, l := range s.Shape.Columns {
		region := buf[l.Offset : l.Offset+l.FLLen]
		if l.Col.NeedsRefCounting() {
			if err := s.Codec.DropReferences(l, region, u); err != nil {
				return err
			}
		}
		if l.Col.HasOutrowPayload() {
			if err := s.Codec.DeallocateOutrow(l, region, u); err != nil {
				return err
			}
		}
	}
	return s.FL.Free(idx, u)
}

// Truncate drops every row (spec §4.7 Truncate): if the table is referenced,
// every row's counter must already be zero; otherwise every row's own
// outgoing references are dropped before both files are cleared.
func (s *Store) Truncate(u unit.Unit) error {
	if s.RefTable != nil {
		for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
			isGap, err := s.FL.IsGap(idx)
			if err != nil {
				return err
			}
			if isGap {
				continue
			}
			count, err := s.RefTable.Get(idx + 1)
			if err != nil {
				return err
			}
			if count != 0 {
				return acdperr.DeleteConstraint("", idx+1, count)
			}
		}
	}
	needsRefWalk := false
	for _, l := range s.Shape.Columns {
		if l.Col.NeedsRefCounting() {
			needsRefWalk = true
			break
		}
	}
	if needsRefWalk {
		buf := make([]byte, s.Shape.Total)
		for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
			isGap, err := s.FL.IsGap(idx)
			if err != nil {
				return err
			}
			if isGap {
				continue
			}
			if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(idx)); err != nil {
				return err
			}
			for _, l := range s.Shape.Columns {
				if !l.Col.NeedsRefCounting() {
					continue
				}
				region := buf[l.Offset : l.Offset+l.FLLen]
				if err := s.Codec.DropReferences(l, region, u); err != nil {
					return err
				}
			}
		}
	}
	if err := s.FL.ClearAndTruncate(); err != nil {
		return err
	}
	if s.VL != nil {
		if err := s.VL.ClearAndTruncate(); err != nil {
			return err
		}
	}
	return nil
}

// Read decodes every requested column of ref's row via the FL Data Reader.
func (s *Store) Read(ref Ref, wantCols []int) ([]interface{}, error) {
	idx := int64(ref) - 1
	isGap, err := s.FL.IsGap(idx)
	if err != nil {
		return nil, err
	}
	if isGap {
		return nil, acdperr.IllegalReference("", int64(ref), "row is a gap")
	}
	var wanted []codec.Layout
	for _, i := range wantCols {
		wanted = append(wanted, s.Shape.Columns[i])
	}
	r := codec.Reader{FL: s.FL}
	buf, err := r.ReadRow(idx, wanted, s.Shape.Total)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(wantCols))
	for k, i := range wantCols {
		l := s.Shape.Columns[i]
		v, err := s.Codec.DecodeColumn(l, buf, s.Shape.Bitmap, buf[l.Offset:l.Offset+l.FLLen])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
