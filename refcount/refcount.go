// Package refcount implements the reference-counter field of spec §3.1
// bullet 1 (the nobsRefCount bytes following a block's header bitmap) and
// the increment/decrement discipline of §3 L3 / §4.3: RT and A[RT] columns
// bump a target row's counter on insert/update, and blocks can only be freed
// once their counter reaches zero (spec §4.7 Delete, "delete-constraint").
package refcount

import (
	"encoding/binary"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/unit"
)

// Table adjusts and queries the reference counter embedded in a table's own
// FL blocks. NobsRefCount is 0 for a table that is not referenced by any
// column of any table (spec §3.1 bullet 7), in which case Table is not
// constructed at all.
type Table struct {
	FL           *filespace.FL
	NBM          int // header bitmap byte count; refcount bytes start here
	NobsRefCount int
}

func (t *Table) offset(row int64) int64 {
	return t.FL.IndexToPos(row-1) + int64(t.NBM)
}

// Get returns row's current reference count (row is 1-based, per spec §3.1
// bullet 7: "Row indices are 1-based externally").
func (t *Table) Get(row int64) (int64, error) {
	buf := make([]byte, t.NobsRefCount)
	if _, err := t.FL.File().ReadAt(buf, t.offset(row)); err != nil {
		return 0, err
	}
	return getUintWidth(buf, t.NobsRefCount), nil
}

func (t *Table) put(row int64, v int64, u unit.Unit) error {
	pos := t.offset(row)
	if u != nil {
		before := make([]byte, t.NobsRefCount)
		if _, err := t.FL.File().ReadAt(before, pos); err != nil {
			return err
		}
		if err := u.Record(t.FL.File(), pos, before); err != nil {
			return acdperr.Unit(err)
		}
	}
	buf := make([]byte, t.NobsRefCount)
	putUintWidth(buf, t.NobsRefCount, v)
	_, err := t.FL.File().WriteAt(buf, pos)
	return err
}

// AdjustRefCount applies delta (positive or negative) to row's counter,
// recording a before-image with u. It satisfies codec.RefTarget, so a
// refcount.Table can be injected directly as the target of an RT/A[RT]
// column's codec.
func (t *Table) AdjustRefCount(row int64, delta int64, u unit.Unit) error {
	if t.NobsRefCount == 0 {
		return acdperr.Integrity("refcount-width", "reference count adjusted on an unreferenced table")
	}
	cur, err := t.Get(row)
	if err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		return acdperr.Integrity("refcount-underflow", "reference count would go negative")
	}
	max := maxForWidth(t.NobsRefCount)
	if next >= max {
		return acdperr.Capacity("reference-counter", next, max)
	}
	return t.put(row, next, u)
}

// RowExists reports whether row is currently live (not a gap), satisfying
// codec.RefTarget's validation half (spec §4.3: "illegal reference into a
// gap or nonexistent row").
func (t *Table) RowExists(row int64) (bool, error) {
	if row < 1 || row > t.FL.BlockCount() {
		return false, nil
	}
	isGap, err := t.FL.IsGap(row - 1)
	if err != nil {
		return false, err
	}
	return !isGap, nil
}

func maxForWidth(width int) int64 {
	if width >= 8 {
		return 1<<63 - 1
	}
	return int64(1) << uint(8*width)
}

func putUintWidth(b []byte, width int, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	copy(b, tmp[8-width:])
}

func getUintWidth(b []byte, width int) int64 {
	var tmp [8]byte
	copy(tmp[8-width:], b[:width])
	return int64(binary.BigEndian.Uint64(tmp[:]))
}
