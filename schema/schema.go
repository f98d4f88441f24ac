// Package schema implements the Column Lifecycle operations of spec §4.6
// (insert/remove/modify column) by building accommodate.Spot lists and
// Presenters and invoking accommodate.Run.
package schema

import (
	"github.com/acdp-go/acdpcore/accommodate"
	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/layout"
)

// Table is the subset of a schema's persisted state the lifecycle
// operations need to read and update.
type Table struct {
	Columns  []coltype.Column
	Widths   codec.Widths
	RefCount int // current nobsRefCount, 0 if unreferenced
	Layout   *layout.Obj
}

// InsertColumn appends a new column to the table (spec §4.6 Insert column):
// a single excentric spot inserting the new column's zero-filled region (and
// nobsRefCount bytes, if the table is newly referenced) at the end of the
// existing row body, with an updater that writes the caller-supplied
// initial value into every row.
func InsertColumn(file *fileio.File, blockCount int64, t *Table, newCol coltype.Column, initial accommodate.Updater) error {
	shape := codec.BuildRowShape(t.Columns, t.Widths, t.RefCount)
	newShape := codec.BuildRowShape(append(append([]coltype.Column{}, t.Columns...), newCol), t.Widths, t.RefCount)
	newLayout := newShape.Columns[len(newShape.Columns)-1]

	var list accommodate.SpotList
	list.Add(accommodate.Spot{
		Pos:     shape.Total,
		CLen:    newLayout.FLLen,
		Updater: initial,
		UpdLen:  newLayout.FLLen,
	})
	oldN := shape.Total
	newN, err := accommodate.Run(file, oldN, blockCount, list.Spots(), nil)
	if err != nil {
		return err
	}
	_ = newN
	t.Columns = append(t.Columns, newCol)
	if newCol.HasOutrowPayload() && t.Layout != nil && t.Layout.OptionalString("vlDataFile") == "" {
		t.Layout.Set("vlDataFile", t.Layout.OptionalString("flDataFile")+".vl")
		t.Layout.Set("nobsOutrowPtr", t.Widths.NobsOutrowPtr)
	}
	return nil
}

// RemoveColumn drops column index idx (spec §4.6 Remove column): a
// Presenter first applies the column's side effects (reference-count
// decrements, VL deallocation) read-only on every live block, then a single
// concentric spot contracts its region out.
func RemoveColumn(file *fileio.File, blockCount int64, t *Table, idx int, cd *codec.Codec) error {
	shape := codec.BuildRowShape(t.Columns, t.Widths, t.RefCount)
	removed := shape.Columns[idx]

	presenter := func(old []byte) error {
		region := old[removed.Offset : removed.Offset+removed.FLLen]
		if removed.Col.NeedsRefCounting() {
			if err := cd.DropReferences(removed, region, nil); err != nil {
				return err
			}
		}
		if removed.Col.HasOutrowPayload() {
			if err := cd.DeallocateOutrow(removed, region, nil); err != nil {
				return err
			}
		}
		return nil
	}

	var list accommodate.SpotList
	list.Add(accommodate.Spot{Pos: removed.Offset, CLen: -removed.FLLen})

	var presenterArg accommodate.Presenter
	if removed.Col.NeedsRefCounting() || removed.Col.HasOutrowPayload() {
		presenterArg = presenter
	}
	oldN := shape.Total
	if _, err := accommodate.Run(file, oldN, blockCount, list.Spots(), presenterArg); err != nil {
		return err
	}
	t.Columns = append(append([]coltype.Column{}, t.Columns[:idx]...), t.Columns[idx+1:]...)
	stillReferenced := false
	for _, c := range t.Columns {
		if c.NeedsRefCounting() {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		t.RefCount = 0
	}
	return nil
}

// InstallRefCount turns on reference counting for a table that was
// previously unreferenced (spec §3.1 "nobsRefCount ... present iff the
// table is referenced by some column of some table"): it inserts a
// width-byte zero-filled counter field right after the null-info bitmap,
// shifting every column's offset. Every existing row starts at count 0,
// which is correct because nothing could have referenced this table before
// now -- the caller only invokes this the moment the first referencing
// column elsewhere is about to be created.
func InstallRefCount(file *fileio.File, blockCount int64, t *Table, width int) error {
	if t.RefCount != 0 {
		return nil
	}
	shape := codec.BuildRowShape(t.Columns, t.Widths, 0)
	var list accommodate.SpotList
	list.Add(accommodate.Spot{Pos: shape.NBM, CLen: width})
	oldN := shape.Total
	if _, err := accommodate.Run(file, oldN, blockCount, list.Spots(), nil); err != nil {
		return err
	}
	t.RefCount = width
	if t.Layout != nil {
		t.Layout.Set("nobsRefCount", width)
	}
	return nil
}

// RemoveRefCount turns off reference counting (spec §3.1, inverse of
// InstallRefCount). The caller must first confirm every row's counter is
// zero -- RemoveRefCount itself performs no such check, the same division
// of responsibility store.Truncate uses for its own counter-zero scan.
func RemoveRefCount(file *fileio.File, blockCount int64, t *Table) error {
	if t.RefCount == 0 {
		return nil
	}
	shape := codec.BuildRowShape(t.Columns, t.Widths, t.RefCount)
	var list accommodate.SpotList
	list.Add(accommodate.Spot{Pos: shape.NBM, CLen: -t.RefCount})
	oldN := shape.Total
	if _, err := accommodate.Run(file, oldN, blockCount, list.Spots(), nil); err != nil {
		return err
	}
	t.RefCount = 0
	if t.Layout != nil {
		t.Layout.Set("nobsRefCount", 0)
	}
	return nil
}
