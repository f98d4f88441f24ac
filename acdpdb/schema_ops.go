package acdpdb

import (
	"fmt"
	"path/filepath"

	"github.com/acdp-go/acdpcore/accommodate"
	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/refcount"
	"github.com/acdp-go/acdpcore/schema"
)

// defaultNobsRefCount is the width installed on a target table the first
// time some other table's column references it, absent any narrower
// caller-chosen width (spec §3.1 bullet 7: "nobsRefCount in {0} u [1,8]").
const defaultNobsRefCount = 4

// AddColumn appends newCol to tableName's definition (spec §4.6 Insert
// column). If newCol references another table that is not yet referenced
// by anything, that table's reference counter is installed first, since a
// column referencing it must be able to bump a counter that exists (spec
// §3.1 "nobsRefCount present iff the table is referenced by some column of
// some table").
func (db *Database) AddColumn(tableName string, newCol coltype.Column, initial accommodate.Updater) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[tableName]
	if !ok {
		return fmt.Errorf("acdpdb: unknown table %q", tableName)
	}

	if newCol.NeedsRefCounting() {
		target, ok := db.tables[newCol.RefTable]
		if !ok {
			return fmt.Errorf("acdpdb: column %q references unknown table %q", newCol.Name, newCol.RefTable)
		}
		if target.Store.RefTable == nil {
			if err := db.installRefCount(target, defaultNobsRefCount); err != nil {
				return fmt.Errorf("acdpdb: install reference counter on %q: %w", newCol.RefTable, err)
			}
		}
	}

	if newCol.HasOutrowPayload() && t.Store.VL == nil {
		if err := db.installOutrowSupport(t); err != nil {
			return fmt.Errorf("acdpdb: install VL file for %q: %w", tableName, err)
		}
	}

	sv := t.schemaView()
	if err := schema.InsertColumn(t.flF, t.Store.FL.BlockCount(), sv, newCol, initial); err != nil {
		return err
	}
	return db.reopenTable(t, sv)
}

// RemoveColumn drops the column at idx from tableName's definition (spec
// §4.6 Remove column). If the removed column was a reference column,
// maybeDropRefCount then turns the target table's reference counter off
// once no column anywhere in the database references it anymore.
func (db *Database) RemoveColumn(tableName string, idx int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[tableName]
	if !ok {
		return fmt.Errorf("acdpdb: unknown table %q", tableName)
	}
	sv := t.schemaView()
	if idx < 0 || idx >= len(sv.Columns) {
		return fmt.Errorf("acdpdb: column index %d out of range for table %q", idx, tableName)
	}
	removed := sv.Columns[idx]

	if err := schema.RemoveColumn(t.flF, t.Store.FL.BlockCount(), sv, idx, t.Store.Codec); err != nil {
		return err
	}
	if err := db.reopenTable(t, sv); err != nil {
		return err
	}

	if removed.NeedsRefCounting() {
		if err := db.maybeDropRefCount(removed.RefTable); err != nil {
			return err
		}
	}
	return nil
}

// ModifyColumn rewrites the column at idx on tableName to newCol (spec §4.6
// Modify column): a nullable-only change, an INROW<->OUTROW scheme change, a
// numeric length/array-size change, or (when changer is non-nil) an
// arbitrary value transform with a nullability re-check on the result. If
// newCol references another table not yet referenced by anything, that
// table's reference counter is installed first, mirroring AddColumn.
func (db *Database) ModifyColumn(tableName string, idx int, newCol coltype.Column, changer schema.ValueChanger) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[tableName]
	if !ok {
		return fmt.Errorf("acdpdb: unknown table %q", tableName)
	}
	sv := t.schemaView()
	if idx < 0 || idx >= len(sv.Columns) {
		return fmt.Errorf("acdpdb: column index %d out of range for table %q", idx, tableName)
	}
	removed := sv.Columns[idx]

	if newCol.NeedsRefCounting() {
		target, ok := db.tables[newCol.RefTable]
		if !ok {
			return fmt.Errorf("acdpdb: column %q references unknown table %q", newCol.Name, newCol.RefTable)
		}
		if target.Store.RefTable == nil {
			if err := db.installRefCount(target, defaultNobsRefCount); err != nil {
				return fmt.Errorf("acdpdb: install reference counter on %q: %w", newCol.RefTable, err)
			}
		}
	}
	if newCol.HasOutrowPayload() && t.Store.VL == nil {
		if err := db.installOutrowSupport(t); err != nil {
			return fmt.Errorf("acdpdb: install VL file for %q: %w", tableName, err)
		}
	}

	if err := schema.ModifyColumn(t.flF, t.Store.FL.BlockCount(), sv, idx, newCol, t.Store.Codec, changer); err != nil {
		return err
	}
	if err := db.reopenTable(t, sv); err != nil {
		return err
	}

	if removed.NeedsRefCounting() && !newCol.NeedsRefCounting() {
		if err := db.maybeDropRefCount(removed.RefTable); err != nil {
			return err
		}
	}
	return nil
}

// installRefCount turns on target's reference counter in place, outside any
// caller-held table lock (the Database lock already serializes this).
func (db *Database) installRefCount(target *Table, width int) error {
	sv := target.schemaView()
	if err := schema.InstallRefCount(target.flF, target.Store.FL.BlockCount(), sv, width); err != nil {
		return err
	}
	return db.reopenTable(target, sv)
}

// installOutrowSupport opens (creating if necessary) t's VL file and gives
// its codec a pointer width, ahead of InsertColumn appending t's first
// outrow column. schema.InsertColumn persists the resulting vlDataFile/
// nobsOutrowPtr pair into the layout document itself once t.Store.Codec's
// width is in place; this only has to open the file and wire the Store.
func (db *Database) installOutrowSupport(t *Table) error {
	if t.Store.Codec.Widths.NobsOutrowPtr == 0 {
		t.Store.Codec.Widths.NobsOutrowPtr = defaultNobsOutrowPtr
	}
	vlFile, err := db.provider.Open(filepath.Join(db.dir, t.def.Name+".vl"))
	if err != nil {
		return err
	}
	vl, err := filespace.OpenVL(vlFile, t.Store.Codec.Widths.NobsOutrowPtr)
	if err != nil {
		return err
	}
	t.vlF = vlFile
	t.Store.VL = vl
	return nil
}

// maybeDropRefCount turns tableName's reference counter back off if no
// column of any table references it anymore, after first confirming every
// row's counter is already zero (mirrors store.Truncate's own check).
func (db *Database) maybeDropRefCount(tableName string) error {
	target, ok := db.tables[tableName]
	if !ok || target.Store.RefTable == nil {
		return nil
	}
	for _, other := range db.tables {
		for _, c := range other.def.Columns {
			if c.NeedsRefCounting() && c.RefTable == tableName {
				return nil // still referenced
			}
		}
	}
	for idx := int64(0); idx < target.Store.FL.BlockCount(); idx++ {
		isGap, err := target.Store.FL.IsGap(idx)
		if err != nil {
			return err
		}
		if isGap {
			continue
		}
		count, err := target.Store.RefTable.Get(idx + 1)
		if err != nil {
			return err
		}
		if count != 0 {
			return acdperr.DeleteConstraint(tableName, idx+1, count)
		}
	}
	sv := target.schemaView()
	if err := schema.RemoveRefCount(target.flF, target.Store.FL.BlockCount(), sv); err != nil {
		return err
	}
	return db.reopenTable(target, sv)
}

// reopenTable rebuilds t.Store's row shape and refcount view from sv after
// a schema operation has changed the table's on-disk layout, keeping every
// derived field (offsets, widths, the RefTable view) consistent with the
// bytes Accommodate just rewrote.
func (db *Database) reopenTable(t *Table, sv *schema.Table) error {
	t.def.Columns = append([]coltype.Column{}, sv.Columns...)
	shape := codec.BuildRowShape(t.def.Columns, sv.Widths, sv.RefCount)
	if err := t.Store.FL.SetBlockSize(int64(shape.Total)); err != nil {
		return err
	}
	t.Store.Shape = shape
	t.Store.Codec.Widths = sv.Widths
	if sv.RefCount > 0 {
		t.Store.RefTable = &refcount.Table{FL: t.Store.FL, NBM: shape.NBM, NobsRefCount: sv.RefCount}
	} else {
		t.Store.RefTable = nil
	}
	return db.persistLayoutDoc()
}
