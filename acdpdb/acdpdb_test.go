package acdpdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/acdp-go/acdpcore/accommodate"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/store"
	"github.com/acdp-go/acdpcore/unit"
)

func openTestDB(t *testing.T, tables []TableDef) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), Config{Dir: dir, Tables: tables})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func intCol(name string) coltype.Column {
	return coltype.Simple(name, coltype.VInt, coltype.Inrow, 8, false, false)
}

func TestOpenCreatesTablesAndLayoutFile(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), Config{
		Dir:    dir,
		Tables: []TableDef{{Name: "items", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "layout.json")); err != nil {
		t.Fatalf("layout.json not written: %v", err)
	}
	names := db.Tables()
	if len(names) != 1 || names[0] != "items" {
		t.Fatalf("Tables() = %v, want [items]", names)
	}
	tbl := db.Table("items")
	if tbl == nil {
		t.Fatal("Table(\"items\") = nil")
	}
	if len(tbl.Columns()) != 1 || tbl.Columns()[0].Name != "n" {
		t.Fatalf("Columns() = %+v", tbl.Columns())
	}
}

func TestTableReturnsNilForUnknownName(t *testing.T) {
	db := openTestDB(t, []TableDef{{Name: "items", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4}})
	if db.Table("nope") != nil {
		t.Fatal("Table(\"nope\") should be nil")
	}
}

func TestDataPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, Tables: []TableDef{{Name: "items", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4}}}

	db1, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open (1st): %v", err)
	}
	var ref store.Ref
	err = db1.Unit(func(u unit.Unit) error {
		r, err := db1.Table("items").Store.Insert([]interface{}{int64(777)}, u)
		ref = r
		return err
	})
	if err != nil {
		t.Fatalf("Unit (insert): %v", err)
	}
	db1.Close()

	db2, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open (2nd): %v", err)
	}
	defer db2.Close()
	got, err := db2.Table("items").Store.Read(ref, []int{0})
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if got[0].(int64) != 777 {
		t.Fatalf("Read after reopen = %v, want 777", got[0])
	}
}

func TestUnitRollsBackOnError(t *testing.T) {
	db := openTestDB(t, []TableDef{{Name: "items", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4}})
	var ref store.Ref
	if err := db.Unit(func(u unit.Unit) error {
		r, err := db.Table("items").Store.Insert([]interface{}{int64(1)}, u)
		ref = r
		return err
	}); err != nil {
		t.Fatalf("Unit (insert): %v", err)
	}

	wantErr := errors.New("boom")
	err := db.Unit(func(u unit.Unit) error {
		if uErr := db.Table("items").Store.Update(ref, []store.ColumnValue{{Index: 0, Value: int64(999)}}, u); uErr != nil {
			return uErr
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Unit error = %v, want %v", err, wantErr)
	}

	got, err := db.Table("items").Store.Read(ref, []int{0})
	if err != nil {
		t.Fatalf("Read after rollback: %v", err)
	}
	if got[0].(int64) != 1 {
		t.Fatalf("Read after rollback = %v, want 1 (the pre-update value)", got[0])
	}
}

func TestAddColumnInstallsRefCountOnTarget(t *testing.T) {
	db := openTestDB(t, []TableDef{
		{Name: "target", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4},
		{Name: "source", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4},
	})
	target := db.Table("target")
	if target.Store.RefTable != nil {
		t.Fatal("target should have no reference counter before AddColumn")
	}

	refCol := coltype.Reference("t", "target")
	zeroInit := accommodate.Updater(func(old, out []byte) {})
	if err := db.AddColumn("source", refCol, zeroInit); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	target = db.Table("target")
	if target.Store.RefTable == nil {
		t.Fatal("target should have a reference counter installed after AddColumn")
	}
	source := db.Table("source")
	if len(source.Columns()) != 2 || source.Columns()[1].Name != "t" {
		t.Fatalf("source columns = %+v", source.Columns())
	}
}

func TestRemoveColumnDropsRefCountWhenLastReferenceGone(t *testing.T) {
	db := openTestDB(t, []TableDef{
		{Name: "target", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4},
		{Name: "source", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4},
	})
	refCol := coltype.Reference("t", "target")
	zeroInit := accommodate.Updater(func(old, out []byte) {})
	if err := db.AddColumn("source", refCol, zeroInit); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	if err := db.RemoveColumn("source", 1); err != nil {
		t.Fatalf("RemoveColumn: %v", err)
	}
	target := db.Table("target")
	if target.Store.RefTable != nil {
		t.Fatal("target's reference counter should be dropped once nothing references it")
	}
}

func TestOpenWiresVLForInitialOutrowColumn(t *testing.T) {
	strCol := coltype.Simple("s", coltype.VString, coltype.Outrow, 0, true, true)
	db := openTestDB(t, []TableDef{{Name: "docs", Columns: []coltype.Column{strCol}, NobsRowRef: 4}})
	docs := db.Table("docs")
	if docs.Store.VL == nil {
		t.Fatal("Store.VL should be wired from Open when the initial columns include an outrow one")
	}
	var ref store.Ref
	err := db.Unit(func(u unit.Unit) error {
		r, err := docs.Store.Insert([]interface{}{"a value long enough to not matter"}, u)
		ref = r
		return err
	})
	if err != nil {
		t.Fatalf("Insert into outrow column: %v", err)
	}
	got, err := docs.Store.Read(ref, []int{0})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0].(string) != "a value long enough to not matter" {
		t.Fatalf("Read = %v", got[0])
	}
}

func TestAddColumnInstallsVLForOutrowColumn(t *testing.T) {
	db := openTestDB(t, []TableDef{{Name: "docs", Columns: []coltype.Column{intCol("n")}, NobsRowRef: 4}})
	docs := db.Table("docs")
	if docs.Store.VL != nil {
		t.Fatal("docs should have no VL file before any outrow column exists")
	}
	strCol := coltype.Simple("s", coltype.VString, coltype.Outrow, 0, true, true)
	zeroInit := accommodate.Updater(func(old, out []byte) {})
	if err := db.AddColumn("docs", strCol, zeroInit); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	docs = db.Table("docs")
	if docs.Store.VL == nil {
		t.Fatal("docs should have a VL file wired after adding an outrow column")
	}
	var ref store.Ref
	err := db.Unit(func(u unit.Unit) error {
		r, err := docs.Store.Insert([]interface{}{int64(1), "hello there"}, u)
		ref = r
		return err
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := docs.Store.Read(ref, []int{1})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0].(string) != "hello there" {
		t.Fatalf("Read = %v", got[0])
	}
}
