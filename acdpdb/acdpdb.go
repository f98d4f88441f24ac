// Package acdpdb implements the Database entity of spec §3.1: a set of
// named tables tied to a layout document, a file-channel provider, the
// Database-owned global scratch buffers, and the read-zone / ACDP-zone
// concurrency discipline of spec §5 ("parallel threads permitted for
// reads; writes are globally serialized per database").
package acdpdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/gbuf"
	"github.com/acdp-go/acdpcore/layout"
	"github.com/acdp-go/acdpcore/refcount"
	"github.com/acdp-go/acdpcore/schema"
	"github.com/acdp-go/acdpcore/store"
	"github.com/acdp-go/acdpcore/unit"
)

// TableDef is the caller-supplied Table Definition (spec §3.1): the ordered
// column sequence and its own reference-row-index width. File paths and the
// VL/refcount widths are not part of a TableDef -- they live in the layout
// document and evolve as outrow/referencing columns are added (spec §6.1).
type TableDef struct {
	Name       string
	Columns    []coltype.Column
	NobsRowRef int
}

// Config is everything Open needs to bring up a Database.
type Config struct {
	// Dir is the directory every relative layout path is resolved against.
	Dir string
	// Tables is the set of tables to open (or create, if their layout
	// entry doesn't exist yet).
	Tables []TableDef
	// WRCipher/ROCipher are the optional encryption capabilities of spec
	// §3.1; nil means crypto.NoCipher{}.
	WRCipher crypto.Cipher
	ROCipher crypto.Cipher
	// GBufCapacity bounds the three Database-owned scratch buffers (spec
	// §5); 0 picks a generous default.
	GBufCapacity int
}

const defaultGBufCapacity = 1 << 20

// defaultNobsOutrowPtr is the VL pointer width installed the first time a
// table's definition includes an outrow column, absent any narrower
// pre-existing layout entry (mirrors defaultNobsRefCount's role for
// reference counters).
const defaultNobsOutrowPtr = 5

// layoutFileName is the on-disk name of the layout document within Dir.
const layoutFileName = "layout.json"

// hasOutrowColumn reports whether any column in cols ever writes to the VL
// file, meaning the table's layout entry needs a vlDataFile/nobsOutrowPtr
// pair from the moment it's first created.
func hasOutrowColumn(cols []coltype.Column) bool {
	for _, c := range cols {
		if c.HasOutrowPayload() {
			return true
		}
	}
	return false
}

// Table is one open table: its definition, its layout entries, and its
// backing Store.
type Table struct {
	def TableDef
	lay *layout.Obj
	flF *fileio.File
	vlF *fileio.File

	Store *store.Store
}

func (t *Table) Name() string { return t.def.Name }

func (t *Table) Columns() []coltype.Column {
	return append([]coltype.Column{}, t.def.Columns...)
}

// schemaView builds the schema.Table view InsertColumn/RemoveColumn/
// InstallRefCount/RemoveRefCount operate on.
func (t *Table) schemaView() *schema.Table {
	return &schema.Table{
		Columns:  append([]coltype.Column{}, t.def.Columns...),
		Widths:   t.widths(),
		RefCount: t.Store.Codec.Widths.NobsRefCount,
		Layout:   t.lay,
	}
}

func (t *Table) widths() codec.Widths { return t.Store.Codec.Widths }

// Database is the top-level entity of spec §3.1. mu implements the
// read-zone (RLock, many concurrent readers) / ACDP-zone (Lock, one
// exclusive writer) discipline of spec §5; every mutating operation in this
// package runs inside an ACDP zone and drives a unit.Unit.
type Database struct {
	dir      string
	provider *fileio.Provider
	gb       *gbuf.Buffers
	wrCipher crypto.Cipher
	roCipher crypto.Cipher

	mu         sync.RWMutex
	tables     map[string]*Table
	layoutPath string
	raw        map[string]map[string]interface{} // persisted layout document, by table name
}

// Open brings up every table named in cfg.Tables, creating a fresh layout
// entry (and an empty FL file) for any table that has none yet (spec §3.3
// "a Store is constructed from a layout + directory").
func Open(ctx context.Context, cfg Config) (*Database, error) {
	gbCap := cfg.GBufCapacity
	if gbCap <= 0 {
		gbCap = defaultGBufCapacity
	}
	wr, ro := cfg.WRCipher, cfg.ROCipher
	if wr == nil {
		wr = crypto.NoCipher{}
	}
	if ro == nil {
		ro = crypto.NoCipher{}
	}

	db := &Database{
		dir:        cfg.Dir,
		provider:   fileio.NewProvider(ctx),
		gb:         gbuf.New(gbCap),
		wrCipher:   wr,
		roCipher:   ro,
		tables:     make(map[string]*Table, len(cfg.Tables)),
		layoutPath: filepath.Join(cfg.Dir, layoutFileName),
	}

	raw, err := db.loadLayoutDoc()
	if err != nil {
		return nil, err
	}
	db.raw = raw

	for _, td := range cfg.Tables {
		entry, ok := raw[td.Name]
		if !ok {
			entry = map[string]interface{}{
				"flDataFile": td.Name + ".fl",
				"nobsRowRef": td.NobsRowRef,
			}
			if hasOutrowColumn(td.Columns) {
				entry["vlDataFile"] = td.Name + ".vl"
				entry["nobsOutrowPtr"] = defaultNobsOutrowPtr
			}
			raw[td.Name] = entry
		}
		t, err := db.openTable(td, layout.New(entry))
		if err != nil {
			return nil, fmt.Errorf("acdpdb: open table %q: %w", td.Name, err)
		}
		db.tables[td.Name] = t
	}

	db.wireResolvers()

	if err := db.persistLayoutDoc(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *Database) loadLayoutDoc() (map[string]map[string]interface{}, error) {
	data, err := os.ReadFile(db.layoutPath)
	if os.IsNotExist(err) {
		return make(map[string]map[string]interface{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("acdpdb: read layout: %w", err)
	}
	doc := make(map[string]map[string]interface{})
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("acdpdb: parse layout: %w", err)
	}
	return doc, nil
}

func (db *Database) persistLayoutDoc() error {
	data, err := json.MarshalIndent(db.raw, "", "  ")
	if err != nil {
		return fmt.Errorf("acdpdb: marshal layout: %w", err)
	}
	return os.WriteFile(db.layoutPath, data, 0644)
}

func (db *Database) openTable(td TableDef, lay *layout.Obj) (*Table, error) {
	sl, err := layout.ParseStoreLayout(lay)
	if err != nil {
		return nil, err
	}
	widths := codec.Widths{NobsRowRef: sl.NobsRowRef, NobsOutrowPtr: sl.NobsOutrowPtr, NobsRefCount: sl.NobsRefCount}
	shape := codec.BuildRowShape(td.Columns, widths, sl.NobsRefCount)
	if shape.Total < 8 {
		// spec §3.1 bullet "n -- total block size, n >= 8": a table whose
		// header+body comes in under 8 bytes needs padding columns added to
		// its definition, not a silently inflated block size -- inflating it
		// here would desynchronize every accommodate.Run call (which always
		// sizes its stride from shape.Total) from the file's real block
		// width.
		return nil, fmt.Errorf("acdpdb: table %q's row shape is %d bytes, below the minimum block size of 8", td.Name, shape.Total)
	}
	blockSize := shape.Total

	flFile, err := db.provider.Open(filepath.Join(db.dir, sl.FLDataFile))
	if err != nil {
		return nil, err
	}
	fl, err := filespace.OpenFL(flFile, int64(blockSize), sl.FirstGap)
	if err != nil {
		return nil, err
	}

	var vl *filespace.VL
	var vlFile *fileio.File
	if sl.VLDataFile != "" {
		vlFile, err = db.provider.Open(filepath.Join(db.dir, sl.VLDataFile))
		if err != nil {
			return nil, err
		}
		vl, err = filespace.OpenVL(vlFile, sl.NobsOutrowPtr)
		if err != nil {
			return nil, err
		}
	}

	var refTable *refcount.Table
	if sl.NobsRefCount > 0 {
		refTable = &refcount.Table{FL: fl, NBM: shape.NBM, NobsRefCount: sl.NobsRefCount}
	}

	cd := &codec.Codec{Widths: widths, Cipher: db.wrCipher, VL: vl}

	return &Table{
		def: td,
		lay: lay,
		flF: flFile,
		vlF: vlFile,
		Store: &store.Store{
			Shape:    shape,
			FL:       fl,
			VL:       vl,
			Codec:    cd,
			RefTable: refTable,
			GB:       db.gb,
		},
	}, nil
}

// dbResolver lets Codec.EncodeColumn/DecodeColumn follow references into
// other tables' RefTable (spec §4.3: "the codec needs a way to reach the
// referenced table's counter without importing store").
type dbResolver struct{ db *Database }

func (r dbResolver) Table(name string) (codec.RefTarget, error) {
	t, ok := r.db.tables[name]
	if !ok {
		return nil, fmt.Errorf("acdpdb: unknown reference table %q", name)
	}
	if t.Store.RefTable == nil {
		return nil, fmt.Errorf("acdpdb: table %q has no reference counter installed", name)
	}
	return t.Store.RefTable, nil
}

// wireResolvers gives every table's Codec a RefResolver once all tables are
// open, since a column's referenced table may be opened after it.
func (db *Database) wireResolvers() {
	r := dbResolver{db: db}
	for _, t := range db.tables {
		t.Store.Codec.Refs = r
	}
}

// Table returns the named open table, or nil if it doesn't exist.
func (db *Database) Table(name string) *Table {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tables[name]
}

// Tables returns every open table's name, in no particular order.
func (db *Database) Tables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.tables))
	for n := range db.tables {
		names = append(names, n)
	}
	return names
}

// ReadZone runs fn holding a shared read lock (spec §5: "read zones
// (shared)"). Concurrent ReadZone calls may overlap; a concurrent Unit call
// blocks until every ReadZone in flight exits, and vice versa.
func (db *Database) ReadZone(fn func(*Database) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fn(db)
}

// Unit runs fn inside an exclusive ACDP zone (spec §5: "ACDP zones / units
// (exclusive writer)"), driving a fresh unit.Unit: fn's writes are recorded
// against it, and Unit commits on success or rolls back on error or a
// broken unit.
func (db *Database) Unit(fn func(u unit.Unit) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u := unit.NewMemUnit()
	if err := fn(u); err != nil {
		if rbErr := u.Rollback(); rbErr != nil {
			return fmt.Errorf("acdpdb: unit failed (%v) and rollback failed: %w", err, rbErr)
		}
		return err
	}
	if u.Broken() {
		if rbErr := u.Rollback(); rbErr != nil {
			return fmt.Errorf("acdpdb: unit broken and rollback failed: %w", rbErr)
		}
		return fmt.Errorf("acdpdb: unit broken, rolled back")
	}
	return u.Commit()
}

// Close shuts down the file-channel provider and closes every table's open
// files (spec §5 "Shutdown signals a file-channel provider to reject
// further I/O").
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.provider.Shutdown()
	var first error
	for _, t := range db.tables {
		if err := t.flF.Close(); err != nil && first == nil {
			first = err
		}
		if t.vlF != nil {
			if err := t.vlF.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
