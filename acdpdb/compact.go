package acdpdb

import (
	"fmt"

	"github.com/acdp-go/acdpcore/compact"
	"github.com/acdp-go/acdpcore/unit"
)

// Compact runs the offline VL and FL compactors of spec §4.8 over every
// open table: first every table's VL file is packed (dead payload bytes
// reclaimed), then every table's gaps are collected so FL compaction can
// rewrite references across tables before packing gap blocks out. Per spec
// §4.5/§4.8, the file-space state may be briefly inconsistent mid-pass; the
// caller is expected to run this with no concurrent ReadZone/Unit access
// (the exported entry point takes the Database's exclusive lock for the
// whole pass, same as Unit).
func (db *Database) Compact(u unit.Unit) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, t := range db.tables {
		if err := compact.VL(t.Store, u); err != nil {
			return fmt.Errorf("acdpdb: compact VL of %q: %w", name, err)
		}
	}

	gaps := make(map[string][]int64, len(db.tables))
	for name, t := range db.tables {
		g, err := t.Store.FL.Gaps()
		if err != nil {
			return fmt.Errorf("acdpdb: gather gaps of %q: %w", name, err)
		}
		gaps[name] = g
	}

	for name, t := range db.tables {
		if err := compact.FL(name, t.Store, gaps, u); err != nil {
			return fmt.Errorf("acdpdb: compact FL of %q: %w", name, err)
		}
	}
	return nil
}
