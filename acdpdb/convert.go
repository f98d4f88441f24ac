package acdpdb

import (
	"fmt"

	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/ro"
)

// ConvertToRO runs the WR->RO pipeline of spec §4.9 over tableNames (in the
// given order) into dst, inside a read zone so no writer can interleave
// (spec §4.9 "conversion runs inside a database read-zone"). nobsRowRefRO
// gives each table's RO-width reference width; a table absent from the map
// keeps its WR width. trailerRecipient, if non-nil, envelopes the trailing
// layout document under age instead of leaving it as bare gzip.
func (db *Database) ConvertToRO(dst *fileio.File, regularBlockSize, nobsBlockSize int, tableNames []string, nobsRowRefRO map[string]int, trailerRecipient *crypto.AgeRecipient) error {
	return db.ReadZone(func(db *Database) error {
		specs := make([]ro.TableSpec, 0, len(tableNames))
		for _, name := range tableNames {
			t, ok := db.tables[name]
			if !ok {
				return fmt.Errorf("acdpdb: unknown table %q", name)
			}
			width := t.Store.Codec.Widths.NobsRowRef
			if w, ok := nobsRowRefRO[name]; ok {
				width = w
			}
			specs = append(specs, ro.TableSpec{
				Name:         name,
				Columns:      t.Columns(),
				Store:        t.Store,
				NobsRowRefRO: width,
				Cipher:       db.roCipher,
			})
		}
		return ro.Convert(dst, specs, regularBlockSize, nobsBlockSize, trailerRecipient)
	})
}
