// Package unit defines the IUnit contract consumed by the engine (spec
// §3.1, §5): a transaction-like scope that records before-images of byte
// ranges so crash recovery can undo a partial write, and that accumulates a
// force-list of files to fsync before the unit is considered committed.
//
// The ACDP journal's own public API is out of scope (spec §1); this package
// only defines the interface the storage engine drives, plus a reference
// in-process implementation usable for tests and for callers that don't
// need crash recovery across process restarts.
package unit

import (
	"fmt"
	"sync"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/fileio"
)

// Unit is the journal contract the engine drives. Before every mutating
// write, the engine calls Record with the bytes about to be overwritten;
// before the unit is considered durable, the engine calls Commit, which must
// fsync every file added via Force.
type Unit interface {
	// Record saves before as the pre-image of the byte range [pos, pos+len(before))
	// in file. Must be called before the corresponding write is issued.
	Record(file *fileio.File, pos int64, before []byte) error

	// Force marks file as needing an fsync before Commit returns.
	Force(file *fileio.File)

	// Commit fsyncs every forced file and releases the before-images.
	Commit() error

	// Rollback undoes every recorded write, in reverse order, using the
	// saved before-images. Called after a broken unit (Record/Commit error).
	Rollback() error

	// Broken reports whether a prior Record/Commit failure means Rollback
	// must be attempted and no further writes should be issued.
	Broken() bool
}

// beforeImage is one recorded byte range.
type beforeImage struct {
	file   *fileio.File
	pos    int64
	before []byte
}

// MemUnit is a reference Unit implementation that keeps before-images in
// memory for the lifetime of one mutating call. It is sufficient for single
// process use without crash recovery, and is what the test suite uses.
type MemUnit struct {
	mu      sync.Mutex
	images  []beforeImage
	forced  map[*fileio.File]bool
	broken  bool
	brokenErr error
}

func NewMemUnit() *MemUnit {
	return &MemUnit{forced: make(map[*fileio.File]bool)}
}

func (u *MemUnit) Record(file *fileio.File, pos int64, before []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken {
		return acdperr.Unit(u.brokenErr)
	}
	cp := make([]byte, len(before))
	copy(cp, before)
	u.images = append(u.images, beforeImage{file: file, pos: pos, before: cp})
	return nil
}

func (u *MemUnit) Force(file *fileio.File) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.forced[file] = true
}

func (u *MemUnit) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.broken {
		return acdperr.Unit(u.brokenErr)
	}
	for f := range u.forced {
		if err := f.Force(); err != nil {
			u.broken = true
			u.brokenErr = err
			return acdperr.Unit(err)
		}
	}
	u.images = u.images[:0]
	u.forced = make(map[*fileio.File]bool)
	return nil
}

func (u *MemUnit) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.images) - 1; i >= 0; i-- {
		im := u.images[i]
		if _, err := im.file.WriteAt(im.before, im.pos); err != nil {
			return fmt.Errorf("unit: rollback write at %d: %w", im.pos, err)
		}
	}
	u.images = u.images[:0]
	u.broken = false
	u.brokenErr = nil
	return nil
}

func (u *MemUnit) Broken() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.broken
}
