package filespace

import (
	"encoding/binary"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/unit"
)

// vlStart is byte offset of the first allocatable VL byte (spec §3.1, §6.3):
// bytes 0..7 hold the cumulative deallocated-bytes counter m.
const vlStart int64 = 8

// EmptyPtr is the sentinel VL pointer meaning "zero-length payload" (spec
// §4.2 "if n == 0 return sentinel pointer 1").
const EmptyPtr int64 = 1

// VL is the VL file space of spec §4.2: append-only allocation, with
// deallocation only ever incrementing the dead-byte counter m. Reclamation
// happens out of band, via compact.VL (spec §4.8).
type VL struct {
	file          *fileio.File
	nobsOutrowPtr int
	m             int64
	pos           int64 // next append offset
}

// OpenVL attaches a VL manager to file, creating the header if the file is
// new (size 0).
func OpenVL(file *fileio.File, nobsOutrowPtr int) (*VL, error) {
	sz, err := file.Size()
	if err != nil {
		return nil, err
	}
	vl := &VL{file: file, nobsOutrowPtr: nobsOutrowPtr}
	if sz == 0 {
		vl.pos = vlStart
		if err := vl.persistM(nil); err != nil {
			return nil, err
		}
		if err := file.Truncate(vlStart); err != nil {
			return nil, err
		}
		return vl, nil
	}
	var hdr [8]byte
	if _, err := file.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	vl.m = int64(binary.BigEndian.Uint64(hdr[:]))
	vl.pos = sz
	return vl, nil
}

func (vl *VL) M() int64             { return vl.m }
func (vl *VL) Size() (int64, error) { return vl.file.Size() }

// PayloadStart is the first byte offset payload bytes can ever occupy
// (spec §4.2, §4.8 VL Compactor: "packed starting at start").
func (vl *VL) PayloadStart() int64 { return vlStart }

// File exposes the backing file so the column codec can read/write payload
// bytes at the offsets Allocate hands out.
func (vl *VL) File() *fileio.File { return vl.file }

// Live returns the current count of live (non-deallocated) payload bytes
// (spec §3.2 invariant 4, §8 property 5).
func (vl *VL) Live() (int64, error) {
	sz, err := vl.file.Size()
	if err != nil {
		return 0, err
	}
	return sz - vlStart - vl.m, nil
}

func (vl *VL) persistM(u unit.Unit) error {
	if u != nil {
		before := make([]byte, 8)
		if _, err := vl.file.ReadAt(before, 0); err != nil && vl.pos > vlStart {
			return err
		}
		if err := u.Record(vl.file, 0, before); err != nil {
			return acdperr.Unit(err)
		}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(vl.m))
	_, err := vl.file.WriteAt(b[:], 0)
	return err
}

// Allocate appends n bytes of new payload space and returns its pointer, or
// EmptyPtr if n == 0 (spec §4.2). The caller writes the actual payload bytes
// at [ptr, ptr+n) itself; Allocate only reserves the range.
func (vl *VL) Allocate(n int64, u unit.Unit) (ptr int64, err error) {
	if n == 0 {
		return EmptyPtr, nil
	}
	max := maxForWidth(vl.nobsOutrowPtr)
	if vl.pos+n > max {
		return 0, acdperr.Capacity("vl-pointer", vl.pos+n, max)
	}
	ptr = vl.pos
	vl.pos += n
	return ptr, nil
}

// Deallocate marks n bytes as dead, adding file to u's force-list (spec
// §4.2: "m += n; add file to unit's force list").
func (vl *VL) Deallocate(n int64, u unit.Unit) error {
	vl.m += n
	if err := vl.persistM(u); err != nil {
		return err
	}
	if u != nil {
		u.Force(vl.file)
	}
	return nil
}

// Reset repositions the append cursor, used by compact.VL after rewriting
// the file to a smaller size.
func (vl *VL) Reset(newSize int64) {
	vl.pos = newSize
}

// CorrectM recomputes m from a known-correct live-byte count, used by
// compact.VL once live intervals have been packed (spec §4.8: "reset m=0"
// is the common case, via CorrectM(size-start)).
func (vl *VL) CorrectM(live int64, u unit.Unit) error {
	sz, err := vl.file.Size()
	if err != nil {
		return err
	}
	vl.m = sz - vlStart - live
	return vl.persistM(u)
}

// ClearAndTruncate drops all payload bytes and resets m to 0 (spec §4.2,
// used by Truncate table operation).
func (vl *VL) ClearAndTruncate() error {
	if err := vl.file.Truncate(vlStart); err != nil {
		return err
	}
	if err := vl.file.Force(); err != nil {
		return err
	}
	vl.m = 0
	vl.pos = vlStart
	return vl.persistM(nil)
}
