package filespace

import (
	"math"
	"sort"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/unit"
)

const (
	gapBit    byte  = 0x80
	noGap     int64 = -1
	chainLink       = 7 // bytes [1,8) of any block encode the next-gap index (uint56)
)

// FL is the FL file space of spec §4.1: a fixed-size-block allocator
// threading its free list through the high bit + first 8 bytes of gap
// blocks. Block 0 begins at file offset 0 (spec §6.2).
type FL struct {
	file       *fileio.File
	n          int64 // block size, n >= 8
	blockCount int64
	gapCount   int64
	firstGap   int64 // -1 (noGap) if empty; persisted by the caller (layout.lt_firstGap)
}

// OpenFL attaches an FL manager to file, whose current size must be a
// multiple of n. firstGap is the previously-persisted chain head (-1 if the
// store was just created or has no gaps); OpenFL rebuilds the gap count by
// walking the chain.
func OpenFL(file *fileio.File, n int64, firstGap int64) (*FL, error) {
	if n < 8 {
		panic("filespace: FL block size must be >= 8")
	}
	sz, err := file.Size()
	if err != nil {
		return nil, err
	}
	fl := &FL{file: file, n: n, blockCount: sz / n, firstGap: firstGap}
	gaps, err := fl.Gaps()
	if err != nil {
		return nil, err
	}
	fl.gapCount = int64(len(gaps))
	return fl, nil
}

func (fl *FL) BlockSize() int64   { return fl.n }

// SetBlockSize updates the cached block size after a schema operation
// (accommodate.Run) has rewritten every block of the backing file to a new
// width n, recomputing the block count from the file's current size. Used
// by acdpdb's schema orchestration; FL itself never changes its own block
// size.
func (fl *FL) SetBlockSize(n int64) error {
	sz, err := fl.file.Size()
	if err != nil {
		return err
	}
	fl.n = n
	fl.blockCount = sz / n
	return nil
}
func (fl *FL) BlockCount() int64  { return fl.blockCount }
func (fl *FL) GapCount() int64    { return fl.gapCount }
func (fl *FL) FirstGap() int64    { return fl.firstGap }

// File exposes the backing file for the codec's FL Data Reader.
func (fl *FL) File() *fileio.File { return fl.file }

// IsGap reports whether the block at index is currently a row gap, by
// reading its tag byte directly (spec §3.1 bullet 1, §3.2 invariant 3).
func (fl *FL) IsGap(index int64) (bool, error) {
	isGap, _, err := fl.readGapHeader(fl.IndexToPos(index))
	return isGap, err
}

func (fl *FL) IndexToPos(i int64) int64 { return i * fl.n }
func (fl *FL) PosToIndex(p int64) int64 { return p / fl.n }

func (fl *FL) readGapHeader(pos int64) (isGap bool, next int64, err error) {
	var hdr [8]byte
	if _, err = fl.file.ReadAt(hdr[:], pos); err != nil {
		return false, 0, err
	}
	isGap = hdr[0]&gapBit != 0
	if !isGap {
		return false, 0, nil
	}
	next = getUintWidth(hdr[1:8], chainLink)
	if next == (int64(1)<<(8*chainLink))-1 {
		next = noGap
	}
	return true, next, nil
}

func (fl *FL) writeGapHeader(pos int64, next int64, u unit.Unit) error {
	if u != nil {
		before := make([]byte, 8)
		if _, err := fl.file.ReadAt(before, pos); err != nil {
			return err
		}
		if err := u.Record(fl.file, pos, before); err != nil {
			return acdperr.Unit(err)
		}
	}
	var hdr [8]byte
	hdr[0] = gapBit
	link := next
	if link == noGap {
		link = (int64(1) << (8 * chainLink)) - 1
	}
	putUintWidth(hdr[1:8], chainLink, link)
	_, err := fl.file.WriteAt(hdr[:], pos)
	return err
}

// Allocate returns the file position of a newly usable block: the head of
// the gap chain if non-empty, else a freshly appended block (spec §4.1).
func (fl *FL) Allocate(u unit.Unit) (pos int64, err error) {
	if fl.firstGap == noGap {
		pos = fl.IndexToPos(fl.blockCount)
		if err := fl.file.Truncate(pos + fl.n); err != nil {
			return 0, err
		}
		fl.blockCount++
		return pos, nil
	}

	idx := fl.firstGap
	pos = fl.IndexToPos(idx)
	isGap, next, err := fl.readGapHeader(pos)
	if err != nil {
		return 0, err
	}
	if !isGap {
		return 0, acdperr.Integrity("gap-duality", "chain head is not tagged as a gap")
	}
	if u != nil {
		before := make([]byte, fl.n)
		if _, err := fl.file.ReadAt(before, pos); err != nil {
			return 0, err
		}
		if err := u.Record(fl.file, pos, before); err != nil {
			return 0, acdperr.Unit(err)
		}
	}
	fl.firstGap = next
	fl.gapCount--
	return pos, nil
}

// Free pushes block index onto the gap chain (spec §4.1).
func (fl *FL) Free(index int64, u unit.Unit) error {
	pos := fl.IndexToPos(index)
	if err := fl.writeGapHeader(pos, fl.firstGap, u); err != nil {
		return err
	}
	fl.firstGap = index
	fl.gapCount++
	return nil
}

// Gaps walks the chain and returns every gap index in ascending order (spec
// §4.1). Restricted to int32 count, as the original.
func (fl *FL) Gaps() ([]int64, error) {
	var gaps []int64
	idx := fl.firstGap
	seen := make(map[int64]bool)
	for idx != noGap {
		if seen[idx] {
			return nil, acdperr.Integrity("gap-duality", "cyclic gap chain detected")
		}
		seen[idx] = true
		if len(gaps) > math.MaxInt32 {
			return nil, acdperr.Restriction("too-many-gaps")
		}
		gaps = append(gaps, idx)
		isGap, next, err := fl.readGapHeader(fl.IndexToPos(idx))
		if err != nil {
			return nil, err
		}
		if !isGap {
			return nil, acdperr.Integrity("gap-duality", "chained block is not tagged as a gap")
		}
		idx = next
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps, nil
}

// RebuildChainOfGaps scans every block's first byte and re-threads the
// chain from scratch, independent of whatever chain currently exists (spec
// §4.1 "rebuildChainOfGaps").
func (fl *FL) RebuildChainOfGaps() error {
	var idxs []int64
	var b [1]byte
	for i := int64(0); i < fl.blockCount; i++ {
		if _, err := fl.file.ReadAt(b[:], fl.IndexToPos(i)); err != nil {
			return err
		}
		if b[0]&gapBit != 0 {
			idxs = append(idxs, i)
		}
	}
	for k, idx := range idxs {
		next := noGap
		if k+1 < len(idxs) {
			next = idxs[k+1]
		}
		if err := fl.writeGapHeader(fl.IndexToPos(idx), next, nil); err != nil {
			return err
		}
	}
	fl.gapCount = int64(len(idxs))
	if len(idxs) > 0 {
		fl.firstGap = idxs[0]
	} else {
		fl.firstGap = noGap
	}
	return nil
}

// ClearAndTruncate drops every block and truncates the file to empty (spec
// §4.1, used by Truncate table operation).
func (fl *FL) ClearAndTruncate() error {
	if err := fl.file.Truncate(0); err != nil {
		return err
	}
	if err := fl.file.Force(); err != nil {
		return err
	}
	fl.blockCount = 0
	fl.gapCount = 0
	fl.firstGap = noGap
	return nil
}
