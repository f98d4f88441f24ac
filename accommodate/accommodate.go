// Package accommodate implements FL File Accommodation (spec §4.5): the one
// mechanism behind every schema-level rewrite (column insert/remove/modify).
// A rewrite is described as a strictly-ascending list of Spots plus an
// optional Presenter, then carried out by one of three paths chosen for
// efficiency. Spot/Presenter are modeled as the Design Notes direct: sum
// types rather than a class hierarchy of "updater"/"presenter" objects.
package accommodate

import (
	"github.com/google/renameio"

	"github.com/acdp-go/acdpcore/fileio"
)

// Updater produces len(out) bytes of new content at a spot's position, given
// the block's old bytes (spec §4.5 "updater").
type Updater func(oldBlock []byte, out []byte)

// Spot is one rewrite point within a block, in the strictly-ascending
// position order Accommodate requires.
type Spot struct {
	Pos     int     // position within the block
	CLen    int     // <0 contract |CLen| bytes, >0 insert CLen zero bytes, 0 update-only
	Updater Updater // optional; nil means "no new content to write here"
	UpdLen  int      // length Updater writes, when CLen == 0 or CLen < UpdLen
}

// Presenter is called read-only with each old (non-gap) block before the
// rewrite, for side effects like decrementing reference counts or
// deallocating VL regions (spec §4.5).
type Presenter func(oldBlock []byte) error

// SpotList accumulates spots in strictly ascending Pos order.
type SpotList struct {
	spots []Spot
}

// Add appends s, panicking if s.Pos does not strictly exceed the previous
// spot's position (spec §9 Design Notes: "builder ... enforces strict
// ascending pos").
func (l *SpotList) Add(s Spot) {
	if len(l.spots) > 0 && s.Pos <= l.spots[len(l.spots)-1].Pos {
		panic("accommodate: spots must be added in strictly ascending position order")
	}
	l.spots = append(l.spots, s)
}

func (l *SpotList) Spots() []Spot { return l.spots }

// netDelta is the net per-block size change across all spots.
func (l *SpotList) netDelta() int {
	d := 0
	for _, s := range l.spots {
		d += s.CLen
	}
	return d
}

const (
	gapBit    byte  = 0x80
	gapCut    int   = 8 // gap blocks are cut at offset 8, per spec §4.5 path 1
)

// Run rewrites every block of file (whose current size is blockCount*oldN)
// according to spots and presenter, dispatching to whichever of the three
// specialized paths applies (spec §4.5). newN is the resulting block size.
func Run(file *fileio.File, oldN int, blockCount int64, spots []Spot, presenter Presenter) (newN int, err error) {
	delta := 0
	for _, s := range spots {
		delta += s.CLen
	}
	newN = oldN + delta

	switch {
	case presenter == nil && len(spots) == 1 && spots[0].CLen < 0:
		return newN, runConcentricSingle(file, oldN, blockCount, spots[0])
	case presenter == nil && len(spots) == 1 && spots[0].CLen > 0:
		return newN, runExcentricSingle(file, oldN, newN, blockCount, spots[0])
	default:
		return newN, runGeneral(file, oldN, newN, blockCount, spots, presenter)
	}
}

// runConcentricSingle implements path 1: a single contraction, rewritten in
// place by shifting bytes left within each block, then truncating the file.
// Gap blocks are cut at offset 8 so the chain-of-gaps link survives.
func runConcentricSingle(file *fileio.File, oldN int, blockCount int64, spot Spot) error {
	cut := -spot.CLen
	block := make([]byte, oldN)
	for i := int64(0); i < blockCount; i++ {
		pos := i * int64(oldN)
		if _, err := file.ReadAt(block, pos); err != nil {
			return err
		}
		newBlock := block
		if block[0]&gapBit != 0 {
			// gap blocks: keep bytes [0,8) untouched (the chain link), only
			// shrink beyond that if the cut point is past offset 8.
			if spot.Pos >= gapCut {
				newBlock = shiftLeft(block, spot.Pos, cut)
			}
		} else {
			newBlock = shiftLeft(block, spot.Pos, cut)
		}
		if _, err := file.WriteAt(newBlock[:oldN-cut], pos-int64(i)*int64(cut)); err != nil {
			return err
		}
	}
	return file.Truncate(int64(blockCount) * int64(oldN-cut))
}

func shiftLeft(block []byte, pos int, cut int) []byte {
	out := make([]byte, len(block))
	copy(out, block[:pos])
	copy(out[pos:], block[pos+cut:])
	return out
}

// runExcentricSingle implements path 2: a single insertion, rewritten via a
// side-copy file that interleaves zero bytes at spot.Pos, then atomically
// replaces the original. No excess capacity is tracked: every block grows
// by spot.CLen, and an insertion is never absorbed into existing padding.
func runExcentricSingle(file *fileio.File, oldN, newN int, blockCount int64, spot Spot) error {
	t, err := renameio.TempFile("", file.Path())
	if err != nil {
		return err
	}
	defer t.Cleanup()

	block := make([]byte, oldN)
	newBlock := make([]byte, newN)
	for i := int64(0); i < blockCount; i++ {
		if _, err := file.ReadAt(block, i*int64(oldN)); err != nil {
			return err
		}
		pos := spot.Pos
		if block[0]&gapBit != 0 && pos < gapCut {
			// gap blocks thread their free-list link through bytes [0,8)
			// regardless of nBM (see filespace.FL); inserting within that
			// range would shift the link, so the new capacity goes in right
			// after it instead, mirroring runConcentricSingle's gapCut rule.
			pos = gapCut
		}
		copy(newBlock[:pos], block[:pos])
		for k := pos; k < pos+spot.CLen; k++ {
			newBlock[k] = 0
		}
		if spot.Updater != nil {
			spot.Updater(block, newBlock[pos:pos+spot.UpdLen])
		}
		copy(newBlock[pos+spot.CLen:], block[pos:])
		if _, err := t.Write(newBlock); err != nil {
			return err
		}
	}
	return t.CloseAtomicallyReplace()
}

// runGeneral implements path 3: the fully general rewrite via a buffered
// side file, atomically replacing the original with renameio (spec §4.5:
// "the side file atomically replaces the original").
func runGeneral(file *fileio.File, oldN, newN int, blockCount int64, spots []Spot, presenter Presenter) error {
	t, err := renameio.TempFile("", file.Path())
	if err != nil {
		return err
	}
	defer t.Cleanup()

	block := make([]byte, oldN)
	out := make([]byte, newN)
	for i := int64(0); i < blockCount; i++ {
		if _, err := file.ReadAt(block, i*int64(oldN)); err != nil {
			return err
		}
		isGap := block[0]&gapBit != 0
		if !isGap && presenter != nil {
			if err := presenter(block); err != nil {
				return err
			}
		}
		if err := rewriteBlock(block, out, spots, isGap); err != nil {
			return err
		}
		if _, err := t.Write(out); err != nil {
			return err
		}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return nil
}

// rewriteBlock applies spots to one block: copy the gap between consecutive
// spots verbatim, then at each spot either contract, insert, or (CLen==0)
// update in place.
func rewriteBlock(old []byte, out []byte, spots []Spot, isGap bool) error {
	readPos, writePos := 0, 0
	for _, s := range spots {
		if s.Pos > readPos {
			n := s.Pos - readPos
			copy(out[writePos:writePos+n], old[readPos:readPos+n])
			writePos += n
			readPos += n
		}
		switch {
		case s.CLen < 0:
			// contraction: skip |CLen| old bytes; an updater (if any) still
			// writes the (shorter) replacement content.
			if s.Updater != nil {
				s.Updater(old, out[writePos:writePos+s.UpdLen])
				writePos += s.UpdLen
			}
			readPos += -s.CLen
		case s.CLen > 0:
			// insertion: write UpdLen bytes of new content (if any), then
			// zero-fill the remaining inserted bytes; old bytes are
			// untouched and continue to be read from readPos onward.
			n := 0
			if s.Updater != nil {
				s.Updater(old, out[writePos:writePos+s.UpdLen])
				n = s.UpdLen
			}
			for k := n; k < s.CLen; k++ {
				out[writePos+k] = 0
			}
			writePos += s.CLen
		default:
			if s.Updater != nil {
				s.Updater(old, out[writePos:writePos+s.UpdLen])
				writePos += s.UpdLen
				readPos += s.UpdLen
			}
		}
	}
	if writePos < len(out) {
		n := len(out) - writePos
		copy(out[writePos:], old[readPos:readPos+n])
	}
	if isGap {
		out[0] |= gapBit
	}
	return nil
}
