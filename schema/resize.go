package schema

import (
	"github.com/acdp-go/acdpcore/accommodate"
	"github.com/acdp-go/acdpcore/fileio"
)

// resizeRegion rewrites the byte range [pos, pos+oldLen) of every block to a
// newLen-byte region produced by convert, in whichever of accommodate's
// three paths the direction of the change calls for. A single Spot cannot
// express "consume oldLen old bytes, write newLen new bytes" when
// oldLen != newLen -- accommodate.Run sizes the whole file purely from the
// sum of Spot.CLen, so any Updater whose output width doesn't match CLen
// desyncs that arithmetic (spec §4.5's Spot is an insert/contract/update-in-
// place primitive, not a resize-with-content primitive). resizeRegion
// composes two such primitives instead:
//
//   - same width: one CLen==0 update-in-place spot.
//   - growing: pass 1 zero-fills the extra capacity right after the field
//     (a pure excentric insert, no Updater); pass 2 re-writes the field
//     in place at its new width, with convert reading the original bytes
//     (still untouched at [pos,pos+oldLen), since pass 1 only appended
//     zeros after them).
//   - shrinking: pass 1 re-writes the field in place, at its *old* width,
//     with convert packing the new newLen-byte value into the leading
//     bytes of its oldLen-byte output and zero-padding the rest (which is
//     about to be chopped); pass 2 then contracts the trailing bytes away
//     (a pure concentric contraction, already gap-chain-safe).
//
// convert always receives the whole not-yet-rewritten block, so it can read
// [pos,pos+oldLen) regardless of which pass is currently running.
func resizeRegion(file *fileio.File, oldN int, blockCount int64, pos, oldLen, newLen int, convert accommodate.Updater) (int, error) {
	delta := newLen - oldLen
	switch {
	case delta == 0:
		var list accommodate.SpotList
		list.Add(accommodate.Spot{Pos: pos, CLen: 0, Updater: convert, UpdLen: newLen})
		return accommodate.Run(file, oldN, blockCount, list.Spots(), nil)

	case delta > 0:
		var grow accommodate.SpotList
		grow.Add(accommodate.Spot{Pos: pos + oldLen, CLen: delta})
		midN, err := accommodate.Run(file, oldN, blockCount, grow.Spots(), nil)
		if err != nil {
			return 0, err
		}
		var repack accommodate.SpotList
		repack.Add(accommodate.Spot{Pos: pos, CLen: 0, Updater: convert, UpdLen: newLen})
		return accommodate.Run(file, midN, blockCount, repack.Spots(), nil)

	default:
		var repack accommodate.SpotList
		repack.Add(accommodate.Spot{Pos: pos, CLen: 0, Updater: convert, UpdLen: oldLen})
		if _, err := accommodate.Run(file, oldN, blockCount, repack.Spots(), nil); err != nil {
			return 0, err
		}
		var shrink accommodate.SpotList
		shrink.Add(accommodate.Spot{Pos: pos + newLen, CLen: delta})
		return accommodate.Run(file, oldN, blockCount, shrink.Spots(), nil)
	}
}
