// Package compact implements the offline VL and FL compactors of spec §4.8:
// VL compaction packs live outrow payloads to the front of the VL file and
// rewrites every row's pointer; FL compaction packs out gap blocks and
// rewrites every RT/A[RT] reference through adjustRowIndex.
package compact

import (
	"sort"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/store"
	"github.com/acdp-go/acdpcore/unit"
)

// mergedInterval is a packed-layout interval: the original (possibly
// merged) live range, and the cumulative byte offset it maps to once
// packed from vlStart.
type mergedInterval struct {
	Interval
	newBase int64
}

// VL compacts s's VL file: every outrow column's live payload is identified
// by scanning every non-gap row, merged into packing intervals, copied to
// its new packed position, and every row's pointer is rewritten (spec §4.8
// VL Compactor).
func VL(s *store.Store, u unit.Unit) error {
	if s.VL == nil {
		return nil
	}
	outrowCols := outrowColumns(s.Shape.Columns)
	if len(outrowCols) == 0 {
		return nil
	}

	t := newIntervalTreap()
	buf := make([]byte, s.Shape.Total)
	for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
		isGap, err := s.FL.IsGap(idx)
		if err != nil {
			return err
		}
		if isGap {
			continue
		}
		if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(idx)); err != nil {
			return err
		}
		for _, l := range outrowCols {
			ptr, length := readOutrowPtr(buf, l, s.Codec.Widths.NobsOutrowPtr)
			if length > 0 {
				if err := t.Insert(ptr, length); err != nil {
					return err
				}
			}
		}
	}

	live := t.Intervals()
	if err := CheckNoOverlap(live); err != nil {
		return err
	}
	start := s.VL.PayloadStart()
	merged := make([]mergedInterval, len(live))
	cursor := start
	for i, iv := range live {
		merged[i] = mergedInterval{Interval: iv, newBase: cursor}
		cursor += iv.Length
	}

	// Copy live bytes down to their packed position, low to high (safe
	// because newBase <= Ptr always, so a later interval's old range never
	// overlaps an earlier interval's not-yet-written new range).
	for _, m := range merged {
		if m.Ptr == m.newBase {
			continue
		}
		chunk := make([]byte, m.Length)
		if _, err := s.VL.File().ReadAt(chunk, m.Ptr); err != nil {
			return err
		}
		if _, err := s.VL.File().WriteAt(chunk, m.newBase); err != nil {
			return err
		}
	}

	remap := func(ptr, length int64) int64 {
		if length == 0 {
			return filespace.EmptyPtr
		}
		i := sort.Search(len(merged), func(i int) bool { return merged[i].Ptr+merged[i].Length > ptr })
		m := merged[i]
		return m.newBase + (ptr - m.Ptr)
	}

	for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
		isGap, err := s.FL.IsGap(idx)
		if err != nil {
			return err
		}
		if isGap {
			continue
		}
		pos := s.FL.IndexToPos(idx)
		if _, err := s.FL.File().ReadAt(buf, pos); err != nil {
			return err
		}
		changed := false
		for _, l := range outrowCols {
			ptr, length := readOutrowPtr(buf, l, s.Codec.Widths.NobsOutrowPtr)
			if length == 0 {
				continue
			}
			newPtr := remap(ptr, length)
			if newPtr != ptr {
				writeOutrowPtr(buf, l, s.Codec.Widths.NobsOutrowPtr, newPtr)
				changed = true
			}
		}
		if changed {
			if _, err := s.FL.File().WriteAt(buf, pos); err != nil {
				return err
			}
		}
	}

	if err := s.VL.File().Truncate(cursor); err != nil {
		return err
	}
	s.VL.Reset(cursor)
	return s.VL.CorrectM(cursor-start, u)
}

func outrowColumns(cols []codec.Layout) []codec.Layout {
	var out []codec.Layout
	for _, l := range cols {
		if l.Col.HasOutrowPayload() {
			out = append(out, l)
		}
	}
	return out
}

func readOutrowPtr(buf []byte, l codec.Layout, nobsOutrowPtr int) (ptr, length int64) {
	region := buf[l.Offset : l.Offset+l.FLLen]
	length = getUintWidth(region[:l.LengthLen], l.LengthLen)
	ptr = getUintWidth(region[l.LengthLen:], nobsOutrowPtr)
	return
}

func writeOutrowPtr(buf []byte, l codec.Layout, nobsOutrowPtr int, ptr int64) {
	region := buf[l.Offset : l.Offset+l.FLLen]
	putUintWidth(region[l.LengthLen:], nobsOutrowPtr, ptr)
}

// AdjustRowIndex maps an old 1-based row index to its new index after gaps
// (sorted ascending, 0-based block indices) are packed out (spec §4.8 FL
// Compactor: "i - (count of gaps strictly less than i)").
func AdjustRowIndex(row int64, gaps []int64) int64 {
	if row == 0 {
		return 0
	}
	idx := row - 1
	n := sort.Search(len(gaps), func(i int) bool { return gaps[i] >= idx })
	return row - int64(n)
}

// FL packs out every gap block of s, after first rewriting every RT/A[RT]
// reference of s that points into a table whose gaps are being packed out
// (gaps maps table name -> its sorted gap indices, across the whole
// database), through AdjustRowIndex, then rebuilds the gap chain (spec §4.8
// FL Compactor).
func FL(tableName string, s *store.Store, gaps map[string][]int64, u unit.Unit) error {
	myGaps := gaps[tableName]
	if len(myGaps) == 0 {
		return rewriteReferences(s, gaps, u)
	}
	if err := rewriteReferences(s, gaps, u); err != nil {
		return err
	}

	n := s.Shape.Total
	total := s.FL.BlockCount()
	gapSet := make(map[int64]bool, len(myGaps))
	for _, g := range myGaps {
		gapSet[g] = true
	}
	write := int64(0)
	buf := make([]byte, n)
	for read := int64(0); read < total; read++ {
		if gapSet[read] {
			continue
		}
		if read != write {
			if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(read)); err != nil {
				return err
			}
			if _, err := s.FL.File().WriteAt(buf, s.FL.IndexToPos(write)); err != nil {
				return err
			}
		}
		write++
	}
	if err := s.FL.File().Truncate(write * int64(n)); err != nil {
		return err
	}
	if err := s.FL.SetBlockSize(int64(n)); err != nil {
		return err
	}
	return s.FL.RebuildChainOfGaps()
}

// rewriteReferences rewrites every RT/A[RT] column of s whose RefTable has
// gaps being packed out, via AdjustRowIndex (spec §4.8: "Rewrite every
// reference ... in every table").
func rewriteReferences(s *store.Store, gaps map[string][]int64, u unit.Unit) error {
	needsRewrite := false
	for _, l := range s.Shape.Columns {
		if l.Col.NeedsRefCounting() && len(gaps[l.Col.RefTable]) > 0 {
			needsRewrite = true
			break
		}
	}
	if !needsRewrite {
		return nil
	}
	buf := make([]byte, s.Shape.Total)
	for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
		isGap, err := s.FL.IsGap(idx)
		if err != nil {
			return err
		}
		if isGap {
			continue
		}
		pos := s.FL.IndexToPos(idx)
		if _, err := s.FL.File().ReadAt(buf, pos); err != nil {
			return err
		}
		changed := false
		for _, l := range s.Shape.Columns {
			if !l.Col.NeedsRefCounting() {
				continue
			}
			g := gaps[l.Col.RefTable]
			if len(g) == 0 {
				continue
			}
			region := buf[l.Offset : l.Offset+l.FLLen]
			if l.Col.Kind == coltype.KindReference {
				row := getUintWidth(region, l.FLLen)
				if row != 0 {
					putUintWidth(region, l.FLLen, AdjustRowIndex(row, g))
					changed = true
				}
				continue
			}
			if l.Col.Scheme == coltype.Outrow {
				// the VL blob's length and the FL region's pointer to it are
				// both unchanged by renumbering; only the blob's own bytes
				// are rewritten in place, so buf/changed is untouched here.
				if err := rewriteOutrowArrayReferences(s, region, l, g); err != nil {
					return err
				}
				continue
			}
			count := int(getUintWidth(region[:l.SizeLen], l.SizeLen))
			off := l.SizeLen
			for i := 0; i < count; i++ {
				elem := region[off+i*l.ElemLen : off+(i+1)*l.ElemLen]
				row := getUintWidth(elem, l.ElemLen)
				if row != 0 {
					putUintWidth(elem, l.ElemLen, AdjustRowIndex(row, g))
					changed = true
				}
			}
		}
		if changed {
			if _, err := s.FL.File().WriteAt(buf, pos); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteOutrowArrayReferences renumbers the row-index elements stored in an
// OUTROW A[RT] column's VL-resident blob (spec §4.8: every reference, INROW
// or OUTROW, must survive gap packing). This mirrors the INROW case above --
// a direct renumbering of stored row indices, never the full EncodeColumn
// path, since going through EncodeColumn would run applyRefDeltasOutrow's
// reference-count bookkeeping (decrement-old/increment-new) over what is
// really the same logical references just sliding to new row numbers, not a
// change in which rows are referenced (see ro/converter.go's encodeROArray,
// which renumbers RO-format blobs the same direct way for the same reason).
func rewriteOutrowArrayReferences(s *store.Store, region []byte, l codec.Layout, gaps []int64) error {
	n := getUintWidth(region[:l.LengthLen], l.LengthLen)
	if n == 0 {
		return nil
	}
	ptr := getUintWidth(region[l.LengthLen:], s.Codec.Widths.NobsOutrowPtr)
	buf := make([]byte, n)
	if _, err := s.VL.File().ReadAt(buf, ptr); err != nil {
		return err
	}
	cipher := s.Codec.Cipher
	if cipher == nil {
		cipher = crypto.NoCipher{}
	}
	dec, err := cipher.Decrypt(buf)
	if err != nil {
		return acdperr.Crypto("decrypt-array", err)
	}
	count := int(getUintWidth(dec[:l.SizeLen], l.SizeLen))
	width := s.Codec.Widths.NobsRowRef
	off := l.SizeLen
	changed := false
	for i := 0; i < count; i++ {
		elem := dec[off+i*width : off+(i+1)*width]
		row := getUintWidth(elem, width)
		if row != 0 {
			putUintWidth(elem, width, AdjustRowIndex(row, gaps))
			changed = true
		}
	}
	if !changed {
		return nil
	}
	enc, err := cipher.Encrypt(dec)
	if err != nil {
		return acdperr.Crypto("encrypt-array", err)
	}
	_, err = s.VL.File().WriteAt(enc, ptr)
	return err
}

func putUintWidth(b []byte, width int, v int64) {
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUintWidth(b []byte, width int) int64 {
	var v int64
	for i := 0; i < width; i++ {
		v = (v << 8) | int64(b[i]&0xff)
	}
	return v
}
