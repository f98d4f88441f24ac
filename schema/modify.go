package schema

import (
	"fmt"

	"github.com/acdp-go/acdpcore/accommodate"
	"github.com/acdp-go/acdpcore/codec"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/fileio"
)

// ValueChanger transforms a column's decoded value during a user-driven
// Modify column (spec §4.6's fourth case: "a user-supplied value-changer").
// A nil value means the row is (or becomes) null; ModifyColumn re-checks the
// result against the new column's Nullable flag before re-encoding it.
type ValueChanger func(old interface{}) (interface{}, error)

// ModifyColumn rewrites column idx from its current definition to newCol
// (spec §4.6 Modify column). The four cases the spec splits out --
// nullable-only change, INROW<->OUTROW scheme change, numeric length/array-
// size change, and an arbitrary value-changer -- share the same mechanism
// here: re-encode every row's value at the column's new width (skipped
// entirely when nothing about the value's representation actually changes),
// followed by a null-info bitmap rebuild whenever the column's participation
// in it changes, or a changer may have altered a row's nullness while
// participation stays the same.
func ModifyColumn(file *fileio.File, blockCount int64, t *Table, idx int, newCol coltype.Column, cd *codec.Codec, changer ValueChanger) error {
	oldCol := t.Columns[idx]
	oldShape := codec.BuildRowShape(t.Columns, t.Widths, t.RefCount)
	oldLayout := oldShape.Columns[idx]
	oldN := oldShape.Total

	bodyChanges := oldCol.Kind != newCol.Kind || oldCol.Value != newCol.Value ||
		oldCol.Scheme != newCol.Scheme || oldCol.Length != newCol.Length ||
		oldCol.Variable != newCol.Variable || oldCol.MaxSize != newCol.MaxSize ||
		oldCol.ElemScheme != newCol.ElemScheme || oldCol.ElemNullable != newCol.ElemNullable ||
		changer != nil

	oldParticipates := oldCol.ParticipatesInNullInfo()
	newParticipates := newCol.ParticipatesInNullInfo()
	headerPass := oldParticipates != newParticipates || (changer != nil && newParticipates)

	if oldParticipates && !newParticipates {
		if err := requireAllNonNull(file, oldN, blockCount, oldShape, idx); err != nil {
			return err
		}
	}

	curN := oldN
	var freshNull []bool
	if bodyChanges {
		n, fn, err := rewriteColumnBody(file, curN, blockCount, oldShape, oldLayout, newCol, cd, changer, headerPass)
		if err != nil {
			return err
		}
		curN = n
		freshNull = fn
	}

	t.Columns[idx] = newCol
	if newCol.HasOutrowPayload() && t.Layout != nil && t.Layout.OptionalString("vlDataFile") == "" {
		t.Layout.Set("vlDataFile", t.Layout.OptionalString("flDataFile")+".vl")
		t.Layout.Set("nobsOutrowPtr", t.Widths.NobsOutrowPtr)
	}

	if headerPass {
		if _, err := rebuildHeader(file, curN, blockCount, oldShape, t, idx, freshNull); err != nil {
			return err
		}
	}
	return nil
}

// rewriteColumnBody re-encodes column idx's own FL region at its new width
// (spec §4.6 cases 2-4: scheme change, length/array-size change, and the
// value-changer case). headerPass tells it whether a later header rebuild
// will own writing idx's null bit -- if so, it leaves that bit untouched
// here (a scratch mutation on the Updater's "old" argument never reaches the
// rewritten block's own header bytes, which a preceding spot already copied
// verbatim; see resizeRegion's doc comment for why this can't be one spot).
func rewriteColumnBody(file *fileio.File, oldN int, blockCount int64, oldShape codec.RowShape, oldLayout codec.Layout, newCol coltype.Column, cd *codec.Codec, changer ValueChanger, headerPass bool) (int, []bool, error) {
	newFLLen, newLengthLen, newSizeLen, newElemLen := codec.FLLenFor(newCol, cd.Widths)

	interim := oldLayout
	interim.Col = newCol
	interim.FLLen = newFLLen
	interim.LengthLen = newLengthLen
	interim.SizeLen = newSizeLen
	interim.ElemLen = newElemLen
	if headerPass {
		interim.NullBitIndex = -1
	}

	freshNull := make([]bool, blockCount)
	row := int64(0)
	var convErr error
	convert := accommodate.Updater(func(old []byte, out []byte) {
		defer func() { row++ }()
		if convErr != nil {
			return
		}
		region := old[oldLayout.Offset : oldLayout.Offset+oldLayout.FLLen]
		if old[0]&0x80 != 0 {
			// Gap row: its body content is never read back, but if this
			// column's region overlaps bytes [0,8) (possible whenever nBM is
			// small) those bytes may be part of the free-list chain link, so
			// pass the original bytes through unchanged rather than writing
			// zeros or a (re-)encoded value over them.
			m := len(region)
			if m > len(out) {
				m = len(out)
			}
			copy(out[:m], region[:m])
			for i := m; i < len(out); i++ {
				out[i] = 0
			}
			return
		}
		hdr := old[:oldShape.NBM]
		val, err := cd.DecodeColumn(oldLayout, hdr, oldShape.Bitmap, region)
		if err != nil {
			convErr = fmt.Errorf("schema: decode column %q during modify: %w", oldLayout.Col.Name, err)
			return
		}
		if changer != nil {
			if val, err = changer(val); err != nil {
				convErr = fmt.Errorf("schema: value-changer for column %q: %w", newCol.Name, err)
				return
			}
		}
		if val == nil && !newCol.Nullable {
			convErr = fmt.Errorf("schema: modify column %q: converted value is null but the new type is non-nullable", newCol.Name)
			return
		}
		freshNull[row] = val == nil
		if err := cd.EncodeColumn(interim, hdr, oldShape.Bitmap, out[:newFLLen], region, val, nil); err != nil {
			convErr = fmt.Errorf("schema: encode column %q during modify: %w", newCol.Name, err)
			return
		}
		for i := newFLLen; i < len(out); i++ {
			out[i] = 0
		}
	})

	newN, err := resizeRegion(file, oldN, blockCount, oldLayout.Offset, oldLayout.FLLen, newFLLen, convert)
	if err != nil {
		return 0, nil, err
	}
	if convErr != nil {
		return 0, nil, convErr
	}
	return newN, freshNull, nil
}

// rebuildHeader relocates every null-info bit from its old ordinal position
// (oldShape, the table's column list before idx's change) to its new
// ordinal position (t.Columns, already updated), in one accommodate.Run pass
// over the header region alone (spec §4.6 "expand or contract the null-info
// by one bit and rewrite the bitmap"). idxFreshNull, when non-nil, is idx's
// just-computed null status per row (used whenever a body rewrite ran,
// since that is the only place idx's post-conversion nullness is known).
func rebuildHeader(file *fileio.File, n int, blockCount int64, oldShape codec.RowShape, t *Table, idx int, idxFreshNull []bool) (int, error) {
	newShape := codec.BuildRowShape(t.Columns, t.Widths, t.RefCount)

	row := int64(0)
	var convErr error
	convert := accommodate.Updater(func(old []byte, out []byte) {
		defer func() { row++ }()
		if convErr != nil {
			return
		}
		oldHdr := old[:oldShape.NBM]
		if oldHdr[0]&0x80 != 0 {
			// Gap row: bytes [0,8) are the free-list chain link regardless of
			// nBM (see filespace.FL) and must pass through untouched; old
			// already carries them intact here, whether this is the
			// same-size pass, the post-grow repack (the excentric insert
			// that grew the header protects [0,8) the same way), or the
			// pre-shrink repack still operating on the original block.
			copy(out, old[:len(out)])
			return
		}
		newHdr := make([]byte, newShape.NBM)
		for i, c := range t.Columns {
			if !c.ParticipatesInNullInfo() {
				continue
			}
			newIdx := newShape.Columns[i].NullBitIndex
			var isNull bool
			switch {
			case i == idx && idxFreshNull != nil:
				isNull = idxFreshNull[row]
			case oldShape.Columns[i].Col.ParticipatesInNullInfo():
				isNull = oldShape.Bitmap.NullBit(oldHdr, oldShape.Columns[i].NullBitIndex)
			default:
				isNull = false // newly participating with no fresh value recorded: not null
			}
			newShape.Bitmap.SetNullBit(newHdr, newIdx, isNull)
		}
		copy(out, newHdr)
	})

	newN, err := resizeRegion(file, n, blockCount, 0, oldShape.NBM, newShape.NBM, convert)
	if err != nil {
		return 0, err
	}
	if convErr != nil {
		return 0, convErr
	}
	return newN, nil
}

// requireAllNonNull guards a nullable-narrowing Modify column (spec §4.6
// case 1's contraction direction): every existing row must already be
// non-null before the column's null bit can be dropped from the bitmap.
func requireAllNonNull(file *fileio.File, n int, blockCount int64, shape codec.RowShape, idx int) error {
	l := shape.Columns[idx]
	block := make([]byte, n)
	for i := int64(0); i < blockCount; i++ {
		if _, err := file.ReadAt(block, i*int64(n)); err != nil {
			return err
		}
		if block[0]&0x80 != 0 {
			continue
		}
		if shape.Bitmap.NullBit(block, l.NullBitIndex) {
			return fmt.Errorf("schema: cannot narrow column %q to non-nullable: row %d is null", l.Col.Name, i)
		}
	}
	return nil
}
