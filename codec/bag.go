// Package codec implements the L2 Column Codec (object<->bytes) and FL data
// reader of spec §4.3/§4.4: per-column convert/invert with a crypto filter,
// plus a reader that chooses between disjoint-range and whole-block reads.
package codec

import (
	"encoding/binary"

	"github.com/acdp-go/acdpcore/coltype"
)

// putUintWidth/getUintWidth are the same big-endian fixed-width integer
// encoding filespace uses for its own on-disk counters (spec §3.1's
// nobsRowRef/nobsOutrowPtr/nobsRefCount widths); duplicated here rather than
// exported from filespace to keep that package's surface storage-only.
func putUintWidth(b []byte, width int, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	copy(b, tmp[8-width:])
}

func getUintWidth(b []byte, width int) int64 {
	var tmp [8]byte
	copy(tmp[8-width:], b[:width])
	return int64(binary.BigEndian.Uint64(tmp[:]))
}

// Bag is a (byte array, offset) pair, avoiding slicing allocations at every
// call site (spec glossary "Bag"). bag0 (the "old" bag passed to Convert) is
// nil on Insert and non-nil on Update, carrying the previously stored
// column bytes so VL payloads can be reused or deallocated (spec §4.3).
type Bag struct {
	Bytes  []byte
	Offset int
}

func (b Bag) Slice(n int) []byte { return b.Bytes[b.Offset : b.Offset+n] }

// Layout is the per-column derived placement and size information computed
// from a coltype.Column plus the owning store's widths (spec §3.1 bullet 2:
// "per column length is derived from type and store parameters").
type Layout struct {
	Col          coltype.Column
	Offset       int // byte offset of this column's FL region within the row body
	FLLen        int // total FL-region length for this column
	NullBitIndex int // index into the null-info bits, or -1 if it doesn't participate

	LengthLen int // OUTROW ST / OUTROW array: width of the length prefix
	SizeLen   int // arrays: width of the element-count prefix
	ElemLen   int // INROW array elements: fixed per-element width (ST byte width or nobsRowRef)
}

// Widths carries the store-wide derived integer widths needed to size and
// encode column regions (spec §3.1).
type Widths struct {
	NobsRowRef    int
	NobsOutrowPtr int
	NobsRefCount  int
}

// FLLenFor computes a column's FL-region length (spec §3.1 bullet 2) and,
// as a side effect, the length/size prefix widths it implies.
func FLLenFor(c coltype.Column, w Widths) (flLen int, lengthLen int, sizeLen int, elemLen int) {
	switch c.Kind {
	case coltype.KindSimple:
		if c.Scheme == coltype.Outrow {
			lengthLen = valueLengthLen(c)
			return lengthLen + w.NobsOutrowPtr, lengthLen, 0, 0
		}
		if c.Variable {
			// INROW variable ST: a length prefix plus a reserved maximum
			// content region (spec §3.1 "variable flag", left open as to
			// its INROW encoding; this encoding reserves the column's full
			// declared length).
			lengthLen = valueLengthLen(c)
			return lengthLen + fixedValueLen(c), lengthLen, 0, 0
		}
		return fixedValueLen(c), 0, 0, 0

	case coltype.KindReference:
		return w.NobsRowRef, 0, 0, 0

	case coltype.KindArraySimple:
		sizeLen = coltype.NumBytesFor(int64(c.MaxSize))
		if c.Scheme == coltype.Outrow {
			lengthLen = valueLengthLen(c)
			return lengthLen + w.NobsOutrowPtr, lengthLen, sizeLen, 0
		}
		elemLen = fixedValueLen(c)
		nullBitmapBytes := 0
		if c.ElemNullable && c.ElemScheme == coltype.Inrow {
			nullBitmapBytes = (c.MaxSize + 7) / 8
		}
		return sizeLen + nullBitmapBytes + c.MaxSize*elemLen, 0, sizeLen, elemLen

	case coltype.KindArrayReference:
		sizeLen = coltype.NumBytesFor(int64(c.MaxSize))
		if c.Scheme == coltype.Outrow {
			lengthLen = valueLengthLen(c)
			return lengthLen + w.NobsOutrowPtr, lengthLen, sizeLen, 0
		}
		return sizeLen + c.MaxSize*w.NobsRowRef, 0, sizeLen, w.NobsRowRef
	}
	panic("codec: unknown column kind")
}

// RowShape is the derived, whole-row layout of a table: the header bitmap
// size, the reference-counter field width, and each column's placement
// within the row body (spec §3.1 bullets 1-2).
type RowShape struct {
	Bitmap   Bitmap
	NBM      int
	RefCount int // NobsRefCount, 0 if the table is unreferenced
	Body     int // row body length (everything after NBM+RefCount)
	Total    int // NBM + RefCount + Body == the table's block size n
	Columns  []Layout
}

// BuildRowShape lays out a column list into a RowShape, in declaration
// order, assigning null-info bit indices only to the columns that
// participate (spec §3.1 bullet 2, coltype.Column.ParticipatesInNullInfo).
func BuildRowShape(cols []coltype.Column, w Widths, refCountWidth int) RowShape {
	p := 0
	for _, c := range cols {
		if c.ParticipatesInNullInfo() {
			p++
		}
	}
	bm := NewBitmap(p)
	shape := RowShape{Bitmap: bm, NBM: bm.NBM, RefCount: refCountWidth}
	nextNullIdx := 0
	offset := shape.NBM + shape.RefCount // column regions start after the header bitmap and refcount field
	bodyStart := offset
	layouts := make([]Layout, len(cols))
	for i, c := range cols {
		flLen, lengthLen, sizeLen, elemLen := FLLenFor(c, w)
		l := Layout{Col: c, Offset: offset, FLLen: flLen, NullBitIndex: -1, LengthLen: lengthLen, SizeLen: sizeLen, ElemLen: elemLen}
		if c.ParticipatesInNullInfo() {
			l.NullBitIndex = nextNullIdx
			nextNullIdx++
		}
		layouts[i] = l
		offset += flLen
	}
	shape.Columns = layouts
	shape.Body = offset - bodyStart
	shape.Total = offset
	return shape
}

// fixedValueLen is the INROW fixed byte width of a scalar value.
func fixedValueLen(c coltype.Column) int {
	switch c.Value {
	case coltype.VBool:
		return 1
	case coltype.VInt:
		if c.Length > 0 {
			return c.Length
		}
		return 8
	case coltype.VString, coltype.VBytes:
		return c.Length
	}
	panic("codec: unknown value kind")
}

// valueLengthLen is the width of the length prefix for a variable-length
// OUTROW value, sized to the column's declared maximum length.
func valueLengthLen(c coltype.Column) int {
	max := c.Length
	if max <= 0 {
		max = 1 << 24 // generous default cap when no explicit bound is declared
	}
	// strings may be up to 4 bytes/rune (spec control/column comment in the
	// solidcoredata-dca teacher material: "Max byte storage could be 4x this
	// number"), so size the length prefix for the byte count, not the rune
	// count.
	if c.Value == coltype.VString {
		max *= 4
	}
	return coltype.NumBytesFor(int64(max))
}
