package codec

import (
	"fmt"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/filespace"
	"github.com/acdp-go/acdpcore/unit"
)

// RefTarget is the slice of a referenced table the codec needs in order to
// validate and maintain reference counts (spec §3 L3, §4.3 RT/A[RT] case).
// It is satisfied by *refcount.Table (acdpdb's resolver hands out each
// table's counter); codec never imports store, to avoid a cycle.
type RefTarget interface {
	RowExists(row int64) (bool, error)
	AdjustRefCount(row int64, delta int64, u unit.Unit) error
}

// RefResolver looks up a RefTarget by the RefTable name carried on an RT or
// A[RT] column.
type RefResolver interface {
	Table(name string) (RefTarget, error)
}

// Codec converts between Go values and the on-disk FL byte region for one
// column, applying the store's cipher and VL file space as needed (spec
// §4.3 Column Codec).
type Codec struct {
	Widths Widths
	Cipher crypto.Cipher
	Refs   RefResolver
	VL     *filespace.VL // nil if the table has no OUTROW columns
}

func (cd *Codec) cipher() crypto.Cipher {
	if cd.Cipher == nil {
		return crypto.NoCipher{}
	}
	return cd.Cipher
}

// EncodeColumn writes value into dst (len(dst) == l.FLLen), updating the
// null bit, VL payload, and reference counts as needed. old is the
// previously stored FL region for this column (nil on Insert). u is the
// enclosing unit, for before-image recording of any VL header touched.
func (cd *Codec) EncodeColumn(l Layout, hdr []byte, bm Bitmap, dst []byte, old []byte, value interface{}, u unit.Unit) error {
	c := l.Col
	switch c.Kind {
	case coltype.KindSimple:
		return cd.encodeSimple(l, hdr, bm, dst, old, value, u)
	case coltype.KindReference:
		return cd.encodeReference(l, hdr, bm, dst, old, value, u)
	case coltype.KindArraySimple:
		return cd.encodeArraySimple(l, hdr, bm, dst, old, value, u)
	case coltype.KindArrayReference:
		return cd.encodeArrayReference(l, hdr, bm, dst, old, value, u)
	}
	return fmt.Errorf("codec: unknown column kind for %q", c.Name)
}

// DecodeColumn is EncodeColumn's inverse: it reconstructs the Go value from
// the column's FL region (and VL payload, for OUTROW columns).
func (cd *Codec) DecodeColumn(l Layout, hdr []byte, bm Bitmap, region []byte) (interface{}, error) {
	c := l.Col
	switch c.Kind {
	case coltype.KindSimple:
		return cd.decodeSimple(l, hdr, bm, region)
	case coltype.KindReference:
		return cd.decodeReference(region), nil
	case coltype.KindArraySimple:
		return cd.decodeArraySimple(l, hdr, bm, region)
	case coltype.KindArrayReference:
		if c.Scheme == coltype.Outrow {
			return cd.decodeOutrowArray(l, region, nil)
		}
		return cd.decodeArrayReference(l, region)
	}
	return nil, fmt.Errorf("codec: unknown column kind for %q", c.Name)
}

// -- Simple Type ----------------------------------------------------------

func (cd *Codec) encodeSimple(l Layout, hdr []byte, bm Bitmap, dst []byte, old []byte, value interface{}, u unit.Unit) error {
	c := l.Col
	isNull := value == nil
	if c.Scheme == coltype.Outrow {
		return cd.encodeOutrowScalar(l, dst, old, value, isNull, u)
	}
	if isNull {
		if !c.Nullable {
			return fmt.Errorf("codec: column %q is not nullable", c.Name)
		}
		bm.SetNullBit(hdr, l.NullBitIndex, true)
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	if c.ParticipatesInNullInfo() {
		bm.SetNullBit(hdr, l.NullBitIndex, false)
	}
	if c.Variable {
		raw, err := encodeVariable(c, value)
		if err != nil {
			return err
		}
		maxLen := l.FLLen - l.LengthLen
		if len(raw) > maxLen {
			return acdperr.Capacity("column-value-length:"+c.Name, int64(len(raw)), int64(maxLen))
		}
		putUintWidth(dst[:l.LengthLen], l.LengthLen, int64(len(raw)))
		enc, err := cd.cipher().Encrypt(padTo(raw, maxLen))
		if err != nil {
			return acdperr.Crypto("encrypt:"+c.Name, err)
		}
		copy(dst[l.LengthLen:], enc)
		return nil
	}
	fixed, err := encodeFixed(c, value, l.FLLen)
	if err != nil {
		return err
	}
	enc, err := cd.cipher().Encrypt(fixed)
	if err != nil {
		return acdperr.Crypto("encrypt:"+c.Name, err)
	}
	copy(dst, enc)
	return nil
}

func padTo(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (cd *Codec) decodeSimple(l Layout, hdr []byte, bm Bitmap, region []byte) (interface{}, error) {
	c := l.Col
	if c.Scheme == coltype.Outrow {
		return cd.decodeOutrowScalar(l, region)
	}
	if c.ParticipatesInNullInfo() && bm.NullBit(hdr, l.NullBitIndex) {
		return nil, nil
	}
	if c.Variable {
		n := getUintWidth(region[:l.LengthLen], l.LengthLen)
		dec, err := cd.cipher().Decrypt(region[l.LengthLen:])
		if err != nil {
			return nil, acdperr.Crypto("decrypt:"+c.Name, err)
		}
		return decodeVariable(c, dec[:n])
	}
	dec, err := cd.cipher().Decrypt(region)
	if err != nil {
		return nil, acdperr.Crypto("decrypt:"+c.Name, err)
	}
	return decodeFixed(c, dec)
}

// encodeOutrowScalar implements the OUTROW ST case of spec §4.3: the FL
// region holds a byte-length and a VL pointer; the payload itself lives in
// the VL file, reused in place when the new value is no larger than the old
// one and freshly allocated (with the old range deallocated) otherwise.
func (cd *Codec) encodeOutrowScalar(l Layout, dst []byte, old []byte, value interface{}, isNull bool, u unit.Unit) error {
	c := l.Col
	var oldLen int64
	var oldPtr int64 = filespace.EmptyPtr
	if old != nil {
		oldLen = getUintWidth(old[:l.LengthLen], l.LengthLen)
		oldPtr = getUintWidth(old[l.LengthLen:], cd.Widths.NobsOutrowPtr)
	}
	if isNull {
		if !c.Nullable {
			return fmt.Errorf("codec: column %q is not nullable", c.Name)
		}
		if oldLen > 0 {
			if err := cd.VL.Deallocate(oldLen, u); err != nil {
				return err
			}
		}
		putUintWidth(dst[:l.LengthLen], l.LengthLen, 0)
		putUintWidth(dst[l.LengthLen:], cd.Widths.NobsOutrowPtr, filespace.EmptyPtr)
		return nil
	}
	raw, err := encodeVariable(c, value)
	if err != nil {
		return err
	}
	enc, err := cd.cipher().Encrypt(raw)
	if err != nil {
		return acdperr.Crypto("encrypt:"+c.Name, err)
	}
	n := int64(len(enc))
	var ptr int64
	if old != nil && n <= oldLen && oldLen > 0 {
		ptr = oldPtr
		if n < oldLen {
			// shrinking: reuse the head of the old range, deallocate the tail.
			if err := cd.VL.Deallocate(oldLen-n, u); err != nil {
				return err
			}
		}
	} else {
		ptr, err = cd.VL.Allocate(n, u)
		if err != nil {
			return err
		}
		if old != nil && oldLen > 0 {
			if err := cd.VL.Deallocate(oldLen, u); err != nil {
				return err
			}
		}
	}
	if n > 0 {
		if _, err := cd.vlFile().WriteAt(enc, ptr); err != nil {
			return err
		}
	}
	putUintWidth(dst[:l.LengthLen], l.LengthLen, n)
	putUintWidth(dst[l.LengthLen:], cd.Widths.NobsOutrowPtr, ptr)
	return nil
}

func (cd *Codec) vlFile() *fileio.File {
	return cd.VL.File()
}

func (cd *Codec) decodeOutrowScalar(l Layout, region []byte) (interface{}, error) {
	c := l.Col
	n := getUintWidth(region[:l.LengthLen], l.LengthLen)
	ptr := getUintWidth(region[l.LengthLen:], cd.Widths.NobsOutrowPtr)
	if n == 0 {
		if c.Nullable {
			return nil, nil
		}
		return decodeVariable(c, nil)
	}
	buf := make([]byte, n)
	if _, err := cd.vlFile().ReadAt(buf, ptr); err != nil {
		return nil, err
	}
	dec, err := cd.cipher().Decrypt(buf)
	if err != nil {
		return nil, acdperr.Crypto("decrypt:"+c.Name, err)
	}
	return decodeVariable(c, dec)
}

// -- Reference Type ---------------------------------------------------------

func (cd *Codec) encodeReference(l Layout, hdr []byte, bm Bitmap, dst []byte, old []byte, value interface{}, u unit.Unit) error {
	c := l.Col
	var newRow int64
	if value != nil {
		r, ok := toInt64(value)
		if !ok {
			return fmt.Errorf("codec: column %q wants a row index, got %T", c.Name, value)
		}
		newRow = r
	}
	var oldRow int64
	if old != nil {
		oldRow = getUintWidth(old, l.FLLen)
	}
	if newRow == oldRow {
		putUintWidth(dst, l.FLLen, newRow)
		return nil
	}
	target, err := cd.target(c.RefTable)
	if err != nil {
		return err
	}
	if newRow != 0 {
		live, err := target.RowExists(newRow)
		if err != nil {
			return err
		}
		if !live {
			return acdperr.IllegalReference(c.RefTable, newRow, "target row is not live")
		}
		if err := target.AdjustRefCount(newRow, 1, u); err != nil {
			return err
		}
	}
	if oldRow != 0 {
		if err := target.AdjustRefCount(oldRow, -1, u); err != nil {
			return err
		}
	}
	putUintWidth(dst, l.FLLen, newRow)
	return nil
}

func (cd *Codec) decodeReference(region []byte) interface{} {
	row := getUintWidth(region, len(region))
	if row == 0 {
		return nil
	}
	return row
}

func (cd *Codec) target(refTable string) (RefTarget, error) {
	if cd.Refs == nil {
		return nil, fmt.Errorf("codec: no RefResolver configured for reference column targeting %q", refTable)
	}
	return cd.Refs.Table(refTable)
}

// -- Array of Simple Type ---------------------------------------------------

func (cd *Codec) encodeArraySimple(l Layout, hdr []byte, bm Bitmap, dst []byte, old []byte, value interface{}, u unit.Unit) error {
	c := l.Col
	if c.Scheme == coltype.Outrow {
		return cd.encodeOutrowArray(l, dst, old, value, u, cd.packArraySimpleElems)
	}
	elems, isNull, err := asElementSlice(c, value)
	if err != nil {
		return err
	}
	if isNull {
		if !c.Nullable {
			return fmt.Errorf("codec: column %q is not nullable", c.Name)
		}
		bm.SetNullBit(hdr, l.NullBitIndex, true)
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	if c.ParticipatesInNullInfo() {
		bm.SetNullBit(hdr, l.NullBitIndex, false)
	}
	if len(elems) > c.MaxSize {
		return acdperr.Capacity("array-size:"+c.Name, int64(len(elems)), int64(c.MaxSize))
	}
	putUintWidth(dst[:l.SizeLen], l.SizeLen, int64(len(elems)))
	off := l.SizeLen
	nullBitmapBytes := 0
	if c.ElemNullable {
		nullBitmapBytes = (c.MaxSize + 7) / 8
		for i := range dst[off : off+nullBitmapBytes] {
			dst[off+i] = 0
		}
	}
	elemArea := dst[off+nullBitmapBytes:]
	for i, e := range elems {
		start := i * l.ElemLen
		if e == nil {
			if !c.ElemNullable {
				return fmt.Errorf("codec: column %q elements are not nullable", c.Name)
			}
			setArrayNullBit(dst[off:off+nullBitmapBytes], i, true)
			continue
		}
		fixed, err := encodeFixed(coltype.Column{Name: c.Name, Value: c.Value, Length: c.Length}, e, l.ElemLen)
		if err != nil {
			return err
		}
		enc, err := cd.cipher().Encrypt(fixed)
		if err != nil {
			return acdperr.Crypto("encrypt:"+c.Name, err)
		}
		copy(elemArea[start:start+l.ElemLen], enc)
	}
	return nil
}

func setArrayNullBit(bitmap []byte, i int, v bool) {
	byteIdx, bit := i/8, byte(0x80>>uint(i%8))
	if v {
		bitmap[byteIdx] |= bit
	} else {
		bitmap[byteIdx] &^= bit
	}
}

func getArrayNullBit(bitmap []byte, i int) bool {
	byteIdx, bit := i/8, byte(0x80>>uint(i%8))
	return bitmap[byteIdx]&bit != 0
}

func (cd *Codec) decodeArraySimple(l Layout, hdr []byte, bm Bitmap, region []byte) (interface{}, error) {
	c := l.Col
	if c.Scheme == coltype.Outrow {
		return cd.decodeOutrowArray(l, region, cd.unpackArraySimpleElems)
	}
	if c.ParticipatesInNullInfo() && bm.NullBit(hdr, l.NullBitIndex) {
		return nil, nil
	}
	n := int(getUintWidth(region[:l.SizeLen], l.SizeLen))
	off := l.SizeLen
	nullBitmapBytes := 0
	if c.ElemNullable {
		nullBitmapBytes = (c.MaxSize + 7) / 8
	}
	elemArea := region[off+nullBitmapBytes:]
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		if c.ElemNullable && getArrayNullBit(region[off:off+nullBitmapBytes], i) {
			out[i] = nil
			continue
		}
		start := i * l.ElemLen
		dec, err := cd.cipher().Decrypt(elemArea[start : start+l.ElemLen])
		if err != nil {
			return nil, acdperr.Crypto("decrypt:"+c.Name, err)
		}
		v, err := decodeFixed(coltype.Column{Name: c.Name, Value: c.Value, Length: c.Length}, dec)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// packArraySimpleElems/unpackArraySimpleElems serialize an A[ST] array to a
// flat byte blob for OUTROW storage: size prefix, optional null bitmap, then
// fixed-width elements -- the same shape as the INROW layout, just written
// to the VL file instead of the FL row (spec §4.3 "OUTROW array" case).
func (cd *Codec) packArraySimpleElems(c coltype.Column, elems []interface{}) ([]byte, error) {
	elemLen := fixedValueLen(c)
	nullBitmapBytes := 0
	if c.ElemNullable {
		nullBitmapBytes = (len(elems) + 7) / 8
	}
	buf := make([]byte, nullBitmapBytes+len(elems)*elemLen)
	for i, e := range elems {
		start := nullBitmapBytes + i*elemLen
		if e == nil {
			setArrayNullBit(buf[:nullBitmapBytes], i, true)
			continue
		}
		fixed, err := encodeFixed(c, e, elemLen)
		if err != nil {
			return nil, err
		}
		copy(buf[start:start+elemLen], fixed)
	}
	return buf, nil
}

func (cd *Codec) unpackArraySimpleElems(c coltype.Column, n int, buf []byte) ([]interface{}, error) {
	elemLen := fixedValueLen(c)
	nullBitmapBytes := 0
	if c.ElemNullable {
		nullBitmapBytes = (n + 7) / 8
	}
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		if c.ElemNullable && getArrayNullBit(buf[:nullBitmapBytes], i) {
			continue
		}
		start := nullBitmapBytes + i*elemLen
		v, err := decodeFixed(c, buf[start:start+elemLen])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// -- Array of Reference Type -------------------------------------------------

func (cd *Codec) encodeArrayReference(l Layout, hdr []byte, bm Bitmap, dst []byte, old []byte, value interface{}, u unit.Unit) error {
	c := l.Col
	if c.Scheme == coltype.Outrow {
		return cd.encodeOutrowArray(l, dst, old, value, u, nil)
	}
	elems, isNull, err := asElementSlice(c, value)
	if err != nil {
		return err
	}
	if isNull {
		if !c.Nullable {
			return fmt.Errorf("codec: column %q is not nullable", c.Name)
		}
		bm.SetNullBit(hdr, l.NullBitIndex, true)
		for i := range dst {
			dst[i] = 0
		}
		return cd.applyRefDeltas(c, old, l, nil, u)
	}
	if c.ParticipatesInNullInfo() {
		bm.SetNullBit(hdr, l.NullBitIndex, false)
	}
	if len(elems) > c.MaxSize {
		return acdperr.Capacity("array-size:"+c.Name, int64(len(elems)), int64(c.MaxSize))
	}
	putUintWidth(dst[:l.SizeLen], l.SizeLen, int64(len(elems)))
	rows := make([]int64, len(elems))
	off := l.SizeLen
	for i, e := range elems {
		var row int64
		if e != nil {
			r, ok := toInt64(e)
			if !ok {
				return fmt.Errorf("codec: column %q elements want a row index, got %T", c.Name, e)
			}
			row = r
		}
		rows[i] = row
		putUintWidth(dst[off+i*l.ElemLen:off+(i+1)*l.ElemLen], l.ElemLen, row)
	}
	return cd.applyRefDeltas(c, old, l, rows, u)
}

// applyRefDeltas reconciles old[] vs new[] target rows for an A[RT] column,
// incrementing newly-referenced rows and decrementing dropped ones (spec §3
// L3: "batched deltas for array-of-reference columns").
func (cd *Codec) applyRefDeltas(c coltype.Column, old []byte, l Layout, newRows []int64, u unit.Unit) error {
	oldRows := cd.decodeOldArrayRefRows(old, l)
	delta := map[int64]int64{}
	for _, r := range oldRows {
		if r != 0 {
			delta[r]--
		}
	}
	for _, r := range newRows {
		if r != 0 {
			delta[r]++
		}
	}
	if len(delta) == 0 {
		return nil
	}
	target, err := cd.target(c.RefTable)
	if err != nil {
		return err
	}
	for row, d := range delta {
		if d == 0 {
			continue
		}
		if d > 0 {
			live, err := target.RowExists(row)
			if err != nil {
				return err
			}
			if !live {
				return acdperr.IllegalReference(c.RefTable, row, "target row is not live")
			}
		}
		if err := target.AdjustRefCount(row, d, u); err != nil {
			return err
		}
	}
	return nil
}

func (cd *Codec) decodeOldArrayRefRows(old []byte, l Layout) []int64 {
	if old == nil {
		return nil
	}
	n := int(getUintWidth(old[:l.SizeLen], l.SizeLen))
	off := l.SizeLen
	rows := make([]int64, n)
	for i := 0; i < n; i++ {
		rows[i] = getUintWidth(old[off+i*l.ElemLen:off+(i+1)*l.ElemLen], l.ElemLen)
	}
	return rows
}

func (cd *Codec) decodeArrayReference(l Layout, region []byte) (interface{}, error) {
	n := int(getUintWidth(region[:l.SizeLen], l.SizeLen))
	off := l.SizeLen
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		row := getUintWidth(region[off+i*l.ElemLen:off+(i+1)*l.ElemLen], l.ElemLen)
		if row == 0 {
			out[i] = nil
		} else {
			out[i] = row
		}
	}
	return out, nil
}

// -- OUTROW array plumbing shared by A[ST] and A[RT] -------------------------

func (cd *Codec) encodeOutrowArray(l Layout, dst []byte, old []byte, value interface{}, u unit.Unit, pack func(coltype.Column, []interface{}) ([]byte, error)) error {
	c := l.Col
	elems, isNull, err := asElementSlice(c, value)
	if err != nil {
		return err
	}
	if c.Kind == coltype.KindArrayReference {
		var rows []int64
		if !isNull {
			rows = make([]int64, len(elems))
			for i, e := range elems {
				if e == nil {
					continue
				}
				r, ok := toInt64(e)
				if !ok {
					return fmt.Errorf("codec: column %q elements want a row index, got %T", c.Name, e)
				}
				rows[i] = r
			}
		}
		if err := cd.applyRefDeltasOutrow(c, l, old, rows, u); err != nil {
			return err
		}
	}
	if isNull {
		return cd.encodeOutrowBlob(l, dst, old, nil, c.Nullable, u)
	}
	if len(elems) > c.MaxSize {
		return acdperr.Capacity("array-size:"+c.Name, int64(len(elems)), int64(c.MaxSize))
	}
	var raw []byte
	if c.Kind == coltype.KindArrayReference {
		raw = make([]byte, 0, len(elems)*cd.Widths.NobsRowRef)
		width := cd.Widths.NobsRowRef
		for _, e := range elems {
			var row int64
			if e != nil {
				row, _ = toInt64(e)
			}
			b := make([]byte, width)
			putUintWidth(b, width, row)
			raw = append(raw, b...)
		}
		sizePrefix := make([]byte, l.SizeLen)
		putUintWidth(sizePrefix, l.SizeLen, int64(len(elems)))
		raw = append(sizePrefix, raw...)
	} else {
		body, err := pack(c, elems)
		if err != nil {
			return err
		}
		sizePrefix := make([]byte, l.SizeLen)
		putUintWidth(sizePrefix, l.SizeLen, int64(len(elems)))
		raw = append(sizePrefix, body...)
	}
	return cd.encodeOutrowBlob(l, dst, old, raw, c.Nullable, u)
}

// encodeOutrowBlob is encodeOutrowScalar's payload-agnostic core, reused by
// OUTROW array columns whose VL payload is a pre-serialized blob rather than
// a scalar value.
func (cd *Codec) encodeOutrowBlob(l Layout, dst []byte, old []byte, raw []byte, nullable bool, u unit.Unit) error {
	var oldLen int64
	var oldPtr int64 = filespace.EmptyPtr
	if old != nil {
		oldLen = getUintWidth(old[:l.LengthLen], l.LengthLen)
		oldPtr = getUintWidth(old[l.LengthLen:], cd.Widths.NobsOutrowPtr)
	}
	if raw == nil {
		if !nullable {
			return fmt.Errorf("codec: column not nullable")
		}
		if oldLen > 0 {
			if err := cd.VL.Deallocate(oldLen, u); err != nil {
				return err
			}
		}
		putUintWidth(dst[:l.LengthLen], l.LengthLen, 0)
		putUintWidth(dst[l.LengthLen:], cd.Widths.NobsOutrowPtr, filespace.EmptyPtr)
		return nil
	}
	enc, err := cd.cipher().Encrypt(raw)
	if err != nil {
		return acdperr.Crypto("encrypt-array", err)
	}
	n := int64(len(enc))
	var ptr int64
	if old != nil && n <= oldLen && oldLen > 0 {
		ptr = oldPtr
		if n < oldLen {
			if err := cd.VL.Deallocate(oldLen-n, u); err != nil {
				return err
			}
		}
	} else {
		ptr, err = cd.VL.Allocate(n, u)
		if err != nil {
			return err
		}
		if old != nil && oldLen > 0 {
			if err := cd.VL.Deallocate(oldLen, u); err != nil {
				return err
			}
		}
	}
	if n > 0 {
		if _, err := cd.vlFile().WriteAt(enc, ptr); err != nil {
			return err
		}
	}
	putUintWidth(dst[:l.LengthLen], l.LengthLen, n)
	putUintWidth(dst[l.LengthLen:], cd.Widths.NobsOutrowPtr, ptr)
	return nil
}

func (cd *Codec) decodeOutrowArray(l Layout, region []byte, unpack func(coltype.Column, int, []byte) ([]interface{}, error)) (interface{}, error) {
	c := l.Col
	n := getUintWidth(region[:l.LengthLen], l.LengthLen)
	ptr := getUintWidth(region[l.LengthLen:], cd.Widths.NobsOutrowPtr)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := cd.vlFile().ReadAt(buf, ptr); err != nil {
		return nil, err
	}
	dec, err := cd.cipher().Decrypt(buf)
	if err != nil {
		return nil, acdperr.Crypto("decrypt-array", err)
	}
	count := int(getUintWidth(dec[:l.SizeLen], l.SizeLen))
	if c.Kind == coltype.KindArrayReference {
		width := cd.Widths.NobsRowRef
		out := make([]interface{}, count)
		off := l.SizeLen
		for i := 0; i < count; i++ {
			row := getUintWidth(dec[off+i*width:off+(i+1)*width], width)
			if row == 0 {
				out[i] = nil
			} else {
				out[i] = row
			}
		}
		return out, nil
	}
	return unpack(c, count, dec[l.SizeLen:])
}

func (cd *Codec) applyRefDeltasOutrow(c coltype.Column, l Layout, old []byte, newRows []int64, u unit.Unit) error {
	var oldRows []int64
	if old != nil {
		oldLen := getUintWidth(old[:l.LengthLen], l.LengthLen)
		if oldLen > 0 {
			oldPtr := getUintWidth(old[l.LengthLen:], cd.Widths.NobsOutrowPtr)
			buf := make([]byte, oldLen)
			if _, err := cd.vlFile().ReadAt(buf, oldPtr); err != nil {
				return err
			}
			dec, err := cd.cipher().Decrypt(buf)
			if err != nil {
				return acdperr.Crypto("decrypt-array", err)
			}
			count := int(getUintWidth(dec[:l.SizeLen], l.SizeLen))
			width := cd.Widths.NobsRowRef
			oldRows = make([]int64, count)
			for i := 0; i < count; i++ {
				oldRows[i] = getUintWidth(dec[l.SizeLen+i*width:l.SizeLen+(i+1)*width], width)
			}
		}
	}
	delta := map[int64]int64{}
	for _, r := range oldRows {
		if r != 0 {
			delta[r]--
		}
	}
	for _, r := range newRows {
		if r != 0 {
			delta[r]++
		}
	}
	if len(delta) == 0 {
		return nil
	}
	target, err := cd.target(c.RefTable)
	if err != nil {
		return err
	}
	for row, d := range delta {
		if d == 0 {
			continue
		}
		if d > 0 {
			live, err := target.RowExists(row)
			if err != nil {
				return err
			}
			if !live {
				return acdperr.IllegalReference(c.RefTable, row, "target row is not live")
			}
		}
		if err := target.AdjustRefCount(row, d, u); err != nil {
			return err
		}
	}
	return nil
}

// DropReferences decrements every row an RT/A[RT] column's stored old value
// points at, without writing anything new -- used by Delete and Truncate,
// which need the reference-count side effect of removing a row without
// going through EncodeColumn's nullability validation (spec §4.7 Delete:
// "for each RT / A[RT] column of the row, decrement each referenced row's
// counter").
func (cd *Codec) DropReferences(l Layout, region []byte, u unit.Unit) error {
	c := l.Col
	switch c.Kind {
	case coltype.KindReference:
		row := getUintWidth(region, l.FLLen)
		if row == 0 {
			return nil
		}
		target, err := cd.target(c.RefTable)
		if err != nil {
			return err
		}
		return target.AdjustRefCount(row, -1, u)
	case coltype.KindArrayReference:
		if c.Scheme == coltype.Outrow {
			return cd.applyRefDeltasOutrow(c, l, region, nil, u)
		}
		return cd.applyRefDeltas(c, region, l, nil, u)
	}
	return nil
}

// DeallocateOutrow frees the VL payload a column's stored old region points
// at, without allocating a replacement -- used by Delete (spec §4.7: "for
// each outrow column of the row, deallocate the VL region").
func (cd *Codec) DeallocateOutrow(l Layout, region []byte, u unit.Unit) error {
	c := l.Col
	if !c.HasOutrowPayload() {
		return nil
	}
	n := getUintWidth(region[:l.LengthLen], l.LengthLen)
	if n > 0 {
		return cd.VL.Deallocate(n, u)
	}
	return nil
}

// asElementSlice coerces an input array value into a []interface{} (each
// element possibly nil when the array's elements are nullable), or reports
// a whole-array null.
func asElementSlice(c coltype.Column, value interface{}) (elems []interface{}, isNull bool, err error) {
	if value == nil {
		return nil, true, nil
	}
	switch v := value.(type) {
	case []interface{}:
		return v, false, nil
	}
	return nil, false, fmt.Errorf("codec: column %q wants []interface{}, got %T", c.Name, value)
}
