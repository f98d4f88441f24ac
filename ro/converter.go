package ro

import (
	"encoding/binary"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/compact"
	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/store"
)

// TableSpec describes one table's conversion: its WR-side Store (for
// decoding), and the RO-side widths/cipher to re-encode under.
type TableSpec struct {
	Name         string
	Columns      []coltype.Column
	Store        *store.Store
	NobsRowRefRO int // RO reference width; may be narrower than the WR width
	Cipher       crypto.Cipher
}

// RowPointer is one row's unpacked (decompressed) starting byte offset
// within its table's section, for the trailing row-pointer table.
type RowPointer struct {
	Row    int64
	Offset int64
}

// ConvertTable packs every live row of spec into p in ascending original row
// order (spec §4.9 "enumerate surviving rows in original order"),
// decrypting from WR and re-encrypting under RO, adjusting every reference
// through the target table's gap list (spec §4.9 step 4).
func ConvertTable(p *Packer, spec TableSpec, gaps map[string][]int64) ([]RowPointer, error) {
	cipher := spec.Cipher
	if cipher == nil {
		cipher = crypto.NoCipher{}
	}
	s := spec.Store
	var pointers []RowPointer
	unpacked := int64(0)
	buf := make([]byte, s.Shape.Total)

	for idx := int64(0); idx < s.FL.BlockCount(); idx++ {
		isGap, err := s.FL.IsGap(idx)
		if err != nil {
			return nil, err
		}
		if isGap {
			continue
		}
		if _, err := s.FL.File().ReadAt(buf, s.FL.IndexToPos(idx)); err != nil {
			return nil, err
		}
		row := idx + 1
		rowBytes, err := convertRow(s, spec, buf, gaps, cipher)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, RowPointer{Row: row, Offset: unpacked})
		if _, err := p.Write(rowBytes); err != nil {
			return nil, err
		}
		unpacked += int64(len(rowBytes))
	}
	return pointers, nil
}

// convertRow builds one row's RO byte representation: the same null-info
// bitmap shape as WR, then per column either a recta-width reference, a
// fixed-width re-enciphered scalar, or a length-prefixed inline blob for
// whatever was OUTROW on the WR side (spec §4.9 step 3: "outrow payloads
// become inline data").
func convertRow(s *store.Store, spec TableSpec, wrBlock []byte, gaps map[string][]int64, roCipher crypto.Cipher) ([]byte, error) {
	bm := s.Shape.Bitmap
	out := make([]byte, bm.NBM)
	copy(out, wrBlock[:bm.NBM])
	out[0] &^= 0x80 // RO rows are never gaps

	for _, l := range s.Shape.Columns {
		region := wrBlock[l.Offset : l.Offset+l.FLLen]
		c := l.Col
		switch c.Kind {
		case coltype.KindReference:
			v, err := s.Codec.DecodeColumn(l, wrBlock, bm, region)
			if err != nil {
				return nil, err
			}
			var newRow int64
			if v != nil {
				row, _ := v.(int64)
				newRow = compact.AdjustRowIndex(row, gaps[c.RefTable])
			}
			field := make([]byte, spec.NobsRowRefRO)
			putUintWidth(field, spec.NobsRowRefRO, newRow)
			out = append(out, field...)

		case coltype.KindSimple:
			v, err := s.Codec.DecodeColumn(l, wrBlock, bm, region)
			if err != nil {
				return nil, err
			}
			enc, err := encodeROScalar(c, v, roCipher)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)

		case coltype.KindArraySimple, coltype.KindArrayReference:
			v, err := s.Codec.DecodeColumn(l, wrBlock, bm, region)
			if err != nil {
				return nil, err
			}
			enc, err := encodeROArray(c, v, gaps, spec.NobsRowRefRO, roCipher)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
	}
	return out, nil
}

// encodeROScalar re-encodes a decoded ST value as length-prefixed bytes
// (RO has no VL file, so what was OUTROW becomes inline) re-enciphered
// under the RO cipher.
func encodeROScalar(c coltype.Column, v interface{}, roCipher crypto.Cipher) ([]byte, error) {
	if v == nil {
		var lenField [4]byte
		return lenField[:], nil
	}
	raw, err := scalarBytes(c, v)
	if err != nil {
		return nil, err
	}
	enc, err := roCipher.Encrypt(raw)
	if err != nil {
		return nil, acdperr.Crypto("ro-reencrypt", err)
	}
	out := make([]byte, 4+len(enc))
	binary.BigEndian.PutUint32(out, uint32(len(enc)))
	copy(out[4:], enc)
	return out, nil
}

func scalarBytes(c coltype.Column, v interface{}) ([]byte, error) {
	switch c.Value {
	case coltype.VBool:
		if b, _ := v.(bool); b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case coltype.VInt:
		n, _ := v.(int64)
		w := c.Length
		if w <= 0 {
			w = 8
		}
		buf := make([]byte, w)
		putUintWidth(buf, w, n)
		return buf, nil
	case coltype.VString:
		s, _ := v.(string)
		return []byte(s), nil
	case coltype.VBytes:
		b, _ := v.([]byte)
		return b, nil
	}
	return nil, acdperr.Integrity("ro-convert", "unknown value kind")
}

// encodeROArray re-encodes a decoded array value as a size prefix plus
// per-element entries, adjusting reference elements through gaps.
func encodeROArray(c coltype.Column, v interface{}, gaps map[string][]int64, nobsRowRefRO int, roCipher crypto.Cipher) ([]byte, error) {
	elems, _ := v.([]interface{})
	sizeField := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeField, uint32(len(elems)))
	out := append([]byte{}, sizeField...)

	if c.Kind == coltype.KindArrayReference {
		g := gaps[c.RefTable]
		for _, e := range elems {
			var row int64
			if e != nil {
				r, _ := e.(int64)
				row = compact.AdjustRowIndex(r, g)
			}
			field := make([]byte, nobsRowRefRO)
			putUintWidth(field, nobsRowRefRO, row)
			out = append(out, field...)
		}
		return out, nil
	}
	for _, e := range elems {
		enc, err := encodeROScalar(c, e, roCipher)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// computeGaps collects every table's gap indices, for the reference
// rewriting every other table's conversion needs (spec §4.9 step 1).
func computeGaps(tables []TableSpec) (map[string][]int64, error) {
	out := make(map[string][]int64, len(tables))
	for _, t := range tables {
		g, err := t.Store.FL.Gaps()
		if err != nil {
			return nil, err
		}
		out[t.Name] = g
	}
	return out, nil
}

func putUintWidth(b []byte, width int, v int64) {
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
