package ro

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/fileio"
)

// TableLayout records where one table's section landed in the RO file, for
// the trailing layout document.
type TableLayout struct {
	Name             string
	DataStart        int64
	BlockSizeStart   int64
	RowPointerStart  int64
	RegularBlockSize int
	NobsBlockSize    int
	NobsRowRefRO     int
	RowCount         int
}

// Convert runs the whole WR->RO pipeline of spec §4.9 over tables (in
// declared order), writing the packed, optionally-enciphered result to dst.
// It is expected to run inside a database read-zone, per spec: "conversion
// runs inside a database read-zone so writers cannot interleave".
//
// trailerRecipient, if non-nil, envelopes the trailing layout document (the
// gzip'd TableLayout list) under filippo.io/age rather than leaving it
// plaintext; a nil recipient leaves it as bare gzip, same as NoCipher for
// per-column data. One envelope call per conversion is cheap regardless of
// table count, since the whole stream is enveloped once (crypto.AgeRecipient's
// own doc comment).
func Convert(dst *fileio.File, tables []TableSpec, regularBlockSize, nobsBlockSize int, trailerRecipient *crypto.AgeRecipient) error {
	gaps, err := computeGaps(tables)
	if err != nil {
		return err
	}

	// Column conversion for each table is independent once gaps is fully
	// computed, so each table's rows are prepared in parallel and then
	// packed in table order (spec §9's ambient stack choice
	// of golang.org/x/sync/errgroup for read-zone fan-out).
	type tableResult struct {
		layout  TableLayout
		rowPtrs []RowPointer
	}
	results := make([]tableResult, len(tables))

	// Header: 8-byte big-endian trailer offset + 1 envelope flag byte,
	// written as a zero placeholder now and patched once the trailer's
	// final position and envelope state are known.
	if _, err := dst.WriteAt(make([]byte, 9), 0); err != nil {
		return err
	}
	pos := int64(9)

	// Packing writes directly to dst at sequential offsets, so tables are
	// packed one at a time even though their row conversion (the CPU-bound
	// decode/decrypt/re-encrypt work) is prepared concurrently below.
	rowsByTable := make([][][]byte, len(tables))
	var g errgroup.Group
	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			rows, err := prepareTableRows(t, gaps)
			if err != nil {
				return err
			}
			rowsByTable[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, t := range tables {
		p := NewPacker(dst, t.Cipher, regularBlockSize, nobsBlockSize)
		p.writePos = pos
		unpacked := int64(0)
		var rowPtrs []RowPointer
		for idx, row := range rowsByTable[i] {
			rowPtrs = append(rowPtrs, RowPointer{Row: int64(idx) + 1, Offset: unpacked})
			if _, err := p.Write(row); err != nil {
				return err
			}
			unpacked += int64(len(row))
		}
		if err := p.Flush(); err != nil {
			return err
		}
		dataStart := pos
		blockSizeStart := p.Pos()
		bsLen, err := p.WriteBlockSizeTable()
		if err != nil {
			return err
		}
		rowPointerStart := blockSizeStart + bsLen
		if err := writeRowPointerTable(dst, rowPointerStart, rowPtrs); err != nil {
			return err
		}
		pos = rowPointerStart + 8*int64(len(rowPtrs))

		results[i] = tableResult{layout: TableLayout{
			Name: t.Name, DataStart: dataStart, BlockSizeStart: blockSizeStart,
			RowPointerStart: rowPointerStart, RegularBlockSize: regularBlockSize,
			NobsBlockSize: nobsBlockSize, NobsRowRefRO: t.NobsRowRefRO, RowCount: len(rowPtrs),
		}}
	}

	layoutDoc := make([]TableLayout, len(results))
	for i, r := range results {
		layoutDoc[i] = r.layout
	}
	raw, err := json.Marshal(layoutDoc)
	if err != nil {
		return err
	}
	var gz bytes.Buffer
	w := pgzip.NewWriter(&gz)
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	trailer := gz.Bytes()
	enveloped := byte(0)
	if trailerRecipient != nil {
		var enc bytes.Buffer
		aw, err := trailerRecipient.EncryptWriter(&enc)
		if err != nil {
			return err
		}
		if _, err := aw.Write(trailer); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
		trailer = enc.Bytes()
		enveloped = 1
	}
	if _, err := dst.WriteAt(trailer, pos); err != nil {
		return err
	}

	var hdr [9]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(pos))
	hdr[8] = enveloped
	_, err = dst.WriteAt(hdr[:], 0)
	return err
}

// prepareTableRows decodes+re-encodes every live row of t, independent of
// where the bytes end up being packed (that part is sequential, since it
// shares dst's write cursor).
func prepareTableRows(t TableSpec, gaps map[string][]int64) ([][]byte, error) {
	s := t.Store
	var rows [][]byte
	buf := make([]byte, s.Shape.Total)
	cipher := t.Cipher
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
		row, err := convertRow(s, t, buf, gaps, cipher)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeRowPointerTable(dst *fileio.File, pos int64, ptrs []RowPointer) error {
	buf := make([]byte, 8*len(ptrs))
	for i, rp := range ptrs {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(rp.Offset))
	}
	_, err := dst.WriteAt(buf, pos)
	return err
}
