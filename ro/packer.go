// Package ro implements the WR->RO Conversion pipeline of spec §4.9: a
// blockwise gzip(+cipher) packer, and a per-table converter that rewrites
// references through adjustRowIndex and truncates them to the RO reference
// width.
package ro

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/pgzip"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/crypto"
	"github.com/acdp-go/acdpcore/fileio"
)

// Packer routes raw bytes through gzip (and optionally an RO cipher) into
// dst, sub-dividing the input into fixed-size regular blocks so an RO
// reader can seek by block (spec §4.9: "regularBlockSize unpacked bytes
// each ... records the packed size in a nobsBlockSize-byte counter").
type Packer struct {
	dst              *fileio.File
	cipher           crypto.Cipher
	regularBlockSize int
	nobsBlockSize    int

	pending   bytes.Buffer
	writePos  int64
	blockSize []int64 // packed size of each regular block written so far
}

func NewPacker(dst *fileio.File, cipher crypto.Cipher, regularBlockSize, nobsBlockSize int) *Packer {
	if cipher == nil {
		cipher = crypto.NoCipher{}
	}
	return &Packer{dst: dst, cipher: cipher, regularBlockSize: regularBlockSize, nobsBlockSize: nobsBlockSize}
}

// Write buffers b, flushing complete regular blocks as they fill.
func (p *Packer) Write(b []byte) (int, error) {
	n, _ := p.pending.Write(b)
	for p.pending.Len() >= p.regularBlockSize {
		chunk := make([]byte, p.regularBlockSize)
		if _, err := io.ReadFull(&p.pending, chunk); err != nil {
			return n, err
		}
		if err := p.flushBlock(chunk); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush packs any remaining partial block (the final, possibly short,
// regular block of a table's section).
func (p *Packer) Flush() error {
	if p.pending.Len() == 0 {
		return nil
	}
	rest := p.pending.Bytes()
	chunk := make([]byte, len(rest))
	copy(chunk, rest)
	p.pending.Reset()
	return p.flushBlock(chunk)
}

func (p *Packer) flushBlock(raw []byte) error {
	var gz bytes.Buffer
	w := pgzip.NewWriter(&gz)
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	enc, err := p.cipher.Encrypt(gz.Bytes())
	if err != nil {
		return acdperr.Crypto("ro-pack", err)
	}
	if _, err := p.dst.WriteAt(enc, p.writePos); err != nil {
		return err
	}
	p.blockSize = append(p.blockSize, int64(len(enc)))
	p.writePos += int64(len(enc))
	return nil
}

// Pos returns the current absolute write position (the next byte this
// Packer will write to, once any pending partial block is flushed).
func (p *Packer) Pos() int64 { return p.writePos }

// BlockSizeTable returns the packed size of every regular block written so
// far, for the compressed block-size table trailer.
func (p *Packer) BlockSizeTable() []int64 { return p.blockSize }

// WriteBlockSizeTable gzips and writes the accumulated block-size table at
// the packer's current position, returning its own length.
func (p *Packer) WriteBlockSizeTable() (int64, error) {
	var raw bytes.Buffer
	for _, n := range p.blockSize {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		raw.Write(b[8-p.nobsBlockSize:])
	}
	var gz bytes.Buffer
	w := pgzip.NewWriter(&gz)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	if _, err := p.dst.WriteAt(gz.Bytes(), p.writePos); err != nil {
		return 0, err
	}
	n := int64(gz.Len())
	p.writePos += n
	return n, nil
}
