// Package filespace implements the L1 storage-space managers of spec §4.1
// (FL file space: fixed-size block allocator with a chain-of-gaps free list)
// and §4.2 (VL file space: append-only variable-size allocator tracking a
// deallocated-byte count). Both are modeled on perkeep's diskpacked storage
// in spirit -- a single backing file, an in-memory cursor, explicit growth
// on write -- generalized from diskpacked's single "append a length-prefixed
// blob" operation into the spec's fixed-block-with-free-list and
// append-only-with-accounting variants. The doubly-linked free-block design
// note in spec §9 ("Treap for VL area merging") and the block/tag layout of
// modernc.org/lldb's Allocator (see other_examples/...lldb-falloc.go.go)
// ground the gap-chain and pointer-width-capacity checks below.
package filespace

import (
	"encoding/binary"
	"math"
)

// maxForWidth returns 2^(8*width), the first value a width-byte unsigned
// counter cannot represent (spec §3.1 nobsRowRef/nobsOutrowPtr/nobsRefCount
// are all in [1,8] bytes). width==8 would overflow int64, but no on-disk
// int64 quantity (file size, row count) can reach 2^64 anyway, so we report
// math.MaxInt64 as an effectively unreachable ceiling in that case.
func maxForWidth(width int) int64 {
	if width >= 8 {
		return math.MaxInt64
	}
	return int64(1) << uint(8*width)
}

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
