package codec

import (
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/filespace"
)

// Reader is the FL Data Reader of spec §4.4: given a row's FL block and the
// set of columns a caller actually wants, it picks between issuing disjoint
// ReadAt calls for just those columns or reading the whole block once,
// whichever touches fewer bytes overall.
type Reader struct {
	FL *filespace.FL
}

// rangesFor returns the byte ranges [start,end) a set of wanted column
// Layouts occupy within a row's FL block body, merging adjacent/overlapping
// ranges the way a disjoint-range read would naturally coalesce them.
func rangesFor(cols []Layout) [][2]int {
	if len(cols) == 0 {
		return nil
	}
	ranges := make([][2]int, 0, len(cols))
	for _, c := range cols {
		ranges = append(ranges, [2]int{c.Offset, c.Offset + c.FLLen})
	}
	// simple insertion sort + merge; column counts per table are small.
	for i := 1; i < len(ranges); i++ {
		for j := i; j > 0 && ranges[j][0] < ranges[j-1][0]; j-- {
			ranges[j], ranges[j-1] = ranges[j-1], ranges[j]
		}
	}
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r[0] <= last[1] {
			if r[1] > last[1] {
				last[1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// ReadRow reads row index into a newly allocated block-sized buffer, or, for
// wide rows where only a small subset of columns is wanted, reads just the
// disjoint ranges those columns occupy (spec §4.4: "choose disjoint-range
// reads vs a single whole-block read by comparing total bytes touched, p
// (the number of ranges) and L (the total row length), against n (the
// whole-block length)").
func (r *Reader) ReadRow(index int64, wanted []Layout, n int) ([]byte, error) {
	pos := r.FL.IndexToPos(index)
	buf := make([]byte, n)

	if wanted == nil {
		if _, err := r.FL.File().ReadAt(buf, pos); err != nil {
			return nil, err
		}
		return buf, nil
	}

	ranges := rangesFor(wanted)
	touched := 0
	for _, rg := range ranges {
		touched += rg[1] - rg[0]
	}
	// Disjoint reads cost len(ranges) syscalls each paying a per-call
	// overhead; a whole-block read costs one call for n bytes. Prefer
	// disjoint reads only when they touch meaningfully fewer bytes AND
	// don't fragment into an excessive number of ranges.
	const perCallOverheadBytes = 64
	disjointCost := touched + len(ranges)*perCallOverheadBytes
	wholeCost := n
	if disjointCost >= wholeCost {
		if _, err := r.FL.File().ReadAt(buf, pos); err != nil {
			return nil, err
		}
		return buf, nil
	}
	for _, rg := range ranges {
		if _, err := r.FL.File().ReadAt(buf[rg[0]:rg[1]], pos+int64(rg[0])); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ScanBuffer is a small buffered reader for full-table scans (compaction,
// Verify), reading a batch of consecutive blocks per underlying ReadAt call
// instead of one block at a time (spec §4.4, §4.8 scan passes).
type ScanBuffer struct {
	fl        *filespace.FL
	batch     int64
	blockSize int64
	buf       []byte
	base      int64 // index of the first block currently buffered
	loaded    int64 // number of blocks currently buffered
}

func NewScanBuffer(fl *filespace.FL, batchBlocks int64) *ScanBuffer {
	n := fl.BlockSize()
	return &ScanBuffer{fl: fl, batch: batchBlocks, blockSize: n, buf: make([]byte, batchBlocks*n)}
}

// Block returns the block-sized slice for index, refilling the internal
// buffer from the file when index falls outside the currently loaded batch.
func (s *ScanBuffer) Block(index int64, f *fileio.File) ([]byte, error) {
	if s.loaded == 0 || index < s.base || index >= s.base+s.loaded {
		total := s.fl.BlockCount()
		n := s.batch
		if s.base = index; s.base+n > total {
			n = total - s.base
		}
		want := s.buf[:n*s.blockSize]
		if _, err := f.ReadAt(want, s.fl.IndexToPos(s.base)); err != nil {
			return nil, err
		}
		s.loaded = n
	}
	off := (index - s.base) * s.blockSize
	return s.buf[off : off+s.blockSize], nil
}
