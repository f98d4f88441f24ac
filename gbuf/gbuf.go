// Package gbuf implements the Database-owned global scratch buffers (spec
// §5, Design Notes "Global mutable scratch buffers"): three preallocated
// byte buffers, borrowed by one call site at a time. Writes are serialized
// by the engine itself, so no locking is needed here -- only bookkeeping to
// catch a call site that forgets to release its buffer before the next
// mutating call borrows the same one.
package gbuf

import "fmt"

// ID names one of the three buffers. A call site that needs independent
// memory for a sub-operation picks a different ID.
type ID int

const (
	GB1 ID = iota
	GB2
	GB3
	numBuffers
)

// Buffers holds the three scratch buffers and their current owners.
type Buffers struct {
	buf   [numBuffers][]byte
	owner [numBuffers]string
}

func New(maxCapacity int) *Buffers {
	b := &Buffers{}
	for i := range b.buf {
		b.buf[i] = make([]byte, 0, maxCapacity)
	}
	return b
}

// Borrow returns buf grown/truncated to size n, tagging it as owned by who.
// Panics if the buffer is still owned by a different call site -- that is a
// programming error in this engine, not a recoverable runtime condition,
// since writes are globally serialized and a double-borrow means a bug in
// release discipline.
func (b *Buffers) Borrow(id ID, n int, who string) []byte {
	if b.owner[id] != "" && b.owner[id] != who {
		panic(fmt.Sprintf("gbuf: buffer %d already borrowed by %q, requested by %q", id, b.owner[id], who))
	}
	b.owner[id] = who
	if cap(b.buf[id]) < n {
		b.buf[id] = make([]byte, n)
	} else {
		b.buf[id] = b.buf[id][:n]
	}
	return b.buf[id]
}

// Release marks id free for the next borrower. Callers must not retain the
// slice returned by Borrow past Release.
func (b *Buffers) Release(id ID) {
	b.owner[id] = ""
}
