package compact

import "github.com/acdp-go/acdpcore/acdperr"

// intervalTreap is the "Treap for VL area merging" of spec §9 Design Notes:
// a randomized BST keyed by ptr, where insert merges with an adjacent node
// when the new interval is contiguous with it and rejects on overlap.
// Nodes live in an arena slice addressed by index (grounded on
// modernc.org/lldb's Allocator atom/block arena style in
// other_examples/...lldb-falloc.go.go), rather than as heap pointers.
type intervalTreap struct {
	nodes []node
	root  int // -1 if empty
	rng   uint64
}

type node struct {
	ptr, length int64
	priority    uint32
	left, right int // -1 if absent
}

func newIntervalTreap() *intervalTreap {
	return &intervalTreap{root: -1, rng: 0x9e3779b97f4a7c15}
}

func (t *intervalTreap) nextPriority() uint32 {
	// xorshift64*, deterministic and allocation-free; priorities only need
	// to be roughly uniform, not cryptographically random.
	t.rng ^= t.rng << 13
	t.rng ^= t.rng >> 7
	t.rng ^= t.rng << 17
	return uint32(t.rng >> 32)
}

// Insert adds [ptr, ptr+length), merging with an adjacent node if the
// result is contiguous, and reporting an overlap as an integrity error
// (spec §9: "merges with an adjacent node (contiguous), or rejects
// (overlap)").
func (t *intervalTreap) Insert(ptr, length int64) error {
	if length == 0 {
		return nil
	}
	// Find any existing node overlapping or adjacent to [ptr, ptr+length).
	lo, hi := ptr, ptr+length
	merged, overlap := false, false
	t.walk(func(n *node) bool {
		nlo, nhi := n.ptr, n.ptr+n.length
		if hi < nlo || lo > nhi {
			return true // no relation, keep walking
		}
		if hi == nlo {
			n.ptr = lo
			n.length = nhi - lo
			merged = true
			return false
		}
		if lo == nhi {
			n.length = hi - n.ptr
			merged = true
			return false
		}
		// any other overlap is a genuine double-allocation
		overlap = true
		return false
	})
	if overlap {
		return acdperr.Integrity("vl-overlap", "two outrow payloads claim overlapping VL bytes")
	}
	if merged {
		return nil
	}
	t.insertNode(ptr, length)
	return nil
}

// walk visits nodes in no particular order via a simple recursive descent,
// stopping early when visit returns false.
func (t *intervalTreap) walk(visit func(n *node) bool) {
	var rec func(i int) bool
	rec = func(i int) bool {
		if i == -1 {
			return true
		}
		if !rec(t.nodes[i].left) {
			return false
		}
		if !visit(&t.nodes[i]) {
			return false
		}
		return rec(t.nodes[i].right)
	}
	rec(t.root)
}

func (t *intervalTreap) insertNode(ptr, length int64) {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{ptr: ptr, length: length, priority: t.nextPriority(), left: -1, right: -1})
	t.root = bstInsert(t.nodes, t.root, idx)
}

func bstInsert(nodes []node, root, idx int) int {
	if root == -1 {
		return idx
	}
	if nodes[idx].ptr < nodes[root].ptr {
		nodes[root].left = bstInsert(nodes, nodes[root].left, idx)
		if nodes[nodes[root].left].priority > nodes[root].priority {
			root = rotateRight(nodes, root)
		}
	} else {
		nodes[root].right = bstInsert(nodes, nodes[root].right, idx)
		if nodes[nodes[root].right].priority > nodes[root].priority {
			root = rotateLeft(nodes, root)
		}
	}
	return root
}

func rotateRight(nodes []node, y int) int {
	x := nodes[y].left
	nodes[y].left = nodes[x].right
	nodes[x].right = y
	return x
}

func rotateLeft(nodes []node, x int) int {
	y := nodes[x].right
	nodes[x].right = nodes[y].left
	nodes[y].left = x
	return y
}

// Intervals returns the merged live intervals in ascending ptr order.
func (t *intervalTreap) Intervals() []Interval {
	var out []Interval
	t.walk(func(n *node) bool {
		out = append(out, Interval{Ptr: n.ptr, Length: n.length})
		return true
	})
	return out
}

// Interval is a live [Ptr, Ptr+Length) byte range in a VL file.
type Interval struct {
	Ptr, Length int64
}

// CheckNoOverlap is a defensive re-scan that the VL compactor runs over the
// merged intervals before moving any bytes, rejecting any two that overlap.
func CheckNoOverlap(intervals []Interval) error {
	for i := 1; i < len(intervals); i++ {
		if intervals[i].Ptr < intervals[i-1].Ptr+intervals[i-1].Length {
			return acdperr.Integrity("vl-overlap", "two outrow payloads claim overlapping VL bytes")
		}
	}
	return nil
}
