// Package slab implements the fixed-capacity node slabs that back each
// pool. A regular slab is one OS page divided into equal-size nodes; a
// single-array slab is a dedicated page run for one oversized allocation.
//
// Node state lives in two bitsets held alongside the slab, not inside the
// page: one bit per node for "allocated", one for "start of a run". A run
// is the group of contiguous nodes handed out by one allocation; it ends
// at the next start bit, the first free node, or the high-water mark.
package slab

import (
	"errors"
	"math/bits"

	"github.com/vigilmem/vigil/internal/pages"
)

var (
	// ErrNotStart reports a free or size query aimed at the middle of a
	// run instead of its first node.
	ErrNotStart = errors.New("slab: node is not the start of an allocation")

	// ErrMidNode reports an address that is not node-aligned.
	ErrMidNode = errors.New("slab: address points into the middle of a node")
)

// Slab holds nodes of a single size for one pool.
//
// Invariant after every operation: firstUnused <= usedEnd <= numNodes.
type Slab struct {
	base     uintptr
	nodeSize int
	numNodes int
	npages   int
	single   bool

	// firstUnused is the lowest free node index.
	firstUnused int
	// usedBegin is the lowest allocated node index, tracked only well
	// enough to detect the everything-freed-in-order case.
	usedBegin int
	// usedEnd is one past the highest allocated node index; 0 when the
	// slab is empty. It is a conservative bound, shrunk lazily on free.
	usedEnd int

	allocated []uint64
	startBit  []uint64
}

// Capacity returns the number of nodes of the given size that fit in one
// page, and therefore in one regular slab. It is 0 when a single node
// does not fit in a page; such pools allocate single-array slabs only.
func Capacity(nodeSize int) int {
	return pages.Size() / nodeSize
}

// New creates an empty one-page slab whose nodes are nodeSize bytes.
func New(pm *pages.Manager, nodeSize int) (*Slab, error) {
	n := Capacity(nodeSize)
	base, err := pm.Alloc(1)
	if err != nil {
		return nil, err
	}
	return newSlab(base, nodeSize, n, 1, false), nil
}

// NewSingleArray creates a dedicated slab for one allocation of numNodes
// nodes, spanning as many pages as needed. It is never subdivided: the
// whole region belongs to a single run starting at node 0.
func NewSingleArray(pm *pages.Manager, nodeSize, numNodes int) (*Slab, error) {
	ps := pages.Size()
	npages := (numNodes*nodeSize + ps - 1) / ps
	base, err := pm.Alloc(npages)
	if err != nil {
		return nil, err
	}
	s := newSlab(base, nodeSize, numNodes, npages, true)
	// The entire slab is one allocated run.
	for i := 0; i < numNodes; i++ {
		s.mark(s.allocated, i)
	}
	s.mark(s.startBit, 0)
	s.usedEnd = numNodes
	s.firstUnused = numNodes
	return s, nil
}

func newSlab(base uintptr, nodeSize, numNodes, npages int, single bool) *Slab {
	words := (numNodes + 63) / 64
	return &Slab{
		base:      base,
		nodeSize:  nodeSize,
		numNodes:  numNodes,
		npages:    npages,
		single:    single,
		allocated: make([]uint64, words),
		startBit:  make([]uint64, words),
	}
}

// Base returns the address of node 0.
func (s *Slab) Base() uintptr { return s.base }

// NodeSize returns the node size in bytes.
func (s *Slab) NodeSize() int { return s.nodeSize }

// Pages returns the number of pages backing the slab.
func (s *Slab) Pages() int { return s.npages }

// NumNodes returns the slab's node capacity.
func (s *Slab) NumNodes() int { return s.numNodes }

// IsSingleArray reports whether the slab is a dedicated large-array slab.
func (s *Slab) IsSingleArray() bool { return s.single }

// IsEmpty reports whether no node is allocated.
func (s *Slab) IsEmpty() bool { return s.usedEnd == 0 }

// IsFull reports whether no further node can be allocated. Single-array
// slabs are always full; they never serve a second allocation.
func (s *Slab) IsFull() bool { return s.single || s.firstUnused == s.numNodes }

// ElementAddr returns the address of node idx.
func (s *Slab) ElementAddr(idx int) uintptr {
	return s.base + uintptr(idx*s.nodeSize)
}

// Contains returns the node index of addr, or -1 when addr lies outside
// the slab. An address inside the slab but not on a node boundary is an
// ErrMidNode error.
func (s *Slab) Contains(addr uintptr) (int, error) {
	if addr < s.base {
		return -1, nil
	}
	delta := addr - s.base
	limit := uintptr(s.numNodes * s.nodeSize)
	if s.single {
		limit = uintptr(s.npages * pages.Size())
	}
	if delta >= limit {
		return -1, nil
	}
	if delta%uintptr(s.nodeSize) != 0 {
		return -1, ErrMidNode
	}
	idx := int(delta / uintptr(s.nodeSize))
	if idx >= s.numNodes {
		return -1, nil
	}
	return idx, nil
}

func (s *Slab) mark(set []uint64, i int)  { set[i/64] |= 1 << (i % 64) }
func (s *Slab) clear(set []uint64, i int) { set[i/64] &^= 1 << (i % 64) }
func (s *Slab) isSet(set []uint64, i int) bool {
	return set[i/64]&(1<<(i%64)) != 0
}

// IsAllocated reports whether node idx is allocated.
func (s *Slab) IsAllocated(idx int) bool { return s.isSet(s.allocated, idx) }

// IsRunStart reports whether node idx starts a run.
func (s *Slab) IsRunStart(idx int) bool { return s.isSet(s.startBit, idx) }

// AllocateSingle allocates one node, preferring to extend the high-water
// mark before reusing gaps left by frees. Returns -1 when the slab is
// full.
func (s *Slab) AllocateSingle() int {
	if s.single {
		return -1
	}

	// Empty space past the high-water mark.
	if s.usedEnd < s.numNodes {
		idx := s.usedEnd
		s.mark(s.allocated, idx)
		s.mark(s.startBit, idx)
		if s.firstUnused == idx {
			s.firstUnused++
		}
		s.usedEnd++
		return idx
	}

	// Otherwise take the first gap.
	if s.firstUnused < s.numNodes {
		idx := s.firstUnused
		s.mark(s.allocated, idx)
		s.mark(s.startBit, idx)
		fu := idx + 1
		for fu != s.numNodes && s.isSet(s.allocated, fu) {
			fu++
		}
		s.firstUnused = fu
		return idx
	}

	return -1
}

// AllocateMultiple allocates n contiguous nodes and returns the index of
// the first, or -1 when no run of n free nodes exists. Extending past
// the high-water mark is tried first, then a forward scan from the first
// gap.
func (s *Slab) AllocateMultiple(n int) int {
	if s.single || n <= 0 {
		return -1
	}

	if s.usedEnd+n <= s.numNodes {
		idx := s.usedEnd
		s.mark(s.startBit, idx)
		for i := idx; i < idx+n; i++ {
			s.mark(s.allocated, i)
		}
		if s.firstUnused == idx {
			s.firstUnused += n
		}
		s.usedEnd += n
		return idx
	}

	// Scan for the first free run of n nodes at or after firstUnused.
	idx := s.firstUnused
	for idx+n <= s.numNodes {
		runEnd := idx
		for runEnd != idx+n && !s.isSet(s.allocated, runEnd) {
			runEnd++
		}
		if runEnd == idx+n {
			s.mark(s.startBit, idx)
			for i := idx; i < idx+n; i++ {
				s.mark(s.allocated, i)
			}
			if idx == s.firstUnused {
				fu := idx + n
				for fu != s.numNodes && s.isSet(s.allocated, fu) {
					fu++
				}
				s.firstUnused = fu
			}
			if idx+n > s.usedEnd {
				s.usedEnd = idx + n
			}
			return idx
		}
		// Skip the allocated stretch after the too-short run.
		idx = runEnd
		for idx+n <= s.numNodes && s.isSet(s.allocated, idx) {
			idx++
		}
	}
	return -1
}

// RunLength returns the number of nodes in the run starting at idx.
func (s *Slab) RunLength(idx int) (int, error) {
	if !s.isSet(s.startBit, idx) {
		return 0, ErrNotStart
	}
	if s.single {
		return s.numNodes, nil
	}
	end := idx + 1
	for end != s.usedEnd && !s.isSet(s.startBit, end) && s.isSet(s.allocated, end) {
		end++
	}
	return end - idx, nil
}

// Free releases the run starting at node idx. Freeing a node that is not
// allocated reports false without changing anything; freeing the middle
// of a run is an ErrNotStart error. Single-array slabs are not freed
// node-wise; the pool releases them as a unit.
func (s *Slab) Free(idx int) (freed int, err error) {
	if !s.isSet(s.allocated, idx) {
		return 0, nil
	}
	if !s.isSet(s.startBit, idx) {
		return 0, ErrNotStart
	}

	s.clear(s.startBit, idx)
	s.clear(s.allocated, idx)
	end := idx + 1
	for end != s.usedEnd && !s.isSet(s.startBit, end) && s.isSet(s.allocated, end) {
		s.clear(s.allocated, end)
		end++
	}
	freed = end - idx

	if idx < s.firstUnused {
		s.firstUnused = idx
	}
	if idx == s.usedBegin {
		s.usedBegin = end
	}

	// Shrink the high-water mark when the freed run was the tail. The
	// backward scan is authoritative: usedBegin can go stale once gaps
	// below it are refilled, so it must not short-circuit the shrink.
	if end == s.usedEnd {
		last := s.lastAllocated(idx)
		if last < 0 {
			s.firstUnused = 0
			s.usedBegin = 0
			s.usedEnd = 0
		} else {
			s.usedEnd = last + 1
			if s.usedBegin > s.usedEnd {
				s.usedBegin = s.usedEnd
			}
		}
	}
	return freed, nil
}

// lastAllocated returns the index of the highest allocated node below
// scanIdx, or -1 when no node below it is allocated.
func (s *Slab) lastAllocated(scanIdx int) int {
	word := scanIdx / 64
	// Mask off scanIdx and everything above it in its word.
	w := s.allocated[word] & ((1 << (scanIdx % 64)) - 1)
	for {
		if w != 0 {
			return word*64 + bits.Len64(w) - 1
		}
		word--
		if word < 0 {
			return -1
		}
		w = s.allocated[word]
	}
}

// CheckInvariant verifies firstUnused <= usedEnd <= numNodes and that the
// boundary nodes are consistent with the bitmaps. Test hook.
func (s *Slab) CheckInvariant() bool {
	if s.firstUnused > s.usedEnd || s.usedEnd > s.numNodes {
		return false
	}
	if s.firstUnused < s.numNodes && s.isSet(s.allocated, s.firstUnused) {
		return false
	}
	if s.usedEnd < s.numNodes && s.isSet(s.allocated, s.usedEnd) {
		return false
	}
	return true
}

// Destroy releases the slab's pages back to the manager.
func (s *Slab) Destroy(pm *pages.Manager) error {
	return pm.Free(s.base)
}
