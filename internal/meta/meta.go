// Package meta holds the per-allocation provenance records and the
// monotonic sequence generators that number allocations and frees.
package meta

import "sync/atomic"

// Record is the debug metadata attached to every allocation. It is
// created at allocation time, mutated exactly once when the object is
// freed, and retained afterwards so that a later dangling access can
// still be attributed to the exact allocation and free that produced it.
type Record struct {
	AllocID   uint64
	FreeID    uint64 // 0 while the object is live
	AllocSite uintptr
	FreeSite  uintptr

	// Canonical is the real backing address of the object, as opposed to
	// any rewritten sentinel standing in for it.
	Canonical uintptr
	Length    uintptr
}

// NewRecord creates the record for a fresh allocation.
func NewRecord(allocID uint64, allocSite, canonical, length uintptr) *Record {
	return &Record{
		AllocID:   allocID,
		AllocSite: allocSite,
		Canonical: canonical,
		Length:    length,
	}
}

// Live reports whether the object has not been freed yet.
func (r *Record) Live() bool { return r.FreeID == 0 }

// MarkFreed stamps the free generation number and free site. It is the
// record's single mutation.
func (r *Record) MarkFreed(freeID uint64, freeSite uintptr) {
	r.FreeID = freeID
	r.FreeSite = freeSite
}

// Sequence is a process-wide monotonic ID generator. It is injected into
// the runtime rather than kept as a package global so tests can create
// and reset their own.
type Sequence struct {
	n uint64
}

// Next returns the next ID, starting at 1.
func (s *Sequence) Next() uint64 {
	return atomic.AddUint64(&s.n, 1)
}

// Current returns the last ID handed out.
func (s *Sequence) Current() uint64 {
	return atomic.LoadUint64(&s.n)
}

// Reset rewinds the sequence. Test hook.
func (s *Sequence) Reset() {
	atomic.StoreUint64(&s.n, 0)
}
