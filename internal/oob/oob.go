// Package oob maintains the out-of-bounds pointer rewrite table. A
// bounds check that lands exactly one past the end of an object does not
// fail; it is rewritten into a sentinel drawn from a reserved address
// range, so the common loop-termination idiom keeps working while any
// dereference of the sentinel remains detectable. Resolve maps a
// sentinel back to the address it stands in for.
package oob

import (
	"errors"
	"sync"
)

// SentinelBase is the start of the reserved sentinel range. It lies in
// the non-canonical half of the address space, which no user mapping can
// ever occupy, so sentinels are distinguishable from real pointers by a
// range test alone.
const SentinelBase uintptr = 0xFFFF_8000_0000_0000

// DefaultCapacity is the default number of sentinels a table can issue.
const DefaultCapacity = 1 << 20

var (
	// ErrExhausted reports that the sentinel range has run out.
	ErrExhausted = errors.New("oob: sentinel range exhausted")

	// ErrUnknown reports a pointer inside the sentinel range with no
	// recorded rewrite, which indicates runtime state corruption.
	ErrUnknown = errors.New("oob: unrecognized sentinel pointer")
)

// Entry records where a rewritten pointer really points and which object
// it went out of bounds from.
type Entry struct {
	True     uintptr // the one-past-the-end address the sentinel stands for
	ObjStart uintptr
	ObjLen   uintptr
}

// Table issues sentinels and remembers their entries. Entries are never
// reclaimed; the range is large but finite, and exhaustion is reported
// rather than recycled. Table is a process-wide singleton shared by all
// pools and is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	issued   uintptr
	capacity uintptr
	entries  map[uintptr]Entry
}

// NewTable creates a table that can issue up to capacity sentinels.
// A capacity of 0 means DefaultCapacity.
func NewTable(capacity uintptr) *Table {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		entries:  make(map[uintptr]Entry),
	}
}

// IsSentinel reports whether p lies inside the reserved sentinel range.
func (t *Table) IsSentinel(p uintptr) bool {
	return p >= SentinelBase && p < SentinelBase+t.capacity
}

// Rewrite issues the next sentinel for trueAddr, recording the object it
// escaped from. Each call returns a distinct sentinel.
func (t *Table) Rewrite(trueAddr, objStart, objLen uintptr) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.issued == t.capacity {
		return 0, ErrExhausted
	}
	p := SentinelBase + t.issued
	t.issued++
	t.entries[p] = Entry{True: trueAddr, ObjStart: objStart, ObjLen: objLen}
	return p, nil
}

// Resolve returns the true address behind p. A pointer outside the
// sentinel range is not a rewrite and comes back unchanged; a pointer
// inside the range with no entry is ErrUnknown.
func (t *Table) Resolve(p uintptr) (uintptr, error) {
	if !t.IsSentinel(p) {
		return p, nil
	}
	t.mu.Lock()
	e, ok := t.entries[p]
	t.mu.Unlock()
	if !ok {
		return 0, ErrUnknown
	}
	return e.True, nil
}

// Lookup returns the full entry for a sentinel.
func (t *Table) Lookup(p uintptr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p]
	return e, ok
}

// Issued returns how many sentinels have been handed out.
func (t *Table) Issued() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issued
}
