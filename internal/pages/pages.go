// Package pages provides page-granular memory for the pool allocator:
// allocation of anonymous page runs, access revocation, and release back
// to the operating system. On unix platforms the implementation is backed
// by mmap/mprotect via golang.org/x/sys; elsewhere a heap-backed fallback
// keeps the same interface with protection tracked logically only.
package pages

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

var pageSize = os.Getpagesize()

// Size returns the OS page size.
func Size() int { return pageSize }

// Span returns the number of pages needed to cover length bytes starting
// at addr, and the page-aligned base. This mirrors how the free path
// decides how many pages to revoke for an object.
func Span(addr, length uintptr) (base uintptr, n int) {
	ps := uintptr(pageSize)
	base = addr &^ (ps - 1)
	if length == 0 {
		length = 1
	}
	end := addr + length
	n = int((end - base + ps - 1) / ps)
	return base, n
}

// Base returns the page-aligned base of addr.
func Base(addr uintptr) uintptr {
	return addr &^ (uintptr(pageSize) - 1)
}

// Manager owns all page runs handed to pools. It remembers each mapping
// so it can be protected and released later, and tracks how many bytes
// are currently mapped.
type Manager struct {
	mu      sync.Mutex
	regions map[uintptr][]byte // mapping base -> backing slice
	mapped  uintptr
}

// NewManager creates an empty page manager.
func NewManager() *Manager {
	return &Manager{regions: make(map[uintptr][]byte)}
}

// Alloc maps n fresh zeroed pages and returns their base address.
func (m *Manager) Alloc(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("pages: invalid page count %d", n)
	}
	b, err := sysAlloc(n * pageSize)
	if err != nil {
		return 0, fmt.Errorf("pages: map %d pages: %w", n, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	m.mu.Lock()
	m.regions[base] = b
	m.mapped += uintptr(len(b))
	m.mu.Unlock()
	return base, nil
}

// Free releases the whole mapping that starts at base. Protection state
// does not matter; revoked pages unmap like any others.
func (m *Manager) Free(base uintptr) error {
	m.mu.Lock()
	b, ok := m.regions[base]
	if ok {
		delete(m.regions, base)
		m.mapped -= uintptr(len(b))
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pages: free of unknown mapping %#x", base)
	}
	return sysFree(b)
}

// Protect revokes all access to n pages starting at the page-aligned
// base. base may point into the interior of a mapping.
func (m *Manager) Protect(base uintptr, n int) error {
	return sysProtect(base, n*pageSize, false)
}

// Unprotect restores read/write access to n pages starting at base.
func (m *Manager) Unprotect(base uintptr, n int) error {
	return sysProtect(base, n*pageSize, true)
}

// Mapped returns the number of bytes currently mapped.
func (m *Manager) Mapped() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// ReleaseAll unmaps every region still owned by the manager.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	regions := m.regions
	m.regions = make(map[uintptr][]byte)
	m.mapped = 0
	m.mu.Unlock()
	for _, b := range regions {
		_ = sysFree(b)
	}
}

// Bytes returns a byte view of [addr, addr+length). The caller must know
// the range is mapped and accessible; this is the raw copy path used by
// realloc and the guarded accessors.
func Bytes(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
