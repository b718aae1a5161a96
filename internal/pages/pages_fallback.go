//go:build !unix

package pages

import "unsafe"

// The fallback keeps page runs on the Go heap. Returned slices are
// page-aligned so address arithmetic behaves the same as the mmap path.
// Protection changes are accepted but have no hardware effect; dangling
// accesses are still caught by the registry consulted in internal/fault,
// only the trap for uninstrumented accesses is missing.

func sysAlloc(size int) ([]byte, error) {
	raw := make([]byte, size+pageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	off := 0
	if rem := int(base % uintptr(pageSize)); rem != 0 {
		off = pageSize - rem
	}
	// raw stays reachable through the returned subslice.
	return raw[off : off+size : off+size], nil
}

func sysFree(b []byte) error { return nil }

func sysProtect(addr uintptr, size int, rw bool) error { return nil }
