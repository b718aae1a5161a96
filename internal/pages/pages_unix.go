//go:build unix

package pages

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func sysAlloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func sysFree(b []byte) error {
	return unix.Munmap(b)
}

func sysProtect(addr uintptr, size int, rw bool) error {
	prot := unix.PROT_NONE
	if rw {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Mprotect(region, prot)
}
