// codepage.go - W^X host code pages for compiled guest blocks

/*
codepage.go implements spec §3's "Code page" and invariant 3 ("code pages
are never writable and executable simultaneously"): every page starts
writable-not-executable, is filled by the JIT, then flipped read-execute
before any engine may run it, and is flipped back to writable before
being recycled for a new block.

Grounded on the teacher's pattern of isolating host-specific syscalls
behind small per-OS files (lhasa_linux.go / lhasa_fallback.go,
be_unsupported.go): this file carries the OS-independent CodePage/
Allocator API, and codepage_linux.go / codepage_fallback.go carry the
actual unix.Mmap/unix.Mprotect calls vs. a pure-Go fallback for
non-Linux hosts, exactly as the teacher splits lhasa compression.
*/
package codecache

import (
	"fmt"
	"sync"
)

// CodePage is one host-allocated region of compiled guest code. At any
// instant its protection is either writable-not-executable (mid-compile)
// or readable-executable (ready to run); MakeExecutable and MakeWritable
// switch between the two.
type CodePage struct {
	mu         sync.Mutex
	base       []byte // mapped region, valid regardless of current protection
	executable bool
	size       int
	handle     pageHandle // OS-specific mapping handle
}

// Size returns the page's total byte capacity.
func (p *CodePage) Size() int { return p.size }

// Executable reports the page's current W^X state.
func (p *CodePage) Executable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executable
}

// Write copies code into the page at offset. It is an error to write
// while the page is executable: invariant 3 requires the writable and
// executable states never to overlap, so every writer must flip to
// writable first.
func (p *CodePage) Write(offset int, code []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.executable {
		return fmt.Errorf("codecache: write to executable page refused (W^X)")
	}
	if offset < 0 || offset+len(code) > p.size {
		return fmt.Errorf("codecache: write out of page bounds")
	}
	copy(p.base[offset:], code)
	return nil
}

// MakeExecutable flips the page read-execute and issues the host icache
// invalidation required on weak-icache architectures (spec §4.7: "AArch64
// and other weak-icache architectures" need this after every
// writable->executable transition; x86 needs only a serialising
// instruction, which the host CPU provides for free on a syscall-based
// protection change).
func (p *CodePage) MakeExecutable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.executable {
		return nil
	}
	if err := protectExec(p.handle); err != nil {
		return err
	}
	invalidateICache(p.base)
	p.executable = true
	return nil
}

// MakeWritable flips the page back to writable-not-executable, required
// before any further Write and before the page is returned to the
// allocator's free list.
func (p *CodePage) MakeWritable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.executable {
		return nil
	}
	if err := protectWritable(p.handle); err != nil {
		return err
	}
	p.executable = false
	return nil
}

// Allocator hands out CodePages sized in multiples of the host page size
// and recycles pages whose block was evicted.
type Allocator struct {
	mu       sync.Mutex
	pageSize int
	free     []*CodePage
	live     int
}

// NewAllocator creates an allocator using the host's native page size.
func NewAllocator() (*Allocator, error) {
	ps, err := hostPageSize()
	if err != nil {
		return nil, err
	}
	return &Allocator{pageSize: ps}, nil
}

// Alloc returns a writable-not-executable page of at least minSize
// bytes, reusing a recycled page of sufficient size when available
// rather than mapping a fresh one.
func (a *Allocator) Alloc(minSize int) (*CodePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, p := range a.free {
		if p.size >= minSize {
			a.free = append(a.free[:i], a.free[i+1:]...)
			return p, nil
		}
	}

	size := a.pageSize
	for size < minSize {
		size += a.pageSize
	}
	page, err := mapPage(size)
	if err != nil {
		return nil, &resourceErr{kind: "code-page-allocation-failed", err: err}
	}
	a.live++
	return page, nil
}

// Recycle flips page back to writable and returns it to the free list
// for reuse by a future Alloc (spec §3 "Code page" lifecycle: "made
// writable, scheduled for recycling, and eventually freed").
func (a *Allocator) Recycle(page *CodePage) error {
	if err := page.MakeWritable(); err != nil {
		return err
	}
	a.mu.Lock()
	a.free = append(a.free, page)
	a.mu.Unlock()
	return nil
}

// LiveCount returns the number of distinct host mappings ever issued
// (free or in-use); used by stats() (spec §6).
func (a *Allocator) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

type resourceErr struct {
	kind string
	err  error
}

func (e *resourceErr) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *resourceErr) Unwrap() error { return e.err }
