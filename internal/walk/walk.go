// walk.go - Architecture page-table walker interface and shared types

/*
walk.go defines the Walker contract spec §4.2 requires ("given a guest
virtual address and an access class, the walker returns either a guest
physical address and effective permission bits, or a fault identifying
the offending level and cause") and the per-architecture result types
shared by x86_64.go, aarch64.go and riscv64.go.

Nothing in the teacher codebase walks page tables (its guest CPUs all
run with MMU-off, flat addressing), so the walker family is new machinery
built directly from spec §4.2's level-count, granule and fault-taxonomy
tables, with the "one exported func per format, driven by a small
immutable Params struct" shape borrowed from the teacher's
cpu_constants.go tables of per-opcode immediate widths and addressing
modes.
*/
package walk

import (
	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/fault"
)

// Reader is the narrow physical-memory read contract a walker needs: read
// a little-endian PTE-sized value at a guest physical address. internal/
// memory.Physical satisfies this directly.
type Reader interface {
	Read(pa addr.GuestPhysAddr, size int) (uint64, error)
}

// Perm is the effective permission bits accumulated along a walk: the
// logical AND of every level's permission bits, per spec §4.2 "permission
// bits are combined restrictively across levels".
type Perm struct {
	Readable   bool
	Writable   bool
	Executable bool
	User       bool
}

// and narrows p by the bits of a single PTE.
func (p Perm) and(readable, writable, exec, user bool) Perm {
	return Perm{
		Readable:   p.Readable && readable,
		Writable:   p.Writable && writable,
		Executable: p.Executable && exec,
		User:       p.User && user,
	}
}

// Result is a successful translation: the guest physical address of the
// start of the containing page/block, the page size, and the combined
// permission bits.
type Result struct {
	PhysAddr addr.GuestPhysAddr
	PageSize uint64
	Perm     Perm
}

// Walker translates one guest virtual address under one page-table root.
type Walker interface {
	// Walk performs the full multi-level lookup for va under the table
	// rooted at root (a guest physical address), checking the result
	// against access. On any failure it returns a *fault.PageFault
	// identifying the offending level.
	Walk(mem Reader, root addr.GuestPhysAddr, va addr.GuestAddr, access fault.AccessClass) (Result, error)
}

// pageFault builds the uniform PageFault spec §4.2 describes, tagging the
// offending table level in the walker's own numbering (the x86-64 and
// RISC-V walkers use 0 = leaf; the AArch64 walker uses 0 = root, 3 = leaf).
func pageFault(va addr.GuestAddr, level int, cause fault.Cause, access fault.AccessClass) error {
	return &fault.PageFault{
		Addr:   uint64(va),
		Level:  level,
		Cause:  cause,
		Access: access,
	}
}
