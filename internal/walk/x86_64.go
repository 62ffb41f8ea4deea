// x86_64.go - x86-64 4-level page table walker

/*
X8664Walker implements the standard 4-level (PML4 -> PDPT -> PD -> PT)
x86-64 walk with 4KiB leaf pages, honouring the PS (page size) bit at the
PD and PDPT levels for 2MiB and 1GiB pages. Table layout and bit positions
follow spec §4.2's x86-64 entry.

Grounded on the teacher's cpu_ie64.go instruction-fetch addressing helpers
for the "shift/mask a fixed-width field out of a 64-bit word" idiom; the
multi-level walk itself is new, since the teacher's ie64 core runs
MMU-off.
*/
package walk

import (
	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/fault"
)

const (
	x86PresentBit  = 1 << 0
	x86WritableBit = 1 << 1
	x86UserBit     = 1 << 2
	x86PSBit       = 1 << 7 // page size: 2MiB at PD, 1GiB at PDPT
	x86NXBit       = 1 << 63
	x86AddrMask    = 0x000F_FFFF_FFFF_F000 // bits 12..51
)

// X8664Walker walks the standard 4-level x86-64 page table format.
type X8664Walker struct{}

func (X8664Walker) Walk(mem Reader, root addr.GuestPhysAddr, va addr.GuestAddr, access fault.AccessClass) (Result, error) {
	idx := [4]uint64{
		(uint64(va) >> 39) & 0x1FF, // PML4
		(uint64(va) >> 30) & 0x1FF, // PDPT
		(uint64(va) >> 21) & 0x1FF, // PD
		(uint64(va) >> 12) & 0x1FF, // PT
	}

	perm := Perm{Readable: true, Writable: true, Executable: true, User: true}
	tableBase := root

	for level := 3; level >= 0; level-- {
		entryPA := tableBase.AlignedDown(12) + addr.GuestPhysAddr(idx[3-level]*8)
		pte, err := mem.Read(entryPA, 8)
		if err != nil {
			return Result{}, err
		}
		if pte&x86PresentBit == 0 {
			return Result{}, pageFault(va, level, fault.CausePageNotPresent, access)
		}
		writable := pte&x86WritableBit != 0
		user := pte&x86UserBit != 0
		executable := pte&x86NXBit == 0
		perm = perm.and(true, writable, executable, user)

		isLeaf := level == 0
		if level == 2 && pte&x86PSBit != 0 {
			isLeaf = true // PDPT entry: 1GiB page
		}
		if level == 1 && pte&x86PSBit != 0 {
			isLeaf = true // PD entry: 2MiB page
		}

		if isLeaf {
			if !permitted(perm, access) {
				return Result{}, pageFault(va, level, fault.CausePermissionDenied, access)
			}
			pageSize := uint64(1) << 12
			switch level {
			case 2:
				pageSize = 1 << 30
			case 1:
				pageSize = 1 << 21
			}
			phys := addr.GuestPhysAddr(pte&x86AddrMask) &^ addr.GuestPhysAddr(pageSize-1)
			return Result{PhysAddr: phys, PageSize: pageSize, Perm: perm}, nil
		}

		tableBase = addr.GuestPhysAddr(pte & x86AddrMask)
	}
	return Result{}, pageFault(va, 0, fault.CausePageNotPresent, access)
}

func permitted(p Perm, access fault.AccessClass) bool {
	switch access {
	case fault.AccessRead:
		return p.Readable
	case fault.AccessWrite:
		return p.Writable
	case fault.AccessExec:
		return p.Executable
	default:
		return false
	}
}
