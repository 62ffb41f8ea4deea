// riscv64.go - RISC-V Sv39 and Sv48 walkers

/*
RISCVWalker implements both Sv39 (3-level, 39-bit VA) and Sv48 (4-level,
48-bit VA) per spec §4.2's RISC-V entry; Levels selects which. A RISC-V
PTE is a leaf as soon as any of R/W/X is set (even at a non-final level,
giving superpages); an all-zero R/W/X with V=1 marks a pointer to the
next level. An entry with V=0 is not-present; W=1,R=0 is the
reserved-encoding case spec's fault taxonomy calls out explicitly.
*/
package walk

import (
	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/fault"
)

const (
	rvValidBit    = 1 << 0
	rvReadBit     = 1 << 1
	rvWriteBit    = 1 << 2
	rvExecBit     = 1 << 3
	rvUserBit     = 1 << 4
	rvPPNShift    = 10
)

// RISCVWalker walks Sv39 (Levels=3) or Sv48 (Levels=4) page tables.
type RISCVWalker struct {
	Levels int
}

func (w RISCVWalker) Walk(mem Reader, root addr.GuestPhysAddr, va addr.GuestAddr, access fault.AccessClass) (Result, error) {
	levels := w.Levels
	if levels != 3 && levels != 4 {
		levels = 3
	}

	idx := make([]uint64, levels)
	for i := 0; i < levels; i++ {
		shift := uint(12 + 9*i)
		idx[i] = (uint64(va) >> shift) & 0x1FF
	}

	perm := Perm{Readable: true, Writable: true, Executable: true, User: true}
	tableBase := root

	for level := levels - 1; level >= 0; level-- {
		entryPA := tableBase.AlignedDown(12) + addr.GuestPhysAddr(idx[level]*8)
		pte, err := mem.Read(entryPA, 8)
		if err != nil {
			return Result{}, err
		}
		if pte&rvValidBit == 0 {
			return Result{}, pageFault(va, level, fault.CausePageNotPresent, access)
		}
		r := pte&rvReadBit != 0
		wbit := pte&rvWriteBit != 0
		x := pte&rvExecBit != 0
		if !r && wbit {
			return Result{}, pageFault(va, level, fault.CauseReservedPTEEncoding, access)
		}
		if !r && !wbit && !x {
			// Pointer to next level.
			ppn := (pte >> rvPPNShift) << 12
			tableBase = addr.GuestPhysAddr(ppn)
			continue
		}
		user := pte&rvUserBit != 0
		perm = perm.and(r, wbit, x, user)
		if !permitted(perm, access) {
			return Result{}, pageFault(va, level, fault.CausePermissionDenied, access)
		}
		pageSize := uint64(1) << uint(12+9*level)
		ppn := (pte >> rvPPNShift) << 12
		phys := addr.GuestPhysAddr(ppn) &^ addr.GuestPhysAddr(pageSize-1)
		return Result{PhysAddr: phys, PageSize: pageSize, Perm: perm}, nil
	}
	return Result{}, pageFault(va, 0, fault.CausePageNotPresent, access)
}
