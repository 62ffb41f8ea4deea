// aarch64.go - AArch64 stage-1 4-level walker, 4KiB granule

/*
AArch64Walker implements a stage-1-only (no nested/stage-2 virtualisation)
4-level walk with a 4KiB translation granule, matching spec §4.2's
AArch64 entry. Table descriptors distinguish "block" (leaf, levels 1-2)
from "table" (levels 0-2) from "page" (leaf, level 3) using the low two
bits. A descriptor with the valid bit clear is reported as
CausePageNotPresent; a reserved encoding (bits == 0b01 at level 3, or a
block descriptor at level 0) is reported as CauseReservedPTEEncoding.
*/
package walk

import (
	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/fault"
)

const (
	armDescValidBit = 1 << 0
	armDescTypeBit  = 1 << 1 // 1 = table/page, 0 = block (when valid)
	armAPReadOnly   = 1 << 7 // AP[2]
	armAPUnpriv     = 1 << 6 // AP[1]: 1 = EL0 accessible
	armUXNBit       = 1 << 54
	armAddrMask     = 0x0000_FFFF_FFFF_F000
)

// AArch64Walker walks a stage-1 4KiB-granule translation table.
type AArch64Walker struct{}

func (AArch64Walker) Walk(mem Reader, root addr.GuestPhysAddr, va addr.GuestAddr, access fault.AccessClass) (Result, error) {
	idx := [4]uint64{
		(uint64(va) >> 39) & 0x1FF,
		(uint64(va) >> 30) & 0x1FF,
		(uint64(va) >> 21) & 0x1FF,
		(uint64(va) >> 12) & 0x1FF,
	}

	perm := Perm{Readable: true, Writable: true, Executable: true, User: true}
	tableBase := root

	for level := 0; level <= 3; level++ {
		entryPA := tableBase.AlignedDown(12) + addr.GuestPhysAddr(idx[level]*8)
		desc, err := mem.Read(entryPA, 8)
		if err != nil {
			return Result{}, err
		}
		if desc&armDescValidBit == 0 {
			return Result{}, pageFault(va, level, fault.CausePageNotPresent, access)
		}
		isTableType := desc&armDescTypeBit != 0

		if level == 3 {
			if !isTableType {
				return Result{}, pageFault(va, level, fault.CauseReservedPTEEncoding, access)
			}
			writable := desc&armAPReadOnly == 0
			user := desc&armAPUnpriv != 0
			executable := desc&armUXNBit == 0
			perm = perm.and(true, writable, executable, user)
			if !permitted(perm, access) {
				return Result{}, pageFault(va, level, fault.CausePermissionDenied, access)
			}
			phys := addr.GuestPhysAddr(desc & armAddrMask)
			return Result{PhysAddr: phys, PageSize: 1 << 12, Perm: perm}, nil
		}

		if !isTableType {
			// Block descriptor: a leaf at level 1 (1GiB) or level 2 (2MiB).
			if level == 0 {
				return Result{}, pageFault(va, level, fault.CauseReservedPTEEncoding, access)
			}
			writable := desc&armAPReadOnly == 0
			user := desc&armAPUnpriv != 0
			executable := desc&armUXNBit == 0
			perm = perm.and(true, writable, executable, user)
			if !permitted(perm, access) {
				return Result{}, pageFault(va, level, fault.CausePermissionDenied, access)
			}
			pageSize := uint64(1) << 30
			if level == 2 {
				pageSize = 1 << 21
			}
			phys := addr.GuestPhysAddr(desc&armAddrMask) &^ addr.GuestPhysAddr(pageSize-1)
			return Result{PhysAddr: phys, PageSize: pageSize, Perm: perm}, nil
		}

		tableBase = addr.GuestPhysAddr(desc & armAddrMask)
	}
	return Result{}, pageFault(va, 0, fault.CausePageNotPresent, access)
}
