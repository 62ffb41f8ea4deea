// accel.go - Optional hardware-virtualization accelerator contract

/*
accel.go defines spec §6's optional accelerator contract: an external
collaborator with "run guest registers+memory until exit" semantics
(KVM, HVF, WHPX - their plumbing is out of scope, spec §1). The core
uses it in same-architecture mode only and treats exits as equivalent
to IR-block terminators: each exit maps onto the same ExecStatus values
translated execution produces, and an AccelFallback exit hands the vCPU
to the software pipeline at its current PC.

Grounded on the teacher's features.go runtime-capability probing shape
(pick a backend at startup, fall back to the portable path when the
capability is absent), applied to virtualization instead of audio.
*/
package vm

import (
	"runtime"

	"github.com/corevm-project/corevm/internal/coordinator"
)

// AccelExitKind classifies why the accelerator returned.
type AccelExitKind int

const (
	// AccelFallback asks the core to continue this vCPU under the
	// software pipeline (unsupported instruction, emulation required).
	AccelFallback AccelExitKind = iota
	AccelHalt
	AccelInterrupt
	AccelFault
)

// AccelExit is one accelerator exit, equivalent to a block terminator
// firing.
type AccelExit struct {
	Kind   AccelExitKind
	Vector uint32 // AccelInterrupt
	Code   int64  // AccelHalt
}

// Accelerator is the external hardware-virtualization collaborator. The
// implementation owns the mapping of guest memory into the hardware
// guest; register state crosses the boundary through regs, which the
// accelerator mutates in place.
type Accelerator interface {
	RunUntilExit(vcpu int, regs *Registers) (AccelExit, error)
}

// SetAccelerator installs the accelerator. It is consulted only when
// the guest architecture matches the host's; heterogeneous guests
// always run through binary translation.
func (v *VM) SetAccelerator(a Accelerator) { v.accel = a }

// accelUsable reports whether the installed accelerator may run this
// VM's guest: hardware virtualization is same-architecture only.
func (v *VM) accelUsable() bool {
	if v.accel == nil {
		return false
	}
	switch v.cfg.Arch {
	case ArchX86_64:
		return runtime.GOARCH == "amd64"
	case ArchAArch64:
		return runtime.GOARCH == "arm64"
	case ArchRISCV64Sv39, ArchRISCV64Sv48:
		return runtime.GOARCH == "riscv64"
	}
	return false
}

// runAccelerated drives the accelerator until an exit that does not
// fall back. ok=false means the caller should continue under the
// software pipeline.
func (v *VM) runAccelerated(vcpu int) (coordinator.ExecStatus, bool, error) {
	regs, err := v.GetRegisters(vcpu)
	if err != nil {
		return coordinator.ExecStatus{}, false, err
	}
	exit, err := v.accel.RunUntilExit(vcpu, &regs)
	if setErr := v.SetRegisters(vcpu, regs); setErr != nil {
		return coordinator.ExecStatus{}, false, setErr
	}
	if err != nil {
		return coordinator.ExecStatus{}, false, err
	}
	switch exit.Kind {
	case AccelHalt:
		return coordinator.ExecStatus{Kind: coordinator.StatusHalted, Code: exit.Code}, true, nil
	case AccelInterrupt:
		return coordinator.ExecStatus{Kind: coordinator.StatusInterrupted, Vector: exit.Vector}, true, nil
	case AccelFault:
		return coordinator.ExecStatus{Kind: coordinator.StatusFaulted, PC: pcFromU64(regs.PC)}, true, nil
	default: // AccelFallback
		return coordinator.ExecStatus{}, false, nil
	}
}
