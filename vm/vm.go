// vm.go - External API surface (spec §6)

/*
Package vm is the one package meant to be imported by an external
collaborator: a CLI driver, a device-model host, a debugger. It wires
together internal/memory, internal/mmu, internal/codecache, the three
per-architecture decoders, and internal/coordinator behind the verb set
spec §6 names (create_vm, load_image, set/get_registers, run,
inject_interrupt, request_safepoint, stats, snapshot/restore). Nothing in
internal/ is reachable from outside the module; this package is the only
external contract.

Grounded on the teacher's machine_bus.go, which plays the same role for
the teacher's emulated machines (owns memory, wires every chip together,
exposes a small verb set to main.go); generalised from "wire one fixed
machine's chips" to "wire a configurable guest architecture's MMU,
decoder, and tiered engines".
*/
package vm

import (
	"fmt"

	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/codecache"
	"github.com/corevm-project/corevm/internal/coordinator"
	"github.com/corevm-project/corevm/internal/decode"
	"github.com/corevm-project/corevm/internal/decode/arm64"
	"github.com/corevm-project/corevm/internal/decode/riscv64"
	"github.com/corevm-project/corevm/internal/decode/x86"
	"github.com/corevm-project/corevm/internal/gc"
	"github.com/corevm-project/corevm/internal/ir"
	"github.com/corevm-project/corevm/internal/memory"
	"github.com/corevm-project/corevm/internal/mmu"
	"github.com/corevm-project/corevm/internal/vendor"
)

// frontend restates the decoder shape internal/coordinator expects,
// purely so newDecoder below has a concrete return type; the three
// per-architecture decoder packages need not know this interface exists.
type frontend interface {
	Decode(pc ir.GuestPC, fetch func(n int) ([]byte, error)) (*ir.Block, error)
	RegisterVendor(vd decode.VendorDecoder)
	InvalidateCache()
}

// Arch is the guest architecture a VM is configured for.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchAArch64
	ArchRISCV64Sv39
	ArchRISCV64Sv48
)

// Config declares everything create_vm needs (spec §6).
type Config struct {
	Arch       Arch
	MemorySize uint64
	VCPUCount  int

	BaselineThreshold  uint64 // 0 uses coordinator.DefaultConfig's value
	OptimizedThreshold uint64
	SyncCompile        bool // compile inline; used by deterministic tests
	DecodeCacheCapacity int
	BlockCacheCapacity  int
	GCBarrier           gc.Strategy

	// Clock is the external monotonic-nanoseconds source (spec §6). When
	// set together with CPUBudgetNanos, each Run call gets a CPU-time
	// deadline checked at block boundaries.
	Clock          func() int64
	CPUBudgetNanos int64
}

// SyscallDecisionKind is the external syscall handler's verdict (spec
// §6: Continue(next_pc), Reschedule, or Halt(code)).
type SyscallDecisionKind int

const (
	SyscallContinue SyscallDecisionKind = iota
	SyscallReschedule
	SyscallHalt
)

// SyscallDecision carries the handler's verdict. NextPC is the absolute
// resume PC for SyscallContinue; a handler that wants to resume in
// place passes the regs.PC it was handed. Code is the halt code for
// SyscallHalt.
type SyscallDecision struct {
	Kind   SyscallDecisionKind
	NextPC uint64
	Code   int64
}

// SyscallHandler is the external syscall/hypercall collaborator (spec
// §6): it receives the requesting vCPU's state and decides how
// execution proceeds. Register writes made through the returned
// Registers value are not applied; use SetRegisters for that.
type SyscallHandler func(vcpu int, regs Registers) SyscallDecision

// Registers is the external, architecture-neutral register view (spec §6
// set_registers/get_registers).
type Registers struct {
	GPR [64]uint64
	PC  uint64
}

// VM is one running guest instance: its memory, MMU, coordinator, and
// vCPU set.
type VM struct {
	cfg   Config
	mem   *memory.Physical
	mmu   *mmu.MMU
	coord *coordinator.Coordinator
	vcpus []*coordinator.VCPU
	alloc *codecache.Allocator
	barrier gc.Barrier
	syscall SyscallHandler
	accel   Accelerator
}

// CreateVM builds a VM per cfg (spec §6 create_vm).
func CreateVM(cfg Config) (*VM, error) {
	if cfg.VCPUCount <= 0 {
		return nil, fmt.Errorf("vm: VCPUCount must be positive")
	}
	if cfg.MemorySize == 0 {
		return nil, fmt.Errorf("vm: MemorySize must be positive")
	}

	mem := memory.NewPhysical(cfg.MemorySize)
	m := mmu.New(mem, toMMUArch(cfg.Arch))

	decodeCap := cfg.DecodeCacheCapacity
	if decodeCap <= 0 {
		decodeCap = 1024
	}
	decoder, err := newDecoder(cfg.Arch, decodeCap)
	if err != nil {
		return nil, err
	}

	alloc, err := codecache.NewAllocator()
	if err != nil {
		return nil, fmt.Errorf("vm: code-page allocator: %w", err)
	}

	ccfg := coordinator.DefaultConfig()
	if cfg.BaselineThreshold > 0 {
		ccfg.BaselineThreshold = cfg.BaselineThreshold
	}
	if cfg.OptimizedThreshold > 0 {
		ccfg.OptimizedThreshold = cfg.OptimizedThreshold
	}
	if cfg.BlockCacheCapacity > 0 {
		ccfg.BlockCacheCapacity = cfg.BlockCacheCapacity
	}
	ccfg.SyncCompile = cfg.SyncCompile

	coord := coordinator.New(m, decoder, alloc, ccfg)
	if cfg.Clock != nil {
		coord.SetClock(cfg.Clock)
	}

	vcpus := make([]*coordinator.VCPU, cfg.VCPUCount)
	for i := range vcpus {
		vcpus[i] = coordinator.NewVCPU(i)
	}

	return &VM{
		cfg:     cfg,
		mem:     mem,
		mmu:     m,
		coord:   coord,
		vcpus:   vcpus,
		alloc:   alloc,
		barrier: gc.New(cfg.GCBarrier),
	}, nil
}

// Close releases the VM's background compile workers.
func (v *VM) Close() error { return v.coord.Close() }

// RegisterVendorDecoder installs a decode-time vendor sub-decoder, so
// bytes outside the base ISA lift into OpVendor IR ops.
func (v *VM) RegisterVendorDecoder(vd decode.VendorDecoder) {
	v.coord.RegisterVendorDecoder(vd)
}

// RegisterVendorHandler installs a run-time handler for OpVendor ops
// carrying h's tag.
func (v *VM) RegisterVendorHandler(h vendor.Handler) {
	v.coord.RegisterVendorHandler(h)
}

// SetPagingMode enables or disables guest paging. Boot orchestration is
// an external collaborator (spec §1), so the control knob lives on the
// external surface: firmware code running outside the core sets up page
// tables in guest memory and flips this. Enabling or disabling always
// flushes the TLB.
func (v *VM) SetPagingMode(enabled bool, rootPA uint64, asid uint32) {
	v.mmu.SetPagingMode(enabled, addr.GuestPhysAddr(rootPA), asid)
}

// LoadImage places bytes at guest physical address pa (spec §6
// load_image).
func (v *VM) LoadImage(pa uint64, bytes []byte) error {
	return v.mem.WriteBulk(pa, bytes)
}

// ReadMemory fills dst from guest physical address pa, the read-side
// counterpart to LoadImage used by callers (and tests) that need to
// inspect guest memory directly rather than through a vCPU's registers.
func (v *VM) ReadMemory(pa uint64, dst []byte) error {
	return v.mem.ReadBulk(pa, dst)
}

// SetRegisters installs regs as vcpu's architectural state (spec §6
// set_registers).
func (v *VM) SetRegisters(vcpu int, regs Registers) error {
	cpu, err := v.vcpu(vcpu)
	if err != nil {
		return err
	}
	copy(cpu.Regs.GPR[:len(regs.GPR)], regs.GPR[:])
	cpu.Regs.PC = pcFromU64(regs.PC)
	return nil
}

// GetRegisters returns vcpu's current architectural state (spec §6
// get_registers).
func (v *VM) GetRegisters(vcpu int) (Registers, error) {
	cpu, err := v.vcpu(vcpu)
	if err != nil {
		return Registers{}, err
	}
	var out Registers
	copy(out.GPR[:], cpu.Regs.GPR[:len(out.GPR)])
	out.PC = uint64(cpu.Regs.PC)
	return out, nil
}

// SetSyscallHandler installs the external syscall collaborator. With no
// handler installed, Run surfaces syscall_requested to its caller.
func (v *VM) SetSyscallHandler(h SyscallHandler) { v.syscall = h }

// Run runs vcpu until a non-continuing status is produced (spec §6
// run). Syscall requests are dispatched to the installed handler, if
// any; its Continue verdict resumes the guest without surfacing.
func (v *VM) Run(vcpu int) (coordinator.ExecStatus, error) {
	cpu, err := v.vcpu(vcpu)
	if err != nil {
		return coordinator.ExecStatus{}, err
	}
	if clock := v.coord.Clock(); clock != nil && v.cfg.CPUBudgetNanos > 0 {
		cpu.DeadlineNanos = clock() + v.cfg.CPUBudgetNanos
	}
	if v.accelUsable() {
		status, done, err := v.runAccelerated(vcpu)
		if err != nil || done {
			return status, err
		}
		// Fallback exit: continue under the software pipeline below.
	}
	for {
		status, err := v.coord.Run(cpu, 0)
		if err != nil || status.Kind != coordinator.StatusSyscallRequested || v.syscall == nil {
			return status, err
		}
		regs, err := v.GetRegisters(vcpu)
		if err != nil {
			return status, err
		}
		switch d := v.syscall(vcpu, regs); d.Kind {
		case SyscallContinue:
			cpu.Regs.PC = pcFromU64(d.NextPC)
		case SyscallHalt:
			return coordinator.ExecStatus{Kind: coordinator.StatusHalted, Code: d.Code}, nil
		default: // SyscallReschedule: the caller picks another vCPU
			return status, nil
		}
	}
}

// InjectInterrupt asynchronously delivers vector to vcpu (spec §6
// inject_interrupt).
func (v *VM) InjectInterrupt(vcpu int, vector uint32) error {
	cpu, err := v.vcpu(vcpu)
	if err != nil {
		return err
	}
	v.coord.InjectInterrupt(cpu, vector)
	return nil
}

// RequestSafepoint asks every vCPU to suspend at its next poll (spec §6
// request_safepoint, asynchronous).
func (v *VM) RequestSafepoint() { v.coord.SafepointHandle().Request() }

// ReleaseSafepoint resumes vCPUs parked by a prior RequestSafepoint.
func (v *VM) ReleaseSafepoint() { v.coord.SafepointHandle().Release() }

// StatsSnapshot reports the counters spec §6's stats() names: TLB
// behaviour, tier distribution, and compile activity.
type StatsSnapshot struct {
	TLBHitsL1, TLBHitsL2, TLBHitsL3 uint64
	TLBMisses, TLBEvictions, TLBFlushes uint64
	SafepointWaiting int

	BlocksAtInterpreter, BlocksAtBaseline, BlocksAtOptimized int
	BaselineCompiles, OptimizedCompiles, DiamondsSynthesized uint64
}

// Stats returns a point-in-time snapshot of cache/TLB/safepoint counters
// (spec §6 stats).
func (v *VM) Stats() StatsSnapshot {
	t := v.mmu.Stats()
	ci, cb, co := v.coord.TierCounts()
	cs := v.coord.Stats()
	return StatsSnapshot{
		TLBHitsL1:           t.HitsL1,
		TLBHitsL2:           t.HitsL2,
		TLBHitsL3:           t.HitsL3,
		TLBMisses:           t.Misses,
		TLBEvictions:        t.Evictions,
		TLBFlushes:          t.Flushes,
		SafepointWaiting:    v.coord.SafepointHandle().Waiting(),
		BlocksAtInterpreter: ci,
		BlocksAtBaseline:    cb,
		BlocksAtOptimized:   co,
		BaselineCompiles:    cs.BaselineCompiles,
		OptimizedCompiles:   cs.OptimizedCompiles,
		DiamondsSynthesized: cs.DiamondsSynthesized,
	}
}

// VCPUCount returns the number of vCPUs this VM was created with.
func (v *VM) VCPUCount() int { return len(v.vcpus) }

func (v *VM) vcpu(i int) (*coordinator.VCPU, error) {
	if i < 0 || i >= len(v.vcpus) {
		return nil, fmt.Errorf("vm: vcpu index %d out of range [0,%d)", i, len(v.vcpus))
	}
	return v.vcpus[i], nil
}

func toMMUArch(a Arch) mmu.Arch {
	switch a {
	case ArchAArch64:
		return mmu.ArchAArch64
	case ArchRISCV64Sv39:
		return mmu.ArchRISCV64Sv39
	case ArchRISCV64Sv48:
		return mmu.ArchRISCV64Sv48
	default:
		return mmu.ArchX86_64
	}
}

func newDecoder(a Arch, cacheCapacity int) (frontend, error) {
	switch a {
	case ArchAArch64:
		return arm64.New(cacheCapacity), nil
	case ArchRISCV64Sv39, ArchRISCV64Sv48:
		return riscv64.New(cacheCapacity), nil
	case ArchX86_64:
		return x86.New(cacheCapacity), nil
	default:
		return nil, fmt.Errorf("vm: unknown architecture %d", a)
	}
}

func pcFromU64(pc uint64) ir.GuestPC { return ir.GuestPC(pc) }
