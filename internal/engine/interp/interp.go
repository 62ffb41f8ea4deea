// interp.go - Reference interpreter

/*
Package interp implements spec §4.6: authoritative IR semantics, one op
at a time, with a cooperative-yield step budget (spec §9: "realise
coroutine-style interpretation with an explicit step budget returning
control to the coordinator; do not require host-language coroutines").
Every other engine tier's output must match this package's behaviour
(spec §8 property 2); the baseline and optimizing JITs run every op
through ExecOneForJIT, so they share this package's semantics rather
than re-implementing them.

Grounded on the teacher's cpu_ie64.go/cpu_m68k.go big-switch-over-opcode
interpreters for the dispatch shape (fetch, switch on kind, advance);
generalised from a fixed per-arch opcode set to the shared IR's OpKind.
*/
package interp

import (
	"errors"
	"sync/atomic"

	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/fault"
	"github.com/corevm-project/corevm/internal/ir"
	"github.com/corevm-project/corevm/internal/mmu"
	"github.com/corevm-project/corevm/internal/vendor"
)

// Status is the result of running a block to its terminator or to a
// yield/fault/interrupt boundary (spec §4.6 "ExecStatus").
type Status int

const (
	StatusContinue Status = iota
	StatusHalted
	StatusFaulted
	StatusInterrupted
	StatusYielded // cooperative-yield step budget exhausted
	StatusSyscall // an OpSysCall executed; the coordinator dispatches it
)

// Regs is the flat guest register file the interpreter reads and writes
// directly (standard naming mode; SSA mode is a decode-time-only
// concept that has already been resolved to standard slots by the time
// IR reaches any engine, since all three engines execute against a
// single mutable register file at runtime). The slot layout is the one
// ir's RegVecBase/RegFlagsBase/RegScratchBase constants describe: guest
// GPRs first, then vector lanes, lazy condition values, and decoder
// scratch.
type Regs struct {
	GPR [ir.NumRegSlots]uint64
	PC  ir.GuestPC
}

// Interp runs IR blocks against a Regs file and an MMU.
type Interp struct {
	m *mmu.MMU

	stepBudget int // cooperative yield interval, default 100 (spec §4.6)
	steps      uint64
	sinceYield int

	vendors *vendor.Registry
}

// New creates an interpreter with the spec-default yield interval and no
// vendor handlers registered.
func New(m *mmu.MMU) *Interp {
	return &Interp{m: m, stepBudget: 100, vendors: vendor.NewRegistry()}
}

// SetStepBudget overrides the cooperative-yield interval.
func (in *Interp) SetStepBudget(n int) { in.stepBudget = n }

// VendorRegistry returns the registry OpVendor ops dispatch through, so a
// caller can register handlers before running any guest code.
func (in *Interp) VendorRegistry() *vendor.Registry { return in.vendors }

// Result carries everything the coordinator needs after one Run call.
type Result struct {
	NextPC ir.GuestPC
	Status Status
	Cause  fault.Cause // valid iff Status == StatusFaulted
	Vector uint32      // valid iff Status == StatusInterrupted
}

// Run executes b's ops in order, then its terminator, returning after a
// terminator fires, a fault occurs, or the step budget is exhausted.
func (in *Interp) Run(b *ir.Block, regs *Regs) (Result, error) {
	for _, op := range b.Ops {
		atomic.AddUint64(&in.steps, 1)
		in.sinceYield++
		if err := in.exec(op, regs); err != nil {
			if err == ErrSyscallRequest {
				return in.syscallResult(b, regs)
			}
			return in.faultResult(err, regs)
		}
	}
	res, err := in.execTerm(b, regs)
	if err != nil {
		return res, err
	}
	// Cooperative yield, checked at the block boundary: blocks are
	// immutable and short (spec's default cap is 64 ops), so yielding
	// between blocks rather than mid-block keeps invariant 2 intact
	// while still bounding the interval a task scheduler waits for
	// control (spec §4.6, §9 "explicit step budget returning control to
	// the coordinator").
	if in.stepBudget > 0 && in.sinceYield >= in.stepBudget {
		in.sinceYield = 0
		if res.Status == StatusContinue {
			res.Status = StatusYielded
		}
	}
	return res, nil
}

// syscallResult finishes the block after an OpSysCall so the resume PC
// is the syscall instruction's successor, then reports StatusSyscall.
// Decoders end a block at every syscall instruction, so the terminator
// here is always the fall-through jump the decoder emitted for it.
func (in *Interp) syscallResult(b *ir.Block, regs *Regs) (Result, error) {
	res, err := in.execTerm(b, regs)
	if err != nil {
		return res, err
	}
	if res.Status == StatusContinue {
		res.Status = StatusSyscall
	}
	return res, nil
}

// faultResult converts an exec/translation error into a Result, recording
// the faulting PC for an ExecFault (a PageFault already carries its own
// address inside Cause) and leaving regs.PC wherever it already was.
func (in *Interp) faultResult(err error, regs *Regs) (Result, error) {
	if ef, ok := err.(*fault.ExecFault); ok {
		regs.PC = ir.GuestPC(ef.PC)
		return Result{NextPC: regs.PC, Status: StatusFaulted, Cause: ef.Cause}, nil
	}
	if pf, ok := err.(*fault.PageFault); ok {
		return Result{NextPC: regs.PC, Status: StatusFaulted, Cause: pf.Cause}, nil
	}
	return Result{}, err
}

// ExecOneForJIT runs a single IR op's reference semantics. It is exposed
// so the baseline and optimizing JIT tiers can lower each op to a
// directly-dispatchable step while still sharing this package's
// authoritative semantics rather than re-implementing them (spec §8
// property 2 requires the tiers to agree bit-for-bit).
func (in *Interp) ExecOneForJIT(op ir.Op, regs *Regs) error { return in.exec(op, regs) }

// ExecTermForJIT runs a block's terminator against regs, for the same
// reason as ExecOneForJIT.
func (in *Interp) ExecTermForJIT(b *ir.Block, regs *Regs) (Result, error) { return in.execTerm(b, regs) }

// ResultFromError converts an error returned by ExecOneForJIT into the
// Result the interpreter itself would have produced for it, so the JIT
// tiers report faults with the same architectural state (spec §3
// invariant 4, §8 property 10).
func (in *Interp) ResultFromError(err error, regs *Regs) (Result, error) {
	return in.faultResult(err, regs)
}

// SyscallResultFor finishes b after an OpSysCall observed by a JIT tier,
// mirroring the interpreter's own syscallResult path.
func (in *Interp) SyscallResultFor(b *ir.Block, regs *Regs) (Result, error) {
	return in.syscallResult(b, regs)
}

func (in *Interp) exec(op ir.Op, regs *Regs) error {
	switch op.Kind {
	case ir.OpAdd:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] + operand2(op, regs)
	case ir.OpSub:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] - operand2(op, regs)
	case ir.OpMul:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] * operand2(op, regs)
	case ir.OpDiv:
		divisor := operand2(op, regs)
		if divisor == 0 {
			return &fault.ExecFault{PC: opPC(op, regs), Cause: fault.CauseDivideByZero}
		}
		if op.Signed && int64(regs.GPR[op.Src1]) == minInt64 && int64(divisor) == -1 {
			return &fault.ExecFault{PC: opPC(op, regs), Cause: fault.CauseSignedOverflow}
		}
		if op.Signed {
			regs.GPR[op.Dst] = uint64(int64(regs.GPR[op.Src1]) / int64(divisor))
		} else {
			regs.GPR[op.Dst] = regs.GPR[op.Src1] / divisor
		}
	case ir.OpRem:
		divisor := operand2(op, regs)
		if divisor == 0 {
			return &fault.ExecFault{PC: opPC(op, regs), Cause: fault.CauseDivideByZero}
		}
		if op.Signed {
			regs.GPR[op.Dst] = uint64(int64(regs.GPR[op.Src1]) % int64(divisor))
		} else {
			regs.GPR[op.Dst] = regs.GPR[op.Src1] % divisor
		}
	case ir.OpAnd:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] & operand2(op, regs)
	case ir.OpOr:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] | operand2(op, regs)
	case ir.OpXor:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] ^ operand2(op, regs)
	case ir.OpNot:
		regs.GPR[op.Dst] = ^regs.GPR[op.Src1]
	case ir.OpSll:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] << (operand2(op, regs) & 63)
	case ir.OpSrl:
		regs.GPR[op.Dst] = regs.GPR[op.Src1] >> (operand2(op, regs) & 63)
	case ir.OpSra:
		regs.GPR[op.Dst] = uint64(int64(regs.GPR[op.Src1]) >> (operand2(op, regs) & 63))
	case ir.OpMovImm:
		regs.GPR[op.Dst] = uint64(op.Imm)
	case ir.OpCmpEq:
		regs.GPR[op.Dst] = boolU64(regs.GPR[op.Src1] == operand2(op, regs))
	case ir.OpCmpNe:
		regs.GPR[op.Dst] = boolU64(regs.GPR[op.Src1] != operand2(op, regs))
	case ir.OpCmpLt:
		regs.GPR[op.Dst] = boolU64(int64(regs.GPR[op.Src1]) < int64(operand2(op, regs)))
	case ir.OpCmpLtU:
		regs.GPR[op.Dst] = boolU64(regs.GPR[op.Src1] < operand2(op, regs))
	case ir.OpCmpGe:
		regs.GPR[op.Dst] = boolU64(int64(regs.GPR[op.Src1]) >= int64(operand2(op, regs)))
	case ir.OpCmpGeU:
		regs.GPR[op.Dst] = boolU64(regs.GPR[op.Src1] >= operand2(op, regs))
	case ir.OpSelect:
		if regs.GPR[op.Src1] != 0 {
			regs.GPR[op.Dst] = regs.GPR[op.Src2]
		} else if op.HasImm {
			regs.GPR[op.Dst] = uint64(op.Imm)
		} else {
			regs.GPR[op.Dst] = regs.GPR[op.Base]
		}
	case ir.OpLoad:
		va, _ := addr.GuestAddr(regs.GPR[op.Base]).Add(int64(op.Offset))
		pa, err := in.m.Translate(va, fault.AccessRead)
		if err != nil {
			return err
		}
		v, err := in.readMem(pa, int(op.Flags.Size))
		if err != nil {
			return err
		}
		if op.Flags.Signed && op.Flags.Size < 8 {
			shift := 64 - uint(op.Flags.Size)*8
			v = uint64(int64(v<<shift) >> shift)
		}
		regs.GPR[op.Dst] = v
	case ir.OpStore:
		va, _ := addr.GuestAddr(regs.GPR[op.Base]).Add(int64(op.Offset))
		pa, err := in.m.Translate(va, fault.AccessWrite)
		if err != nil {
			return err
		}
		return in.writeMem(pa, regs.GPR[op.Src1], int(op.Flags.Size))
	case ir.OpAtomicRMW:
		return in.execAtomicRMW(op, regs)
	case ir.OpAtomicCmpXchg:
		return in.execAtomicCmpXchg(op, regs)
	case ir.OpVecAdd, ir.OpVecSub, ir.OpVecMul:
		return in.execVec(op, regs)
	case ir.OpTlbFlush:
		if op.HasImm {
			in.m.FlushPage(addr.GuestAddr(op.Imm))
		} else {
			in.m.FlushTLB()
		}
	case ir.OpDebugBreak:
		// No architectural effect beyond a notification hook the
		// coordinator may observe via its own status reporting.
	case ir.OpSysCall:
		// SysCall suspends the vCPU so the coordinator can dispatch the
		// external syscall handler (spec §6). The sentinel is caught by
		// Run/the JIT tiers, which finish the block's terminator first so
		// the resume PC lands on the syscall's successor instruction.
		return ErrSyscallRequest
	case ir.OpVendor:
		get := func(r ir.VReg) uint64 { return regs.GPR[r] }
		set := func(r ir.VReg, v uint64) { regs.GPR[r] = v }
		if err := in.vendors.Dispatch(op, get, set); err != nil {
			return &fault.ExecFault{PC: opPC(op, regs), Cause: fault.CauseInvalidOpcode}
		}
	default:
		return &fault.ExecFault{PC: opPC(op, regs), Cause: fault.CauseInvalidOpcode}
	}
	return nil
}

// opPC is the guest address a fault raised by op reports: the op's own
// instruction address when the decoder recorded one, else wherever the
// PC already points (hand-built blocks in tests).
func opPC(op ir.Op, regs *Regs) uint64 {
	if op.InsnPC != 0 {
		return uint64(op.InsnPC)
	}
	return uint64(regs.PC)
}

func (in *Interp) execTerm(b *ir.Block, regs *Regs) (Result, error) {
	t := b.Term
	switch t.Kind {
	case ir.TermRet:
		switch t.Link {
		case ir.LinkStack:
			va := addr.GuestAddr(regs.GPR[t.StackReg])
			pa, err := in.m.Translate(va, fault.AccessRead)
			if err != nil {
				return in.faultResult(err, regs)
			}
			v, err := in.readMem(pa, 8)
			if err != nil {
				return in.faultResult(err, regs)
			}
			regs.GPR[t.StackReg] += 8
			regs.PC = ir.GuestPC(v)
		case ir.LinkRegister:
			regs.PC = ir.GuestPC(regs.GPR[t.LinkReg])
		}
		return Result{NextPC: regs.PC, Status: StatusHalted}, nil
	case ir.TermJmp:
		regs.PC = t.Target
		return Result{NextPC: regs.PC, Status: StatusContinue}, nil
	case ir.TermJmpReg:
		target := ir.GuestPC(int64(regs.GPR[t.Base]) + int64(t.Offset))
		regs.PC = target
		return Result{NextPC: regs.PC, Status: StatusContinue}, nil
	case ir.TermCondJmp:
		if regs.GPR[t.Cond] != 0 {
			regs.PC = t.Target
		} else {
			regs.PC = t.Else
		}
		return Result{NextPC: regs.PC, Status: StatusContinue}, nil
	case ir.TermCall:
		switch t.Link {
		case ir.LinkStack:
			newSP := regs.GPR[t.StackReg] - 8
			va := addr.GuestAddr(newSP)
			pa, err := in.m.Translate(va, fault.AccessWrite)
			if err != nil {
				return in.faultResult(err, regs)
			}
			if err := in.writeMem(pa, uint64(t.RetPC), 8); err != nil {
				return in.faultResult(err, regs)
			}
			regs.GPR[t.StackReg] = newSP
		case ir.LinkRegister:
			regs.GPR[t.LinkReg] = uint64(t.RetPC)
		}
		regs.PC = t.Target
		return Result{NextPC: regs.PC, Status: StatusContinue}, nil
	case ir.TermFault:
		if t.InsnPC != 0 {
			regs.PC = t.InsnPC
		}
		return Result{NextPC: regs.PC, Status: StatusFaulted, Cause: t.FaultCause}, nil
	case ir.TermInterrupt:
		if t.InsnPC != 0 {
			regs.PC = t.InsnPC
		}
		return Result{NextPC: regs.PC, Status: StatusInterrupted, Vector: t.InterruptVec}, nil
	default:
		return Result{}, &fault.ExecFault{PC: uint64(regs.PC), Cause: fault.CauseInvalidOpcode}
	}
}

func operand2(op ir.Op, regs *Regs) uint64 {
	if op.HasImm {
		return uint64(op.Imm)
	}
	return regs.GPR[op.Src2]
}

func boolU64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

const minInt64 = -9223372036854775808

// ErrSyscallRequest is the sentinel exec returns when an OpSysCall
// executes. It is not a fault: Run and the JIT tiers catch it and
// convert it into StatusSyscall after finishing the block.
var ErrSyscallRequest = errors.New("interp: syscall requested")

func (in *Interp) readMem(pa addr.GuestPhysAddr, size int) (uint64, error) {
	return in.m.Memory().Read(pa, size)
}

func (in *Interp) writeMem(pa addr.GuestPhysAddr, val uint64, size int) error {
	return in.m.Memory().Write(pa, val, size)
}
