// atomic.go - AtomicRMW / AtomicCmpXchg semantics

/*
atomic.go implements spec §4.6's atomicity rule ("atomic ops must be
executed as a single indivisible step from the point of view of other
vCPUs") and §8 property 9 ("no intermediate partial update is ever
observed"). Since every vCPU's interpreter instance runs IR for one vCPU
at a time, the indivisibility requirement is discharged by holding
physical memory's lock for the read-modify-write span via
Physical.AtomicRMW rather than doing a separate Translate+Read+Write sequence that
another vCPU's access could interleave with.
*/
package interp

import (
	"github.com/corevm-project/corevm/internal/addr"
	"github.com/corevm-project/corevm/internal/fault"
	"github.com/corevm-project/corevm/internal/ir"
)

func (in *Interp) execAtomicRMW(op ir.Op, regs *Regs) error {
	va, _ := addr.GuestAddr(regs.GPR[op.Base]).Add(int64(op.Offset))
	pa, err := in.m.Translate(va, fault.AccessWrite)
	if err != nil {
		return err
	}
	size := int(op.Flags.Size)
	operand := regs.GPR[op.Src2]
	signed := op.Signed
	var opErr error
	old, err := in.m.Memory().AtomicRMW(pa, size, func(old uint64) uint64 {
		switch op.AtomicOp {
		case ir.AtomicAdd:
			return old + operand
		case ir.AtomicSub:
			return old - operand
		case ir.AtomicAnd:
			return old & operand
		case ir.AtomicOr:
			return old | operand
		case ir.AtomicXor:
			return old ^ operand
		case ir.AtomicXchg:
			return operand
		case ir.AtomicMin:
			if signed {
				if int64(operand) < int64(old) {
					return operand
				}
				return old
			}
			if operand < old {
				return operand
			}
			return old
		case ir.AtomicMax:
			if signed {
				if int64(operand) > int64(old) {
					return operand
				}
				return old
			}
			if operand > old {
				return operand
			}
			return old
		default:
			opErr = &fault.ExecFault{PC: opPC(op, regs), Cause: fault.CauseInvalidOpcode}
			return old
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	regs.GPR[op.Dst] = old
	return nil
}

func (in *Interp) execAtomicCmpXchg(op ir.Op, regs *Regs) error {
	va, _ := addr.GuestAddr(regs.GPR[op.Base]).Add(int64(op.Offset))
	pa, err := in.m.Translate(va, fault.AccessWrite)
	if err != nil {
		return err
	}
	size := int(op.Flags.Size)
	expected := regs.GPR[op.Src1]
	newVal := regs.GPR[op.Src2]
	old, err := in.m.Memory().AtomicRMW(pa, size, func(old uint64) uint64 {
		if old == expected {
			return newVal
		}
		return old
	})
	if err != nil {
		return err
	}
	regs.GPR[op.Dst] = old
	return nil
}
