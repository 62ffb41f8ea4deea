// optimizing.go - Second-tier optimizing JIT

/*
Package optimizing implements spec §4.8: additional passes over a hot
block's IR before handing the result to the same lowering machinery
internal/engine/baseline already provides (the two tiers differ in the
passes run beforehand and in the register-allocation/chaining policy the
coordinator applies afterward, not in the underlying Program
representation — spec §9's "deep hierarchies of optimizer and engine
abstractions" note calls for behavioural dispatch on tier, not a
parallel implementation per tier).

Passes Compile runs, in order: constant folding, dead-code elimination,
instruction combining, a small peephole pass (self-XOR, AND with zero),
and renaming of temporaries onto a colored set (regalloc.go).
Conditional-execution synthesis (condexec.go) rewrites IR: it merges a
diamond of blocks into one block of Select ops, and the coordinator's
compile worker applies it at optimized promotion when ShouldSynthesize
approves. BranchBias feeds only that decision; no pass reorders blocks
by branch probability.

Grounded on spec §4.8 directly; the teacher has no optimizing compiler to
draw from (its CPUs interpret only), so this package's pass structure
follows the generic "repeated fixed-point pass over a slice" shape common
to the teacher's multi-pass asset loaders (e.g. the sprite/tile format
loaders apply a small fixed sequence of decode stages) rather than any
CPU-specific code.
*/
package optimizing

import (
	"github.com/corevm-project/corevm/internal/codecache"
	"github.com/corevm-project/corevm/internal/engine/baseline"
	"github.com/corevm-project/corevm/internal/engine/interp"
	"github.com/corevm-project/corevm/internal/ir"
)

// BranchBias records the measured taken-probability for a block's
// CondJmp terminator, used for the coordinator's conditional-execution
// synthesis decision (ShouldSynthesize).
type BranchBias struct {
	TakenCount uint64
	TotalCount uint64
}

// Probability returns the fraction of observed executions that took the
// true branch.
func (b BranchBias) Probability() float64 {
	if b.TotalCount == 0 {
		return 0.5
	}
	return float64(b.TakenCount) / float64(b.TotalCount)
}

// Compiler runs the optimizing passes then reuses baseline.Compiler for
// the actual Program lowering.
type Compiler struct {
	lower *baseline.Compiler
}

func New(alloc *codecache.Allocator, in *interp.Interp) *Compiler {
	return &Compiler{lower: baseline.New(alloc, in)}
}

// Compile runs the optimizing passes over b, then lowers the result.
func (c *Compiler) Compile(b *ir.Block) (*baseline.Program, error) {
	optimized := constantFold(b)
	optimized = deadCodeEliminate(optimized)
	optimized = combine(optimized)
	optimized = peephole(optimized)
	optimized = renameTemporaries(optimized)
	return c.lower.Compile(optimized)
}

// combine folds adjacent op pairs a peephole over single ops cannot see
// (spec §4.8 "instruction combining"): chained immediate adds or
// subtracts on the same register, chained left shifts, and chained
// immediate masks.
func combine(b *ir.Block) *ir.Block {
	out := make([]ir.Op, 0, len(b.Ops))
	for _, op := range b.Ops {
		if n := len(out); n > 0 {
			prev := out[n-1]
			if merged, ok := combinePair(prev, op); ok {
				out[n-1] = merged
				continue
			}
		}
		out = append(out, op)
	}
	return rebuilt(b, out)
}

func combinePair(a, b ir.Op) (ir.Op, bool) {
	// Both ops must be immediate forms chaining through the same
	// register: a writes Dst, b reads it as Src1 and overwrites it.
	if !a.HasImm || !b.HasImm || a.Dst != b.Dst || b.Src1 != a.Dst || a.Src1 != a.Dst {
		return ir.Op{}, false
	}
	addImm := func(op ir.Op) (int64, bool) {
		switch op.Kind {
		case ir.OpAdd:
			return op.Imm, true
		case ir.OpSub:
			return -op.Imm, true
		}
		return 0, false
	}
	if ai, ok := addImm(a); ok {
		if bi, ok := addImm(b); ok {
			return ir.Op{Kind: ir.OpAdd, Dst: a.Dst, Src1: a.Dst, Imm: ai + bi, HasImm: true}, true
		}
	}
	if a.Kind == ir.OpSll && b.Kind == ir.OpSll && a.Imm+b.Imm < 64 {
		return ir.Op{Kind: ir.OpSll, Dst: a.Dst, Src1: a.Dst, Imm: a.Imm + b.Imm, HasImm: true}, true
	}
	if a.Kind == ir.OpAnd && b.Kind == ir.OpAnd {
		return ir.Op{Kind: ir.OpAnd, Dst: a.Dst, Src1: a.Dst, Imm: a.Imm & b.Imm, HasImm: true}, true
	}
	return ir.Op{}, false
}

// constantFold replaces arithmetic ops whose operands are both
// known-constant MovImm results (within the same block, ignoring
// cross-block value numbering per this repository's Open Question
// decision, see DESIGN.md) with a single MovImm.
func constantFold(b *ir.Block) *ir.Block {
	known := make(map[ir.VReg]int64)
	out := make([]ir.Op, 0, len(b.Ops))
	for _, op := range b.Ops {
		if op.Kind == ir.OpMovImm {
			known[op.Dst] = op.Imm
			out = append(out, op)
			continue
		}
		if v1, ok1 := known[op.Src1]; ok1 {
			var v2 int64
			var ok2 bool
			if op.HasImm {
				v2, ok2 = op.Imm, true
			} else {
				v2, ok2 = known[op.Src2]
			}
			if ok2 {
				if folded, ok := foldBinary(op.Kind, v1, v2); ok {
					known[op.Dst] = folded
					out = append(out, ir.Op{Kind: ir.OpMovImm, Dst: op.Dst, Imm: folded, HasImm: true})
					continue
				}
			}
		}
		delete(known, op.Dst)
		out = append(out, op)
	}
	return rebuilt(b, out)
}

func foldBinary(kind ir.OpKind, a, bImm int64) (int64, bool) {
	switch kind {
	case ir.OpAdd:
		return a + bImm, true
	case ir.OpSub:
		return a - bImm, true
	case ir.OpMul:
		return a * bImm, true
	case ir.OpAnd:
		return a & bImm, true
	case ir.OpOr:
		return a | bImm, true
	case ir.OpXor:
		return a ^ bImm, true
	default:
		return 0, false
	}
}

// deadCodeEliminate drops ops with no side effect whose destination is a
// decoder temporary never read again in the block (memory ops, atomics,
// syscalls, and vendor escapes are never eliminated). Writes to guest
// registers and condition slots are always kept: later blocks may read
// them.
func deadCodeEliminate(b *ir.Block) *ir.Block {
	used := make(map[ir.VReg]bool)
	used[b.Term.Cond] = true
	used[b.Term.Base] = true

	live := make([]bool, len(b.Ops))
	for i := len(b.Ops) - 1; i >= 0; i-- {
		op := b.Ops[i]
		if hasSideEffect(op.Kind) || used[op.Dst] || !isTemporary(op.Dst) {
			live[i] = true
			used[op.Src1] = true
			used[op.Src2] = true
			used[op.Base] = true
			for _, r := range op.WideSrc {
				used[r] = true
			}
			for _, r := range op.VendorOperands {
				used[r] = true
			}
		}
	}
	out := make([]ir.Op, 0, len(b.Ops))
	for i, op := range b.Ops {
		if live[i] {
			out = append(out, op)
		}
	}
	return rebuilt(b, out)
}

func hasSideEffect(k ir.OpKind) bool {
	switch k {
	case ir.OpStore, ir.OpAtomicRMW, ir.OpAtomicCmpXchg, ir.OpSysCall, ir.OpTlbFlush, ir.OpVendor, ir.OpDebugBreak:
		return true
	default:
		return false
	}
}

// peephole applies small local rewrites: x XOR x -> MovImm 0, x AND 0 ->
// MovImm 0, x OR 0 / x ADD 0 -> treated as a no-op copy already handled
// by the decoder's register-move convention, so left as-is here.
func peephole(b *ir.Block) *ir.Block {
	out := make([]ir.Op, 0, len(b.Ops))
	for _, op := range b.Ops {
		if op.Kind == ir.OpXor && !op.HasImm && op.Src1 == op.Src2 {
			out = append(out, ir.Op{Kind: ir.OpMovImm, Dst: op.Dst, Imm: 0, HasImm: true})
			continue
		}
		if op.Kind == ir.OpAnd && op.HasImm && op.Imm == 0 {
			out = append(out, ir.Op{Kind: ir.OpMovImm, Dst: op.Dst, Imm: 0, HasImm: true})
			continue
		}
		out = append(out, op)
	}
	return rebuilt(b, out)
}

func rebuilt(b *ir.Block, ops []ir.Op) *ir.Block {
	nb := *b
	nb.Ops = ops
	return &nb
}
