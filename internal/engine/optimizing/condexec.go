// condexec.go - Conditional-execution synthesis over short diamonds

/*
condexec.go implements spec §4.8's "conditional-execution synthesis
where two short successor blocks can be merged using host predicated
moves". When a hot block ends in a CondJmp whose two successors are
short, side-effect-free, and rejoin at the same PC, the three blocks
merge into one straight-line block: both arms execute into temporaries
and Select ops commit the right arm's writes. The benefit model weighs
the removed branch misprediction (penalty scaled by how unpredictable
the measured bias says the branch is) against the cost of always
executing both arms.

The coordinator drives this at optimized-tier promotion: it looks up
the successors in the block cache, asks ShouldSynthesize with the
block's measured BranchBias, and compiles the merged block in place of
the original when the answer is yes.
*/
package optimizing

import (
	"sort"

	"github.com/corevm-project/corevm/internal/ir"
)

func sortVRegs(rs []ir.VReg) {
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
}

// MaxCondArmOps bounds how long a diamond arm may be before merging
// stops paying for itself regardless of branch bias.
const MaxCondArmOps = 4

// DefaultMispredictPenalty is the modelled cost of one branch
// misprediction, in op-execution units.
const DefaultMispredictPenalty = 15.0

// ShouldSynthesize reports whether merging a diamond with the given arm
// lengths beats keeping the branch, under the measured bias: expected
// mispredict cost saved = penalty * 2p(1-p); cost added = the arm not
// taken on each execution plus the select overhead.
func ShouldSynthesize(bias BranchBias, tLen, eLen int, penalty float64) bool {
	if tLen > MaxCondArmOps || eLen > MaxCondArmOps {
		return false
	}
	p := bias.Probability()
	saved := penalty * 2 * p * (1 - p)
	added := p*float64(eLen) + (1-p)*float64(tLen) + 1 // +1 for the selects
	return saved > added
}

// armPure reports whether every op in the arm is free of side effects
// and faults, so speculatively executing it is invisible.
func armPure(b *ir.Block) bool {
	for _, op := range b.Ops {
		switch op.Kind {
		case ir.OpLoad, ir.OpStore, ir.OpAtomicRMW, ir.OpAtomicCmpXchg,
			ir.OpSysCall, ir.OpDebugBreak, ir.OpTlbFlush, ir.OpVendor,
			ir.OpDiv, ir.OpRem: // Div/Rem can fault
			return false
		}
	}
	return true
}

// SynthesizeConditional merges cond (ending in CondJmp), its true arm t
// and false arm e into one straight-line block jumping to the common
// join. Returns nil when the shape does not qualify: arms must be pure,
// short, end in Jmp to the same join PC, and start at the CondJmp's two
// targets.
func SynthesizeConditional(cond, t, e *ir.Block) *ir.Block {
	if cond.Term.Kind != ir.TermCondJmp {
		return nil
	}
	if t.StartPC != cond.Term.Target || e.StartPC != cond.Term.Else {
		return nil
	}
	if t.Term.Kind != ir.TermJmp || e.Term.Kind != ir.TermJmp || t.Term.Target != e.Term.Target {
		return nil
	}
	if len(t.Ops) > MaxCondArmOps || len(e.Ops) > MaxCondArmOps {
		return nil
	}
	if !armPure(t) || !armPure(e) {
		return nil
	}

	// Temporary slots for the speculative arms, taken from the top of
	// the scratch space downward so they stay clear of the (renamed,
	// compact) temporaries the merged ops themselves use.
	nextTemp := int(ir.RegScratchBase) + ir.NumScratchRegs - 1
	takeTemp := func() (ir.VReg, bool) {
		if nextTemp < int(ir.RegScratchBase) {
			return 0, false
		}
		v := ir.VReg(nextTemp)
		nextTemp--
		return v, true
	}

	out := ir.NewBuilder(cond.StartPC)
	for _, op := range cond.Ops {
		if err := out.Emit(op); err != nil {
			return nil
		}
	}

	// speculate rewrites one arm's writes into fresh temporaries,
	// returning the guest-register -> temporary map.
	speculate := func(arm *ir.Block) (map[ir.VReg]ir.VReg, bool) {
		writes := make(map[ir.VReg]ir.VReg)
		remap := func(r ir.VReg) ir.VReg {
			if t, ok := writes[r]; ok {
				return t
			}
			return r
		}
		for _, op := range arm.Ops {
			op.Src1 = remap(op.Src1)
			op.Src2 = remap(op.Src2)
			op.Base = remap(op.Base)
			tmp, ok := takeTemp()
			if !ok {
				return nil, false
			}
			writes[op.Dst] = tmp
			op.Dst = tmp
			if err := out.Emit(op); err != nil {
				return nil, false
			}
		}
		return writes, true
	}

	tWrites, ok := speculate(t)
	if !ok {
		return nil
	}
	eWrites, ok := speculate(e)
	if !ok {
		return nil
	}

	// Commit: for every register either arm writes, select the right
	// value. A register only one arm writes keeps its old value on the
	// other path.
	committed := make(map[ir.VReg]bool)
	commit := func(g ir.VReg) bool {
		if committed[g] {
			return true
		}
		committed[g] = true
		tVal, tOk := tWrites[g]
		eVal, eOk := eWrites[g]
		if !tOk {
			tVal = g
		}
		if !eOk {
			eVal = g
		}
		return out.Emit(ir.Op{Kind: ir.OpSelect, Dst: g, Src1: cond.Term.Cond, Src2: tVal, Base: eVal}) == nil
	}
	var written []ir.VReg
	for g := range tWrites {
		written = append(written, g)
	}
	for g := range eWrites {
		written = append(written, g)
	}
	sortVRegs(written)
	for _, g := range written {
		if !commit(g) {
			return nil
		}
	}

	if err := out.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: t.Term.Target}); err != nil {
		return nil
	}
	merged, err := out.Build(cond.ByteLen)
	if err != nil {
		return nil
	}
	return merged
}
