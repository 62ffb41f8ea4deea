// regalloc.go - Graph-coloring register allocation with live-range splitting

/*
regalloc.go implements spec §4.8's "more expensive register allocation
(graph-coloring with live-range splitting)". Allocation here operates
over a block's temporary registers (the decoder scratch space and any
SSA-mode versions): it builds block-local live ranges, an interference
graph over them, and colors the graph greedily in decreasing-degree
order. Live ranges are split at redefinitions: a temporary redefined
after its last use starts a new range, and each range is its own node.
A range that finds no free color among k is spilled; no further
splitting is tried when coloring fails.

The concrete consumer is renameTemporaries, the Compile pass that
re-maps every scratch temporary onto the smallest colored set, so a
block that round-robined through many scratch slots at decode time
executes against a compact set after optimization. Guest architectural
registers are never renamed: they are live across blocks by definition.

Grounded on the original Rust implementation's linear_scan_allocator.rs
for the live-range bookkeeping shape ((start,end) tracking per register
with an overflow policy); the coloring layer on top is new in this
tier, since the baseline tier does no register allocation at all.
*/
package optimizing

import (
	"sort"

	"github.com/corevm-project/corevm/internal/ir"
)

// liveRange is a closed [start, end] span of op indices (the
// terminator counts as index len(ops)).
type liveRange struct {
	reg        ir.VReg
	start, end int
}

// Allocation is the result of coloring a block's temporaries.
type Allocation struct {
	// Assignment maps each temporary to its color (0-based). Temporaries
	// sharing a color never interfere.
	Assignment map[ir.VReg]int
	// Spilled lists temporaries that have a live range that could not be
	// colored within k. Empty for every block a decoder in this
	// repository produces.
	Spilled []ir.VReg
	// Splits counts the later live ranges of a temporary that received a
	// different color than its first range.
	Splits int
}

// Colors returns the number of distinct colors used.
func (a Allocation) Colors() int {
	max := -1
	for _, c := range a.Assignment {
		if c > max {
			max = c
		}
	}
	return max + 1
}

func isTemporary(r ir.VReg) bool {
	return r >= ir.RegScratchBase && r < ir.RegScratchBase+ir.NumScratchRegs
}

// opReads appends every register op reads to dst.
func opReads(op ir.Op, dst []ir.VReg) []ir.VReg {
	switch op.Kind {
	case ir.OpMovImm:
		// no register reads
	case ir.OpLoad:
		dst = append(dst, op.Base)
	case ir.OpStore:
		dst = append(dst, op.Base, op.Src1)
	case ir.OpAtomicRMW:
		dst = append(dst, op.Base, op.Src2)
	case ir.OpAtomicCmpXchg:
		dst = append(dst, op.Base, op.Src1, op.Src2)
	case ir.OpSelect:
		dst = append(dst, op.Src1, op.Src2)
		if !op.HasImm {
			dst = append(dst, op.Base)
		}
	case ir.OpNot:
		dst = append(dst, op.Src1)
	default:
		dst = append(dst, op.Src1)
		if !op.HasImm {
			dst = append(dst, op.Src2)
		}
	}
	dst = append(dst, op.WideSrc...)
	dst = append(dst, op.VendorOperands...)
	return dst
}

func opWrites(op ir.Op, dst []ir.VReg) []ir.VReg {
	switch op.Kind {
	case ir.OpStore, ir.OpSysCall, ir.OpDebugBreak, ir.OpTlbFlush:
	default:
		dst = append(dst, op.Dst)
	}
	dst = append(dst, op.WideDst...)
	return dst
}

func termReads(t ir.Terminator, dst []ir.VReg) []ir.VReg {
	switch t.Kind {
	case ir.TermCondJmp:
		dst = append(dst, t.Cond)
	case ir.TermJmpReg:
		dst = append(dst, t.Base)
	case ir.TermRet:
		if t.Link == ir.LinkStack {
			dst = append(dst, t.StackReg)
		} else if t.Link == ir.LinkRegister {
			dst = append(dst, t.LinkReg)
		}
	case ir.TermCall:
		if t.Link == ir.LinkStack {
			dst = append(dst, t.StackReg)
		}
	}
	return dst
}

// buildRanges computes one live range per temporary, treating each
// redefinition-after-last-use as a fresh range (this is the splitting
// seam the allocator exploits).
func buildRanges(b *ir.Block) []liveRange {
	var ranges []liveRange
	open := make(map[ir.VReg]int) // reg -> index into ranges

	touch := func(r ir.VReg, pos int, isDef bool) {
		if !isTemporary(r) {
			return
		}
		if idx, ok := open[r]; ok {
			if isDef && ranges[idx].end < pos {
				// Dead at this redefinition: close the old range and
				// start a new one. This is a natural split point.
				open[r] = len(ranges)
				ranges = append(ranges, liveRange{reg: r, start: pos, end: pos})
				return
			}
			ranges[idx].end = pos
			return
		}
		open[r] = len(ranges)
		ranges = append(ranges, liveRange{reg: r, start: pos, end: pos})
	}

	var regs []ir.VReg
	for i, op := range b.Ops {
		regs = opReads(op, regs[:0])
		for _, r := range regs {
			touch(r, i, false)
		}
		regs = opWrites(op, regs[:0])
		for _, r := range regs {
			touch(r, i, true)
		}
	}
	regs = termReads(b.Term, nil)
	for _, r := range regs {
		touch(r, len(b.Ops), false)
	}
	return ranges
}

// Allocate colors b's live ranges (as split by buildRanges) with at most
// k colors, spilling any range that finds no free color.
func Allocate(b *ir.Block, k int) Allocation {
	ranges := buildRanges(b)

	// Interference: ranges of different registers whose spans overlap.
	overlap := func(a, c liveRange) bool {
		return a.start <= c.end && c.start <= a.end
	}

	order := make([]int, len(ranges))
	for i := range order {
		order[i] = i
	}
	degree := make([]int, len(ranges))
	for i := range ranges {
		for j := range ranges {
			if i != j && ranges[i].reg != ranges[j].reg && overlap(ranges[i], ranges[j]) {
				degree[i]++
			}
		}
	}
	sort.SliceStable(order, func(x, y int) bool { return degree[order[x]] > degree[order[y]] })

	alloc := Allocation{Assignment: make(map[ir.VReg]int)}
	colorOf := make([]int, len(ranges))
	for i := range colorOf {
		colorOf[i] = -1
	}

	for _, i := range order {
		if colorOf[i] != -1 {
			continue
		}
		used := make(map[int]bool)
		for j := range ranges {
			if j == i || colorOf[j] == -1 || ranges[j].reg == ranges[i].reg {
				continue
			}
			if overlap(ranges[i], ranges[j]) {
				used[colorOf[j]] = true
			}
		}
		assigned := -1
		for c := 0; c < k; c++ {
			if !used[c] {
				assigned = c
				break
			}
		}
		if assigned == -1 {
			alloc.Spilled = append(alloc.Spilled, ranges[i].reg)
			continue
		}
		colorOf[i] = assigned
	}

	// A register whose ranges got different colors counts as split. The
	// assignment records the first range's color; renameTemporaries
	// applies per-range renames.
	seen := make(map[ir.VReg]int)
	for i, r := range ranges {
		if colorOf[i] == -1 {
			continue
		}
		if prev, ok := seen[r.reg]; ok {
			if prev != colorOf[i] {
				alloc.Splits++
			}
			continue
		}
		seen[r.reg] = colorOf[i]
		alloc.Assignment[r.reg] = colorOf[i]
	}
	return alloc
}

// renameTemporaries rewrites b's scratch temporaries onto the compact
// colored set (scratch slot RegScratchBase+color). Returns b unchanged
// when the coloring is not a simple per-register one (a spill or a
// split that gave one register differently-colored ranges) - those
// blocks keep their decode-time scratch numbering, which is always
// correct, just less compact.
func renameTemporaries(b *ir.Block) *ir.Block {
	ranges := buildRanges(b)
	if len(ranges) == 0 {
		return b
	}
	alloc := Allocate(b, ir.NumScratchRegs)
	if len(alloc.Spilled) > 0 || alloc.Splits > 0 {
		return b
	}

	rename := func(r ir.VReg) ir.VReg {
		if !isTemporary(r) {
			return r
		}
		if c, ok := alloc.Assignment[r]; ok {
			return ir.RegScratchBase + ir.VReg(c)
		}
		return r
	}

	ops := make([]ir.Op, len(b.Ops))
	for i, op := range b.Ops {
		op.Dst = rename(op.Dst)
		op.Src1 = rename(op.Src1)
		op.Src2 = rename(op.Src2)
		op.Base = rename(op.Base)
		if len(op.WideDst) > 0 {
			wd := make([]ir.VReg, len(op.WideDst))
			for j, r := range op.WideDst {
				wd[j] = rename(r)
			}
			op.WideDst = wd
		}
		if len(op.WideSrc) > 0 {
			ws := make([]ir.VReg, len(op.WideSrc))
			for j, r := range op.WideSrc {
				ws[j] = rename(r)
			}
			op.WideSrc = ws
		}
		ops[i] = op
	}
	nb := *b
	nb.Ops = ops
	nb.Term.Cond = rename(b.Term.Cond)
	nb.Term.Base = rename(b.Term.Base)
	return &nb
}
