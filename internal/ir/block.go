// block.go - IR blocks and the builder that assembles them

/*
block.go implements the Block type (spec §3 "IR block": {start_pc, ops,
term}) and the Builder that a front-end decoder drives to assemble one.
Blocks are immutable after Build: the ops slice is never mutated or
appended to again, matching invariant 2 ("a block's terminator is the
only instruction that may transfer control out of the block"). Builder
enforces this by refusing a second call to SetTerminator and by refusing
Build before a terminator has been set.
*/
package ir

import "fmt"

// Block is an immutable, terminator-ended sequence of IR ops produced by
// a single front-end decode pass over one basic block's worth of guest
// bytes (spec §4.4).
type Block struct {
	StartPC GuestPC
	Ops     []Op
	Term    Terminator

	// ByteLen is the number of guest bytes this block's decode consumed.
	// The decode cache key uses the fetched length instead, and no
	// self-modifying-code check reads ByteLen.
	ByteLen uint32
}

// Successors returns the statically known successor PCs of the block's
// terminator (spec §4.5 "successor graph"). JmpReg produces none.
func (b *Block) Successors() []GuestPC {
	switch b.Term.Kind {
	case TermJmp:
		return []GuestPC{b.Term.Target}
	case TermCondJmp:
		return []GuestPC{b.Term.Target, b.Term.Else}
	case TermCall:
		return []GuestPC{b.Term.RetPC}
	default:
		return nil
	}
}

// Builder collects ops in emission order and accepts exactly one
// terminator, then yields an immutable Block.
type Builder struct {
	startPC GuestPC
	curPC   GuestPC
	ops     []Op
	term    *Terminator
	done    bool
}

// NewBuilder starts a block build at the given guest PC. Ops emitted
// before any SetInsnPC call are attributed to the block start.
func NewBuilder(startPC GuestPC) *Builder {
	return &Builder{startPC: startPC, curPC: startPC}
}

// SetInsnPC records the guest address of the instruction the decoder is
// currently lifting; every op emitted until the next call is stamped
// with it (see Op.InsnPC).
func (b *Builder) SetInsnPC(pc GuestPC) { b.curPC = pc }

// Emit appends one non-terminator op in program order.
func (b *Builder) Emit(op Op) error {
	if b.done {
		return fmt.Errorf("ir: cannot emit into a built block")
	}
	if b.term != nil {
		return fmt.Errorf("ir: cannot emit after terminator")
	}
	if op.InsnPC == 0 {
		op.InsnPC = b.curPC
	}
	b.ops = append(b.ops, op)
	return nil
}

// SetTerminator installs the block's unique terminator. A second call is
// an error: invariant 2 forbids more than one control-flow exit.
func (b *Builder) SetTerminator(t Terminator) error {
	if b.term != nil {
		return fmt.Errorf("ir: block already has a terminator")
	}
	tc := t
	b.term = &tc
	return nil
}

// Build finalises the block. byteLen is the guest byte count consumed by
// the decode pass that drove this builder.
func (b *Builder) Build(byteLen uint32) (*Block, error) {
	if b.term == nil {
		return nil, fmt.Errorf("ir: block has no terminator")
	}
	b.done = true
	ops := make([]Op, len(b.ops))
	copy(ops, b.ops)
	return &Block{
		StartPC: b.startPC,
		Ops:     ops,
		Term:    *b.term,
		ByteLen: byteLen,
	}, nil
}

// Len reports the number of ops emitted so far, used by decoders to
// enforce the configurable maximum block length (spec §4.4, default 64).
func (b *Builder) Len() int { return len(b.ops) }
