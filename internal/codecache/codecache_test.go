package codecache

import (
	"testing"

	"github.com/corevm-project/corevm/internal/ir"
)

func retBlock(t *testing.T, pc uint64) *ir.Block {
	t.Helper()
	b := ir.NewBuilder(ir.GuestPC(pc))
	if err := b.SetTerminator(ir.Terminator{Kind: ir.TermRet}); err != nil {
		t.Fatalf("SetTerminator: %v", err)
	}
	blk, err := b.Build(1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return blk
}

func jmpBlock(t *testing.T, pc, target uint64) *ir.Block {
	t.Helper()
	b := ir.NewBuilder(ir.GuestPC(pc))
	if err := b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: ir.GuestPC(target)}); err != nil {
		t.Fatalf("SetTerminator: %v", err)
	}
	blk, err := b.Build(1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return blk
}

func TestInsertAndLookup(t *testing.T) {
	c := New(0)
	e := c.Insert(retBlock(t, 0x1000))
	if e.Tier != TierInterpreter {
		t.Fatalf("new entry tier = %v, want TierInterpreter", e.Tier)
	}

	got, ok := c.Lookup(ir.GuestPC(0x1000))
	if !ok || got != e {
		t.Fatalf("Lookup = %v,%v, want the inserted entry", got, ok)
	}

	if _, ok := c.Lookup(ir.GuestPC(0x2000)); ok {
		t.Fatal("expected miss for a PC never inserted")
	}
}

func TestEvictionRemovesEntry(t *testing.T) {
	c := New(0)
	c.Insert(retBlock(t, 0x1000))
	c.Evict(ir.GuestPC(0x1000), nil)

	if _, ok := c.Lookup(ir.GuestPC(0x1000)); ok {
		t.Fatal("expected entry to be gone after Evict")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestCapacityEvictsColdest(t *testing.T) {
	c := New(2)
	e1 := c.Insert(retBlock(t, 0x1000))
	e1.ExecCount = 100
	e2 := c.Insert(retBlock(t, 0x2000))
	e2.ExecCount = 5

	// Inserting a third entry at capacity must evict the coldest (e2).
	c.Insert(retBlock(t, 0x3000))

	if _, ok := c.Lookup(ir.GuestPC(0x2000)); ok {
		t.Fatal("expected the coldest entry (lowest exec count) to be evicted")
	}
	if _, ok := c.Lookup(ir.GuestPC(0x1000)); !ok {
		t.Fatal("expected the hotter entry to survive")
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (capacity-bounded)", c.Len())
	}
}

func TestChainMarkAndUnpatchOnEviction(t *testing.T) {
	c := New(0)
	a := c.Insert(jmpBlock(t, 0x1000, 0x2000))
	b := c.Insert(retBlock(t, 0x2000))

	c.MarkChain(a, 0, b)
	if got := c.ChainTarget(a, 0); got != b {
		t.Fatalf("ChainTarget = %v, want %v", got, b)
	}

	c.Evict(ir.GuestPC(0x2000), nil)
	if got := c.ChainTarget(a, 0); got != nil {
		t.Fatal("expected the chain edge to be un-patched after the target was evicted")
	}
}

func TestSuccessors(t *testing.T) {
	c := New(0)
	a := c.Insert(jmpBlock(t, 0x1000, 0x2000))
	c.Insert(retBlock(t, 0x2000))

	succ := c.Successors(a)
	if len(succ) != 1 || succ[0].PC != ir.GuestPC(0x2000) {
		t.Fatalf("Successors = %v, want [0x2000]", succ)
	}
}

func TestPredecessors(t *testing.T) {
	c := New(0)
	a := c.Insert(jmpBlock(t, 0x1000, 0x2000))
	b := c.Insert(jmpBlock(t, 0x1500, 0x2000))
	target := c.Insert(retBlock(t, 0x2000))

	pred := c.Predecessors(target)
	if len(pred) != 2 {
		t.Fatalf("Predecessors = %v, want 2 entries", pred)
	}
	seen := map[ir.GuestPC]bool{}
	for _, e := range pred {
		seen[e.PC] = true
	}
	if !seen[a.PC] || !seen[b.PC] {
		t.Fatalf("Predecessors = %v, want 0x1000 and 0x1500", pred)
	}
}

func TestPredecessorsEmptyForEntryPoint(t *testing.T) {
	c := New(0)
	e := c.Insert(retBlock(t, 0x1000))
	if pred := c.Predecessors(e); len(pred) != 0 {
		t.Fatalf("Predecessors = %v, want empty", pred)
	}
}

func TestSuccessorsOmitsNonResidentTargets(t *testing.T) {
	c := New(0)
	a := c.Insert(jmpBlock(t, 0x1000, 0x9000)) // 0x9000 never inserted
	if succ := c.Successors(a); len(succ) != 0 {
		t.Fatalf("Successors = %v, want empty (target never cached)", succ)
	}
}

func TestForEachVisitsAllResidentEntries(t *testing.T) {
	c := New(0)
	c.Insert(retBlock(t, 0x1000))
	c.Insert(retBlock(t, 0x2000))

	seen := map[ir.GuestPC]bool{}
	c.ForEach(func(e *Entry) { seen[e.PC] = true })
	if len(seen) != 2 || !seen[0x1000] || !seen[0x2000] {
		t.Fatalf("ForEach visited %v, want both entries", seen)
	}
}

func TestCodePtrValid(t *testing.T) {
	var zero CodePtr
	if zero.Valid() {
		t.Fatal("zero-value CodePtr must not be Valid")
	}
	p := CodePtr{Page: &CodePage{}}
	if !p.Valid() {
		t.Fatal("CodePtr with a non-nil Page must be Valid")
	}
}

func TestTierString(t *testing.T) {
	if TierInterpreter.String() != "interpreter" || TierBaseline.String() != "baseline" || TierOptimized.String() != "optimized" {
		t.Fatal("unexpected Tier.String() values")
	}
}
