package ir

import "testing"

func TestOpKindString(t *testing.T) {
	if OpAdd.String() != "add" || OpVendor.String() != "vendor" {
		t.Fatalf("unexpected OpKind strings: %q, %q", OpAdd.String(), OpVendor.String())
	}
	if OpKind(999).String() != "unknown" {
		t.Fatal("expected \"unknown\" for an out-of-range OpKind")
	}
}

func TestOpStringVariants(t *testing.T) {
	cases := []Op{
		{Kind: OpMovImm, Dst: 1, Imm: 5},
		{Kind: OpLoad, Dst: 2, Base: 3, Offset: 8, Flags: MemFlags{Size: 4}},
		{Kind: OpStore, Base: 3, Offset: 8, Src1: 2, Flags: MemFlags{Size: 4}},
		{Kind: OpVendor, Dst: 1, VendorTag: "amx", VendorOperands: []VReg{2, 3}},
		{Kind: OpAdd, Dst: 1, Src1: 2, Src2: 3},
	}
	for _, op := range cases {
		if op.String() == "" {
			t.Errorf("Op{%v}.String() returned empty string", op.Kind)
		}
	}
}

func TestTerminatorCarriesGuestPC(t *testing.T) {
	term := Terminator{Kind: TermJmp, Target: GuestPC(0x4000)}
	if term.Target != 0x4000 {
		t.Fatalf("Target = 0x%x, want 0x4000", uint64(term.Target))
	}
}
