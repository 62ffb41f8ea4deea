package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/corevm-project/corevm/internal/ir"
)

func words(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func fetchFrom(data []byte) func(int) ([]byte, error) {
	return func(n int) ([]byte, error) { return data, nil }
}

func TestDecodeAddShiftedRegisterThenRet(t *testing.T) {
	d := New(16)
	// add x1, x1, x2 ; ret
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(0x8b020021, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 {
		t.Fatalf("expected one op, got %d", len(blk.Ops))
	}
	op := blk.Ops[0]
	if op.Kind != ir.OpAdd || op.Dst != 1 || op.Src1 != 1 || op.Src2 != 2 {
		t.Fatalf("unexpected op: %+v", op)
	}
	if blk.Term.Kind != ir.TermRet {
		t.Fatalf("Term.Kind = %v, want TermRet", blk.Term.Kind)
	}
	if blk.Term.Link != ir.LinkRegister || blk.Term.LinkReg != 30 {
		t.Fatalf("Term = %+v, want LinkRegister through X30", blk.Term)
	}
	if blk.ByteLen != 8 {
		t.Fatalf("ByteLen = %d, want 8", blk.ByteLen)
	}
}

func TestDecodeRet(t *testing.T) {
	d := New(16)
	blk, err := d.Decode(ir.GuestPC(0x2000), fetchFrom(words(0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.Term.Kind != ir.TermRet {
		t.Fatalf("Term.Kind = %v, want TermRet", blk.Term.Kind)
	}
}

func TestDecodeUnconditionalBranch(t *testing.T) {
	d := New(16)
	// b #16 -> encode imm26 = 4 (word offset), top bits 000101
	w := uint32(0x14000000) | 4
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := ir.GuestPC(0x1000 + 4*4)
	if blk.Term.Kind != ir.TermJmp || blk.Term.Target != want {
		t.Fatalf("Term = %+v, want jmp to 0x%x", blk.Term, want)
	}
}

func TestDecodeBL(t *testing.T) {
	d := New(16)
	w := uint32(0x94000000) | 2
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.Term.Kind != ir.TermCall {
		t.Fatalf("Term.Kind = %v, want TermCall", blk.Term.Kind)
	}
	wantRet := ir.GuestPC(0x1000 + 4)
	if blk.Term.RetPC != wantRet {
		t.Fatalf("RetPC = 0x%x, want 0x%x", blk.Term.RetPC, wantRet)
	}
	if blk.Term.Link != ir.LinkRegister || blk.Term.LinkReg != 30 {
		t.Fatalf("Term = %+v, want LinkRegister through X30", blk.Term)
	}
}

func TestDecodeConditionalBranch(t *testing.T) {
	d := New(16)
	// b.eq with imm19 = 2
	w := uint32(0x54000000) | (2 << 5)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.Term.Kind != ir.TermCondJmp {
		t.Fatalf("Term.Kind = %v, want TermCondJmp", blk.Term.Kind)
	}
}

func TestDecodeUnsupportedWordFaults(t *testing.T) {
	d := New(16)
	_, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(0xFFFFFFFF)))
	if err == nil {
		t.Fatal("expected a decode fault for an unrecognised 32-bit word")
	}
}

func TestDecodeIsCached(t *testing.T) {
	d := New(16)
	data := words(0xD65F03C0)
	blk1, err := d.Decode(ir.GuestPC(0x3000), fetchFrom(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	blk2, err := d.Decode(ir.GuestPC(0x3000), fetchFrom(data))
	if err != nil {
		t.Fatalf("Decode (cached): %v", err)
	}
	if blk1 != blk2 {
		t.Fatal("expected the second decode to hit the cache")
	}
}

func TestDecodeMovWide(t *testing.T) {
	d := New(16)
	// movz x1, #0x1234, lsl #16 ; ret
	w := uint32(0xD2800001) | (0x1234 << 5) | (1 << 21)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 || blk.Ops[0].Kind != ir.OpMovImm || blk.Ops[0].Imm != 0x1234<<16 {
		t.Fatalf("unexpected ops: %+v", blk.Ops)
	}
}

func TestDecodeMovkKeepsOtherHalves(t *testing.T) {
	d := New(16)
	// movk x1, #0xBEEF ; ret
	w := uint32(0xF2800001) | (0xBEEF << 5)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 2 || blk.Ops[0].Kind != ir.OpAnd || blk.Ops[1].Kind != ir.OpOr {
		t.Fatalf("movk should lower to mask-then-or, got %+v", blk.Ops)
	}
	if blk.Ops[1].Imm != 0xBEEF {
		t.Fatalf("or imm = 0x%x, want 0xBEEF", blk.Ops[1].Imm)
	}
}

func TestDecodeLoadStoreUnsignedOffset(t *testing.T) {
	d := New(16)
	// ldr x1, [x2, #16] ; str x1, [x2, #24] ; ret
	ldr := uint32(0xF9400000) | (2 << 10) | (2 << 5) | 1 // imm12=2 (scaled by 8)
	str := uint32(0xF9000000) | (3 << 10) | (2 << 5) | 1
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(ldr, str, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 2 {
		t.Fatalf("expected 2 ops, got %+v", blk.Ops)
	}
	if blk.Ops[0].Kind != ir.OpLoad || blk.Ops[0].Offset != 16 || blk.Ops[0].Flags.Size != 8 {
		t.Fatalf("ldr = %+v, want load size 8 at offset 16", blk.Ops[0])
	}
	if blk.Ops[1].Kind != ir.OpStore || blk.Ops[1].Offset != 24 {
		t.Fatalf("str = %+v, want store at offset 24", blk.Ops[1])
	}
}

func TestDecodeStpLdp(t *testing.T) {
	d := New(16)
	// stp x29, x30, [sp, #16] ; ret
	stp := uint32(0xA9000000) | (2 << 15) | (30 << 10) | (31 << 5) | 29
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(stp, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 2 || blk.Ops[0].Kind != ir.OpStore || blk.Ops[1].Kind != ir.OpStore {
		t.Fatalf("stp should emit two stores, got %+v", blk.Ops)
	}
	if blk.Ops[0].Offset != 16 || blk.Ops[1].Offset != 24 {
		t.Fatalf("stp offsets = %d,%d, want 16,24", blk.Ops[0].Offset, blk.Ops[1].Offset)
	}
	if blk.Ops[0].Base != 31 {
		t.Fatalf("stp base = v%d, want SP (slot 31)", blk.Ops[0].Base)
	}
}

func TestDecodeCBZ(t *testing.T) {
	d := New(16)
	// cbz x3, #8
	w := uint32(0xB4000000) | (2 << 5) | 3
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.Term.Kind != ir.TermCondJmp || blk.Term.Target != 0x1008 || blk.Term.Else != 0x1004 {
		t.Fatalf("Term = %+v, want condjmp to 0x1008 else 0x1004", blk.Term)
	}
	last := blk.Ops[len(blk.Ops)-1]
	if last.Kind != ir.OpCmpEq || last.Dst != blk.Term.Cond {
		t.Fatalf("cbz condition op = %+v, must feed the terminator", last)
	}
}

func TestDecodeCmpThenBcond(t *testing.T) {
	d := New(16)
	// cmp x1, x2 (subs xzr, x1, x2) ; b.ne #8
	cmp := uint32(0xEB02003F)
	bne := uint32(0x54000000) | (2 << 5) | 1
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(cmp, bne)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.Term.Kind != ir.TermCondJmp || blk.Term.Cond != ir.RegFlagsBase+1 {
		t.Fatalf("b.ne must test the NE flag slot, got %+v", blk.Term)
	}
	foundNE := false
	for _, op := range blk.Ops {
		if op.Kind == ir.OpCmpNe && op.Dst == ir.RegFlagsBase+1 {
			foundNE = true
		}
	}
	if !foundNE {
		t.Fatal("cmp did not materialise the NE flag slot")
	}
}

func TestDecodeCSELUsesSelect(t *testing.T) {
	d := New(16)
	// csel x0, x1, x2, eq ; ret
	w := uint32(0x9A820020) // sf=1, rm=2, cond=0000, rn=1, rd=0
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var sel *ir.Op
	for i := range blk.Ops {
		if blk.Ops[i].Kind == ir.OpSelect {
			sel = &blk.Ops[i]
		}
	}
	if sel == nil {
		t.Fatalf("csel must lower to Select, got %+v", blk.Ops)
	}
	if sel.Src1 != ir.RegFlagsBase || sel.Src2 != 1 {
		t.Fatalf("select = %+v, want cond=EQ slot, true=x1", sel)
	}
}

func TestDecodeSdivGuardsArchitecturalEdges(t *testing.T) {
	d := New(16)
	// sdiv x0, x1, x2 ; ret
	w := uint32(0x9AC20C20)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var divs, selects int
	for _, op := range blk.Ops {
		switch op.Kind {
		case ir.OpDiv:
			divs++
			if !op.Signed {
				t.Fatal("sdiv must emit a signed divide")
			}
		case ir.OpSelect:
			selects++
		}
	}
	if divs != 1 || selects < 3 {
		t.Fatalf("sdiv must guard zero and overflow via selects, got %d div, %d selects", divs, selects)
	}
}

func TestDecodeMulViaMadd(t *testing.T) {
	d := New(16)
	// mul x0, x1, x2 (madd x0, x1, x2, xzr) ; ret
	w := uint32(0x9B027C20)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var mul bool
	for _, op := range blk.Ops {
		if op.Kind == ir.OpMul {
			mul = true
		}
	}
	if !mul {
		t.Fatalf("madd must emit a multiply, got %+v", blk.Ops)
	}
}

func TestDecodeSVC(t *testing.T) {
	d := New(16)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(0xD4000001)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 || blk.Ops[0].Kind != ir.OpSysCall {
		t.Fatalf("unexpected ops: %+v", blk.Ops)
	}
	if blk.Term.Kind != ir.TermJmp || blk.Term.Target != 0x1004 {
		t.Fatalf("Term = %+v, want fall-through to 0x1004", blk.Term)
	}
}

func TestDecodeBRK(t *testing.T) {
	d := New(16)
	w := uint32(0xD4200000) | (7 << 5)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if blk.Term.Kind != ir.TermInterrupt || blk.Term.InterruptVec != 7 {
		t.Fatalf("Term = %+v, want interrupt(7)", blk.Term)
	}
}

func TestDecodeBlrLinksThroughX30(t *testing.T) {
	d := New(16)
	// blr x5
	w := uint32(0xD63F0000) | (5 << 5)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 || blk.Ops[0].Kind != ir.OpMovImm || blk.Ops[0].Dst != 30 || blk.Ops[0].Imm != 0x1004 {
		t.Fatalf("blr must write the return address to X30, got %+v", blk.Ops)
	}
	if blk.Term.Kind != ir.TermJmpReg || blk.Term.Base != 5 {
		t.Fatalf("Term = %+v, want JmpReg via X5", blk.Term)
	}
}

func TestDecodeLdaddIsAtomicRMW(t *testing.T) {
	d := New(16)
	// ldaddal x1, x0, [x2]
	w := uint32(0xF8E10040)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 || blk.Ops[0].Kind != ir.OpAtomicRMW || blk.Ops[0].AtomicOp != ir.AtomicAdd {
		t.Fatalf("unexpected ops: %+v", blk.Ops)
	}
	if blk.Ops[0].Flags.Order != ir.OrderAcqRel {
		t.Fatalf("ldaddal must carry acq-rel ordering, got %+v", blk.Ops[0].Flags)
	}
}

func TestDecodeVectorAdd(t *testing.T) {
	d := New(16)
	// add v0.4s, v1.4s, v2.4s (Q=1, size=10)
	w := uint32(0x4EA28420)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 {
		t.Fatalf("expected one vec op, got %+v", blk.Ops)
	}
	op := blk.Ops[0]
	if op.Kind != ir.OpVecAdd || op.ElemSize != 4 {
		t.Fatalf("unexpected vec op: %+v", op)
	}
	if len(op.WideDst) != 1 || len(op.WideSrc) != 2 {
		t.Fatalf("128-bit form must carry high lanes, got %+v", op)
	}
}

func TestDecodeLogicalImmediate(t *testing.T) {
	d := New(16)
	// and x0, x1, #0xFF (N=1, immr=0, imms=7) ; ret
	w := uint32(0x92401C20)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(blk.Ops) != 1 || blk.Ops[0].Kind != ir.OpAnd || blk.Ops[0].Imm != 0xFF {
		t.Fatalf("unexpected ops: %+v", blk.Ops)
	}
}

func TestDecodeXzrOperandReadsZero(t *testing.T) {
	d := New(16)
	// mov x1, x2 (orr x1, xzr, x2) ; ret
	w := uint32(0xAA0203E1)
	blk, err := d.Decode(ir.GuestPC(0x1000), fetchFrom(words(w, 0xD65F03C0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// The XZR operand must come from a materialised zero, not slot 31.
	first := blk.Ops[0]
	if first.Kind != ir.OpMovImm || first.Imm != 0 {
		t.Fatalf("expected a zero materialisation first, got %+v", blk.Ops)
	}
	last := blk.Ops[len(blk.Ops)-1]
	if last.Kind != ir.OpOr || last.Dst != 1 {
		t.Fatalf("expected orr into x1, got %+v", last)
	}
}
