// arm64.go - AArch64 front-end decoder

/*
Package arm64 lifts fixed-width 32-bit AArch64 instructions into IR
blocks (spec §4.4). Every instruction advances PC by exactly 4, which
removes the prefix-handling complexity the x86 decoder needs; this
decoder instead dispatches on the standard AArch64 encoding-group bit
patterns. Covered: ADD/SUB (immediate and shifted-register, flag-setting
forms included), the logical group (register and bitmask-immediate
forms), MOVZ/MOVN/MOVK, ADR/ADRP, the LSL/LSR/ASR and UXTB/UXTH/SXTB/
SXTH/SXTW aliases of UBFM/SBFM, loads/stores with unsigned scaled
offset (byte through doubleword, signed variants, LDP/STP), CBZ/CBNZ,
TBZ/TBNZ, B/BL/B.cond/BR/BLR/RET, CSEL/CSINC, UDIV/SDIV with the
architecture's defined divide-by-zero and overflow results, MADD/MSUB,
variable shifts, SVC/BRK/NOP, the LSE atomic group (LDADD/LDCLR/LDEOR/
LDSET/SWP), and the basic NEON integer ADD/SUB/MUL vector forms.

Register 31 follows the architecture's split meaning: it reads as XZR
(zero) in data-processing operand positions and as SP in address-base
and ADD/SUB-immediate positions. Condition codes use the same lazy-flags
model as the x86 decoder: SUBS/CMP and ANDS/TST materialise every
supported condition's boolean into ir.RegFlagsBase slots keyed by the
AArch64 condition number, and B.cond/CSEL read them back. The VS/VC
(overflow) conditions are outside the subset and refused.

DMB/DSB/ISB decode as no-ops: every guest memory access in this core is
serialised through the physical memory's own lock, so the fences they
ask for already hold (conservative per spec §9's cross-architecture
ordering note).

Grounded on the teacher's cpu_m68k.go fixed-width-opcode dispatch (M68K
decodes are also a flat switch over a leading word, the closest analogue
in the teacher to a fixed-width ISA) generalised to 32 bits and to IR
emission instead of direct interpretation.
*/
package arm64

import (
	"github.com/corevm-project/corevm/internal/decode"
	"github.com/corevm-project/corevm/internal/fault"
	"github.com/corevm-project/corevm/internal/ir"
)

const MaxBlockOps = 64

// regLR is X30, AArch64's link register. Register 31 in address-base
// and ADD/SUB-immediate positions is SP, which lives in slot 31.
const regLR = ir.VReg(30)

const minInt64 = -9223372036854775808

var errInvalid = &fault.ExecFault{Cause: fault.CauseInvalidOpcode}

// Decoder lifts AArch64 byte streams into IR blocks.
type Decoder struct {
	cache  *decode.Cache
	vendor decode.VendorRegistry
}

func New(cacheCapacity int) *Decoder {
	return &Decoder{cache: decode.NewCache(cacheCapacity)}
}

func (d *Decoder) RegisterVendor(vd decode.VendorDecoder) { d.vendor.Register(vd) }

// InvalidateCache drops every memoized decode, called after a TLB flush
// invalidates translated code.
func (d *Decoder) InvalidateCache() { d.cache.Flush() }

type scratch struct{ n int }

func (s *scratch) next() ir.VReg {
	v := ir.RegScratchBase + ir.VReg(s.n%ir.NumScratchRegs)
	s.n++
	return v
}

func flagSlot(cond uint32) ir.VReg { return ir.RegFlagsBase + ir.VReg(cond&0xF) }

func vecLow(r int) ir.VReg  { return ir.RegVecBase + ir.VReg(2*r) }
func vecHigh(r int) ir.VReg { return ir.RegVecBase + ir.VReg(2*r) + 1 }

type decodeState struct {
	d   *Decoder
	b   *ir.Builder
	sc  scratch
	pc  ir.GuestPC
	off int
}

func (st *decodeState) insnPC() ir.GuestPC { return ir.GuestPC(int64(st.pc) + int64(st.off) - 4) }
func (st *decodeState) nextPC() ir.GuestPC { return ir.GuestPC(int64(st.pc) + int64(st.off)) }

// zr returns a VReg holding zero, materialising XZR reads.
func (st *decodeState) zr() (ir.VReg, error) {
	t := st.sc.next()
	return t, st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: 0, HasImm: true})
}

// srcReg resolves register field r in a data-processing operand
// position: 31 reads as XZR.
func (st *decodeState) srcReg(r uint32) (ir.VReg, error) {
	if r == 31 {
		return st.zr()
	}
	return ir.VReg(r), nil
}

// dstReg resolves register field r in a data-processing destination
// position: writes to 31 are discarded into scratch.
func (st *decodeState) dstReg(r uint32) ir.VReg {
	if r == 31 {
		return st.sc.next()
	}
	return ir.VReg(r)
}

// Decode lifts one basic block starting at pc. fetch must return a
// multiple of 4 bytes.
func (d *Decoder) Decode(pc ir.GuestPC, fetch func(n int) ([]byte, error)) (*ir.Block, error) {
	raw, err := fetch(MaxBlockOps * 4)
	if err != nil {
		return nil, err
	}
	key := decode.Key{PC: pc, BytesLen: uint32(len(raw))}
	if cached, ok := d.cache.Get(key); ok {
		return cached, nil
	}

	st := &decodeState{d: d, b: ir.NewBuilder(pc), pc: pc}
	for st.off+4 <= len(raw) && st.b.Len() < MaxBlockOps {
		w := le32(raw[st.off:])
		st.off += 4
		done, err := st.decodeOne(w, raw)
		if err != nil {
			return nil, err
		}
		if done {
			return d.finish(st.b, st.off, key)
		}
	}

	if st.b.Len() >= MaxBlockOps {
		if err := st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: st.nextPC()}); err != nil {
			return nil, err
		}
		return d.finish(st.b, st.off, key)
	}
	return nil, errInvalid
}

func (d *Decoder) finish(b *ir.Builder, off int, key decode.Key) (*ir.Block, error) {
	blk, err := b.Build(uint32(off))
	if err != nil {
		return nil, err
	}
	d.cache.Put(key, blk)
	return blk, nil
}

func (st *decodeState) decodeOne(w uint32, raw []byte) (bool, error) {
	st.b.SetInsnPC(st.insnPC())
	switch {
	// --- branches and system ---
	case w&0xFFFFFC1F == 0xD65F0000: // RET Xn
		rn := (w >> 5) & 0x1F
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermRet, Link: ir.LinkRegister, LinkReg: ir.VReg(rn)})

	case w&0xFFFFFC1F == 0xD61F0000: // BR Xn
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmpReg, Base: ir.VReg((w >> 5) & 0x1F)})

	case w&0xFFFFFC1F == 0xD63F0000: // BLR Xn
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: regLR, Imm: int64(st.nextPC()), HasImm: true}); err != nil {
			return false, err
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmpReg, Base: ir.VReg((w >> 5) & 0x1F)})

	case w&0xFC000000 == 0x94000000: // BL imm26
		imm := signExtend(int64(w&0x03FFFFFF), 26) << 2
		target := ir.GuestPC(int64(st.insnPC()) + imm)
		return true, st.b.SetTerminator(ir.Terminator{
			Kind: ir.TermCall, Target: target, RetPC: st.nextPC(),
			Link: ir.LinkRegister, LinkReg: regLR,
		})

	case w&0xFC000000 == 0x14000000: // B imm26
		imm := signExtend(int64(w&0x03FFFFFF), 26) << 2
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: ir.GuestPC(int64(st.insnPC()) + imm)})

	case w&0xFF000010 == 0x54000000: // B.cond imm19
		cond := w & 0xF
		if !condSupported(cond) {
			return false, errInvalid
		}
		imm := signExtend(int64((w>>5)&0x7FFFF), 19) << 2
		return true, st.b.SetTerminator(ir.Terminator{
			Kind: ir.TermCondJmp, Cond: flagSlot(cond),
			Target: ir.GuestPC(int64(st.insnPC()) + imm), Else: st.nextPC(),
		})

	case w&0x7F000000 == 0x34000000 || w&0x7F000000 == 0x35000000: // CBZ/CBNZ
		return st.decodeCBZ(w)

	case w&0x7F000000 == 0x36000000 || w&0x7F000000 == 0x37000000: // TBZ/TBNZ
		return st.decodeTBZ(w)

	case w&0xFFE0001F == 0xD4000001: // SVC #imm16
		if err := st.b.Emit(ir.Op{Kind: ir.OpSysCall}); err != nil {
			return false, err
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: st.nextPC()})

	case w&0xFFE0001F == 0xD4200000: // BRK #imm16
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermInterrupt, InterruptVec: (w >> 5) & 0xFFFF, InsnPC: st.insnPC()})

	case w&0xFFFFF01F == 0xD503201F: // NOP and the other hint encodings
		return false, nil

	case w&0xFFFFF09F == 0xD503309F: // DMB/DSB/ISB: already sequential here
		return false, nil

	// --- PC-relative ---
	case w&0x1F000000 == 0x10000000: // ADR/ADRP
		return false, st.decodeADR(w)

	// --- data processing, immediate ---
	case w&0x1F000000 == 0x11000000: // ADD/SUB immediate (incl. flag-setting)
		return false, st.decodeAddSubImm(w)

	case w&0x1F800000 == 0x12000000: // logical immediate (AND/ORR/EOR/ANDS)
		return false, st.decodeLogicalImm(w)

	case w&0x7F800000 == 0x52800000 || w&0x7F800000 == 0x12800000 || w&0x7F800000 == 0x72800000:
		return false, st.decodeMovWide(w)

	case w&0x7F800000 == 0x53000000 || w&0x7F800000 == 0x13000000: // UBFM/SBFM aliases
		return false, st.decodeBitfield(w)

	// --- loads/stores ---
	case w&0x3F000000 == 0x39000000: // load/store register, unsigned offset
		return false, st.decodeLoadStore(w)

	case w&0xFFC00000 == 0xA9000000 || w&0xFFC00000 == 0xA9400000: // STP/LDP 64-bit signed offset
		return false, st.decodeLoadStorePair(w)

	case w&0x3F208C00 == 0x38200000: // LSE atomic memory ops (LDADD etc)
		return false, st.decodeLSE(w)

	case w&0x3F20FC00 == 0x38208000: // SWP
		return false, st.decodeSWP(w)

	// --- data processing, register ---
	case w&0x1F200000 == 0x0B000000: // ADD/SUB shifted register (incl. flags)
		return false, st.decodeAddSubShifted(w)

	case w&0x1F000000 == 0x0A000000: // logical shifted register
		return false, st.decodeLogicalShifted(w)

	case w&0x7FE00C00 == 0x1A800000 || w&0x7FE00C00 == 0x1A800400: // CSEL/CSINC
		return false, st.decodeCondSelect(w)

	case w&0x7FE0FC00 == 0x1AC00800 || w&0x7FE0FC00 == 0x1AC00C00: // UDIV/SDIV
		return false, st.decodeDiv(w)

	case w&0x7FE0F000 == 0x1AC02000: // LSLV/LSRV/ASRV/RORV (op2 in 11:10)
		return false, st.decodeShiftVar(w)

	case w&0x7FE00000 == 0x1B000000: // MADD/MSUB
		return false, st.decodeMulAdd(w)

	// --- NEON ---
	case w&0xBF20FC00 == 0x0E208400 || w&0xBF20FC00 == 0x2E208400 || w&0xBF20FC00 == 0x0E209C00:
		return false, st.decodeVec(w)

	default:
		if vop, n, ok := st.d.vendor.TryDecode(raw[st.off-4:]); ok {
			st.off += n - 4
			return false, st.b.Emit(vop)
		}
		return false, errInvalid
	}
}

func condSupported(cond uint32) bool {
	switch cond {
	case 0x6, 0x7, 0xF: // VS, VC, NV
		return false
	}
	return true
}

// emitFlags materialises every supported AArch64 condition from a
// compare of a against b, normalising to 32 bits first when sf is
// clear. The AL condition slot is pinned to 1.
func (st *decodeState) emitFlags(a, b ir.VReg, sf bool) error {
	ua, ub, sa, sb := a, b, a, b
	if !sf {
		ua, ub, sa, sb = st.sc.next(), st.sc.next(), st.sc.next(), st.sc.next()
		for _, p := range [][2]ir.VReg{{ua, a}, {ub, b}} {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: p[0], Src1: p[1], Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return err
			}
		}
		for _, p := range [][2]ir.VReg{{sa, a}, {sb, b}} {
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: p[0], Src1: p[1], Imm: 32, HasImm: true}); err != nil {
				return err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: p[0], Src1: p[0], Imm: 32, HasImm: true}); err != nil {
				return err
			}
		}
	}
	steps := []struct {
		cond uint32
		kind ir.OpKind
		x, y ir.VReg
	}{
		{0x0, ir.OpCmpEq, ua, ub},  // EQ
		{0x1, ir.OpCmpNe, ua, ub},  // NE
		{0x2, ir.OpCmpGeU, ua, ub}, // CS/HS
		{0x3, ir.OpCmpLtU, ua, ub}, // CC/LO
		{0x4, ir.OpCmpLt, sa, sb},  // MI (lazy-flags approximation)
		{0x5, ir.OpCmpGe, sa, sb},  // PL
		{0x8, ir.OpCmpLtU, ub, ua}, // HI
		{0x9, ir.OpCmpGeU, ub, ua}, // LS
		{0xA, ir.OpCmpGe, sa, sb},  // GE
		{0xB, ir.OpCmpLt, sa, sb},  // LT
		{0xC, ir.OpCmpLt, sb, sa},  // GT
		{0xD, ir.OpCmpGe, sb, sa},  // LE
	}
	for _, s := range steps {
		if err := st.b.Emit(ir.Op{Kind: s.kind, Dst: flagSlot(s.cond), Src1: s.x, Src2: s.y}); err != nil {
			return err
		}
	}
	return st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: flagSlot(0xE), Imm: 1, HasImm: true}) // AL
}

// mask32 truncates rd to 32 bits, the W-register write rule.
func (st *decodeState) mask32(rd ir.VReg) error {
	return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: rd, Src1: rd, Imm: 0xFFFFFFFF, HasImm: true})
}

func (st *decodeState) decodeCBZ(w uint32) (bool, error) {
	sf := w>>31 == 1
	nz := (w>>24)&1 == 1
	rt := (w) & 0x1F
	imm := signExtend(int64((w>>5)&0x7FFFF), 19) << 2

	val, err := st.srcReg(rt)
	if err != nil {
		return false, err
	}
	if !sf {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: val, Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
			return false, err
		}
		val = t
	}
	kind := ir.OpCmpEq
	if nz {
		kind = ir.OpCmpNe
	}
	cond := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: cond, Src1: val, Imm: 0, HasImm: true}); err != nil {
		return false, err
	}
	return true, st.b.SetTerminator(ir.Terminator{
		Kind: ir.TermCondJmp, Cond: cond,
		Target: ir.GuestPC(int64(st.insnPC()) + imm), Else: st.nextPC(),
	})
}

func (st *decodeState) decodeTBZ(w uint32) (bool, error) {
	nz := (w>>24)&1 == 1
	bit := (w>>19)&0x1F | (w>>31)<<5
	rt := w & 0x1F
	imm := signExtend(int64((w>>5)&0x3FFF), 14) << 2

	val, err := st.srcReg(rt)
	if err != nil {
		return false, err
	}
	t := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: val, Imm: int64(1) << bit, HasImm: true}); err != nil {
		return false, err
	}
	kind := ir.OpCmpEq
	if nz {
		kind = ir.OpCmpNe
	}
	cond := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: cond, Src1: t, Imm: 0, HasImm: true}); err != nil {
		return false, err
	}
	return true, st.b.SetTerminator(ir.Terminator{
		Kind: ir.TermCondJmp, Cond: cond,
		Target: ir.GuestPC(int64(st.insnPC()) + imm), Else: st.nextPC(),
	})
}

func (st *decodeState) decodeADR(w uint32) error {
	rd := st.dstReg(w & 0x1F)
	page := w>>31 == 1
	immlo := int64((w >> 29) & 0x3)
	immhi := signExtend(int64((w>>5)&0x7FFFF), 19)
	imm := immhi<<2 | immlo
	base := int64(st.insnPC())
	if page {
		imm <<= 12
		base &^= 0xFFF
	}
	return st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: rd, Imm: base + imm, HasImm: true})
}

func (st *decodeState) decodeAddSubImm(w uint32) error {
	sf := w>>31 == 1
	sub := (w>>30)&1 == 1
	setFlags := (w>>29)&1 == 1
	imm := int64((w >> 10) & 0xFFF)
	if (w>>22)&1 == 1 {
		imm <<= 12
	}
	rnField := (w >> 5) & 0x1F
	rdField := w & 0x1F

	// Immediate forms address SP through register 31.
	rn := ir.VReg(rnField) // 31 is SP here
	kind := ir.OpAdd
	if sub {
		kind = ir.OpSub
	}

	if setFlags {
		// CMP/CMN and SUBS/ADDS. Only the subtract form produces
		// compare-shaped flags; ADDS is outside the lazy-flags subset.
		if !sub {
			return errInvalid
		}
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: imm, HasImm: true}); err != nil {
			return err
		}
		if err := st.emitFlags(rn, t, sf); err != nil {
			return err
		}
		if rdField == 31 { // CMP: result discarded
			return nil
		}
		rd := ir.VReg(rdField)
		if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: rn, Imm: imm, HasImm: true}); err != nil {
			return err
		}
		if !sf {
			return st.mask32(rd)
		}
		return nil
	}

	rd := ir.VReg(rdField) // 31 is SP here too (MOV to/from SP)
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: rn, Imm: imm, HasImm: true}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

func (st *decodeState) decodeAddSubShifted(w uint32) error {
	sf := w>>31 == 1
	sub := (w>>30)&1 == 1
	setFlags := (w>>29)&1 == 1
	shiftType := (w >> 22) & 0x3
	rm := (w >> 16) & 0x1F
	shiftAmt := int64((w >> 10) & 0x3F)
	rnField := (w >> 5) & 0x1F
	rdField := w & 0x1F

	if shiftType == 3 {
		return errInvalid // reserved
	}
	rn, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	operand, err := st.shiftedOperand(rm, shiftType, shiftAmt, sf)
	if err != nil {
		return err
	}

	kind := ir.OpAdd
	if sub {
		kind = ir.OpSub
	}
	if setFlags {
		if !sub {
			return errInvalid // ADDS outside the subset
		}
		if err := st.emitFlags(rn, operand, sf); err != nil {
			return err
		}
		if rdField == 31 {
			return nil // CMP (shifted register)
		}
	}
	rd := st.dstReg(rdField)
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: rn, Src2: operand}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

// shiftedOperand applies the shifted-register operand modifier,
// returning the register holding the shifted value.
func (st *decodeState) shiftedOperand(rm, shiftType uint32, amt int64, sf bool) (ir.VReg, error) {
	val, err := st.srcReg(rm)
	if err != nil {
		return 0, err
	}
	if amt == 0 {
		return val, nil
	}
	var kind ir.OpKind
	switch shiftType {
	case 0:
		kind = ir.OpSll
	case 1:
		kind = ir.OpSrl
	case 2:
		kind = ir.OpSra
	default:
		return 0, errInvalid
	}
	src := val
	t := st.sc.next()
	if !sf && kind != ir.OpSll {
		// Right shifts of W registers operate on the 32-bit value.
		if kind == ir.OpSra {
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: t, Src1: val, Imm: 32, HasImm: true}); err != nil {
				return 0, err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: t, Src1: t, Imm: 32, HasImm: true}); err != nil {
				return 0, err
			}
		} else {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: val, Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return 0, err
			}
		}
		src = t
	}
	out := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: out, Src1: src, Imm: amt, HasImm: true}); err != nil {
		return 0, err
	}
	return out, nil
}

func (st *decodeState) decodeLogicalShifted(w uint32) error {
	sf := w>>31 == 1
	opc := (w >> 29) & 0x3
	shiftType := (w >> 22) & 0x3
	negate := (w>>21)&1 == 1 // BIC/ORN/EON/BICS
	rm := (w >> 16) & 0x1F
	shiftAmt := int64((w >> 10) & 0x3F)
	rnField := (w >> 5) & 0x1F
	rdField := w & 0x1F

	rn, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	operand, err := st.shiftedOperand(rm, shiftType, shiftAmt, sf)
	if err != nil {
		return err
	}
	if negate {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpNot, Dst: t, Src1: operand}); err != nil {
			return err
		}
		operand = t
	}

	var kind ir.OpKind
	switch opc {
	case 0, 3:
		kind = ir.OpAnd
	case 1:
		kind = ir.OpOr
	case 2:
		kind = ir.OpXor
	}

	if opc == 3 { // ANDS/TST: flags from the result vs zero
		res := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: kind, Dst: res, Src1: rn, Src2: operand}); err != nil {
			return err
		}
		z, err := st.zr()
		if err != nil {
			return err
		}
		if err := st.emitFlags(res, z, sf); err != nil {
			return err
		}
		if rdField == 31 {
			return nil // TST
		}
		rd := ir.VReg(rdField)
		if err := st.b.Emit(ir.Op{Kind: ir.OpOr, Dst: rd, Src1: res, Src2: res}); err != nil {
			return err
		}
		if !sf {
			return st.mask32(rd)
		}
		return nil
	}

	rd := st.dstReg(rdField)
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: rn, Src2: operand}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

func (st *decodeState) decodeLogicalImm(w uint32) error {
	sf := w>>31 == 1
	opc := (w >> 29) & 0x3
	n := (w >> 22) & 0x1
	immr := (w >> 16) & 0x3F
	imms := (w >> 10) & 0x3F
	rnField := (w >> 5) & 0x1F
	rdField := w & 0x1F

	mask, ok := decodeBitMask(n == 1, immr, imms, sf)
	if !ok {
		return errInvalid
	}
	rn, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	var kind ir.OpKind
	switch opc {
	case 0, 3:
		kind = ir.OpAnd
	case 1:
		kind = ir.OpOr
	case 2:
		kind = ir.OpXor
	}

	if opc == 3 { // ANDS immediate
		res := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: kind, Dst: res, Src1: rn, Imm: int64(mask), HasImm: true}); err != nil {
			return err
		}
		z, err := st.zr()
		if err != nil {
			return err
		}
		if err := st.emitFlags(res, z, sf); err != nil {
			return err
		}
		if rdField == 31 {
			return nil
		}
		rd := ir.VReg(rdField)
		if err := st.b.Emit(ir.Op{Kind: ir.OpOr, Dst: rd, Src1: res, Src2: res}); err != nil {
			return err
		}
		if !sf {
			return st.mask32(rd)
		}
		return nil
	}

	rd := ir.VReg(rdField) // logical-immediate destinations use SP encoding
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: rn, Imm: int64(mask), HasImm: true}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

// decodeBitMask expands an AArch64 bitmask-immediate (N, immr, imms)
// triple into its 64-bit (or replicated 32-bit) wmask.
func decodeBitMask(n bool, immr, imms uint32, sf bool) (uint64, bool) {
	var length int
	if n {
		length = 6
	} else {
		notImms := ^imms & 0x3F
		length = -1
		for i := 5; i >= 0; i-- {
			if notImms&(1<<i) != 0 {
				length = i
				break
			}
		}
		if length < 1 {
			return 0, false
		}
	}
	esize := uint32(1) << length
	levels := esize - 1
	s := imms & levels
	r := immr & levels
	if s == levels {
		return 0, false
	}
	welem := uint64(1)<<(s+1) - 1
	// Rotate right within esize bits.
	if r != 0 {
		if esize == 64 {
			welem = welem>>r | welem<<(64-r)
		} else {
			welem = (welem>>r | welem<<(esize-r)) & (uint64(1)<<esize - 1)
		}
	}
	// Replicate to 64 bits.
	var mask uint64
	for pos := uint32(0); pos < 64; pos += esize {
		mask |= welem << pos
	}
	if !sf {
		mask &= 0xFFFFFFFF
	}
	return mask, true
}

func (st *decodeState) decodeMovWide(w uint32) error {
	sf := w>>31 == 1
	opc := (w >> 29) & 0x3
	hw := (w >> 21) & 0x3
	imm16 := uint64((w >> 5) & 0xFFFF)
	rd := st.dstReg(w & 0x1F)
	shift := hw * 16
	if !sf && hw > 1 {
		return errInvalid
	}

	switch opc {
	case 0: // MOVN
		v := ^(imm16 << shift)
		if !sf {
			v &= 0xFFFFFFFF
		}
		return st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: rd, Imm: int64(v), HasImm: true})
	case 2: // MOVZ
		return st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: rd, Imm: int64(imm16 << shift), HasImm: true})
	case 3: // MOVK: keep the other halves
		keep := ^(uint64(0xFFFF) << shift)
		if !sf {
			keep &= 0xFFFFFFFF
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: rd, Src1: rd, Imm: int64(keep), HasImm: true}); err != nil {
			return err
		}
		return st.b.Emit(ir.Op{Kind: ir.OpOr, Dst: rd, Src1: rd, Imm: int64(imm16 << shift), HasImm: true})
	default:
		return errInvalid
	}
}

// decodeBitfield lifts the UBFM/SBFM aliases: LSL/LSR/ASR immediate and
// the UXTB/UXTH/SXTB/SXTH/SXTW extensions. General bitfield moves are
// outside the subset.
func (st *decodeState) decodeBitfield(w uint32) error {
	sf := w>>31 == 1
	signed := (w>>29)&0x3 == 0 // SBFM has opc 00; UBFM has 10
	unsignedForm := (w>>29)&0x3 == 2
	if !signed && !unsignedForm {
		return errInvalid
	}
	immr := (w >> 16) & 0x3F
	imms := (w >> 10) & 0x3F
	rnField := (w >> 5) & 0x1F
	rdField := w & 0x1F
	regBits := uint32(32)
	if sf {
		regBits = 64
	}

	rn, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	rd := st.dstReg(rdField)

	emitMasked := func() error {
		if !sf {
			return st.mask32(rd)
		}
		return nil
	}

	switch {
	case imms == regBits-1 && !signed: // LSR
		if err := st.emitShiftRight(rd, rn, int64(immr), false, sf); err != nil {
			return err
		}
		return emitMasked()
	case imms == regBits-1 && signed: // ASR
		if err := st.emitShiftRight(rd, rn, int64(immr), true, sf); err != nil {
			return err
		}
		return emitMasked()
	case !signed && imms+1 == immr: // LSL #(regBits-1-imms)
		sh := int64(regBits - 1 - imms)
		if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: rd, Src1: rn, Imm: sh, HasImm: true}); err != nil {
			return err
		}
		return emitMasked()
	case immr == 0 && (imms == 7 || imms == 15 || (signed && imms == 31)):
		bits := int64(imms) + 1
		if !signed { // UXTB/UXTH
			return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: rd, Src1: rn, Imm: int64(1)<<bits - 1, HasImm: true})
		}
		// SXTB/SXTH/SXTW
		if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: rd, Src1: rn, Imm: 64 - bits, HasImm: true}); err != nil {
			return err
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: rd, Src1: rd, Imm: 64 - bits, HasImm: true}); err != nil {
			return err
		}
		return emitMasked()
	default:
		return errInvalid
	}
}

func (st *decodeState) emitShiftRight(rd, rn ir.VReg, amt int64, arith, sf bool) error {
	src := rn
	if !sf {
		t := st.sc.next()
		if arith {
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: t, Src1: rn, Imm: 32, HasImm: true}); err != nil {
				return err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: t, Src1: t, Imm: 32, HasImm: true}); err != nil {
				return err
			}
		} else {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: rn, Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return err
			}
		}
		src = t
	}
	kind := ir.OpSrl
	if arith {
		kind = ir.OpSra
	}
	return st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: src, Imm: amt, HasImm: true})
}

func (st *decodeState) decodeLoadStore(w uint32) error {
	size := (w >> 30) & 0x3 // 0=B,1=H,2=W,3=X
	opc := (w >> 22) & 0x3
	imm12 := int64((w >> 10) & 0xFFF)
	rnField := (w >> 5) & 0x1F
	rt := w & 0x1F

	base := ir.VReg(rnField) // 31 is SP in address position
	byteSize := uint8(1) << size
	offset := imm12 << size

	switch opc {
	case 0: // STRx
		val, err := st.srcReg(rt)
		if err != nil {
			return err
		}
		return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: base, Offset: int32(offset), Src1: val,
			Flags: ir.MemFlags{Size: byteSize}})
	case 1: // LDRx (zero-extending)
		return st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: st.dstReg(rt), Base: base, Offset: int32(offset),
			Flags: ir.MemFlags{Size: byteSize}})
	case 2, 3: // LDRSx (sign-extending, to 64 (opc=2) or 32 (opc=3) bits)
		if size == 3 {
			return errInvalid // no LDRS doubleword
		}
		rd := st.dstReg(rt)
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: rd, Base: base, Offset: int32(offset),
			Flags: ir.MemFlags{Size: byteSize, Signed: true}}); err != nil {
			return err
		}
		if opc == 3 {
			return st.mask32(rd)
		}
		return nil
	}
	return errInvalid
}

func (st *decodeState) decodeLoadStorePair(w uint32) error {
	load := (w>>22)&1 == 1
	imm7 := signExtend(int64((w>>15)&0x7F), 7) * 8
	rt2 := (w >> 10) & 0x1F
	rnField := (w >> 5) & 0x1F
	rt := w & 0x1F
	base := ir.VReg(rnField)

	if load {
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: st.dstReg(rt), Base: base, Offset: int32(imm7),
			Flags: ir.MemFlags{Size: 8}}); err != nil {
			return err
		}
		return st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: st.dstReg(rt2), Base: base, Offset: int32(imm7 + 8),
			Flags: ir.MemFlags{Size: 8}})
	}
	v1, err := st.srcReg(rt)
	if err != nil {
		return err
	}
	v2, err := st.srcReg(rt2)
	if err != nil {
		return err
	}
	if err := st.b.Emit(ir.Op{Kind: ir.OpStore, Base: base, Offset: int32(imm7), Src1: v1,
		Flags: ir.MemFlags{Size: 8}}); err != nil {
		return err
	}
	return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: base, Offset: int32(imm7 + 8), Src1: v2,
		Flags: ir.MemFlags{Size: 8}})
}

// decodeLSE lifts the LDADD/LDCLR/LDEOR/LDSET atomic group. The A and R
// bits select acquire/release semantics.
func (st *decodeState) decodeLSE(w uint32) error {
	size := (w >> 30) & 0x3
	if size < 2 {
		return errInvalid // byte/halfword atomics outside the subset
	}
	acquire := (w>>23)&1 == 1
	release := (w>>22)&1 == 1
	rs := (w >> 16) & 0x1F
	opc := (w >> 12) & 0x7
	rnField := (w >> 5) & 0x1F
	rt := w & 0x1F

	var aop ir.AtomicOp
	negated := false
	switch opc {
	case 0:
		aop = ir.AtomicAdd
	case 1:
		aop, negated = ir.AtomicAnd, true // LDCLR: AND NOT(Rs)
	case 2:
		aop = ir.AtomicXor
	case 3:
		aop = ir.AtomicOr
	default:
		return errInvalid
	}

	operand, err := st.srcReg(rs)
	if err != nil {
		return err
	}
	if negated {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpNot, Dst: t, Src1: operand}); err != nil {
			return err
		}
		operand = t
	}
	return st.b.Emit(ir.Op{
		Kind: ir.OpAtomicRMW, AtomicOp: aop,
		Dst: st.dstReg(rt), Src2: operand,
		Base: ir.VReg(rnField),
		Flags: ir.MemFlags{Size: uint8(1) << size, Atomic: true, Order: memOrder(acquire, release)},
	})
}

func (st *decodeState) decodeSWP(w uint32) error {
	size := (w >> 30) & 0x3
	if size < 2 {
		return errInvalid
	}
	acquire := (w>>23)&1 == 1
	release := (w>>22)&1 == 1
	rs := (w >> 16) & 0x1F
	rnField := (w >> 5) & 0x1F
	rt := w & 0x1F

	operand, err := st.srcReg(rs)
	if err != nil {
		return err
	}
	return st.b.Emit(ir.Op{
		Kind: ir.OpAtomicRMW, AtomicOp: ir.AtomicXchg,
		Dst: st.dstReg(rt), Src2: operand,
		Base: ir.VReg(rnField),
		Flags: ir.MemFlags{Size: uint8(1) << size, Atomic: true, Order: memOrder(acquire, release)},
	})
}

func memOrder(acquire, release bool) ir.MemOrder {
	switch {
	case acquire && release:
		return ir.OrderAcqRel
	case acquire:
		return ir.OrderAcquire
	case release:
		return ir.OrderRelease
	default:
		return ir.OrderNone
	}
}

func (st *decodeState) decodeCondSelect(w uint32) error {
	sf := w>>31 == 1
	inc := (w>>10)&0x3 == 1 // CSINC
	cond := (w >> 12) & 0xF
	if !condSupported(cond) {
		return errInvalid
	}
	rm := (w >> 16) & 0x1F
	rnField := (w >> 5) & 0x1F
	rd := st.dstReg(w & 0x1F)

	tVal, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	fVal, err := st.srcReg(rm)
	if err != nil {
		return err
	}
	if inc {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpAdd, Dst: t, Src1: fVal, Imm: 1, HasImm: true}); err != nil {
			return err
		}
		fVal = t
	}
	if err := st.b.Emit(ir.Op{Kind: ir.OpSelect, Dst: rd, Src1: flagSlot(cond), Src2: tVal, Base: fVal}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

// decodeDiv lifts UDIV/SDIV with the AArch64-defined edge results:
// anything divided by zero is 0, and INT_MIN/-1 is INT_MIN. The IR's
// Div op faults on both, so guard sequences select the architectural
// result instead of reaching the faulting operands.
func (st *decodeState) decodeDiv(w uint32) error {
	sf := w>>31 == 1
	signed := (w>>10)&1 == 1
	rm := (w >> 16) & 0x1F
	rnField := (w >> 5) & 0x1F
	rd := st.dstReg(w & 0x1F)

	a, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	b, err := st.srcReg(rm)
	if err != nil {
		return err
	}
	if !sf {
		na, nb := st.sc.next(), st.sc.next()
		if signed {
			for _, p := range [][2]ir.VReg{{na, a}, {nb, b}} {
				if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: p[0], Src1: p[1], Imm: 32, HasImm: true}); err != nil {
					return err
				}
				if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: p[0], Src1: p[0], Imm: 32, HasImm: true}); err != nil {
					return err
				}
			}
		} else {
			for _, p := range [][2]ir.VReg{{na, a}, {nb, b}} {
				if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: p[0], Src1: p[1], Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
					return err
				}
			}
		}
		a, b = na, nb
	}

	isZero := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpCmpEq, Dst: isZero, Src1: b, Imm: 0, HasImm: true}); err != nil {
		return err
	}
	one := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: one, Imm: 1, HasImm: true}); err != nil {
		return err
	}
	safeB := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpSelect, Dst: safeB, Src1: isZero, Src2: one, Base: b}); err != nil {
		return err
	}

	var overflow ir.VReg
	if signed {
		isMin := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpCmpEq, Dst: isMin, Src1: a, Imm: minInt64, HasImm: true}); err != nil {
			return err
		}
		isNegOne := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpCmpEq, Dst: isNegOne, Src1: b, Imm: -1, HasImm: true}); err != nil {
			return err
		}
		overflow = st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: overflow, Src1: isMin, Src2: isNegOne}); err != nil {
			return err
		}
		safe2 := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpSelect, Dst: safe2, Src1: overflow, Src2: one, Base: safeB}); err != nil {
			return err
		}
		safeB = safe2
	}

	q := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpDiv, Dst: q, Src1: a, Src2: safeB, Signed: signed}); err != nil {
		return err
	}
	if signed {
		// INT_MIN / -1 yields INT_MIN.
		minReg := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: minReg, Imm: minInt64, HasImm: true}); err != nil {
			return err
		}
		q2 := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpSelect, Dst: q2, Src1: overflow, Src2: minReg, Base: q}); err != nil {
			return err
		}
		q = q2
	}
	// Division by zero yields 0.
	z, err := st.zr()
	if err != nil {
		return err
	}
	if err := st.b.Emit(ir.Op{Kind: ir.OpSelect, Dst: rd, Src1: isZero, Src2: z, Base: q}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

func (st *decodeState) decodeShiftVar(w uint32) error {
	sf := w>>31 == 1
	op2 := (w >> 10) & 0x3
	rm := (w >> 16) & 0x1F
	rnField := (w >> 5) & 0x1F
	rd := st.dstReg(w & 0x1F)

	var kind ir.OpKind
	switch op2 {
	case 0:
		kind = ir.OpSll
	case 1:
		kind = ir.OpSrl
	case 2:
		kind = ir.OpSra
	default:
		return errInvalid // RORV outside the subset
	}
	val, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	amt, err := st.srcReg(rm)
	if err != nil {
		return err
	}
	mod := int64(63)
	if !sf {
		mod = 31
	}
	maskedAmt := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: maskedAmt, Src1: amt, Imm: mod, HasImm: true}); err != nil {
		return err
	}
	src := val
	if !sf && kind != ir.OpSll {
		t := st.sc.next()
		if kind == ir.OpSra {
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: t, Src1: val, Imm: 32, HasImm: true}); err != nil {
				return err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: t, Src1: t, Imm: 32, HasImm: true}); err != nil {
				return err
			}
		} else {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: val, Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return err
			}
		}
		src = t
	}
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: src, Src2: maskedAmt}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

func (st *decodeState) decodeMulAdd(w uint32) error {
	sf := w>>31 == 1
	sub := (w>>15)&1 == 1 // MSUB
	rm := (w >> 16) & 0x1F
	ra := (w >> 10) & 0x1F
	rnField := (w >> 5) & 0x1F
	rd := st.dstReg(w & 0x1F)

	rn, err := st.srcReg(rnField)
	if err != nil {
		return err
	}
	rmv, err := st.srcReg(rm)
	if err != nil {
		return err
	}
	prod := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpMul, Dst: prod, Src1: rn, Src2: rmv}); err != nil {
		return err
	}
	rav, err := st.srcReg(ra)
	if err != nil {
		return err
	}
	kind := ir.OpAdd
	if sub {
		kind = ir.OpSub
	}
	if err := st.b.Emit(ir.Op{Kind: kind, Dst: rd, Src1: rav, Src2: prod}); err != nil {
		return err
	}
	if !sf {
		return st.mask32(rd)
	}
	return nil
}

// decodeVec lifts the NEON integer ADD/SUB/MUL vector forms over the
// first sixteen vector registers (the RegVecBase lane-pair space).
func (st *decodeState) decodeVec(w uint32) error {
	q := (w>>30)&1 == 1
	size := (w >> 22) & 0x3
	rm := int((w >> 16) & 0x1F)
	rn := int((w >> 5) & 0x1F)
	rd := int(w & 0x1F)
	if rd >= 16 || rn >= 16 || rm >= 16 {
		return errInvalid // V16..V31 are outside the lane-pair space
	}

	var kind ir.OpKind
	switch {
	case w&0xBF20FC00 == 0x0E208400:
		kind = ir.OpVecAdd
	case w&0xBF20FC00 == 0x2E208400:
		kind = ir.OpVecSub
	default:
		kind = ir.OpVecMul
		if size == 3 {
			return errInvalid // no MUL.2D
		}
	}

	op := ir.Op{
		Kind: kind, ElemSize: uint8(1) << size,
		Dst: vecLow(rd), Src1: vecLow(rn), Src2: vecLow(rm),
	}
	if q {
		op.WideDst = []ir.VReg{vecHigh(rd)}
		op.WideSrc = []ir.VReg{vecHigh(rn), vecHigh(rm)}
	}
	return st.b.Emit(op)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}
