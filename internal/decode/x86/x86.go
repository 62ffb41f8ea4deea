// x86.go - x86-64 front-end decoder

/*
Package x86 lifts x86-64 guest byte streams into IR blocks (spec §4.4).
It handles the legacy prefix groups (LOCK, REP/REPNE, segment overrides,
operand-size, address-size) and REX before opcode dispatch, ModRM
addressing with SIB (scaled-index) bytes, the common one-byte integer
ALU/MOV/shift/stack opcodes, the two-byte (0F-escape) opcode page
(Jcc rel32, SETcc, MOVZX/MOVSX, IMUL, SYSCALL, CMPXCHG/XADD, the SSE2
packed-integer arithmetic group), and the vendor escape hook.

Condition codes use a lazy-flags model: CMP and TEST materialise every
supported condition's boolean into the register file's flag slots
(ir.RegFlagsBase + condition nibble), and Jcc/SETcc read the slot for
their own nibble back. Arithmetic ops other than CMP/TEST do not update
flags; the subset targets compiler-emitted code, which branches on a
CMP/TEST immediately preceding the jump. Signed conditions after a
32-bit compare sign-extend both operands first, so negative int32
values order correctly.

Known narrowings of the modelled subset, each refused with
CauseInvalidOpcode rather than fabricated (spec §4.4: "do not fabricate
IR for invalid instructions"): 8- and 16-bit ALU forms, RIP-relative
addressing, the O/NO/P/NP condition nibbles, REP string ops, and VEX/
EVEX-encoded instructions. DIV/IDIV model a 64-bit dividend: the guest
is expected to have zero- or sign-extended into RDX (XOR EDX,EDX / CQO)
as compilers emit; the RDX high half does not widen the divide.

Grounded on the teacher's cpu_ie64.go prefix/opcode dispatch table shape
(a big switch keyed by the leading opcode byte, with a handful of
decode-state fields threaded through) and on golang.org/x/arch/x86/x86asm
as the reference decoder used by this package's conformance test
(internal/decode/x86/x86_test.go's TestDecodeLengthMatchesX86asm) to
cross-check instruction length for every representative encoding this
package decodes - this package's own decoder still hand-rolls IR
emission, since x86asm produces disassembly structures, not IR.
*/
package x86

import (
	"github.com/corevm-project/corevm/internal/decode"
	"github.com/corevm-project/corevm/internal/fault"
	"github.com/corevm-project/corevm/internal/ir"
)

// MaxBlockOps is the configurable maximum block length (spec §4.4,
// "typical: 64 ops").
const MaxBlockOps = 64

// ModRM register numbering: RAX=0, RCX=1, RDX=2, RBX=3, RSP=4, RBP=5,
// RSI=6, RDI=7, extended to 8..15 by REX.B/R/X.
const (
	regRAX = ir.VReg(0)
	regRCX = ir.VReg(1)
	regRDX = ir.VReg(2)
	regRSP = ir.VReg(4)
)

// Decoder lifts x86-64 byte streams into IR blocks.
type Decoder struct {
	cache  *decode.Cache
	vendor decode.VendorRegistry
}

// New creates a decoder with a decode cache of the given capacity.
func New(cacheCapacity int) *Decoder {
	return &Decoder{cache: decode.NewCache(cacheCapacity)}
}

// RegisterVendor adds a vendor-extension sub-decoder (spec §4.4).
func (d *Decoder) RegisterVendor(vd decode.VendorDecoder) { d.vendor.Register(vd) }

// InvalidateCache drops every memoized decode, called after a TLB flush
// invalidates translated code.
func (d *Decoder) InvalidateCache() { d.cache.Flush() }

// rexPrefix captures the REX.WRXB bits that modify operand width and
// register-field extension.
type rexPrefix struct {
	present    bool
	w, r, x, b bool
}

// prefixes is the decoded legacy-prefix state preceding an opcode.
type prefixes struct {
	lock     bool // F0
	rep      bool // F3 (REP/REPE)
	repne    bool // F2
	opsize   bool // 66
	addrsize bool // 67
	segment  byte // 26/2E/36/3E/64/65, 0 if none
	rex      rexPrefix
}

// opSize returns the integer operand width selected by the prefixes:
// REX.W wins, then 66 (16-bit, refused by most handlers), else 32.
func (p prefixes) opSize() int {
	if p.rex.w {
		return 8
	}
	if p.opsize {
		return 2
	}
	return 4
}

// scratch hands out decoder-private temporaries round-robin. Scratch
// values never live across a guest instruction boundary, so reuse
// within a block is safe.
type scratch struct{ n int }

func (s *scratch) next() ir.VReg {
	v := ir.RegScratchBase + ir.VReg(s.n%ir.NumScratchRegs)
	s.n++
	return v
}

func xmmLow(r int) ir.VReg  { return ir.RegVecBase + ir.VReg(2*r) }
func xmmHigh(r int) ir.VReg { return ir.RegVecBase + ir.VReg(2*r) + 1 }

func flagSlot(nibble byte) ir.VReg { return ir.RegFlagsBase + ir.VReg(nibble) }

var errInvalid = &fault.ExecFault{Cause: fault.CauseInvalidOpcode}

// decodeState threads the per-block decode context through the opcode
// handlers.
type decodeState struct {
	d       *Decoder
	b       *ir.Builder
	sc      scratch
	pc      ir.GuestPC
	raw     []byte
	off     int
	curInsn ir.GuestPC // start address of the instruction being decoded
}

// Decode lifts one basic block of bytes starting at pc. It calls fetch
// once, asking for MaxBlockOps*15 bytes, and decodes only what that call
// returns. It stops at the first control-flow-
// transferring instruction, a decode fault, or MaxBlockOps.
func (d *Decoder) Decode(pc ir.GuestPC, fetch func(n int) ([]byte, error)) (*ir.Block, error) {
	raw, err := fetch(MaxBlockOps * 15)
	if err != nil {
		return nil, err
	}

	cacheKey := decode.Key{PC: pc, BytesLen: uint32(len(raw))}
	if cached, ok := d.cache.Get(cacheKey); ok {
		return cached, nil
	}

	st := &decodeState{d: d, b: ir.NewBuilder(pc), pc: pc, raw: raw}
	for st.off < len(st.raw) && st.b.Len() < MaxBlockOps {
		done, err := st.decodeOne()
		if err != nil {
			return nil, err
		}
		if done {
			return d.finish(st.b, st.off, cacheKey)
		}
	}

	if st.b.Len() >= MaxBlockOps {
		// Block-length cap reached: end with a synthetic fall-through jump.
		if err := st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: st.nextPC()}); err != nil {
			return nil, err
		}
		return d.finish(st.b, st.off, cacheKey)
	}
	return nil, errInvalid
}

func (d *Decoder) finish(b *ir.Builder, off int, cacheKey decode.Key) (*ir.Block, error) {
	blk, err := b.Build(uint32(off))
	if err != nil {
		return nil, err
	}
	d.cache.Put(cacheKey, blk)
	return blk, nil
}

func (st *decodeState) nextPC() ir.GuestPC {
	return ir.GuestPC(int64(st.pc) + int64(st.off))
}

// decodeOne lifts a single instruction. It reports done=true when the
// instruction terminated the block.
func (st *decodeState) decodeOne() (bool, error) {
	st.curInsn = st.nextPC()
	st.b.SetInsnPC(st.curInsn)
	pfx, n, err := readPrefixes(st.raw[st.off:])
	if err != nil {
		return false, err
	}
	st.off += n
	if st.off >= len(st.raw) {
		return false, errInvalid
	}
	opcode := st.raw[st.off]
	st.off++

	if opcode == 0x0F {
		return st.decodeTwoByte(pfx)
	}
	return st.decodeOneByte(opcode, pfx)
}

func readPrefixes(b []byte) (prefixes, int, error) {
	var p prefixes
	i := 0
loop:
	for i < len(b) {
		switch b[i] {
		case 0xF0:
			p.lock = true
		case 0xF3:
			p.rep = true
		case 0xF2:
			p.repne = true
		case 0x66:
			p.opsize = true
		case 0x67:
			p.addrsize = true
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65:
			p.segment = b[i]
		default:
			break loop
		}
		i++
	}
	if i < len(b) && b[i]&0xF0 == 0x40 {
		v := b[i]
		p.rex = rexPrefix{present: true, w: v&0x08 != 0, r: v&0x04 != 0, x: v&0x02 != 0, b: v&0x01 != 0}
		i++
	}
	if i >= len(b) {
		return p, i, errInvalid
	}
	return p, i, nil
}

// memOperand is a decoded ModRM r/m operand: either a register
// (isReg=true, rm) or a memory reference (base VReg + disp), possibly
// via SIB address ops already emitted into the block.
type memOperand struct {
	isReg bool
	rm    int
	base  ir.VReg
	disp  int32
	reg   int // the ModRM reg field, REX.R-extended
}

// decodeModRM consumes a ModRM byte and any SIB/displacement that
// follows, emitting address-computation ops for SIB forms. RIP-relative
// addressing (mod=00, rm=101) is outside the subset and refused.
func (st *decodeState) decodeModRM(pfx prefixes) (memOperand, error) {
	if st.off >= len(st.raw) {
		return memOperand{}, errInvalid
	}
	modrm := st.raw[st.off]
	st.off++
	mod := modrm >> 6
	regField := int((modrm>>3)&0x7) | boolBit(pfx.rex.r, 3)
	rmField := int(modrm&0x7) | boolBit(pfx.rex.b, 3)

	if mod == 3 {
		return memOperand{isReg: true, rm: rmField, reg: regField}, nil
	}

	var base ir.VReg
	haveBase := true
	if modrm&0x7 == 0x4 {
		// SIB byte follows.
		if st.off >= len(st.raw) {
			return memOperand{}, errInvalid
		}
		sib := st.raw[st.off]
		st.off++
		scale := uint(sib >> 6)
		idxField := int((sib>>3)&0x7) | boolBit(pfx.rex.x, 3)
		baseField := int(sib&0x7) | boolBit(pfx.rex.b, 3)

		hasIndex := idxField != 4 // index=100 means no index
		hasSIBBase := !(baseField&0x7 == 5 && mod == 0)

		switch {
		case hasIndex && hasSIBBase:
			addrReg := st.sc.next()
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: addrReg, Src1: ir.VReg(idxField), Imm: int64(scale), HasImm: true}); err != nil {
				return memOperand{}, err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpAdd, Dst: addrReg, Src1: addrReg, Src2: ir.VReg(baseField)}); err != nil {
				return memOperand{}, err
			}
			base = addrReg
		case hasIndex:
			addrReg := st.sc.next()
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: addrReg, Src1: ir.VReg(idxField), Imm: int64(scale), HasImm: true}); err != nil {
				return memOperand{}, err
			}
			base = addrReg
		case hasSIBBase:
			base = ir.VReg(baseField)
		default:
			haveBase = false
		}
		if !hasSIBBase {
			// base=101 with mod=00 carries a mandatory disp32.
			disp, err := st.readImm32()
			if err != nil {
				return memOperand{}, err
			}
			if !haveBase {
				addrReg := st.sc.next()
				if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: addrReg, Imm: int64(disp), HasImm: true}); err != nil {
					return memOperand{}, err
				}
				return memOperand{base: addrReg, reg: regField}, nil
			}
			return memOperand{base: base, disp: disp, reg: regField}, nil
		}
	} else {
		if mod == 0 && modrm&0x7 == 0x5 {
			return memOperand{}, errInvalid // RIP-relative, outside the subset
		}
		base = ir.VReg(rmField)
	}

	var disp int32
	switch mod {
	case 1:
		if st.off >= len(st.raw) {
			return memOperand{}, errInvalid
		}
		disp = int32(int8(st.raw[st.off]))
		st.off++
	case 2:
		d32, err := st.readImm32()
		if err != nil {
			return memOperand{}, err
		}
		disp = d32
	}
	return memOperand{base: base, disp: disp, reg: regField}, nil
}

func (st *decodeState) readImm32() (int32, error) {
	if st.off+4 > len(st.raw) {
		return 0, errInvalid
	}
	v := int32(le32(st.raw[st.off:]))
	st.off += 4
	return v, nil
}

func (st *decodeState) readImm8() (int8, error) {
	if st.off >= len(st.raw) {
		return 0, errInvalid
	}
	v := int8(st.raw[st.off])
	st.off++
	return v, nil
}

func (st *decodeState) readImm64() (int64, error) {
	if st.off+8 > len(st.raw) {
		return 0, errInvalid
	}
	v := int64(le32(st.raw[st.off:])) & 0xFFFFFFFF
	v |= int64(le32(st.raw[st.off+4:])) << 32
	st.off += 8
	return v, nil
}

// emitMov copies src into dst, zero-extending for 32-bit operand size.
func (st *decodeState) emitMov(dst, src ir.VReg, size int) error {
	if size == 4 {
		return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: dst, Src1: src, Imm: 0xFFFFFFFF, HasImm: true})
	}
	return st.b.Emit(ir.Op{Kind: ir.OpOr, Dst: dst, Src1: src, Src2: src})
}

// emitALU emits kind over (dst = a OP b/imm), masking the result to 32
// bits when size is 4 (x86-64 zero-extends 32-bit results).
func (st *decodeState) emitALU(kind ir.OpKind, dst, a ir.VReg, bReg ir.VReg, imm int64, hasImm bool, size int) error {
	op := ir.Op{Kind: kind, Dst: dst, Src1: a}
	if hasImm {
		op.Imm, op.HasImm = imm, true
	} else {
		op.Src2 = bReg
	}
	if err := st.b.Emit(op); err != nil {
		return err
	}
	if size == 4 {
		return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: dst, Src1: dst, Imm: 0xFFFFFFFF, HasImm: true})
	}
	return nil
}

// emitFlags materialises every supported condition nibble's boolean
// into its flag slot, from a compare of a against b/imm. For 32-bit
// compares both operands are normalised first (zero-extended for the
// unsigned conditions, sign-extended for the signed ones).
func (st *decodeState) emitFlags(a ir.VReg, bReg ir.VReg, imm int64, hasImm bool, size int) error {
	if hasImm {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: imm, HasImm: true}); err != nil {
			return err
		}
		bReg = t
	}
	ua, ub, sa, sb := a, bReg, a, bReg
	if size == 4 {
		ua, ub, sa, sb = st.sc.next(), st.sc.next(), st.sc.next(), st.sc.next()
		for _, pair := range [][2]ir.VReg{{ua, a}, {ub, bReg}} {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: pair[0], Src1: pair[1], Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return err
			}
		}
		for _, pair := range [][2]ir.VReg{{sa, a}, {sb, bReg}} {
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: pair[0], Src1: pair[1], Imm: 32, HasImm: true}); err != nil {
				return err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: pair[0], Src1: pair[0], Imm: 32, HasImm: true}); err != nil {
				return err
			}
		}
	}
	emit := func(nibble byte, kind ir.OpKind, x, y ir.VReg) error {
		return st.b.Emit(ir.Op{Kind: kind, Dst: flagSlot(nibble), Src1: x, Src2: y})
	}
	steps := []struct {
		nibble byte
		kind   ir.OpKind
		x, y   ir.VReg
	}{
		{0x2, ir.OpCmpLtU, ua, ub}, // B
		{0x3, ir.OpCmpGeU, ua, ub}, // AE
		{0x4, ir.OpCmpEq, ua, ub},  // E
		{0x5, ir.OpCmpNe, ua, ub},  // NE
		{0x6, ir.OpCmpGeU, ub, ua}, // BE
		{0x7, ir.OpCmpLtU, ub, ua}, // A
		{0x8, ir.OpCmpLt, sa, sb},  // S (lazy-flags approximation)
		{0x9, ir.OpCmpGe, sa, sb},  // NS
		{0xC, ir.OpCmpLt, sa, sb},  // L
		{0xD, ir.OpCmpGe, sa, sb},  // GE
		{0xE, ir.OpCmpGe, sb, sa},  // LE
		{0xF, ir.OpCmpLt, sb, sa},  // G
	}
	for _, s := range steps {
		if err := emit(s.nibble, s.kind, s.x, s.y); err != nil {
			return err
		}
	}
	return nil
}

func condSupported(nibble byte) bool {
	switch nibble {
	case 0x0, 0x1, 0xA, 0xB: // O/NO/P/NP
		return false
	}
	return true
}

func (st *decodeState) decodeOneByte(opcode byte, pfx prefixes) (bool, error) {
	size := pfx.opSize()
	switch {
	case opcode == 0x90: // NOP (F3 90 = PAUSE, same here)
		return false, nil

	case opcode == 0xC3: // RET
		if err := st.b.SetTerminator(ir.Terminator{Kind: ir.TermRet, Link: ir.LinkStack, StackReg: regRSP}); err != nil {
			return false, err
		}
		return true, nil

	case opcode == 0xCC: // INT3
		if err := st.b.SetTerminator(ir.Terminator{Kind: ir.TermInterrupt, InterruptVec: 3, InsnPC: st.curInsn}); err != nil {
			return false, err
		}
		return true, nil

	case opcode == 0xF4: // HLT: stop translated execution
		if err := st.b.SetTerminator(ir.Terminator{Kind: ir.TermRet}); err != nil {
			return false, err
		}
		return true, nil

	case opcode == 0x98: // CDQE: sign-extend EAX into RAX
		if !pfx.rex.w {
			return false, errInvalid // CWDE without REX.W is 16->32, outside the subset
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: regRAX, Src1: regRAX, Imm: 32, HasImm: true}); err != nil {
			return false, err
		}
		return false, st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: regRAX, Src1: regRAX, Imm: 32, HasImm: true})

	case opcode == 0x99: // CQO: sign of RAX into RDX
		if !pfx.rex.w {
			return false, errInvalid
		}
		return false, st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: regRDX, Src1: regRAX, Imm: 63, HasImm: true})

	case opcode >= 0x50 && opcode <= 0x57: // PUSH r64
		reg := ir.VReg(int(opcode-0x50) | boolBit(pfx.rex.b, 3))
		return false, st.emitPush(reg)

	case opcode >= 0x58 && opcode <= 0x5F: // POP r64
		reg := ir.VReg(int(opcode-0x58) | boolBit(pfx.rex.b, 3))
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: regRSP, Flags: ir.MemFlags{Size: 8}}); err != nil {
			return false, err
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpAdd, Dst: regRSP, Src1: regRSP, Imm: 8, HasImm: true}); err != nil {
			return false, err
		}
		return false, st.emitMov(reg, t, 8)

	case opcode >= 0xB8 && opcode <= 0xBF: // MOV r, imm32/imm64
		if pfx.opsize {
			return false, errInvalid // 16-bit mov, outside the subset
		}
		reg := ir.VReg(int(opcode-0xB8) | boolBit(pfx.rex.b, 3))
		var imm int64
		if pfx.rex.w {
			v, err := st.readImm64()
			if err != nil {
				return false, err
			}
			imm = v
		} else {
			v, err := st.readImm32()
			if err != nil {
				return false, err
			}
			imm = int64(uint32(v)) // 32-bit mov zero-extends
		}
		return false, st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: reg, Imm: imm, HasImm: true})

	case opcode == 0xC7: // MOV r/m, imm32 (sign-extended for REX.W)
		return false, st.decodeMovImmRM(pfx, size)

	case opcode == 0x8D: // LEA
		m, err := st.decodeModRM(pfx)
		if err != nil {
			return false, err
		}
		if m.isReg {
			return false, errInvalid
		}
		return false, st.emitALU(ir.OpAdd, ir.VReg(m.reg), m.base, 0, int64(m.disp), true, size)

	case opcode == 0x01 || opcode == 0x03 || opcode == 0x09 || opcode == 0x0B ||
		opcode == 0x21 || opcode == 0x23 || opcode == 0x29 || opcode == 0x2B ||
		opcode == 0x31 || opcode == 0x33:
		return false, st.decodeALURM(opcode, pfx, size)

	case opcode == 0x39 || opcode == 0x3B: // CMP r/m, r | r, r/m
		return false, st.decodeCmpRM(opcode, pfx, size)

	case opcode == 0x3D: // CMP RAX/EAX, imm32
		v, err := st.readImm32()
		if err != nil {
			return false, err
		}
		return false, st.emitFlags(regRAX, 0, int64(v), true, size)

	case opcode == 0x85: // TEST r/m, r
		return false, st.decodeTestRM(pfx, size)

	case opcode == 0x87: // XCHG r/m, r
		return false, st.decodeXchg(pfx, size)

	case opcode == 0x89 || opcode == 0x8B: // MOV r/m, r | r, r/m
		return false, st.decodeMovRM(opcode, pfx, size)

	case opcode == 0x81 || opcode == 0x83: // group 1: ALU r/m, imm
		return false, st.decodeGroup1(opcode, pfx, size)

	case opcode == 0xC1 || opcode == 0xD1 || opcode == 0xD3: // group 2: shifts
		return false, st.decodeGroup2(opcode, pfx, size)

	case opcode == 0xF7: // group 3: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV
		return false, st.decodeGroup3(pfx, size)

	case opcode == 0xFF: // group 5: INC/DEC/CALL/JMP/PUSH
		return st.decodeGroup5(pfx, size)

	case opcode == 0xEB: // JMP rel8
		rel, err := st.readImm8()
		if err != nil {
			return false, err
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: ir.GuestPC(int64(st.nextPC()) + int64(rel))})

	case opcode == 0xE9: // JMP rel32
		rel, err := st.readImm32()
		if err != nil {
			return false, err
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: ir.GuestPC(int64(st.nextPC()) + int64(rel))})

	case opcode == 0xE8: // CALL rel32
		rel, err := st.readImm32()
		if err != nil {
			return false, err
		}
		retPC := st.nextPC()
		target := ir.GuestPC(int64(retPC) + int64(rel))
		return true, st.b.SetTerminator(ir.Terminator{
			Kind: ir.TermCall, Target: target, RetPC: retPC,
			Link: ir.LinkStack, StackReg: regRSP,
		})

	case opcode >= 0x70 && opcode <= 0x7F: // Jcc rel8
		rel, err := st.readImm8()
		if err != nil {
			return false, err
		}
		return true, st.emitJcc(opcode&0x0F, int64(rel))

	default:
		if vop, n, ok := st.d.vendor.TryDecode(st.raw[st.off-1:]); ok {
			st.off += n - 1
			return false, st.b.Emit(vop)
		}
		return false, errInvalid
	}
}

func (st *decodeState) emitPush(src ir.VReg) error {
	t := st.sc.next()
	if err := st.emitMov(t, src, 8); err != nil {
		return err
	}
	if err := st.b.Emit(ir.Op{Kind: ir.OpSub, Dst: regRSP, Src1: regRSP, Imm: 8, HasImm: true}); err != nil {
		return err
	}
	return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: regRSP, Src1: t, Flags: ir.MemFlags{Size: 8}})
}

func (st *decodeState) emitJcc(nibble byte, rel int64) error {
	if !condSupported(nibble) {
		return errInvalid
	}
	next := st.nextPC()
	return st.b.SetTerminator(ir.Terminator{
		Kind: ir.TermCondJmp, Cond: flagSlot(nibble),
		Target: ir.GuestPC(int64(next) + rel), Else: next,
	})
}

func aluKind(opcode byte) ir.OpKind {
	switch opcode &^ 0x02 {
	case 0x01:
		return ir.OpAdd
	case 0x09:
		return ir.OpOr
	case 0x21:
		return ir.OpAnd
	case 0x29:
		return ir.OpSub
	default: // 0x31
		return ir.OpXor
	}
}

// decodeALURM handles the two-operand ALU opcodes in both directions
// (odd opcode: r/m ⟵ op ⟶ r; odd+2: r ⟵ op ⟶ r/m), register and memory
// forms. Memory-destination forms with LOCK lower to AtomicRMW.
func (st *decodeState) decodeALURM(opcode byte, pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	kind := aluKind(opcode)
	regIsSrc := opcode&0x02 == 0
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if m.isReg {
		dst, src := ir.VReg(m.rm), ir.VReg(m.reg)
		if !regIsSrc {
			dst, src = ir.VReg(m.reg), ir.VReg(m.rm)
		}
		return st.emitALU(kind, dst, dst, src, 0, false, size)
	}
	if regIsSrc {
		// op [mem], reg
		if pfx.lock {
			return st.emitLockedRMW(kind, m, ir.VReg(m.reg), size)
		}
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
			return err
		}
		if err := st.emitALU(kind, t, t, ir.VReg(m.reg), 0, false, size); err != nil {
			return err
		}
		return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: m.base, Offset: m.disp, Src1: t, Flags: ir.MemFlags{Size: uint8(size)}})
	}
	// op reg, [mem]
	t := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
		return err
	}
	return st.emitALU(kind, ir.VReg(m.reg), ir.VReg(m.reg), t, 0, false, size)
}

func (st *decodeState) emitLockedRMW(kind ir.OpKind, m memOperand, operand ir.VReg, size int) error {
	var aop ir.AtomicOp
	switch kind {
	case ir.OpAdd:
		aop = ir.AtomicAdd
	case ir.OpSub:
		aop = ir.AtomicSub
	case ir.OpAnd:
		aop = ir.AtomicAnd
	case ir.OpOr:
		aop = ir.AtomicOr
	case ir.OpXor:
		aop = ir.AtomicXor
	default:
		return errInvalid
	}
	old := st.sc.next()
	return st.b.Emit(ir.Op{
		Kind: ir.OpAtomicRMW, AtomicOp: aop, Dst: old, Src2: operand,
		Base: m.base, Offset: m.disp,
		Flags: ir.MemFlags{Size: uint8(size), Atomic: true, Order: ir.OrderAcqRel},
	})
}

func (st *decodeState) decodeCmpRM(opcode byte, pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	var a, b ir.VReg
	if m.isReg {
		a, b = ir.VReg(m.rm), ir.VReg(m.reg)
	} else {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
			return err
		}
		a, b = t, ir.VReg(m.reg)
	}
	if opcode == 0x3B { // CMP r, r/m: operands the other way round
		a, b = b, a
	}
	return st.emitFlags(a, b, 0, false, size)
}

func (st *decodeState) decodeTestRM(pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if !m.isReg {
		return errInvalid
	}
	t := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: ir.VReg(m.rm), Src2: ir.VReg(m.reg)}); err != nil {
		return err
	}
	return st.emitFlags(t, 0, 0, true, size)
}

func (st *decodeState) decodeXchg(pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if m.isReg {
		a, b := ir.VReg(m.rm), ir.VReg(m.reg)
		t := st.sc.next()
		if err := st.emitMov(t, a, 8); err != nil {
			return err
		}
		if err := st.emitMov(a, b, size); err != nil {
			return err
		}
		return st.emitMov(b, t, size)
	}
	// XCHG with a memory operand is locked regardless of a LOCK prefix.
	old := st.sc.next()
	if err := st.b.Emit(ir.Op{
		Kind: ir.OpAtomicRMW, AtomicOp: ir.AtomicXchg, Dst: old, Src2: ir.VReg(m.reg),
		Base: m.base, Offset: m.disp,
		Flags: ir.MemFlags{Size: uint8(size), Atomic: true, Order: ir.OrderAcqRel},
	}); err != nil {
		return err
	}
	return st.emitMov(ir.VReg(m.reg), old, size)
}

func (st *decodeState) decodeMovRM(opcode byte, pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if m.isReg {
		dst, src := ir.VReg(m.rm), ir.VReg(m.reg)
		if opcode == 0x8B {
			dst, src = src, dst
		}
		return st.emitMov(dst, src, size)
	}
	if opcode == 0x8B { // MOV r, [mem]
		return st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: ir.VReg(m.reg), Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}})
	}
	return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: m.base, Offset: m.disp, Src1: ir.VReg(m.reg), Flags: ir.MemFlags{Size: uint8(size)}})
}

func (st *decodeState) decodeMovImmRM(pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if m.reg != 0 {
		return errInvalid // only /0 is MOV
	}
	v, err := st.readImm32()
	if err != nil {
		return err
	}
	imm := int64(v) // sign-extended for REX.W
	if size == 4 {
		imm = int64(uint32(v))
	}
	if m.isReg {
		return st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: ir.VReg(m.rm), Imm: imm, HasImm: true})
	}
	t := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: imm, HasImm: true}); err != nil {
		return err
	}
	return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: m.base, Offset: m.disp, Src1: t, Flags: ir.MemFlags{Size: uint8(size)}})
}

func (st *decodeState) decodeGroup1(opcode byte, pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	var imm int64
	if opcode == 0x83 {
		v, err := st.readImm8()
		if err != nil {
			return err
		}
		imm = int64(v)
	} else {
		v, err := st.readImm32()
		if err != nil {
			return err
		}
		imm = int64(v)
	}

	var kind ir.OpKind
	switch m.reg {
	case 0:
		kind = ir.OpAdd
	case 1:
		kind = ir.OpOr
	case 4:
		kind = ir.OpAnd
	case 5:
		kind = ir.OpSub
	case 6:
		kind = ir.OpXor
	case 7: // CMP
		if m.isReg {
			return st.emitFlags(ir.VReg(m.rm), 0, imm, true, size)
		}
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
			return err
		}
		return st.emitFlags(t, 0, imm, true, size)
	default: // ADC/SBB
		return errInvalid
	}

	if m.isReg {
		return st.emitALU(kind, ir.VReg(m.rm), ir.VReg(m.rm), 0, imm, true, size)
	}
	if pfx.lock {
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: imm, HasImm: true}); err != nil {
			return err
		}
		return st.emitLockedRMW(kind, m, t, size)
	}
	t := st.sc.next()
	if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
		return err
	}
	if err := st.emitALU(kind, t, t, 0, imm, true, size); err != nil {
		return err
	}
	return st.b.Emit(ir.Op{Kind: ir.OpStore, Base: m.base, Offset: m.disp, Src1: t, Flags: ir.MemFlags{Size: uint8(size)}})
}

func (st *decodeState) decodeGroup2(opcode byte, pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if !m.isReg {
		return errInvalid
	}
	var kind ir.OpKind
	switch m.reg {
	case 4:
		kind = ir.OpSll
	case 5:
		kind = ir.OpSrl
	case 7:
		kind = ir.OpSra
	default:
		return errInvalid
	}
	dst := ir.VReg(m.rm)
	switch opcode {
	case 0xC1:
		v, err := st.readImm8()
		if err != nil {
			return err
		}
		return st.emitShift(kind, dst, 0, int64(uint8(v)), true, size)
	case 0xD1:
		return st.emitShift(kind, dst, 0, 1, true, size)
	default: // 0xD3: shift by CL
		return st.emitShift(kind, dst, regRCX, 0, false, size)
	}
}

// emitShift masks 32-bit operands before a right shift so the shifted-in
// bits come from the 32-bit value, then re-masks the result.
func (st *decodeState) emitShift(kind ir.OpKind, dst ir.VReg, amtReg ir.VReg, amt int64, hasImm bool, size int) error {
	src := dst
	if size == 4 && kind != ir.OpSll {
		t := st.sc.next()
		if kind == ir.OpSra {
			if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: t, Src1: dst, Imm: 32, HasImm: true}); err != nil {
				return err
			}
			if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: t, Src1: t, Imm: 32, HasImm: true}); err != nil {
				return err
			}
		} else {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: dst, Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return err
			}
		}
		src = t
	}
	return st.emitALU(kind, dst, src, amtReg, amt, hasImm, size)
}

func (st *decodeState) decodeGroup3(pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if !m.isReg && m.reg != 0 {
		return errInvalid // memory forms only for TEST
	}
	switch m.reg {
	case 0: // TEST r/m, imm32
		v, err := st.readImm32()
		if err != nil {
			return err
		}
		var a ir.VReg
		if m.isReg {
			a = ir.VReg(m.rm)
		} else {
			a = st.sc.next()
			if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: a, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
				return err
			}
		}
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: t, Src1: a, Imm: int64(v), HasImm: true}); err != nil {
			return err
		}
		return st.emitFlags(t, 0, 0, true, size)
	case 2: // NOT
		if err := st.b.Emit(ir.Op{Kind: ir.OpNot, Dst: ir.VReg(m.rm), Src1: ir.VReg(m.rm)}); err != nil {
			return err
		}
		if size == 4 {
			return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: ir.VReg(m.rm), Src1: ir.VReg(m.rm), Imm: 0xFFFFFFFF, HasImm: true})
		}
		return nil
	case 3: // NEG
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: 0, HasImm: true}); err != nil {
			return err
		}
		return st.emitALU(ir.OpSub, ir.VReg(m.rm), t, ir.VReg(m.rm), 0, false, size)
	case 4, 5: // MUL/IMUL: RAX = RAX * r/m (low half; RDX is not widened)
		return st.emitALU(ir.OpMul, regRAX, regRAX, ir.VReg(m.rm), 0, false, size)
	case 6, 7: // DIV/IDIV: RAX = quotient, RDX = remainder
		signed := m.reg == 7
		rm := ir.VReg(m.rm)
		q, r := st.sc.next(), st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpDiv, Dst: q, Src1: regRAX, Src2: rm, Signed: signed}); err != nil {
			return err
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpRem, Dst: r, Src1: regRAX, Src2: rm, Signed: signed}); err != nil {
			return err
		}
		if err := st.emitMov(regRAX, q, size); err != nil {
			return err
		}
		return st.emitMov(regRDX, r, size)
	default:
		return errInvalid
	}
}

func (st *decodeState) decodeGroup5(pfx prefixes, size int) (bool, error) {
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return false, err
	}
	switch m.reg {
	case 0: // INC
		if !m.isReg {
			return false, errInvalid
		}
		return false, st.emitALU(ir.OpAdd, ir.VReg(m.rm), ir.VReg(m.rm), 0, 1, true, size)
	case 1: // DEC
		if !m.isReg {
			return false, errInvalid
		}
		return false, st.emitALU(ir.OpSub, ir.VReg(m.rm), ir.VReg(m.rm), 0, 1, true, size)
	case 2: // CALL r/m64: push the return site, then an indirect jump
		if !m.isReg {
			return false, errInvalid
		}
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: t, Imm: int64(st.nextPC()), HasImm: true}); err != nil {
			return false, err
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpSub, Dst: regRSP, Src1: regRSP, Imm: 8, HasImm: true}); err != nil {
			return false, err
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpStore, Base: regRSP, Src1: t, Flags: ir.MemFlags{Size: 8}}); err != nil {
			return false, err
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmpReg, Base: ir.VReg(m.rm)})
	case 4: // JMP r/m64
		if !m.isReg {
			return false, errInvalid
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmpReg, Base: ir.VReg(m.rm)})
	case 6: // PUSH r/m64
		if !m.isReg {
			return false, errInvalid
		}
		return false, st.emitPush(ir.VReg(m.rm))
	default:
		return false, errInvalid
	}
}

func (st *decodeState) decodeTwoByte(pfx prefixes) (bool, error) {
	if st.off >= len(st.raw) {
		return false, errInvalid
	}
	opcode := st.raw[st.off]
	st.off++
	size := pfx.opSize()

	switch {
	case opcode == 0x05: // SYSCALL
		if err := st.b.Emit(ir.Op{Kind: ir.OpSysCall}); err != nil {
			return false, err
		}
		return true, st.b.SetTerminator(ir.Terminator{Kind: ir.TermJmp, Target: st.nextPC()})

	case opcode == 0x1F: // multi-byte NOP (0F 1F /0)
		if _, err := st.decodeModRM(pfx); err != nil {
			return false, err
		}
		return false, nil

	case opcode >= 0x80 && opcode <= 0x8F: // Jcc rel32
		rel, err := st.readImm32()
		if err != nil {
			return false, err
		}
		return true, st.emitJcc(opcode&0x0F, int64(rel))

	case opcode >= 0x90 && opcode <= 0x9F: // SETcc r/m8
		return false, st.decodeSetcc(opcode&0x0F, pfx)

	case opcode == 0xAF: // IMUL r, r/m
		if size == 2 {
			return false, errInvalid
		}
		m, err := st.decodeModRM(pfx)
		if err != nil {
			return false, err
		}
		if m.isReg {
			return false, st.emitALU(ir.OpMul, ir.VReg(m.reg), ir.VReg(m.reg), ir.VReg(m.rm), 0, false, size)
		}
		t := st.sc.next()
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: t, Base: m.base, Offset: m.disp, Flags: ir.MemFlags{Size: uint8(size)}}); err != nil {
			return false, err
		}
		return false, st.emitALU(ir.OpMul, ir.VReg(m.reg), ir.VReg(m.reg), t, 0, false, size)

	case opcode == 0xB1: // CMPXCHG r/m, r
		return false, st.decodeCmpXchg(pfx, size)

	case opcode == 0xC1: // XADD r/m, r
		return false, st.decodeXadd(pfx, size)

	case opcode == 0xB6 || opcode == 0xB7: // MOVZX r, r/m8|16
		return false, st.decodeMovExtend(opcode == 0xB7, false, pfx, size)

	case opcode == 0xBE || opcode == 0xBF: // MOVSX r, r/m8|16
		return false, st.decodeMovExtend(opcode == 0xBF, true, pfx, size)

	case pfx.opsize: // 66 0F: SSE2 packed-integer group
		return false, st.decodeSSE(opcode, pfx)

	default:
		return false, errInvalid
	}
}

func (st *decodeState) decodeSetcc(nibble byte, pfx prefixes) error {
	if !condSupported(nibble) {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if !m.isReg {
		return errInvalid
	}
	if !pfx.rex.present && m.rm >= 4 {
		return errInvalid // AH/CH/DH/BH without REX
	}
	// SETcc writes only the low byte: clear it, then OR the boolean in.
	dst := ir.VReg(m.rm)
	if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: dst, Src1: dst, Imm: ^int64(0xFF), HasImm: true}); err != nil {
		return err
	}
	return st.b.Emit(ir.Op{Kind: ir.OpOr, Dst: dst, Src1: dst, Src2: flagSlot(nibble)})
}

func (st *decodeState) decodeCmpXchg(pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if m.isReg {
		return errInvalid
	}
	old := st.sc.next()
	if err := st.b.Emit(ir.Op{
		Kind: ir.OpAtomicCmpXchg, Dst: old, Src1: regRAX, Src2: ir.VReg(m.reg),
		Base: m.base, Offset: m.disp,
		Flags: ir.MemFlags{Size: uint8(size), Atomic: true, Order: ir.OrderAcqRel},
	}); err != nil {
		return err
	}
	// ZF reflects whether the exchange happened; RAX receives the old
	// value either way (when it matched, old == RAX already).
	if err := st.b.Emit(ir.Op{Kind: ir.OpCmpEq, Dst: flagSlot(0x4), Src1: old, Src2: regRAX}); err != nil {
		return err
	}
	if err := st.b.Emit(ir.Op{Kind: ir.OpCmpNe, Dst: flagSlot(0x5), Src1: old, Src2: regRAX}); err != nil {
		return err
	}
	return st.emitMov(regRAX, old, size)
}

func (st *decodeState) decodeXadd(pfx prefixes, size int) error {
	if size == 2 {
		return errInvalid
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if m.isReg {
		return errInvalid
	}
	old := st.sc.next()
	if err := st.b.Emit(ir.Op{
		Kind: ir.OpAtomicRMW, AtomicOp: ir.AtomicAdd, Dst: old, Src2: ir.VReg(m.reg),
		Base: m.base, Offset: m.disp,
		Flags: ir.MemFlags{Size: uint8(size), Atomic: true, Order: ir.OrderAcqRel},
	}); err != nil {
		return err
	}
	return st.emitMov(ir.VReg(m.reg), old, size)
}

func (st *decodeState) decodeMovExtend(wide, signed bool, pfx prefixes, size int) error {
	srcSize := 1
	if wide {
		srcSize = 2
	}
	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	dst := ir.VReg(m.reg)
	if !m.isReg {
		if err := st.b.Emit(ir.Op{Kind: ir.OpLoad, Dst: dst, Base: m.base, Offset: m.disp,
			Flags: ir.MemFlags{Size: uint8(srcSize), Signed: signed}}); err != nil {
			return err
		}
		if size == 4 {
			return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: dst, Src1: dst, Imm: 0xFFFFFFFF, HasImm: true})
		}
		return nil
	}
	if !pfx.rex.present && srcSize == 1 && m.rm >= 4 {
		return errInvalid // AH/CH/DH/BH without REX
	}
	bits := int64(srcSize * 8)
	if signed {
		if err := st.b.Emit(ir.Op{Kind: ir.OpSll, Dst: dst, Src1: ir.VReg(m.rm), Imm: 64 - bits, HasImm: true}); err != nil {
			return err
		}
		if err := st.b.Emit(ir.Op{Kind: ir.OpSra, Dst: dst, Src1: dst, Imm: 64 - bits, HasImm: true}); err != nil {
			return err
		}
		if size == 4 {
			return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: dst, Src1: dst, Imm: 0xFFFFFFFF, HasImm: true})
		}
		return nil
	}
	return st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: dst, Src1: ir.VReg(m.rm), Imm: (int64(1) << bits) - 1, HasImm: true})
}

// decodeSSE lifts the 66 0F packed-integer arithmetic group over XMM
// registers. Each 128-bit register occupies two 64-bit lanes in the
// register file (ir.RegVecBase layout); WideDst/WideSrc carry the high
// lanes per spec §3's multi-register wide forms.
func (st *decodeState) decodeSSE(opcode byte, pfx prefixes) error {
	var kind ir.OpKind
	var elem uint8
	var sat bool
	switch opcode {
	case 0xFC:
		kind, elem = ir.OpVecAdd, 1
	case 0xFD:
		kind, elem = ir.OpVecAdd, 2
	case 0xFE:
		kind, elem = ir.OpVecAdd, 4
	case 0xD4:
		kind, elem = ir.OpVecAdd, 8
	case 0xF8:
		kind, elem = ir.OpVecSub, 1
	case 0xF9:
		kind, elem = ir.OpVecSub, 2
	case 0xFA:
		kind, elem = ir.OpVecSub, 4
	case 0xFB:
		kind, elem = ir.OpVecSub, 8
	case 0xD5:
		kind, elem = ir.OpVecMul, 2
	case 0xEC:
		kind, elem, sat = ir.OpVecAdd, 1, true
	case 0xED:
		kind, elem, sat = ir.OpVecAdd, 2, true
	case 0xE8:
		kind, elem, sat = ir.OpVecSub, 1, true
	case 0xE9:
		kind, elem, sat = ir.OpVecSub, 2, true
	case 0x6F, 0x7F: // MOVDQA xmm, xmm
		m, err := st.decodeModRM(pfx)
		if err != nil {
			return err
		}
		if !m.isReg {
			return errInvalid
		}
		dst, src := m.reg, m.rm
		if opcode == 0x7F {
			dst, src = src, dst
		}
		if err := st.emitMov(xmmLow(dst), xmmLow(src), 8); err != nil {
			return err
		}
		return st.emitMov(xmmHigh(dst), xmmHigh(src), 8)
	case 0x6E: // MOVD/MOVQ xmm, r32/64
		m, err := st.decodeModRM(pfx)
		if err != nil {
			return err
		}
		if !m.isReg {
			return errInvalid
		}
		if err := st.emitMov(xmmLow(m.reg), ir.VReg(m.rm), 8); err != nil {
			return err
		}
		if !pfx.rex.w {
			if err := st.b.Emit(ir.Op{Kind: ir.OpAnd, Dst: xmmLow(m.reg), Src1: xmmLow(m.reg), Imm: 0xFFFFFFFF, HasImm: true}); err != nil {
				return err
			}
		}
		return st.b.Emit(ir.Op{Kind: ir.OpMovImm, Dst: xmmHigh(m.reg), Imm: 0, HasImm: true})
	case 0x7E: // MOVD/MOVQ r32/64, xmm
		m, err := st.decodeModRM(pfx)
		if err != nil {
			return err
		}
		if !m.isReg {
			return errInvalid
		}
		sz := 4
		if pfx.rex.w {
			sz = 8
		}
		return st.emitMov(ir.VReg(m.rm), xmmLow(m.reg), sz)
	default:
		return errInvalid
	}

	m, err := st.decodeModRM(pfx)
	if err != nil {
		return err
	}
	if !m.isReg {
		return errInvalid
	}
	dst, src := m.reg, m.rm
	return st.b.Emit(ir.Op{
		Kind: kind, ElemSize: elem, Saturating: sat,
		Signed: sat, // PADDS/PSUBS are the signed saturating forms
		Dst:    xmmLow(dst), Src1: xmmLow(dst), Src2: xmmLow(src),
		WideDst: []ir.VReg{xmmHigh(dst)},
		WideSrc: []ir.VReg{xmmHigh(dst), xmmHigh(src)},
	})
}

func boolBit(v bool, shift uint) int {
	if v {
		return 1 << shift
	}
	return 0
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
