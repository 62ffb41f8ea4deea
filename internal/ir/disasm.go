// disasm.go - Textual IR dump for tests and diagnostics

/*
Disassemble renders a Block as a sequence of mnemonic lines, one per op
plus the terminator. It exists purely as a diagnostic: nothing in the
execution engines depends on it. This is grounded on the teacher's
debug_disasm_x86.go, which built a table-driven mnemonic formatter for
exactly this purpose (the interactive monitor's disassembly view) rather
than a general pretty-printing framework.
*/
package ir

import (
	"fmt"
	"strings"
)

// Disassemble returns one line per op, followed by the terminator.
func Disassemble(b *Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block 0x%x (%d ops, %d bytes):\n", uint64(b.StartPC), len(b.Ops), b.ByteLen)
	for i, op := range b.Ops {
		fmt.Fprintf(&sb, "  %04d  %s\n", i, op.String())
	}
	fmt.Fprintf(&sb, "  term  %s\n", disasmTerm(b.Term))
	return sb.String()
}

func disasmTerm(t Terminator) string {
	switch t.Kind {
	case TermRet:
		return "ret"
	case TermJmp:
		return fmt.Sprintf("jmp 0x%x", uint64(t.Target))
	case TermJmpReg:
		return fmt.Sprintf("jmpreg v%d+%d", t.Base, t.Offset)
	case TermCondJmp:
		return fmt.Sprintf("condjmp v%d ? 0x%x : 0x%x", t.Cond, uint64(t.Target), uint64(t.Else))
	case TermCall:
		return fmt.Sprintf("call 0x%x, ret=0x%x", uint64(t.Target), uint64(t.RetPC))
	case TermFault:
		return fmt.Sprintf("fault %s", t.FaultCause)
	case TermInterrupt:
		return fmt.Sprintf("interrupt vector=%d", t.InterruptVec)
	default:
		return "unknown"
	}
}
