package bytecode

import (
	"fmt"
	"strings"
)

// DisassembleAt formats the instruction at word index pc. It returns the
// rendered line and the index of the next instruction.
func DisassembleAt(text []uint32, pc int) (string, int) {
	if pc < 0 || pc >= len(text) {
		return fmt.Sprintf("%04d  <out of range>", pc), pc + 1
	}
	op := Opcode(text[pc])
	info := GetOpcodeInfo(op)

	var b strings.Builder
	fmt.Fprintf(&b, "%04d  %-5s", pc, info.Name)
	next := pc + 1
	for i := 0; i < info.Operands; i++ {
		if next >= len(text) {
			b.WriteString(" <truncated>")
			return b.String(), next
		}
		fmt.Fprintf(&b, " %d", int32(text[next]))
		next++
	}
	if op == OpImx && pc+2 < len(text) {
		v := uint64(text[pc+1]) | uint64(text[pc+2])<<32
		fmt.Fprintf(&b, "  ; 0x%016X", v)
	}
	return b.String(), next
}

// Disassemble renders a whole text segment, one instruction per line.
func Disassemble(text []uint32) string {
	var b strings.Builder
	for pc := 0; pc < len(text); {
		line, next := DisassembleAt(text, pc)
		b.WriteString(line)
		b.WriteByte('\n')
		pc = next
	}
	return b.String()
}
