// Package gvm is the bytecode, compiler, and interpreter for the
// register-window virtual machine: encoding, compilation, and
// execution all live together under this one package.
package gvm

import "fmt"

// Opcode tags an Instruction. The ordering within each family is load
// bearing: the compiler synthesizes an opcode by adding a fixed family
// offset to a base opcode (see the offset constants below), so
// reordering these constants without updating the offsets breaks code
// generation silently.
type Opcode uint8

const (
	// Commutative binary: RR block, then RI block. commutativeOffset
	// is the constant distance from an RR opcode to its RI sibling.
	ADDRR Opcode = iota
	MULRR
	EQRR
	NERR
	ADDRI
	MULRI
	EQRI
	NERI

	// Noncommutative binary: RR block, then RI block, then IR block.
	SUBRR
	DIVRR
	MODRR
	LTRR
	LERR
	SUBRI
	DIVRI
	MODRI
	LTRI
	LERI
	SUBIR
	DIVIR
	MODIR
	LTIR
	LEIR

	// Unary.
	NEG
	NOT

	// Move.
	MOVI
	MOVR

	// Branch.
	JMP
	JT
	JF

	// Call/return.
	CALL
	RETR
	RETI

	// System.
	EXIT
	IN
	OUT

	numOpcodes
)

// Family offsets the compiler uses to synthesize an opcode from a base
// opcode plus an operand-mode shift. CONST is intentionally absent
// from this enum: it is never emitted by any compilation path (see
// DESIGN.md).
const (
	commutativeOffset      = ADDRI - ADDRR // RR -> RI, shared by ADD/MUL/EQ/NE
	noncommutativeRIOffset = SUBRI - SUBRR // RR -> RI, shared by SUB/DIV/MOD/LT/LE
	noncommutativeIROffset = SUBIR - SUBRR // RR -> IR, shared by SUB/DIV/MOD/LT/LE
)

func init() {
	// Panics immediately if the opcode family layout above ever drifts
	// out of sync with the offset constants.
	commutative := [4][2]Opcode{
		{ADDRR, ADDRI}, {MULRR, MULRI}, {EQRR, EQRI}, {NERR, NERI},
	}
	for _, pair := range commutative {
		if pair[1]-pair[0] != commutativeOffset {
			panic("gvm: commutative opcode family offset drifted")
		}
	}
	noncommutative := [5][3]Opcode{
		{SUBRR, SUBRI, SUBIR},
		{DIVRR, DIVRI, DIVIR},
		{MODRR, MODRI, MODIR},
		{LTRR, LTRI, LTIR},
		{LERR, LERI, LEIR},
	}
	for _, trio := range noncommutative {
		if trio[1]-trio[0] != noncommutativeRIOffset {
			panic("gvm: noncommutative RI opcode family offset drifted")
		}
		if trio[2]-trio[0] != noncommutativeIROffset {
			panic("gvm: noncommutative IR opcode family offset drifted")
		}
	}
}

var opcodeNames = [numOpcodes]string{
	ADDRR: "ADDRR", MULRR: "MULRR", EQRR: "EQRR", NERR: "NERR",
	ADDRI: "ADDRI", MULRI: "MULRI", EQRI: "EQRI", NERI: "NERI",
	SUBRR: "SUBRR", DIVRR: "DIVRR", MODRR: "MODRR", LTRR: "LTRR", LERR: "LERR",
	SUBRI: "SUBRI", DIVRI: "DIVRI", MODRI: "MODRI", LTRI: "LTRI", LERI: "LERI",
	SUBIR: "SUBIR", DIVIR: "DIVIR", MODIR: "MODIR", LTIR: "LTIR", LEIR: "LEIR",
	NEG: "NEG", NOT: "NOT",
	MOVI: "MOVI", MOVR: "MOVR",
	JMP: "JMP", JT: "JT", JF: "JF",
	CALL: "CALL", RETR: "RETR", RETI: "RETI",
	EXIT: "EXIT", IN: "IN", OUT: "OUT",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		if s := opcodeNames[op]; s != "" {
			return s
		}
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

// Instruction is the 32-bit packed word: opcode, then three 8-bit
// operand fields (A, B, C), with (B, C) aliased as a signed 16-bit
// field D. A is always a register index; B and C are either register
// indices or 8-bit signed immediates depending on the opcode.
type Instruction struct {
	Op Opcode
	A  uint8
	B  uint8
	C  uint8
}

// NewABC builds an instruction from its three-operand form.
func NewABC(op Opcode, a, b, c uint8) Instruction {
	return Instruction{Op: op, A: a, B: b, C: c}
}

// NewAD builds an instruction whose B/C fields carry a signed 16-bit
// immediate or displacement instead of two 8-bit operands.
func NewAD(op Opcode, a uint8, d int16) Instruction {
	u := uint16(d)
	return Instruction{Op: op, A: a, B: uint8(u), C: uint8(u >> 8)}
}

// D reinterprets B/C as a combined signed 16-bit field.
func (in Instruction) D() int16 {
	return int16(uint16(in.B) | uint16(in.C)<<8)
}

// Bimm and Cimm reinterpret B/C as 8-bit signed immediates, used by the
// *RI/*IR opcode families.
func (in Instruction) Bimm() int8 { return int8(in.B) }
func (in Instruction) Cimm() int8 { return int8(in.C) }

func (in Instruction) String() string {
	switch in.Op {
	case MOVI, JMP, RETI, JT, JF:
		return fmt.Sprintf("%-6s %3d %d", in.Op, in.A, in.D())
	case NEG, NOT, RETR, EXIT, IN, OUT:
		return fmt.Sprintf("%-6s %3d", in.Op, in.A)
	case MOVR, CALL:
		return fmt.Sprintf("%-6s %3d %3d", in.Op, in.A, in.B)
	case ADDRI, MULRI, EQRI, NERI, SUBRI, DIVRI, MODRI, LTRI, LERI:
		return fmt.Sprintf("%-6s %3d %3d %4d", in.Op, in.A, in.B, in.Cimm())
	case SUBIR, DIVIR, MODIR, LTIR, LEIR:
		return fmt.Sprintf("%-6s %3d %4d %3d", in.Op, in.A, in.Bimm(), in.C)
	default:
		return fmt.Sprintf("%-6s %3d %3d %3d", in.Op, in.A, in.B, in.C)
	}
}

// fits8 reports whether v fits in a signed 8-bit immediate, used to
// pick between register-register and immediate opcode forms.
func fits8(v int64) bool {
	return v >= -128 && v <= 127
}

// fits16 reports whether v fits in a signed 16-bit immediate, used to
// choose RETI over RETR and to decide when a constant needs staged
// materialization.
func fits16(v int64) bool {
	return v >= -32768 && v <= 32767
}
