package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// Register names one slot of the interpreter's register file. Registers are
// 1-based; RegNone marks an unused operand.
type Register uint8

const (
	RegNone Register = iota
	Rax              // accumulator, holds every expression result
	Rbx              // second operand of binary operators and stores
	Rcx              // 1st parameter
	Rdx              // 2nd parameter
	Rsi
	Rdi
	R8 // 3rd parameter
	R9 // 4th parameter
	R10
	R11
	R12
	R13
	R14
	R15
	Rsp // stack pointer
	Rbp // frame pointer
)

// RegisterCount is the number of general-purpose registers.
const RegisterCount = 16

// ParamRegisterCount is how many leading parameters travel in registers.
const ParamRegisterCount = 4

// ParamRegisters maps parameter position (0-based) to its fixed register.
var ParamRegisters = [ParamRegisterCount]Register{Rcx, Rdx, R8, R9}

var registerNames = [...]string{
	RegNone: "-",
	Rax:     "rax",
	Rbx:     "rbx",
	Rcx:     "rcx",
	Rdx:     "rdx",
	Rsi:     "rsi",
	Rdi:     "rdi",
	R8:      "r8",
	R9:      "r9",
	R10:     "r10",
	R11:     "r11",
	R12:     "r12",
	R13:     "r13",
	R14:     "r14",
	R15:     "r15",
	Rsp:     "rsp",
	Rbp:     "rbp",
}

// String returns the register's assembler name.
func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

// Valid reports whether r names a real register.
func (r Register) Valid() bool {
	return r >= Rax && r <= Rbp
}

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Opcode identifies an instruction kind.
// Opcodes are organized into ranges by category.
type Opcode byte

// Markers
const (
	OpNop      Opcode = 0x00 // no operation
	OpPrologue Opcode = 0x01 // marks a function prologue; Imm = function hash
)

// Moves (0x10-0x1F)
const (
	OpMoveNumReg   Opcode = 0x10 // Dst = Imm
	OpMoveRegReg   Opcode = 0x11 // Dst = Src
	OpMoveRegAddr  Opcode = 0x12 // mem[Dst] = Src
	OpMoveAddrReg  Opcode = 0x13 // Dst = mem[Src]
	OpMoveAddrAddr Opcode = 0x14 // copy Imm bytes from mem[Src] to mem[Dst]
	OpMoveNumAddr  Opcode = 0x15 // mem[Dst] = Imm
)

// Arithmetic (0x20-0x3F). Each operator has four addressing modes:
// NumReg (Dst op= Imm), RegReg (Dst op= Src), AddrReg (Dst op= mem[Src])
// and RegAddr (mem[Dst] op= Src).
const (
	OpAddNumReg  Opcode = 0x20
	OpAddRegReg  Opcode = 0x21
	OpAddAddrReg Opcode = 0x22
	OpAddRegAddr Opcode = 0x23

	OpSubNumReg  Opcode = 0x24
	OpSubRegReg  Opcode = 0x25
	OpSubAddrReg Opcode = 0x26
	OpSubRegAddr Opcode = 0x27

	OpMulNumReg  Opcode = 0x28
	OpMulRegReg  Opcode = 0x29
	OpMulAddrReg Opcode = 0x2A
	OpMulRegAddr Opcode = 0x2B

	OpDivNumReg  Opcode = 0x2C
	OpDivRegReg  Opcode = 0x2D
	OpDivAddrReg Opcode = 0x2E
	OpDivRegAddr Opcode = 0x2F

	OpModNumReg  Opcode = 0x30
	OpModRegReg  Opcode = 0x31
	OpModAddrReg Opcode = 0x32
	OpModRegAddr Opcode = 0x33
)

// Comparison (0x40-0x4F). The result is written to the compare flag and to
// Dst as 0 or 1.
const (
	OpCmpEqNumReg Opcode = 0x40
	OpCmpEqRegReg Opcode = 0x41
	OpCmpNeNumReg Opcode = 0x42
	OpCmpNeRegReg Opcode = 0x43
	OpCmpLtNumReg Opcode = 0x44
	OpCmpLtRegReg Opcode = 0x45
	OpCmpLeNumReg Opcode = 0x46
	OpCmpLeRegReg Opcode = 0x47
	OpCmpGtNumReg Opcode = 0x48
	OpCmpGtRegReg Opcode = 0x49
	OpCmpGeNumReg Opcode = 0x4A
	OpCmpGeRegReg Opcode = 0x4B
)

// Stack (0x50-0x5F)
const (
	OpPushReg Opcode = 0x50 // Rsp -= Size; mem[Rsp] = Src
	OpPushNum Opcode = 0x51 // Rsp -= Size; mem[Rsp] = Imm
	OpPopReg  Opcode = 0x52 // Dst = mem[Rsp]; Rsp += Size
)

// Control flow (0x60-0x6F)
const (
	OpJump            Opcode = 0x60 // ip = Offset
	OpJumpRelative    Opcode = 0x61 // ip += Offset
	OpJumpFunctionEnd Opcode = 0x62 // ip = cleanup address
)

// Loads and stores (0x70-0x7F)
const (
	OpLoadAbsolute  Opcode = 0x70 // Dst = mem[Imm]
	OpLoadRelative  Opcode = 0x71 // Dst = mem[Rbp - Offset]
	OpLoadRegister  Opcode = 0x72 // Dst = mem[Src + Offset]
	OpLoadAddress   Opcode = 0x73 // Dst = Rbp - Offset, one more load if Indirect
	OpStoreRelative Opcode = 0x74 // mem[Rbp - Offset] = Src
)

// Heap and strings (0x80-0x8F)
const (
	OpMemoryNew    Opcode = 0x80 // Dst = new(Src elements of Imm bytes); Imm 0 means 1
	OpMemoryFree   Opcode = 0x81 // free(Src)
	OpCreateString Opcode = 0x82 // Dst = heap address of string Imm
)

// Calls (0xF0-0xFF)
const (
	OpCall Opcode = 0xF0 // call function with name hash Imm
	OpRet  Opcode = 0xF1 // return from the current function
)

// operandForm describes how an opcode's operands are laid out, for the
// disassembler and for validation.
type operandForm uint8

const (
	formNone operandForm = iota
	formNumReg
	formRegReg
	formRegAddr
	formAddrReg
	formAddrAddr
	formNumAddr
	formSrc
	formDst
	formNum
	formJump
	formFrame
	formRegOffset
	formAbsolute
	formCall
	formString
	formAlloc
)

// OpcodeInfo provides metadata about each opcode.
type OpcodeInfo struct {
	Name string
	form operandForm
	// Sized is set when the instruction's Size operand must be 1, 2, 4 or 8.
	Sized bool
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:      {"NOP", formNone, false},
	OpPrologue: {"PROLOGUE", formCall, false},

	OpMoveNumReg:   {"MOVE", formNumReg, true},
	OpMoveRegReg:   {"MOVE", formRegReg, true},
	OpMoveRegAddr:  {"MOVE", formRegAddr, true},
	OpMoveAddrReg:  {"MOVE", formAddrReg, true},
	OpMoveAddrAddr: {"COPY", formAddrAddr, false},
	OpMoveNumAddr:  {"MOVE", formNumAddr, true},

	OpAddNumReg:  {"ADD", formNumReg, true},
	OpAddRegReg:  {"ADD", formRegReg, true},
	OpAddAddrReg: {"ADD", formAddrReg, true},
	OpAddRegAddr: {"ADD", formRegAddr, true},
	OpSubNumReg:  {"SUB", formNumReg, true},
	OpSubRegReg:  {"SUB", formRegReg, true},
	OpSubAddrReg: {"SUB", formAddrReg, true},
	OpSubRegAddr: {"SUB", formRegAddr, true},
	OpMulNumReg:  {"MUL", formNumReg, true},
	OpMulRegReg:  {"MUL", formRegReg, true},
	OpMulAddrReg: {"MUL", formAddrReg, true},
	OpMulRegAddr: {"MUL", formRegAddr, true},
	OpDivNumReg:  {"DIV", formNumReg, true},
	OpDivRegReg:  {"DIV", formRegReg, true},
	OpDivAddrReg: {"DIV", formAddrReg, true},
	OpDivRegAddr: {"DIV", formRegAddr, true},
	OpModNumReg:  {"MOD", formNumReg, true},
	OpModRegReg:  {"MOD", formRegReg, true},
	OpModAddrReg: {"MOD", formAddrReg, true},
	OpModRegAddr: {"MOD", formRegAddr, true},

	OpCmpEqNumReg: {"CMP_EQ", formNumReg, true},
	OpCmpEqRegReg: {"CMP_EQ", formRegReg, true},
	OpCmpNeNumReg: {"CMP_NE", formNumReg, true},
	OpCmpNeRegReg: {"CMP_NE", formRegReg, true},
	OpCmpLtNumReg: {"CMP_LT", formNumReg, true},
	OpCmpLtRegReg: {"CMP_LT", formRegReg, true},
	OpCmpLeNumReg: {"CMP_LE", formNumReg, true},
	OpCmpLeRegReg: {"CMP_LE", formRegReg, true},
	OpCmpGtNumReg: {"CMP_GT", formNumReg, true},
	OpCmpGtRegReg: {"CMP_GT", formRegReg, true},
	OpCmpGeNumReg: {"CMP_GE", formNumReg, true},
	OpCmpGeRegReg: {"CMP_GE", formRegReg, true},

	OpPushReg: {"PUSH", formSrc, true},
	OpPushNum: {"PUSH", formNum, true},
	OpPopReg:  {"POP", formDst, true},

	OpJump:            {"JUMP", formJump, false},
	OpJumpRelative:    {"JUMP_REL", formJump, false},
	OpJumpFunctionEnd: {"JUMP_END", formNone, false},

	OpLoadAbsolute:  {"LOAD_ABS", formAbsolute, true},
	OpLoadRelative:  {"LOAD_REL", formFrame, true},
	OpLoadRegister:  {"LOAD_REG", formRegOffset, true},
	OpLoadAddress:   {"LOAD_ADDR", formFrame, false},
	OpStoreRelative: {"STORE_REL", formFrame, true},

	OpMemoryNew:    {"NEW", formAlloc, false},
	OpMemoryFree:   {"FREE", formSrc, false},
	OpCreateString: {"STRING", formString, false},

	OpCall: {"CALL", formCall, false},
	OpRet:  {"RET", formNone, false},
}

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the opcode's mnemonic.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Known reports whether op is part of the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// IsJump returns true for the jump family.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpRelative || op == OpJumpFunctionEnd
}

// IsCompare returns true for compare instructions.
func (op Opcode) IsCompare() bool {
	return op >= OpCmpEqNumReg && op <= OpCmpGeRegReg
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one fixed-shape VM operation. Which operand fields are
// meaningful depends on Op; see the opcode comments.
type Instruction struct {
	Op     Opcode   `cbor:"1,keyasint"`
	Dst    Register `cbor:"2,keyasint,omitempty"`
	Src    Register `cbor:"3,keyasint,omitempty"`
	Size   uint8    `cbor:"4,keyasint,omitempty"`
	Signed bool     `cbor:"5,keyasint,omitempty"`
	Imm    uint64   `cbor:"6,keyasint,omitempty"`
	Offset int64    `cbor:"7,keyasint,omitempty"`

	// Conditional jumps are taken only when the compare flag equals Condition.
	Conditional bool `cbor:"8,keyasint,omitempty"`
	Condition   bool `cbor:"9,keyasint,omitempty"`

	// Indirect is the pointer flag of LoadAddress.
	Indirect bool `cbor:"10,keyasint,omitempty"`
}

// String renders the instruction in assembler-like form.
func (in Instruction) String() string {
	info := GetOpcodeInfo(in.Op)
	var sb strings.Builder
	sb.WriteString(info.Name)
	if info.Sized && in.Size != 0 {
		fmt.Fprintf(&sb, ".%d", in.Size*8)
		if in.Signed {
			sb.WriteString("s")
		}
	}

	pad := func() {
		for sb.Len() < 14 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(' ')
	}

	switch info.form {
	case formNone:
	case formNumReg:
		pad()
		fmt.Fprintf(&sb, "%s, #%d", in.Dst, int64(in.Imm))
	case formRegReg:
		pad()
		fmt.Fprintf(&sb, "%s, %s", in.Dst, in.Src)
	case formRegAddr:
		pad()
		fmt.Fprintf(&sb, "[%s], %s", in.Dst, in.Src)
	case formAddrReg:
		pad()
		fmt.Fprintf(&sb, "%s, [%s]", in.Dst, in.Src)
	case formAddrAddr:
		pad()
		fmt.Fprintf(&sb, "[%s], [%s], %d", in.Dst, in.Src, in.Imm)
	case formNumAddr:
		pad()
		fmt.Fprintf(&sb, "[%s], #%d", in.Dst, int64(in.Imm))
	case formSrc:
		pad()
		sb.WriteString(in.Src.String())
	case formDst:
		pad()
		sb.WriteString(in.Dst.String())
	case formNum:
		pad()
		fmt.Fprintf(&sb, "#%d", int64(in.Imm))
	case formJump:
		pad()
		if in.Op == OpJumpRelative {
			fmt.Fprintf(&sb, "%+d", in.Offset)
		} else {
			fmt.Fprintf(&sb, "%04X", in.Offset)
		}
	case formFrame:
		pad()
		reg := in.Dst
		if in.Op == OpStoreRelative {
			reg = in.Src
		}
		fmt.Fprintf(&sb, "%s, [rbp%+d]", reg, -in.Offset)
		if in.Indirect {
			sb.WriteString(" *")
		}
	case formRegOffset:
		pad()
		fmt.Fprintf(&sb, "%s, [%s%+d]", in.Dst, in.Src, in.Offset)
	case formAbsolute:
		pad()
		fmt.Fprintf(&sb, "%s, [0x%X]", in.Dst, in.Imm)
	case formCall:
		pad()
		fmt.Fprintf(&sb, "0x%016X", in.Imm)
	case formString:
		pad()
		fmt.Fprintf(&sb, "%s, str[%d]", in.Dst, in.Imm)
	case formAlloc:
		pad()
		fmt.Fprintf(&sb, "%s, %s", in.Dst, in.Src)
		if in.Imm > 1 {
			fmt.Fprintf(&sb, " * %d", in.Imm)
		}
	}

	if in.Op.IsJump() && in.Conditional {
		fmt.Fprintf(&sb, " if %t", in.Condition)
	}
	return sb.String()
}

// validSize reports whether n is a supported operand width.
func validSize(n uint8) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

// ValidSize reports whether n bytes is a supported operand width.
func ValidSize(n int) bool {
	return n > 0 && n <= 8 && validSize(uint8(n))
}
