// Package vm implements the Nai virtual machine.
//
// This package contains:
//   - the instruction set (opcodes, registers, the Instruction record)
//   - compiled modules and per-function instruction blocks
//   - the register/stack interpreter and its first-fit heap
//   - native function registration and the builtin natives
//   - a disassembler, a CBOR program image format and a profiler
//
// Memory is one byte array: the stack occupies [0, StackSize) and grows
// down from StackSize; the heap follows it. Every value lives in a 64-bit
// register as raw bits and is truncated to the instruction's operand size
// when written back.
package vm
