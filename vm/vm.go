package vm

import (
	"fmt"
	"io"
)

// This file holds the interpreter's host-facing accessors: what native
// functions, tests and tools use to inspect or drive a running VM.

// Output returns the writer natives print to.
func (it *Interpreter) Output() io.Writer {
	return it.cfg.Output
}

// Config returns the interpreter's configuration.
func (it *Interpreter) Config() Config {
	return it.cfg
}

// Register returns the raw contents of a register.
func (it *Interpreter) Register(r Register) uint64 {
	if !r.Valid() {
		return 0
	}
	return it.regs[r]
}

// SetRegister overwrites a register.
func (it *Interpreter) SetRegister(r Register, v uint64) {
	if r.Valid() {
		it.regs[r] = v
	}
}

// Flag returns the compare flag.
func (it *Interpreter) Flag() bool {
	return it.flag
}

// Heap returns the interpreter's allocator.
func (it *Interpreter) Heap() *Heap {
	return it.heap
}

// Steps returns how many instructions have executed since the last Reset.
func (it *Interpreter) Steps() uint64 {
	return it.steps
}

// Depth returns the number of active call frames.
func (it *Interpreter) Depth() int {
	return len(it.calls)
}

// CurrentFunction returns the innermost active function, or nil.
func (it *Interpreter) CurrentFunction() *Function {
	if fr := it.current(); fr != nil {
		return fr.fn
	}
	return nil
}

// CurrentModule returns the module the innermost frame belongs to.
func (it *Interpreter) CurrentModule() *Module {
	if fr := it.current(); fr != nil {
		return fr.module
	}
	if len(it.modules) > 0 {
		return it.modules[len(it.modules)-1]
	}
	return nil
}

// ReadMemory reads a size-byte little-endian value at addr.
func (it *Interpreter) ReadMemory(addr uint64, size uint8) (uint64, error) {
	return it.load(addr, size)
}

// WriteMemory writes a size-byte little-endian value at addr.
func (it *Interpreter) WriteMemory(addr, v uint64, size uint8) error {
	return it.store(addr, v, size)
}

// Allocate reserves n heap bytes and returns their absolute address.
func (it *Interpreter) Allocate(n uint64) (uint64, error) {
	return it.allocate(n)
}

// StringAt reads the NUL-terminated string starting at addr.
func (it *Interpreter) StringAt(addr uint64) (string, error) {
	if addr >= uint64(len(it.memory)) {
		return "", it.fail(ErrMemoryAccess, "string at 0x%X", addr)
	}
	end := addr
	for end < uint64(len(it.memory)) && it.memory[end] != 0 {
		end++
	}
	if end == uint64(len(it.memory)) {
		return "", it.fail(ErrMemoryAccess, "unterminated string at 0x%X", addr)
	}
	return string(it.memory[addr:end]), nil
}

// Param returns parameter n (1-based) of the innermost function. The first
// four come from the parameter registers, the rest from the caller's stack
// slots. A by-pointer parameter is dereferenced once.
func (it *Interpreter) Param(n int) (uint64, error) {
	p, err := it.paramInfo(n)
	if err != nil {
		return 0, err
	}
	v, err := it.paramSlot(p)
	if err != nil {
		return 0, err
	}
	if p.ByPointer {
		return it.load(v, p.Size)
	}
	return v, nil
}

// ParamPointer returns the address held by a by-pointer parameter without
// dereferencing it.
func (it *Interpreter) ParamPointer(n int) (uint64, error) {
	p, err := it.paramInfo(n)
	if err != nil {
		return 0, err
	}
	if !p.ByPointer {
		return 0, fmt.Errorf("parameter %d (%s) is passed by value", n, p.Name)
	}
	return it.paramSlot(p)
}

// ParamString reads parameter n as the address of a NUL-terminated string.
func (it *Interpreter) ParamString(n int) (string, error) {
	v, err := it.Param(n)
	if err != nil {
		return "", err
	}
	return it.StringAt(v)
}

// SetReturn stores a native function's result in the accumulator.
func (it *Interpreter) SetReturn(v uint64) {
	it.regs[Rax] = v
}

func (it *Interpreter) paramInfo(n int) (ParamInfo, error) {
	fn := it.CurrentFunction()
	if fn == nil {
		return ParamInfo{}, fmt.Errorf("no active function")
	}
	if n < 1 || n > len(fn.Params) {
		return ParamInfo{}, fmt.Errorf("%s has %d parameters, asked for %d", fn.Name, len(fn.Params), n)
	}
	return fn.Params[n-1], nil
}

func (it *Interpreter) paramSlot(p ParamInfo) (uint64, error) {
	size := p.Size
	if p.ByPointer {
		size = 8
	}
	if p.Register != RegNone {
		return truncate(it.regs[p.Register], size), nil
	}
	return it.load(it.frameAddress(p.Offset), size)
}
