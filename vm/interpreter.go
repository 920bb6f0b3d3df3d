package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("nai.vm")

const (
	DefaultStackSize    = 64 * 1024
	DefaultHeapSize     = 1024 * 1024
	DefaultMaxCallDepth = 4096

	// cancelCheckInterval is how many instructions run between context checks.
	cancelCheckInterval = 1024
)

// Config controls the size and limits of an interpreter.
type Config struct {
	StackSize uint64
	HeapSize  uint64

	// MaxInstructions aborts a run after that many instructions (0 = no limit).
	MaxInstructions uint64
	// MaxCallDepth bounds nested calls, native calls included.
	MaxCallDepth int

	// Trace logs every executed instruction at debug level.
	Trace bool

	// Output receives everything printed by the builtin natives.
	Output io.Writer

	// Profiler, when set, records calls and opcode counts.
	Profiler *Profiler
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		StackSize:    DefaultStackSize,
		HeapSize:     DefaultHeapSize,
		MaxCallDepth: DefaultMaxCallDepth,
		Output:       os.Stdout,
	}
}

type frame struct {
	module *Module
	fn     *Function
	ip     int
}

type stringKey struct {
	module *Module
	index  uint64
}

// Interpreter executes compiled modules. It owns its registers, memory,
// heap and call stack; nothing is shared between interpreters.
type Interpreter struct {
	cfg     Config
	natives *Natives

	regs   [RegisterCount + 1]uint64
	memory []byte
	flag   bool
	heap   *Heap

	strings map[stringKey]uint64

	calls   []*frame
	modules []*Module

	ctx   context.Context
	steps uint64
}

// NewInterpreter creates an interpreter with zeroed memory. natives may be
// nil when the program calls no host functions.
func NewInterpreter(cfg Config, natives *Natives) *Interpreter {
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	it := &Interpreter{
		cfg:     cfg,
		natives: natives,
		memory:  make([]byte, cfg.StackSize+cfg.HeapSize),
	}
	it.Reset()
	return it
}

// Reset zeroes registers and memory and discards every heap block.
func (it *Interpreter) Reset() {
	it.regs = [RegisterCount + 1]uint64{}
	clear(it.memory)
	it.flag = false
	it.heap = NewHeap(it.cfg.HeapSize)
	it.strings = make(map[stringKey]uint64)
	it.calls = it.calls[:0]
	it.modules = it.modules[:0]
	it.steps = 0
	it.regs[Rsp] = it.cfg.StackSize
	it.regs[Rbp] = it.cfg.StackSize
}

// Run executes the module's entry function and returns its result,
// sign-extended when main returns a signed type.
func (it *Interpreter) Run(ctx context.Context, m *Module) (int64, error) {
	fn, ok := m.Lookup(m.Entry)
	if !ok {
		return 0, &RuntimeError{Kind: ErrUnknownFunction, Msg: fmt.Sprintf("module %s has no main function", m.Name)}
	}
	v, err := it.Call(ctx, m, fn.Name)
	if err != nil {
		return 0, err
	}
	switch {
	case fn.Return.Size == 0:
		return 0, nil
	case fn.Return.Signed:
		return signExtend(v, fn.Return.Size), nil
	default:
		return int64(truncate(v, fn.Return.Size)), nil
	}
}

// Call invokes a function by name with the given arguments, following the
// same convention as compiled call sites: the first four arguments travel
// in the parameter registers, the rest in 8-byte stack slots.
func (it *Interpreter) Call(ctx context.Context, m *Module, name string, args ...uint64) (uint64, error) {
	fn, ok := m.LookupName(name)
	if !ok {
		return 0, &RuntimeError{Kind: ErrUnknownFunction, Msg: fmt.Sprintf("%s is not defined in %s", name, m.Name)}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	it.ctx = ctx
	it.modules = append(it.modules, m)
	defer func() { it.modules = it.modules[:len(it.modules)-1] }()

	for i := len(args) - 1; i >= ParamRegisterCount; i-- {
		if err := it.push(args[i], 8); err != nil {
			return 0, err
		}
	}
	for i := 0; i < len(args) && i < ParamRegisterCount; i++ {
		it.regs[ParamRegisters[i]] = args[i]
	}

	log.Debugf("call %s.%s with %d args", m.Name, name, len(args))
	if err := it.execute(m, fn); err != nil {
		return 0, err
	}
	if len(args) > ParamRegisterCount {
		it.regs[Rsp] += uint64(8 * (len(args) - ParamRegisterCount))
	}
	return it.regs[Rax], nil
}

// execute runs one function to completion. Calls recurse in the host.
func (it *Interpreter) execute(m *Module, fn *Function) error {
	if len(it.calls) >= it.cfg.MaxCallDepth {
		return it.fail(ErrCallDepth, "%d nested calls entering %s", len(it.calls), fn.Name)
	}
	fr := &frame{module: m, fn: fn}
	it.calls = append(it.calls, fr)
	defer func() { it.calls = it.calls[:len(it.calls)-1] }()

	if p := it.cfg.Profiler; p != nil {
		p.RecordCall(fn)
	}
	if fn.Native {
		return it.callNative(fn)
	}

	code := fn.Code
	for fr.ip < len(code) {
		in := code[fr.ip]

		it.steps++
		if it.cfg.MaxInstructions > 0 && it.steps > it.cfg.MaxInstructions {
			return it.fail(ErrInstructionLimit, "%d instructions executed", it.cfg.MaxInstructions)
		}
		if it.steps%cancelCheckInterval == 0 {
			if err := it.ctx.Err(); err != nil {
				return it.fail(ErrCancelled, "%v", err)
			}
		}
		if it.cfg.Trace {
			log.Debugf("%s %04X  %s", fn.Name, fr.ip, in)
		}
		if p := it.cfg.Profiler; p != nil {
			p.RecordInstruction(in.Op)
		}

		switch in.Op {
		case OpNop, OpPrologue:

		// --- Moves ---
		case OpMoveNumReg:
			it.regs[in.Dst] = truncate(in.Imm, in.Size)
		case OpMoveRegReg:
			it.regs[in.Dst] = truncate(it.regs[in.Src], in.Size)
		case OpMoveRegAddr:
			if err := it.store(it.regs[in.Dst], it.regs[in.Src], in.Size); err != nil {
				return err
			}
		case OpMoveAddrReg:
			v, err := it.load(it.regs[in.Src], in.Size)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = v
		case OpMoveAddrAddr:
			if err := it.copyMemory(it.regs[in.Dst], it.regs[in.Src], in.Imm); err != nil {
				return err
			}
		case OpMoveNumAddr:
			if err := it.store(it.regs[in.Dst], in.Imm, in.Size); err != nil {
				return err
			}

		// --- Arithmetic ---
		case OpAddNumReg, OpAddRegReg, OpAddAddrReg, OpAddRegAddr,
			OpSubNumReg, OpSubRegReg, OpSubAddrReg, OpSubRegAddr,
			OpMulNumReg, OpMulRegReg, OpMulAddrReg, OpMulRegAddr,
			OpDivNumReg, OpDivRegReg, OpDivAddrReg, OpDivRegAddr,
			OpModNumReg, OpModRegReg, OpModAddrReg, OpModRegAddr:
			if err := it.execArith(in); err != nil {
				return err
			}

		// --- Comparison ---
		case OpCmpEqNumReg, OpCmpEqRegReg, OpCmpNeNumReg, OpCmpNeRegReg,
			OpCmpLtNumReg, OpCmpLtRegReg, OpCmpLeNumReg, OpCmpLeRegReg,
			OpCmpGtNumReg, OpCmpGtRegReg, OpCmpGeNumReg, OpCmpGeRegReg:
			it.execCompare(in)

		// --- Stack ---
		case OpPushReg:
			if err := it.push(it.regs[in.Src], in.Size); err != nil {
				return err
			}
		case OpPushNum:
			if err := it.push(in.Imm, in.Size); err != nil {
				return err
			}
		case OpPopReg:
			v, err := it.pop(in.Size)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = v

		// --- Control flow ---
		case OpJump, OpJumpRelative, OpJumpFunctionEnd:
			if in.Conditional && it.flag != in.Condition {
				break
			}
			switch in.Op {
			case OpJump:
				fr.ip = int(in.Offset)
			case OpJumpRelative:
				fr.ip += int(in.Offset)
			default:
				fr.ip = fn.CleanupAddress
			}
			if fr.ip < 0 || fr.ip > len(code) {
				return it.fail(ErrMemoryAccess, "jump target %d outside %s", fr.ip, fn.Name)
			}
			continue

		// --- Loads and stores ---
		case OpLoadAbsolute:
			v, err := it.load(in.Imm, in.Size)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = v
		case OpLoadRelative:
			v, err := it.load(it.frameAddress(in.Offset), in.Size)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = v
		case OpLoadRegister:
			v, err := it.load(it.regs[in.Src]+uint64(in.Offset), in.Size)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = v
		case OpLoadAddress:
			addr := it.frameAddress(in.Offset)
			if in.Indirect {
				v, err := it.load(addr, 8)
				if err != nil {
					return err
				}
				addr = v
			}
			it.regs[in.Dst] = addr
		case OpStoreRelative:
			if err := it.store(it.frameAddress(in.Offset), it.regs[in.Src], in.Size); err != nil {
				return err
			}

		// --- Heap ---
		case OpMemoryNew:
			n, err := it.allocationSize(it.regs[in.Src], in.Imm)
			if err != nil {
				return err
			}
			addr, err := it.allocate(n)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = addr
		case OpMemoryFree:
			if err := it.release(it.regs[in.Src]); err != nil {
				return err
			}
		case OpCreateString:
			addr, err := it.stringAddress(m, in.Imm)
			if err != nil {
				return err
			}
			it.regs[in.Dst] = addr

		// --- Calls ---
		case OpCall:
			callee, ok := m.Lookup(in.Imm)
			if !ok {
				return it.fail(ErrUnknownFunction, "no function with hash 0x%016X", in.Imm)
			}
			if err := it.execute(m, callee); err != nil {
				return err
			}
		case OpRet:
			return nil

		default:
			return it.fail(ErrUnknownOpcode, "opcode 0x%02X", byte(in.Op))
		}
		fr.ip++
	}
	return nil
}

func (it *Interpreter) callNative(fn *Function) error {
	nf, ok := it.natives.Lookup(fn.Hash)
	if !ok {
		return it.fail(ErrUnknownFunction, "native %s is not registered", fn.Name)
	}
	// Natives get the same frame shape as compiled functions so that stack
	// parameter offsets agree.
	if err := it.push(it.regs[Rbp], 8); err != nil {
		return err
	}
	it.regs[Rbp] = it.regs[Rsp]

	callErr := nf.Fn(it)

	it.regs[Rsp] = it.regs[Rbp]
	rbp, err := it.pop(8)
	if err != nil {
		return err
	}
	it.regs[Rbp] = rbp

	if callErr != nil {
		var rte *RuntimeError
		if errors.As(callErr, &rte) {
			return rte
		}
		return it.fail(ErrNative, "%s: %v", fn.Name, callErr)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func (it *Interpreter) execArith(in Instruction) error {
	rel := in.Op - OpAddNumReg
	operator, mode := rel/4, rel%4

	var a, b uint64
	switch mode {
	case 0: // NumReg
		a, b = it.regs[in.Dst], in.Imm
	case 1: // RegReg
		a, b = it.regs[in.Dst], it.regs[in.Src]
	case 2: // AddrReg
		v, err := it.load(it.regs[in.Src], in.Size)
		if err != nil {
			return err
		}
		a, b = it.regs[in.Dst], v
	case 3: // RegAddr
		v, err := it.load(it.regs[in.Dst], in.Size)
		if err != nil {
			return err
		}
		a, b = v, it.regs[in.Src]
	}

	var r uint64
	switch operator {
	case 0:
		r = a + b
	case 1:
		r = a - b
	case 2:
		r = a * b
	case 3, 4:
		if truncate(b, in.Size) == 0 {
			return it.fail(ErrDivideByZero, "%s", in)
		}
		if in.Signed {
			x, y := signExtend(a, in.Size), signExtend(b, in.Size)
			if operator == 3 {
				r = uint64(x / y)
			} else {
				r = uint64(x % y)
			}
		} else {
			x, y := truncate(a, in.Size), truncate(b, in.Size)
			if operator == 3 {
				r = x / y
			} else {
				r = x % y
			}
		}
	}
	r = truncate(r, in.Size)

	// Frame reservation moves rsp down by an arbitrary amount.
	if in.Dst == Rsp && mode != 3 && operator == 1 && a < b {
		return it.fail(ErrStackOverflow, "reserve of %d bytes with rsp=0x%X", b, a)
	}

	if mode == 3 {
		return it.store(it.regs[in.Dst], r, in.Size)
	}
	it.regs[in.Dst] = r
	return nil
}

func (it *Interpreter) execCompare(in Instruction) {
	rel := in.Op - OpCmpEqNumReg
	operator, mode := rel/2, rel%2

	a := it.regs[in.Dst]
	b := in.Imm
	if mode == 1 {
		b = it.regs[in.Src]
	}

	var lt, eq bool
	if in.Signed {
		x, y := signExtend(a, in.Size), signExtend(b, in.Size)
		lt, eq = x < y, x == y
	} else {
		x, y := truncate(a, in.Size), truncate(b, in.Size)
		lt, eq = x < y, x == y
	}

	var result bool
	switch operator {
	case 0:
		result = eq
	case 1:
		result = !eq
	case 2:
		result = lt
	case 3:
		result = lt || eq
	case 4:
		result = !lt && !eq
	case 5:
		result = !lt
	}

	it.flag = result
	if result {
		it.regs[in.Dst] = 1
	} else {
		it.regs[in.Dst] = 0
	}
}

func truncate(v uint64, size uint8) uint64 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	}
	return v
}

func signExtend(v uint64, size uint8) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return int64(v)
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func (it *Interpreter) frameAddress(offset int64) uint64 {
	return uint64(int64(it.regs[Rbp]) - offset)
}

func (it *Interpreter) inBounds(addr, n uint64) bool {
	size := uint64(len(it.memory))
	return addr <= size && size-addr >= n
}

func (it *Interpreter) load(addr uint64, size uint8) (uint64, error) {
	if !it.inBounds(addr, uint64(size)) {
		return 0, it.fail(ErrMemoryAccess, "read of %d bytes at 0x%X", size, addr)
	}
	b := it.memory[addr:]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, it.fail(ErrMemoryAccess, "unsupported operand size %d", size)
}

func (it *Interpreter) store(addr, v uint64, size uint8) error {
	if !it.inBounds(addr, uint64(size)) {
		return it.fail(ErrMemoryAccess, "write of %d bytes at 0x%X", size, addr)
	}
	b := it.memory[addr:]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return it.fail(ErrMemoryAccess, "unsupported operand size %d", size)
	}
	return nil
}

func (it *Interpreter) copyMemory(dst, src, n uint64) error {
	if !it.inBounds(dst, n) || !it.inBounds(src, n) {
		return it.fail(ErrMemoryAccess, "copy of %d bytes from 0x%X to 0x%X", n, src, dst)
	}
	copy(it.memory[dst:dst+n], it.memory[src:src+n])
	return nil
}

func (it *Interpreter) push(v uint64, size uint8) error {
	sp := it.regs[Rsp]
	if sp < uint64(size) {
		return it.fail(ErrStackOverflow, "push of %d bytes with rsp=0x%X", size, sp)
	}
	sp -= uint64(size)
	if err := it.store(sp, v, size); err != nil {
		return err
	}
	it.regs[Rsp] = sp
	return nil
}

func (it *Interpreter) pop(size uint8) (uint64, error) {
	sp := it.regs[Rsp]
	if sp+uint64(size) > it.cfg.StackSize {
		return 0, it.fail(ErrStackUnderflow, "pop of %d bytes with rsp=0x%X", size, sp)
	}
	v, err := it.load(sp, size)
	if err != nil {
		return 0, err
	}
	it.regs[Rsp] = sp + uint64(size)
	return v, nil
}

// allocationSize is count*elem, failing instead of wrapping.
func (it *Interpreter) allocationSize(count, elem uint64) (uint64, error) {
	if elem == 0 {
		elem = 1
	}
	if count > math.MaxUint64/elem {
		return 0, it.fail(ErrHeapExhausted, "cannot allocate %d elements of %d bytes", count, elem)
	}
	return count * elem, nil
}

// allocate reserves n bytes on the heap and returns the absolute address.
func (it *Interpreter) allocate(n uint64) (uint64, error) {
	off, err := it.heap.New(n)
	if err != nil {
		return 0, it.fail(ErrHeapExhausted, "%v", err)
	}
	addr := it.cfg.StackSize + off
	size, _ := it.heap.BlockSize(off)
	clear(it.memory[addr : addr+size])
	return addr, nil
}

func (it *Interpreter) release(addr uint64) error {
	if addr < it.cfg.StackSize {
		return it.fail(ErrInvalidFree, "0x%X is not a heap address", addr)
	}
	if err := it.heap.Free(addr - it.cfg.StackSize); err != nil {
		return it.fail(ErrInvalidFree, "0x%X", addr)
	}
	return nil
}

// stringAddress materialises string literal idx on the heap the first time
// it is needed and returns the cached address afterwards.
func (it *Interpreter) stringAddress(m *Module, idx uint64) (uint64, error) {
	key := stringKey{module: m, index: idx}
	if addr, ok := it.strings[key]; ok {
		return addr, nil
	}
	if idx >= uint64(len(m.Strings)) {
		return 0, it.fail(ErrMemoryAccess, "string %d not in table of %d", idx, len(m.Strings))
	}
	s := m.Strings[idx]
	addr, err := it.allocate(uint64(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	copy(it.memory[addr:], s)
	it.memory[addr+uint64(len(s))] = 0
	it.strings[key] = addr
	return addr, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (it *Interpreter) fail(kind ErrorKind, format string, args ...any) *RuntimeError {
	e := &RuntimeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if fr := it.current(); fr != nil {
		e.Function = fr.fn.Name
		e.IP = fr.ip
	}
	return e
}

func (it *Interpreter) current() *frame {
	if len(it.calls) == 0 {
		return nil
	}
	return it.calls[len(it.calls)-1]
}
