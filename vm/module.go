package vm

import (
	"fmt"
	"sort"
)

// Hash is the djb2 string hash used to key functions by name.
func Hash(name string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(name); i++ {
		h = h*33 + uint64(name[i])
	}
	return h
}

// ValueInfo describes the width and signedness of a scalar value.
type ValueInfo struct {
	Size   uint8 `cbor:"1,keyasint,omitempty"`
	Signed bool  `cbor:"2,keyasint,omitempty"`
}

// ParamInfo records where a parameter lives in the callee's frame.
type ParamInfo struct {
	Name   string `cbor:"1,keyasint"`
	Size   uint8  `cbor:"2,keyasint"`
	Signed bool   `cbor:"3,keyasint,omitempty"`
	// ByPointer parameters hold an address; Param dereferences it once.
	ByPointer bool `cbor:"4,keyasint,omitempty"`
	// Offset is frame-pointer relative: the slot lives at Rbp - Offset.
	Offset int64 `cbor:"5,keyasint"`
	// Register is set for the first ParamRegisterCount parameters.
	Register Register `cbor:"6,keyasint,omitempty"`
}

// Function is one compiled instruction block. Addresses inside Code are
// instruction indices starting at 0.
type Function struct {
	Name           string        `cbor:"1,keyasint"`
	Hash           uint64        `cbor:"2,keyasint"`
	Code           []Instruction `cbor:"3,keyasint,omitempty"`
	CleanupAddress int           `cbor:"4,keyasint"`
	FrameSize      int64         `cbor:"5,keyasint"`
	Params         []ParamInfo   `cbor:"6,keyasint,omitempty"`
	Return         ValueInfo     `cbor:"7,keyasint"`
	Native         bool          `cbor:"8,keyasint,omitempty"`
}

// Len returns the number of instructions in the block.
func (f *Function) Len() int {
	return len(f.Code)
}

// Module is the unit of execution: every function compiled from one source
// file plus the module's string table.
type Module struct {
	Name      string               `cbor:"1,keyasint"`
	Functions map[uint64]*Function `cbor:"2,keyasint"`
	Strings   []string             `cbor:"3,keyasint,omitempty"`
	Entry     uint64               `cbor:"4,keyasint"`

	stringIndex map[string]uint64
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{
		Name:      name,
		Functions: make(map[uint64]*Function),
		Entry:     Hash("main"),
	}
}

// AddFunction registers fn under its name hash.
func (m *Module) AddFunction(fn *Function) error {
	if fn.Hash == 0 {
		fn.Hash = Hash(fn.Name)
	}
	if prev, ok := m.Functions[fn.Hash]; ok {
		if prev.Name == fn.Name {
			return fmt.Errorf("function %s already defined", fn.Name)
		}
		return fmt.Errorf("function %s collides with %s (hash 0x%016X)", fn.Name, prev.Name, fn.Hash)
	}
	m.Functions[fn.Hash] = fn
	return nil
}

// Lookup returns the function with the given name hash.
func (m *Module) Lookup(hash uint64) (*Function, bool) {
	fn, ok := m.Functions[hash]
	return fn, ok
}

// LookupName returns the function with the given name.
func (m *Module) LookupName(name string) (*Function, bool) {
	fn, ok := m.Functions[Hash(name)]
	if ok && fn.Name != name {
		return nil, false
	}
	return fn, ok
}

// InternString returns the string-table index for s, adding it if needed.
func (m *Module) InternString(s string) uint64 {
	if m.stringIndex == nil {
		m.stringIndex = make(map[string]uint64, len(m.Strings))
		for i, existing := range m.Strings {
			if _, ok := m.stringIndex[existing]; !ok {
				m.stringIndex[existing] = uint64(i)
			}
		}
	}
	if idx, ok := m.stringIndex[s]; ok {
		return idx
	}
	idx := uint64(len(m.Strings))
	m.Strings = append(m.Strings, s)
	m.stringIndex[s] = idx
	return idx
}

// SortedFunctions returns the module's functions ordered by name.
func (m *Module) SortedFunctions() []*Function {
	fns := make([]*Function, 0, len(m.Functions))
	for _, fn := range m.Functions {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns
}

// Validate checks that every instruction uses a known opcode, valid
// registers and sizes, and in-range jump targets.
func (m *Module) Validate() error {
	for _, fn := range m.SortedFunctions() {
		if fn.Native {
			continue
		}
		if fn.CleanupAddress < 0 || fn.CleanupAddress > len(fn.Code) {
			return fmt.Errorf("%s: cleanup address %d out of range", fn.Name, fn.CleanupAddress)
		}
		for ip, in := range fn.Code {
			if err := validateInstruction(in, ip, len(fn.Code)); err != nil {
				return fmt.Errorf("%s: %04X: %w", fn.Name, ip, err)
			}
		}
	}
	return nil
}

func validateInstruction(in Instruction, ip, n int) error {
	info, ok := opcodeInfoTable[in.Op]
	if !ok {
		return fmt.Errorf("unknown opcode 0x%02X", byte(in.Op))
	}
	if info.Sized && !validSize(in.Size) {
		return fmt.Errorf("%s: unsupported operand size %d", info.Name, in.Size)
	}
	if in.Dst != RegNone && !in.Dst.Valid() {
		return fmt.Errorf("%s: invalid destination register %d", info.Name, in.Dst)
	}
	if in.Src != RegNone && !in.Src.Valid() {
		return fmt.Errorf("%s: invalid source register %d", info.Name, in.Src)
	}
	switch in.Op {
	case OpJump:
		if in.Offset < 0 || in.Offset > int64(n) {
			return fmt.Errorf("jump target %d out of range", in.Offset)
		}
	case OpJumpRelative:
		if t := int64(ip) + in.Offset; t < 0 || t > int64(n) {
			return fmt.Errorf("relative jump target %d out of range", t)
		}
	}
	return nil
}
