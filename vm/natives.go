package vm

import (
	"fmt"
	"sort"
	"sync"
)

// NativeParam describes one parameter of a host function. Type is a Nai
// type expression such as "i64" or "u8*"; the compiler resolves it.
type NativeParam struct {
	Name      string
	Type      string
	ByPointer bool
}

// NativeFunc is the host callback. It reads arguments through the
// interpreter's parameter helpers and leaves its result with SetReturn.
type NativeFunc func(it *Interpreter) error

// NativeFunction is a host function exposed to Nai code.
type NativeFunction struct {
	Name   string
	Params []NativeParam
	Return string // "" or "void" for no result
	Fn     NativeFunc
}

// Natives is a registry of host functions shared by the compiler, which
// declares them, and the interpreter, which invokes them.
type Natives struct {
	mu    sync.RWMutex
	funcs map[uint64]*NativeFunction
}

// NewNatives creates an empty registry.
func NewNatives() *Natives {
	return &Natives{funcs: make(map[uint64]*NativeFunction)}
}

// Register adds a host function. Names must be unique.
func (n *Natives) Register(fn *NativeFunction) error {
	if fn.Name == "" || fn.Fn == nil {
		return fmt.Errorf("native function needs a name and a callback")
	}
	h := Hash(fn.Name)
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.funcs[h]; ok {
		return fmt.Errorf("native %s already registered (as %s)", fn.Name, prev.Name)
	}
	n.funcs[h] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (n *Natives) MustRegister(fn *NativeFunction) {
	if err := n.Register(fn); err != nil {
		panic(err)
	}
}

// Lookup returns the host function with the given name hash.
func (n *Natives) Lookup(hash uint64) (*NativeFunction, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	fn, ok := n.funcs[hash]
	return fn, ok
}

// All returns every registered function ordered by name.
func (n *Natives) All() []*NativeFunction {
	if n == nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*NativeFunction, 0, len(n.funcs))
	for _, fn := range n.funcs {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

// Builtins returns a registry holding the standard host functions.
func Builtins() *Natives {
	n := NewNatives()
	n.MustRegister(&NativeFunction{
		Name:   "print",
		Params: []NativeParam{{Name: "s", Type: "u8*"}},
		Fn: func(it *Interpreter) error {
			s, err := it.ParamString(1)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(it.Output(), s)
			return err
		},
	})
	n.MustRegister(&NativeFunction{
		Name:   "print_int",
		Params: []NativeParam{{Name: "v", Type: "i64"}},
		Fn: func(it *Interpreter) error {
			v, err := it.Param(1)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(it.Output(), int64(v))
			return err
		},
	})
	n.MustRegister(&NativeFunction{
		Name:   "print_char",
		Params: []NativeParam{{Name: "c", Type: "u8"}},
		Fn: func(it *Interpreter) error {
			v, err := it.Param(1)
			if err != nil {
				return err
			}
			_, err = it.Output().Write([]byte{byte(v)})
			return err
		},
	})
	n.MustRegister(&NativeFunction{
		Name: "println",
		Fn: func(it *Interpreter) error {
			_, err := fmt.Fprintln(it.Output())
			return err
		},
	})
	n.MustRegister(&NativeFunction{
		Name:   "assert",
		Params: []NativeParam{{Name: "cond", Type: "i64"}},
		Fn: func(it *Interpreter) error {
			v, err := it.Param(1)
			if err != nil {
				return err
			}
			if v == 0 {
				return fmt.Errorf("assertion failed")
			}
			return nil
		},
	})
	return n
}
