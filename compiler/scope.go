package compiler

import (
	"fmt"

	"github.com/chazu/nai/vm"
)

// DeclKind discriminates Declaration.
type DeclKind int

const (
	DeclType DeclKind = iota
	DeclFunction
	DeclVariable
)

func (k DeclKind) String() string {
	switch k {
	case DeclType:
		return "type"
	case DeclFunction:
		return "function"
	}
	return "variable"
}

// Declaration is a named entity: a struct type, a function or a variable.
type Declaration struct {
	Kind DeclKind
	Name string
	Pos  Position
	Type *Type

	// Functions
	Params []*Declaration
	Scope  *Scope
	Body   *Compound
	Native *vm.NativeFunction

	// Variables. Offset is frame-pointer relative (the slot is at
	// Rbp - Offset) and is assigned by the code generator.
	IsParam      bool
	ParamIndex   int
	AddressTaken bool
	Offset       int64
}

// InRegister reports whether a parameter is read from its parameter
// register rather than its frame slot.
func (d *Declaration) InRegister() bool {
	return d.IsParam && d.ParamIndex < vm.ParamRegisterCount && !d.AddressTaken
}

// Register returns the parameter register of one of the first four
// parameters.
func (d *Declaration) Register() vm.Register {
	if d.IsParam && d.ParamIndex < vm.ParamRegisterCount {
		return vm.ParamRegisters[d.ParamIndex]
	}
	return vm.RegNone
}

// StorageSize is the number of frame bytes a variable occupies.
func (d *Declaration) StorageSize() int64 {
	return d.Type.Size
}

func (d *Declaration) String() string {
	switch d.Kind {
	case DeclFunction:
		return fmt.Sprintf("fn %s%s", d.Name, d.Type.String()[2:])
	case DeclType:
		if d.Type.Union {
			return "union " + d.Name
		}
		return "struct " + d.Name
	}
	return fmt.Sprintf("%s: %s", d.Name, d.Type)
}

// Scope is one level of lexical nesting. Children are owned; Parent is a
// back-reference used for outward lookup.
type Scope struct {
	Parent   *Scope
	Children []*Scope
	Decls    []*Declaration
	Function *Declaration // enclosing function, nil at module level
	byName   map[string]*Declaration
}

// NewScope creates a scope nested in parent (which may be nil).
func NewScope(parent *Scope) *Scope {
	s := &Scope{Parent: parent, byName: make(map[string]*Declaration)}
	if parent != nil {
		s.Function = parent.Function
		parent.Children = append(parent.Children, s)
	}
	return s
}

// Declare adds d to the scope in encounter order.
func (s *Scope) Declare(d *Declaration) error {
	if prev, ok := s.byName[d.Name]; ok {
		return fmt.Errorf("%s redeclared (previous %s at %s)", d.Name, prev.Kind, prev.Pos)
	}
	s.byName[d.Name] = d
	s.Decls = append(s.Decls, d)
	return nil
}

// LookupLocal finds a declaration in this scope only.
func (s *Scope) LookupLocal(name string) *Declaration {
	return s.byName[name]
}

// Lookup finds a declaration walking outward to the root.
func (s *Scope) Lookup(name string) *Declaration {
	for sc := s; sc != nil; sc = sc.Parent {
		if d, ok := sc.byName[name]; ok {
			return d
		}
	}
	return nil
}

// Visible returns every declaration visible from s, innermost first.
func (s *Scope) Visible() []*Declaration {
	var out []*Declaration
	seen := make(map[string]bool)
	for sc := s; sc != nil; sc = sc.Parent {
		for i := len(sc.Decls) - 1; i >= 0; i-- {
			d := sc.Decls[i]
			if !seen[d.Name] {
				seen[d.Name] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// Walk visits s and every nested scope depth-first in creation order.
func (s *Scope) Walk(fn func(*Scope)) {
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}
