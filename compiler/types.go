package compiler

import (
	"fmt"
	"strings"
)

// TypeKind discriminates Type.
type TypeKind int

const (
	TypeBasic TypeKind = iota
	TypePointer
	TypeStruct
	TypeFunction
	TypeVoid
)

// Type is a resolved Nai type.
//
// Basic types carry Size, Align and Signed. Pointer types carry Pointee; a
// pointer with Count > 0 is a fixed-size array whose storage is
// Count*Pointee.Size bytes and whose value is the storage address. Struct
// types carry their laid-out Members (Union when every member starts at
// offset 0). Function types carry Params and Return.
type Type struct {
	Kind   TypeKind
	Name   string
	Size   int64
	Align  int64
	Signed bool

	Pointee *Type
	Count   int64

	Members []*StructMember
	Scope   *Scope
	Union   bool
	decl    *StructDecl
	state   layoutState

	Params []*Type
	Return *Type
}

type layoutState int

const (
	layoutPending layoutState = iota
	layoutActive
	layoutDone
)

// StructMember is a laid-out struct member. Members promoted from an
// anonymous nested struct or union appear with their final offsets.
type StructMember struct {
	Name   string
	Type   *Type
	Offset int64
}

// PointerSize is the width of every address.
const PointerSize = 8

// ---------------------------------------------------------------------------
// Builtin type table
// ---------------------------------------------------------------------------

// TypeTable maps builtin type names to their types. It is built once and
// never modified afterwards, so concurrent compilations can share it.
type TypeTable struct {
	types map[string]*Type
}

var (
	typeVoid = &Type{Kind: TypeVoid, Name: "void"}
	typeBool = &Type{Kind: TypeBasic, Name: "bool", Size: 1, Align: 1}
	typeI8   = basic("i8", 1, true)
	typeI16  = basic("i16", 2, true)
	typeI32  = basic("i32", 4, true)
	typeI64  = basic("i64", 8, true)
	typeU8   = basic("u8", 1, false)
	typeU16  = basic("u16", 2, false)
	typeU32  = basic("u32", 4, false)
	typeU64  = basic("u64", 8, false)
)

func basic(name string, size int64, signed bool) *Type {
	return &Type{Kind: TypeBasic, Name: name, Size: size, Align: size, Signed: signed}
}

var defaultTypes = &TypeTable{types: map[string]*Type{
	"void": typeVoid,
	"bool": typeBool,
	"i8":   typeI8,
	"i16":  typeI16,
	"i32":  typeI32,
	"i64":  typeI64,
	"u8":   typeU8,
	"u16":  typeU16,
	"u32":  typeU32,
	"u64":  typeU64,
}}

// DefaultTypes returns the builtin type table.
func DefaultTypes() *TypeTable {
	return defaultTypes
}

// Lookup returns the builtin type with the given name.
func (tt *TypeTable) Lookup(name string) (*Type, bool) {
	t, ok := tt.types[name]
	return t, ok
}

// Names returns every builtin type name.
func (tt *TypeTable) Names() []string {
	out := make([]string, 0, len(tt.types))
	for name := range tt.types {
		out = append(out, name)
	}
	return out
}

// ---------------------------------------------------------------------------
// Type helpers
// ---------------------------------------------------------------------------

// PointerTo returns the pointer type to t.
func PointerTo(t *Type) *Type {
	return &Type{Kind: TypePointer, Size: PointerSize, Align: PointerSize, Pointee: t}
}

// ArrayOf returns the fixed-size array type of n elements of t.
func ArrayOf(t *Type, n int64) *Type {
	return &Type{Kind: TypePointer, Size: n * t.Size, Align: t.Align, Pointee: t, Count: n}
}

// IsInteger reports whether t is an integer or bool.
func (t *Type) IsInteger() bool { return t != nil && t.Kind == TypeBasic }

// IsPointer reports whether t is a pointer or array.
func (t *Type) IsPointer() bool { return t != nil && t.Kind == TypePointer }

// IsArray reports whether t is a fixed-size array.
func (t *Type) IsArray() bool { return t.IsPointer() && t.Count > 0 }

// IsStruct reports whether t is a struct or union.
func (t *Type) IsStruct() bool { return t != nil && t.Kind == TypeStruct }

// IsVoid reports whether t is void.
func (t *Type) IsVoid() bool { return t == nil || t.Kind == TypeVoid }

// IsScalar reports whether values of t fit in a register.
func (t *Type) IsScalar() bool { return t.IsInteger() || t.IsPointer() }

// ValueSize is the width of the value an expression of type t leaves in a
// register. Arrays and structs are handled by address.
func (t *Type) ValueSize() int64 {
	switch t.Kind {
	case TypeBasic:
		return t.Size
	case TypeVoid:
		return 0
	}
	return PointerSize
}

// Decay returns the pointer type an array value converts to.
func (t *Type) Decay() *Type {
	if t.IsArray() {
		return PointerTo(t.Pointee)
	}
	return t
}

// Member finds a member by name, including promoted members.
func (t *Type) Member(name string) *StructMember {
	for _, m := range t.Members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func (t *Type) String() string {
	if t == nil {
		return "<untyped>"
	}
	switch t.Kind {
	case TypePointer:
		if t.Count > 0 {
			return fmt.Sprintf("%s[%d]", t.Pointee, t.Count)
		}
		return t.Pointee.String() + "*"
	case TypeFunction:
		parts := make([]string, len(t.Params))
		for i, p := range t.Params {
			parts[i] = p.String()
		}
		return fmt.Sprintf("fn(%s) -> %s", strings.Join(parts, ", "), t.Return)
	case TypeStruct:
		if t.Name == "" {
			if t.Union {
				return "union {...}"
			}
			return "struct {...}"
		}
	}
	return t.Name
}

// Identical reports whether a and b denote the same type.
func Identical(a, b *Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case TypePointer:
		return a.Count == b.Count && Identical(a.Pointee, b.Pointee)
	case TypeFunction:
		if len(a.Params) != len(b.Params) || !Identical(a.Return, b.Return) {
			return false
		}
		for i := range a.Params {
			if !Identical(a.Params[i], b.Params[i]) {
				return false
			}
		}
		return true
	case TypeVoid:
		return true
	}
	// Basic and struct types are unique objects.
	return false
}

func alignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// ---------------------------------------------------------------------------
// Struct layout
// ---------------------------------------------------------------------------

// layoutStruct computes member offsets, size and alignment. Nested struct
// types are laid out first. Members of anonymous nested structs are
// promoted with the anonymous member's base offset added.
func layoutStruct(t *Type) error {
	switch t.state {
	case layoutDone:
		return nil
	case layoutActive:
		return fmt.Errorf("struct %s contains itself", t)
	}
	t.state = layoutActive

	type placed struct {
		member *StructMember
		anon   bool
	}
	var members []placed
	var size, maxAlign int64 = 0, 1

	for _, m := range t.Members {
		if m.Type.IsStruct() {
			if err := layoutStruct(m.Type); err != nil {
				return err
			}
		} else if m.Type.IsArray() && m.Type.Pointee.IsStruct() {
			if err := layoutStruct(m.Type.Pointee); err != nil {
				return err
			}
			m.Type.Size = m.Type.Count * m.Type.Pointee.Size
			m.Type.Align = m.Type.Pointee.Align
		}
		if m.Type.Size == 0 {
			return fmt.Errorf("member %s of %s has zero size", m.Name, t)
		}

		align := max(m.Type.Align, 1)
		maxAlign = max(maxAlign, align)
		if t.Union {
			m.Offset = 0
			size = max(size, m.Type.Size)
		} else {
			m.Offset = alignUp(size, align)
			size = m.Offset + m.Type.Size
		}
		members = append(members, placed{member: m, anon: m.Name == ""})
	}

	// Fix-up: promote anonymous members, shifting their struct-local
	// offsets by the anonymous member's base.
	var final []*StructMember
	for _, p := range members {
		if !p.anon {
			final = append(final, p.member)
			continue
		}
		for _, inner := range p.member.Type.Members {
			final = append(final, &StructMember{
				Name:   inner.Name,
				Type:   inner.Type,
				Offset: p.member.Offset + inner.Offset,
			})
		}
	}
	seen := make(map[string]bool, len(final))
	for _, m := range final {
		if seen[m.Name] {
			return fmt.Errorf("duplicate member %s in %s", m.Name, t)
		}
		seen[m.Name] = true
	}

	t.Members = final
	t.Align = maxAlign
	t.Size = alignUp(size, maxAlign)
	t.state = layoutDone
	return nil
}
