package compiler

import "fmt"

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for Nai
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Span represents a range in source code.
type Span struct {
	Start Position
	End   Position
}

// Contains reports whether the byte offset lies inside the span.
func (s Span) Contains(offset int) bool {
	return offset >= s.Start.Offset && offset < s.End.Offset
}

// MakeSpan creates a span from start and end positions.
func MakeSpan(start, end Position) Span {
	return Span{Start: start, End: end}
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Span() Span
	node() // marker method
}

// ---------------------------------------------------------------------------
// Type expressions
// ---------------------------------------------------------------------------

// TypeExpr is a written type: a name followed by pointer and array
// suffixes, applied left to right. `i32*[4]` is an array of four i32*.
type TypeExpr struct {
	SpanVal  Span
	Name     string
	Suffixes []int64 // -1 for '*', N for '[N]'
}

func (n *TypeExpr) Span() Span { return n.SpanVal }
func (n *TypeExpr) node()      {}

func (n *TypeExpr) String() string {
	s := n.Name
	for _, suf := range n.Suffixes {
		if suf < 0 {
			s += "*"
		} else {
			s += fmt.Sprintf("[%d]", suf)
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// Expr is the interface for expression nodes. After analysis every
// expression carries its resolved type.
type Expr interface {
	Node
	Type() *Type
	SetType(*Type)
	expr() // marker method
}

// exprBase holds the span and resolved type shared by every expression.
type exprBase struct {
	SpanVal Span
	Typ     *Type
}

func (e *exprBase) Span() Span      { return e.SpanVal }
func (e *exprBase) Type() *Type     { return e.Typ }
func (e *exprBase) SetType(t *Type) { e.Typ = t }
func (e *exprBase) node()           {}
func (e *exprBase) expr()           {}

// NumberLit is an integer, character or boolean literal. Explicit is the
// literal's own type (u8 for characters, bool for true/false); integer
// literals have none and adopt the type their context expects.
type NumberLit struct {
	exprBase
	Value    uint64
	Explicit *Type
}

// StringLit is a string literal; its value is a u8* to a NUL-terminated copy.
type StringLit struct {
	exprBase
	Value string
}

// Identifier references a variable.
type Identifier struct {
	exprBase
	Name string
	Decl *Declaration // resolved by the semantic pass
}

// UnaryOp enumerates unary operators.
type UnaryOp int

const (
	Deref     UnaryOp = iota // *p
	AddressOf                // &x
)

func (op UnaryOp) String() string {
	if op == Deref {
		return "*"
	}
	return "&"
}

// Unary is a dereference or address-of expression.
type Unary struct {
	exprBase
	Op      UnaryOp
	Operand Expr
}

// BinaryOp enumerates binary operators.
type BinaryOp int

const (
	Assign BinaryOp = iota
	Add
	Sub
	Mul
	Div
	Mod
	Eq
	Ne
	Lt
	Le
	Gt
	Ge
)

var binaryOpNames = [...]string{
	Assign: "=", Add: "+", Sub: "-", Mul: "*", Div: "/", Mod: "%",
	Eq: "==", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">=",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryOpNames) {
		return binaryOpNames[op]
	}
	return fmt.Sprintf("BinaryOp(%d)", int(op))
}

// IsComparison reports whether op yields a boolean.
func (op BinaryOp) IsComparison() bool {
	return op >= Eq && op <= Ge
}

// IsArithmetic reports whether op is + - * / or %.
func (op BinaryOp) IsArithmetic() bool {
	return op >= Add && op <= Mod
}

// Binary is an arithmetic, comparison or assignment expression.
type Binary struct {
	exprBase
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// Call invokes a Nai or native function.
type Call struct {
	exprBase
	Callee string
	Args   []Expr
	Decl   *Declaration // resolved by the semantic pass
}

// Dot is member access. The base may be a struct or a pointer to one
// (through any number of pointer levels).
type Dot struct {
	exprBase
	Base   Expr
	Name   string
	Member *StructMember // resolved by the semantic pass
}

// MemoryNew allocates Count elements on the heap. ElemSize is filled in
// from the assignment target's pointee type and defaults to 1.
type MemoryNew struct {
	exprBase
	Count    Expr
	ElemSize int64
}

// MemoryFree releases a heap block.
type MemoryFree struct {
	exprBase
	Target Expr
}

// Cast converts an integer or pointer value to another scalar type. The
// semantic pass also inserts casts for implicit signed widening.
type Cast struct {
	exprBase
	Operand Expr
	To      *TypeExpr // nil for implicit casts
}

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// Compound is a braced block with its own scope.
type Compound struct {
	SpanVal Span
	Stmts   []Stmt
	Scope   *Scope // set by the semantic pass
}

func (n *Compound) Span() Span { return n.SpanVal }
func (n *Compound) node()      {}
func (n *Compound) stmt()      {}

// Comment is a // line inside a block. It generates no code.
type Comment struct {
	SpanVal Span
	Text    string
}

func (n *Comment) Span() Span { return n.SpanVal }
func (n *Comment) node()      {}
func (n *Comment) stmt()      {}

// ExprStmt evaluates an expression for its side effects.
type ExprStmt struct {
	SpanVal Span
	Expr    Expr
}

func (n *ExprStmt) Span() Span { return n.SpanVal }
func (n *ExprStmt) node()      {}
func (n *ExprStmt) stmt()      {}

// VarDecl declares a local variable: `x: T = e;` or `x := e;`. The
// semantic pass turns an initializer into an assignment in Assign.
type VarDecl struct {
	SpanVal  Span
	Name     string
	TypeExpr *TypeExpr // nil when inferred
	Init     Expr
	Decl     *Declaration
	Assign   *Binary
}

func (n *VarDecl) Span() Span { return n.SpanVal }
func (n *VarDecl) node()      {}
func (n *VarDecl) stmt()      {}

// Return leaves the function, optionally with a value.
type Return struct {
	SpanVal Span
	Value   Expr
}

func (n *Return) Span() Span { return n.SpanVal }
func (n *Return) node()      {}
func (n *Return) stmt()      {}

// Conditional is if / else if / else. Else is nil, a *Compound, or a
// nested *Conditional.
type Conditional struct {
	SpanVal Span
	Cond    Expr
	Then    *Compound
	Else    Stmt
}

func (n *Conditional) Span() Span { return n.SpanVal }
func (n *Conditional) node()      {}
func (n *Conditional) stmt()      {}

// Loop repeats its body while Cond holds; a nil Cond loops forever.
type Loop struct {
	SpanVal Span
	Cond    Expr
	Body    *Compound
}

func (n *Loop) Span() Span { return n.SpanVal }
func (n *Loop) node()      {}
func (n *Loop) stmt()      {}

// Continue jumps to the start of the innermost loop.
type Continue struct {
	SpanVal Span
}

func (n *Continue) Span() Span { return n.SpanVal }
func (n *Continue) node()      {}
func (n *Continue) stmt()      {}

// Break leaves the innermost loop.
type Break struct {
	SpanVal Span
}

func (n *Break) Span() Span { return n.SpanVal }
func (n *Break) node()      {}
func (n *Break) stmt()      {}

// ---------------------------------------------------------------------------
// Top-level declarations
// ---------------------------------------------------------------------------

// FieldDecl is a struct or union member. Anonymous members have no Name
// and carry their nested definition in Anon.
type FieldDecl struct {
	SpanVal Span
	Name    string
	Type    *TypeExpr
	Anon    *StructDecl
}

func (n *FieldDecl) Span() Span { return n.SpanVal }
func (n *FieldDecl) node()      {}

// StructDecl declares a struct or union type.
type StructDecl struct {
	SpanVal Span
	Name    string
	Union   bool
	Fields  []*FieldDecl
}

func (n *StructDecl) Span() Span { return n.SpanVal }
func (n *StructDecl) node()      {}

// ParamDecl is one function parameter.
type ParamDecl struct {
	SpanVal Span
	Name    string
	Type    *TypeExpr
}

func (n *ParamDecl) Span() Span { return n.SpanVal }
func (n *ParamDecl) node()      {}

// FuncDecl declares a function.
type FuncDecl struct {
	SpanVal Span
	Name    string
	Params  []*ParamDecl
	Return  *TypeExpr // nil for void
	Body    *Compound
}

func (n *FuncDecl) Span() Span { return n.SpanVal }
func (n *FuncDecl) node()      {}

// File is a parsed source file.
type File struct {
	Name    string
	Structs []*StructDecl
	Funcs   []*FuncDecl
}
