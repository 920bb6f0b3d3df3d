package compiler

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/nai/vm"
)

var log = commonlog.GetLogger("nai.compiler")

// ---------------------------------------------------------------------------
// Semantic analysis: scopes, name resolution, types and struct layout
// ---------------------------------------------------------------------------

// Module is a fully analyzed source file: every expression reachable from
// a function body has a resolved type and every identifier its
// declaration.
type Module struct {
	Name  string
	File  *File
	Scope *Scope
	Types *TypeTable

	// References records every resolved use of a declaration, for tools.
	References []Reference
}

// Reference links a source span to the declaration it names.
type Reference struct {
	Span Span
	Decl *Declaration
}

// Functions returns the module's function declarations in source order,
// natives first.
func (m *Module) Functions() []*Declaration {
	var out []*Declaration
	for _, d := range m.Scope.Decls {
		if d.Kind == DeclFunction {
			out = append(out, d)
		}
	}
	return out
}

// ReferenceAt returns the innermost reference covering a byte offset.
func (m *Module) ReferenceAt(offset int) (Reference, bool) {
	var best Reference
	found := false
	for _, r := range m.References {
		if !r.Span.Contains(offset) {
			continue
		}
		if !found || r.Span.End.Offset-r.Span.Start.Offset < best.Span.End.Offset-best.Span.Start.Offset {
			best, found = r, true
		}
	}
	return best, found
}

// ScopeAt returns the innermost block scope enclosing a byte offset, or the
// module scope when the offset is outside every function body.
func (m *Module) ScopeAt(offset int) *Scope {
	for _, fd := range m.File.Funcs {
		if fd.Body != nil && fd.Body.Scope != nil && fd.Body.SpanVal.Contains(offset) {
			return innermostScope(fd.Body, offset)
		}
	}
	return m.Scope
}

func innermostScope(c *Compound, offset int) *Scope {
	for _, st := range c.Stmts {
		if !st.Span().Contains(offset) {
			continue
		}
		if inner := blockAt(st, offset); inner != nil && inner.Scope != nil {
			return innermostScope(inner, offset)
		}
	}
	return c.Scope
}

func blockAt(st Stmt, offset int) *Compound {
	switch s := st.(type) {
	case *Compound:
		return s
	case *Loop:
		if s.Body.SpanVal.Contains(offset) {
			return s.Body
		}
	case *Conditional:
		if s.Then.SpanVal.Contains(offset) {
			return s.Then
		}
		if s.Else != nil && s.Else.Span().Contains(offset) {
			return blockAt(s.Else, offset)
		}
	}
	return nil
}

type analyzer struct {
	mod       *Module
	types     *TypeTable
	errors    ErrorList
	fn        *Declaration
	scope     *Scope
	loopDepth int
}

// Analyze resolves names and types in a parsed file. Host functions from
// natives are declared in the module scope as if written in Nai.
func Analyze(file *File, natives *vm.Natives, types *TypeTable) (*Module, error) {
	if types == nil {
		types = DefaultTypes()
	}
	a := &analyzer{
		mod: &Module{
			Name:  file.Name,
			File:  file,
			Scope: NewScope(nil),
			Types: types,
		},
		types: types,
	}
	a.scope = a.mod.Scope

	a.declareStructs(file.Structs)
	a.declareNatives(natives)
	funcs := a.declareFunctions(file.Funcs)
	for i, fd := range file.Funcs {
		if funcs[i] != nil {
			a.checkFunction(fd, funcs[i])
		}
	}
	a.checkMain()

	for _, e := range a.errors {
		e.File = file.Name
	}
	log.Debugf("analyzed %s: %d structs, %d functions, %d errors", file.Name, len(file.Structs), len(file.Funcs), len(a.errors))
	return a.mod, a.errors.Err()
}

func (a *analyzer) errorf(n Node, format string, args ...any) {
	a.errors = append(a.errors, errorAt(n, format, args...))
}

func (a *analyzer) reference(n Node, d *Declaration) {
	a.mod.References = append(a.mod.References, Reference{Span: n.Span(), Decl: d})
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (a *analyzer) declareStructs(decls []*StructDecl) {
	var structs []*Type
	for _, sd := range decls {
		if _, ok := a.types.Lookup(sd.Name); ok {
			a.errorf(sd, "cannot redefine builtin type %s", sd.Name)
			continue
		}
		t := &Type{Kind: TypeStruct, Name: sd.Name, Union: sd.Union, decl: sd}
		d := &Declaration{Kind: DeclType, Name: sd.Name, Pos: sd.SpanVal.Start, Type: t}
		if err := a.scope.Declare(d); err != nil {
			a.errorf(sd, "%v", err)
			continue
		}
		structs = append(structs, t)
	}
	for _, t := range structs {
		a.fillStruct(t, t.decl)
	}
	for _, t := range structs {
		if err := layoutStruct(t); err != nil {
			a.errorf(t.decl, "%v", err)
		}
	}
}

func (a *analyzer) fillStruct(t *Type, sd *StructDecl) {
	t.Scope = NewScope(nil)
	for _, f := range sd.Fields {
		if f.Anon != nil {
			inner := &Type{Kind: TypeStruct, Union: f.Anon.Union, decl: f.Anon}
			a.fillStruct(inner, f.Anon)
			t.Members = append(t.Members, &StructMember{Type: inner})
			continue
		}
		ft, ok := a.resolveType(f.Type)
		if !ok {
			continue
		}
		if ft.IsVoid() {
			a.errorf(f.Type, "member %s cannot be void", f.Name)
			continue
		}
		t.Members = append(t.Members, &StructMember{Name: f.Name, Type: ft})
		t.Scope.Declare(&Declaration{Kind: DeclVariable, Name: f.Name, Pos: f.SpanVal.Start, Type: ft})
	}
}

// resolveType turns a written type into a Type.
func (a *analyzer) resolveType(te *TypeExpr) (*Type, bool) {
	t, ok := a.types.Lookup(te.Name)
	if !ok {
		d := a.mod.Scope.LookupLocal(te.Name)
		if d == nil || d.Kind != DeclType {
			a.errorf(te, "unknown type %s", te.Name)
			return nil, false
		}
		a.reference(te, d)
		t = d.Type
	}
	for _, suf := range te.Suffixes {
		if suf < 0 {
			t = PointerTo(t)
			continue
		}
		if t.IsVoid() {
			a.errorf(te, "array of void")
			return nil, false
		}
		t = ArrayOf(t, suf)
	}
	return t, true
}

func (a *analyzer) declareNatives(natives *vm.Natives) {
	for _, nf := range natives.All() {
		d := &Declaration{Kind: DeclFunction, Name: nf.Name, Native: nf}
		ft := &Type{Kind: TypeFunction, Return: typeVoid}
		d.Scope = NewScope(a.scope)
		d.Scope.Function = d
		d.Body = &Compound{Scope: d.Scope}

		ok := true
		for i, np := range nf.Params {
			te, err := ParseType(np.Type)
			if err != nil {
				a.errorf(nil, "native %s: parameter %s: %v", nf.Name, np.Name, err)
				ok = false
				break
			}
			pt, found := a.resolveType(te)
			if !found {
				ok = false
				break
			}
			if np.ByPointer {
				pt = PointerTo(pt)
			}
			ft.Params = append(ft.Params, pt)
			param := &Declaration{Kind: DeclVariable, Name: np.Name, Type: pt, IsParam: true, ParamIndex: i}
			d.Params = append(d.Params, param)
			d.Scope.Declare(param)
		}
		if nf.Return != "" && nf.Return != "void" {
			te, err := ParseType(nf.Return)
			if err != nil {
				a.errorf(nil, "native %s: return type: %v", nf.Name, err)
				ok = false
			} else if rt, found := a.resolveType(te); found {
				ft.Return = rt
			} else {
				ok = false
			}
		}
		if !ok {
			continue
		}
		d.Type = ft
		if err := a.scope.Declare(d); err != nil {
			a.errorf(nil, "%v", err)
		}
	}
}

func (a *analyzer) declareFunctions(decls []*FuncDecl) []*Declaration {
	out := make([]*Declaration, len(decls))
	for i, fd := range decls {
		d := &Declaration{Kind: DeclFunction, Name: fd.Name, Pos: fd.SpanVal.Start, Body: fd.Body}
		ft := &Type{Kind: TypeFunction, Return: typeVoid}
		d.Scope = NewScope(a.scope)
		d.Scope.Function = d

		ok := true
		for j, pd := range fd.Params {
			pt, found := a.resolveType(pd.Type)
			if !found {
				ok = false
				continue
			}
			switch {
			case pt.IsVoid():
				a.errorf(pd, "parameter %s cannot be void", pd.Name)
				ok = false
			case pt.IsStruct():
				a.errorf(pd, "struct parameter %s must be passed by pointer", pd.Name)
				ok = false
			case pt.IsArray():
				a.errorf(pd, "array parameter %s must be passed by pointer", pd.Name)
				ok = false
			}
			param := &Declaration{Kind: DeclVariable, Name: pd.Name, Pos: pd.SpanVal.Start, Type: pt, IsParam: true, ParamIndex: j}
			if err := d.Scope.Declare(param); err != nil {
				a.errorf(pd, "%v", err)
				ok = false
			}
			d.Params = append(d.Params, param)
			ft.Params = append(ft.Params, pt)
		}
		if fd.Return != nil {
			rt, found := a.resolveType(fd.Return)
			switch {
			case !found:
				ok = false
			case rt.IsStruct() || rt.IsArray():
				a.errorf(fd.Return, "functions cannot return %s by value", rt)
				ok = false
			default:
				ft.Return = rt
			}
		}
		d.Type = ft
		if err := a.scope.Declare(d); err != nil {
			a.errorf(fd, "%v", err)
			continue
		}
		if ok {
			out[i] = d
		}
	}
	return out
}

func (a *analyzer) checkMain() {
	d := a.mod.Scope.LookupLocal("main")
	if d == nil {
		a.errors = append(a.errors, &Error{Pos: Position{Line: 1, Column: 1}, Msg: "no main function"})
		return
	}
	if d.Kind != DeclFunction || d.Native != nil {
		a.errors = append(a.errors, &Error{Pos: d.Pos, Msg: "main must be a function"})
		return
	}
	if len(d.Params) != 0 {
		a.errors = append(a.errors, &Error{Pos: d.Pos, Msg: "main takes no parameters"})
	}
	if rt := d.Type.Return; !rt.IsVoid() && !rt.IsInteger() {
		a.errors = append(a.errors, &Error{Pos: d.Pos, Msg: "main must return an integer or nothing"})
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (a *analyzer) checkFunction(fd *FuncDecl, d *Declaration) {
	a.fn = d
	a.scope = d.Scope
	a.checkCompound(fd.Body)
	a.scope = a.mod.Scope
	a.fn = nil
}

func (a *analyzer) checkCompound(c *Compound) {
	outer := a.scope
	c.Scope = NewScope(outer)
	a.scope = c.Scope
	for _, s := range c.Stmts {
		a.checkStmt(s)
	}
	a.scope = outer
}

func (a *analyzer) checkStmt(s Stmt) {
	switch s := s.(type) {
	case *Compound:
		a.checkCompound(s)

	case *Comment:

	case *ExprStmt:
		a.check(s.Expr, nil)

	case *VarDecl:
		a.checkVarDecl(s)

	case *Return:
		want := a.fn.Type.Return
		if s.Value == nil {
			if !want.IsVoid() {
				a.errorf(s, "missing return value (function returns %s)", want)
			}
			return
		}
		if want.IsVoid() {
			a.errorf(s, "%s does not return a value", a.fn.Name)
			return
		}
		if a.check(s.Value, want) != nil {
			s.Value = a.convert(s.Value, want)
		}

	case *Conditional:
		a.checkCondition(s.Cond)
		a.checkCompound(s.Then)
		if s.Else != nil {
			a.checkStmt(s.Else)
		}

	case *Loop:
		if s.Cond != nil {
			a.checkCondition(s.Cond)
		}
		a.loopDepth++
		a.checkCompound(s.Body)
		a.loopDepth--

	case *Continue:
		if a.loopDepth == 0 {
			a.errorf(s, "continue outside loop")
		}

	case *Break:
		if a.loopDepth == 0 {
			a.errorf(s, "break outside loop")
		}
	}
}

func (a *analyzer) checkCondition(e Expr) {
	t := a.check(e, nil)
	if t != nil && !t.IsScalar() {
		a.errorf(e, "condition must be an integer or pointer, got %s", t)
	}
}

func (a *analyzer) checkVarDecl(vd *VarDecl) {
	var t *Type
	if vd.TypeExpr != nil {
		var ok bool
		if t, ok = a.resolveType(vd.TypeExpr); !ok {
			return
		}
		if t.IsVoid() {
			a.errorf(vd, "variable %s cannot be void", vd.Name)
			return
		}
		if vd.Init != nil {
			if t.IsArray() {
				a.errorf(vd, "arrays cannot be initialized")
				return
			}
			if a.check(vd.Init, t) == nil {
				return
			}
			vd.Init = a.convert(vd.Init, t)
		}
	} else {
		it := a.check(vd.Init, nil)
		if it == nil {
			return
		}
		if it.IsVoid() {
			a.errorf(vd, "%s has no value", vd.Name)
			return
		}
		t = it.Decay()
	}

	d := &Declaration{Kind: DeclVariable, Name: vd.Name, Pos: vd.SpanVal.Start, Type: t}
	if err := a.scope.Declare(d); err != nil {
		a.errorf(vd, "%v", err)
		return
	}
	vd.Decl = d
	a.reference(vd, d)

	if vd.Init != nil {
		target := &Identifier{exprBase: exprBase{SpanVal: vd.SpanVal, Typ: t}, Name: vd.Name, Decl: d}
		vd.Assign = &Binary{exprBase: exprBase{SpanVal: vd.SpanVal, Typ: t}, Op: Assign, Left: target, Right: vd.Init}
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// check resolves e's type. hint is the type the context expects and is
// adopted by untyped integer literals and allocations. It returns nil after
// reporting an error.
func (a *analyzer) check(e Expr, hint *Type) *Type {
	t := a.checkExpr(e, hint)
	if t != nil {
		e.SetType(t)
	}
	return t
}

func (a *analyzer) checkExpr(e Expr, hint *Type) *Type {
	switch e := e.(type) {
	case *NumberLit:
		return a.checkNumber(e, hint)

	case *StringLit:
		return PointerTo(typeU8)

	case *Identifier:
		d := a.scope.Lookup(e.Name)
		if d == nil {
			a.errorf(e, "undefined: %s", e.Name)
			return nil
		}
		if d.Kind != DeclVariable {
			a.errorf(e, "%s is a %s, not a variable", e.Name, d.Kind)
			return nil
		}
		e.Decl = d
		a.reference(e, d)
		return d.Type

	case *Unary:
		return a.checkUnary(e)

	case *Binary:
		if e.Op == Assign {
			return a.checkAssign(e)
		}
		return a.checkBinary(e, hint)

	case *Call:
		return a.checkCall(e)

	case *Dot:
		return a.checkDot(e)

	case *MemoryNew:
		ct := a.check(e.Count, typeU64)
		if ct == nil {
			return nil
		}
		if !ct.IsInteger() {
			a.errorf(e.Count, "allocation size must be an integer, got %s", ct)
			return nil
		}
		if hint.IsPointer() && !hint.IsArray() && !hint.Pointee.IsVoid() {
			e.ElemSize = hint.Pointee.Size
			return hint
		}
		e.ElemSize = 1
		return PointerTo(typeU8)

	case *MemoryFree:
		tt := a.check(e.Target, nil)
		if tt == nil {
			return nil
		}
		if !tt.IsPointer() || tt.IsArray() {
			a.errorf(e, "free needs a pointer, got %s", tt)
			return nil
		}
		return typeVoid

	case *Cast:
		ot := a.check(e.Operand, nil)
		if ot == nil {
			return nil
		}
		to, ok := a.resolveType(e.To)
		if !ok {
			return nil
		}
		if !ot.IsScalar() || !to.IsScalar() || to.IsArray() {
			a.errorf(e, "cannot convert %s to %s", ot, to)
			return nil
		}
		return to
	}
	a.errorf(e, "unsupported expression")
	return nil
}

func (a *analyzer) checkNumber(e *NumberLit, hint *Type) *Type {
	if e.Explicit != nil {
		return e.Explicit
	}
	t := typeI64
	if hint.IsInteger() || (hint.IsPointer() && !hint.IsArray()) {
		t = hint
	}
	if !fits(e.Value, t) {
		a.errorf(e, "constant %d overflows %s", int64(e.Value), t)
		return nil
	}
	return t
}

// fits reports whether a literal's bits represent the same number at t's width.
func fits(v uint64, t *Type) bool {
	if t.IsPointer() || t.Size >= 8 {
		return true
	}
	if t == typeBool {
		return v <= 1
	}
	bits := uint(t.Size * 8)
	if t.Signed {
		s := int64(v)
		return s >= -(1<<(bits-1)) && s < 1<<(bits-1)
	}
	return v < 1<<bits
}

func isAddressable(e Expr) bool {
	switch e := e.(type) {
	case *Identifier:
		return true
	case *Unary:
		return e.Op == Deref
	case *Dot:
		return true
	}
	return false
}

func (a *analyzer) checkUnary(e *Unary) *Type {
	ot := a.check(e.Operand, nil)
	if ot == nil {
		return nil
	}
	if e.Op == Deref {
		if !ot.IsPointer() {
			a.errorf(e, "cannot dereference %s", ot)
			return nil
		}
		if ot.Pointee.IsVoid() {
			a.errorf(e, "cannot dereference void pointer")
			return nil
		}
		return ot.Pointee
	}

	if !isAddressable(e.Operand) {
		a.errorf(e, "cannot take the address of this expression")
		return nil
	}
	if id, ok := e.Operand.(*Identifier); ok && id.Decl.IsParam {
		id.Decl.AddressTaken = true
	}
	if ot.IsArray() {
		return PointerTo(ot.Pointee)
	}
	return PointerTo(ot)
}

func (a *analyzer) checkAssign(e *Binary) *Type {
	lt := a.check(e.Left, nil)
	if lt == nil {
		return nil
	}
	if !isAddressable(e.Left) {
		a.errorf(e.Left, "cannot assign to this expression")
		return nil
	}
	if lt.IsArray() {
		a.errorf(e.Left, "cannot assign to array")
		return nil
	}
	if a.check(e.Right, lt) == nil {
		return nil
	}
	e.Right = a.convert(e.Right, lt)
	return lt
}

func isUntypedLiteral(e Expr) bool {
	lit, ok := e.(*NumberLit)
	return ok && lit.Explicit == nil
}

func (a *analyzer) checkBinary(e *Binary, hint *Type) *Type {
	if e.Op.IsComparison() {
		hint = nil
	}

	var lt, rt *Type
	if isUntypedLiteral(e.Left) && !isUntypedLiteral(e.Right) {
		if rt = a.check(e.Right, hint); rt == nil {
			return nil
		}
		lt = a.check(e.Left, operandHint(rt))
	} else {
		if lt = a.check(e.Left, hint); lt == nil {
			return nil
		}
		rt = a.check(e.Right, operandHint(lt))
	}
	if lt == nil || rt == nil {
		return nil
	}
	lt, rt = lt.Decay(), rt.Decay()

	if lt.IsStruct() || rt.IsStruct() || lt.IsVoid() || rt.IsVoid() {
		a.errorf(e, "invalid operands %s %s %s", lt, e.Op, rt)
		return nil
	}

	if e.Op.IsComparison() {
		switch {
		case lt.IsPointer() && rt.IsPointer():
		case lt.IsPointer() && isUntypedLiteral(e.Right):
		case rt.IsPointer() && isUntypedLiteral(e.Left):
		case lt.IsInteger() && rt.IsInteger() && Identical(lt, rt):
		default:
			a.errorf(e, "mismatched types %s and %s", lt, rt)
			return nil
		}
		return typeBool
	}

	// Pointer arithmetic is validated and scaled by the code generator.
	if lt.IsPointer() {
		return lt
	}
	if rt.IsPointer() {
		return rt
	}
	if lt == typeBool || rt == typeBool {
		a.errorf(e, "arithmetic on bool")
		return nil
	}
	if !Identical(lt, rt) {
		a.errorf(e, "mismatched types %s and %s", lt, rt)
		return nil
	}
	return lt
}

// operandHint is the type a literal on the other side of a binary operator
// should take.
func operandHint(t *Type) *Type {
	if t.IsPointer() {
		return typeI64
	}
	return t
}

func (a *analyzer) checkCall(e *Call) *Type {
	d := a.scope.Lookup(e.Callee)
	if d == nil {
		a.errorf(e, "undefined function %s", e.Callee)
		return nil
	}
	if d.Kind != DeclFunction {
		a.errorf(e, "%s is not a function", e.Callee)
		return nil
	}
	e.Decl = d
	a.reference(e, d)

	if len(e.Args) != len(d.Params) {
		a.errorf(e, "%s takes %d arguments, got %d", d.Name, len(d.Params), len(e.Args))
		return nil
	}
	ok := true
	for i, arg := range e.Args {
		pt := d.Params[i].Type
		if a.check(arg, pt) == nil {
			ok = false
			continue
		}
		e.Args[i] = a.convert(arg, pt)
	}
	if !ok {
		return nil
	}
	return d.Type.Return
}

func (a *analyzer) checkDot(e *Dot) *Type {
	bt := a.check(e.Base, nil)
	if bt == nil {
		return nil
	}
	t := bt
	for t.IsPointer() && !t.IsArray() {
		if t.Pointee.IsVoid() {
			a.errorf(e, "member access through void pointer")
			return nil
		}
		t = t.Pointee
	}
	if !t.IsStruct() {
		a.errorf(e, "%s is not a struct", bt)
		return nil
	}
	m := t.Member(e.Name)
	if m == nil {
		a.errorf(e, "%s has no member %s", t, e.Name)
		return nil
	}
	e.Member = m
	return m.Type
}

// convert checks that e (already typed) can be used as a value of type to,
// wrapping it in an implicit cast when the representation changes.
func (a *analyzer) convert(e Expr, to *Type) Expr {
	from := e.Type()
	if from == nil || Identical(from, to) {
		return e
	}
	switch {
	case to.IsInteger() && from.IsInteger():
		if to == typeBool || from.Size > to.Size || (from.Size == to.Size && from.Signed != to.Signed && from != typeBool) {
			a.errorf(e, "cannot use %s as %s without a cast", from, to)
			return e
		}
		c := &Cast{exprBase: exprBase{SpanVal: e.Span(), Typ: to}, Operand: e}
		return c

	case to.IsPointer() && from.IsPointer():
		fp := from.Decay()
		if fp.Pointee.IsVoid() || to.Pointee.IsVoid() || Identical(fp, to) {
			return e
		}

	case to.IsStruct() && from.IsStruct():
		// distinct struct types never convert
	}
	a.errorf(e, "cannot use %s as %s", from, to)
	return e
}
