package compiler

import (
	"strings"
	"testing"

	"github.com/nalgeon/be"

	"github.com/chazu/nai/vm"
)

func analyze(t *testing.T, src string) (*Module, error) {
	t.Helper()
	f, err := Parse("test.nai", src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return Analyze(f, vm.Builtins(), DefaultTypes())
}

func analyzeOK(t *testing.T, src string) *Module {
	t.Helper()
	m, err := analyze(t, src)
	if err != nil {
		t.Fatalf("analysis error: %v", err)
	}
	return m
}

func structType(t *testing.T, m *Module, name string) *Type {
	t.Helper()
	d := m.Scope.LookupLocal(name)
	if d == nil || d.Kind != DeclType {
		t.Fatalf("struct %s not declared", name)
	}
	return d.Type
}

func TestStructLayout(t *testing.T) {
	m := analyzeOK(t, `
struct S { a: i8; b: i32; }
struct Mixed { c: u8; d: i64; e: u16; }
struct Outer { tag: u8; inner: S; }
fn main() {}
`)
	s := structType(t, m, "S")
	be.Equal(t, s.Size, int64(8))
	be.Equal(t, s.Align, int64(4))
	be.Equal(t, s.Member("a").Offset, int64(0))
	be.Equal(t, s.Member("b").Offset, int64(4))

	mixed := structType(t, m, "Mixed")
	be.Equal(t, mixed.Member("d").Offset, int64(8))
	be.Equal(t, mixed.Member("e").Offset, int64(16))
	be.Equal(t, mixed.Size, int64(24))

	outer := structType(t, m, "Outer")
	be.Equal(t, outer.Member("inner").Offset, int64(4))
	be.Equal(t, outer.Size, int64(12))
}

func TestUnionLayoutWithAnonymousStruct(t *testing.T) {
	m := analyzeOK(t, `
union Word {
    full: u32;
    struct { lo: u16; hi: u16; }
}
struct Tagged {
    kind: u8;
    union { i: i64; b: u8; }
}
fn main() {}
`)
	w := structType(t, m, "Word")
	be.Equal(t, w.Size, int64(4))
	be.Equal(t, w.Member("full").Offset, int64(0))
	be.Equal(t, w.Member("lo").Offset, int64(0))
	be.Equal(t, w.Member("hi").Offset, int64(2))

	tagged := structType(t, m, "Tagged")
	be.Equal(t, tagged.Member("i").Offset, int64(8))
	be.Equal(t, tagged.Member("b").Offset, int64(8))
	be.Equal(t, tagged.Size, int64(16))
}

func TestStructErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"recursive", `struct A { b: B; } struct B { a: A; } fn main() {}`, "contains itself"},
		{"duplicate member", `struct A { x: i32; struct { x: u8; } } fn main() {}`, "duplicate member x"},
		{"unknown type", `struct A { x: Nope; } fn main() {}`, "unknown type Nope"},
		{"builtin redefined", `struct i32 { x: u8; } fn main() {}`, "cannot redefine builtin type i32"},
		{"self pointer ok", `struct Node { next: Node*; v: i64; } fn main() { x: Node; x.next = &x; }`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analyze(t, tt.src)
			if tt.want == "" {
				be.Err(t, err, nil)
				return
			}
			be.Err(t, err, tt.want)
		})
	}
}

func TestAnalyzeTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"undefined", `x = 1;`, "undefined: x"},
		{"overflow", `x: u8 = 300;`, "constant 300 overflows u8"},
		{"narrowing", `a: i64 = 1; b: i32 = a;`, "cannot use i64 as i32 without a cast"},
		{"sign change", `a: i32 = 1; b: u32 = a;`, "cannot use i32 as u32 without a cast"},
		{"mismatch", `a: i32 = 1; b: i64 = 2; c := a + b;`, "mismatched types i32 and i64"},
		{"deref int", `a: i32 = 1; b := *a;`, "cannot dereference i32"},
		{"void deref", `p: void* = new(4); x := *p;`, "cannot dereference void pointer"},
		{"not addressable", `x := &5;`, "cannot take the address"},
		{"assign to call", `f() = 1;`, "cannot assign to this expression"},
		{"arity", `g(1);`, "g takes 2 arguments, got 1"},
		{"not a function", `x: i32 = 1; x(1);`, "x is not a function"},
		{"no member", `p: P; p.z = 1;`, "P has no member z"},
		{"dot non struct", `x: i32 = 1; x.y = 2;`, "i32 is not a struct"},
		{"break outside", `break;`, "break outside loop"},
		{"continue outside", `continue;`, "continue outside loop"},
		{"missing value", `return;`, "missing return value"},
		{"array assign", `a: i32[2]; b: i32[2]; a = b;`, "cannot assign to array"},
		{"bool arithmetic", `a := true; b := a + a;`, "arithmetic on bool"},
		{"redeclared", `x: i32 = 1; x: i32 = 2;`, "x redeclared"},
		{"void variable", `x := f();`, "x has no value"},
		{"free int", `x: i32 = 1; free(x);`, "free needs a pointer"},
		{"struct condition", `p: P; if p { }`, "condition must be an integer or pointer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `
struct P { x: i32; }
fn f() {}
fn g(a: i32, b: i32) -> i32 { return a; }
fn main() -> i32 {
` + tt.body + `
    return 0;
}`
			_, err := analyze(t, src)
			be.Err(t, err, tt.want)
		})
	}
}

func TestAnalyzeMain(t *testing.T) {
	_, err := analyze(t, `fn helper() {}`)
	be.Err(t, err, "no main function")

	_, err = analyze(t, `fn main(x: i32) -> i32 { return x; }`)
	be.Err(t, err, "main takes no parameters")

	_, err = analyze(t, `fn main() -> u8* { return "x"; }`)
	be.Err(t, err, "main must return an integer")

	analyzeOK(t, `fn main() {}`)
}

func TestAnalyzeLiteralTyping(t *testing.T) {
	m := analyzeOK(t, `
fn main() -> i32 {
    a: i16 = 7;
    b := a + 1;
    c := 1 + a;
    p: i32* = new(2);
    q := p + 3;
    return 0;
}`)
	body := m.File.Funcs[0].Body.Stmts
	b := body[1].(*VarDecl)
	be.Equal(t, b.Decl.Type, typeI16)
	c := body[2].(*VarDecl)
	be.Equal(t, c.Decl.Type, typeI16)
	lit := c.Init.(*Binary).Left.(*NumberLit)
	be.Equal(t, lit.Type(), typeI16)

	p := body[3].(*VarDecl)
	be.Equal(t, p.Init.(*MemoryNew).ElemSize, int64(4))
	q := body[4].(*VarDecl)
	be.Equal(t, q.Decl.Type.String(), "i32*")
	scale := q.Init.(*Binary).Right.(*NumberLit)
	be.Equal(t, scale.Type(), typeI64)
}

func TestAnalyzeImplicitCasts(t *testing.T) {
	m := analyzeOK(t, `
fn wide(v: i64) -> i64 { return v; }
fn main() -> i64 {
    small: i8 = -3;
    x := wide(small);
    flag := 1 < 2;
    n: i32 = flag;
    return x;
}`)
	body := m.File.Funcs[1].Body.Stmts
	call := body[1].(*VarDecl).Init.(*Call)
	cast, ok := call.Args[0].(*Cast)
	be.True(t, ok)
	be.Equal(t, cast.Type(), typeI64)
	be.Equal(t, cast.Operand.Type(), typeI8)

	_, ok = body[3].(*VarDecl).Init.(*Cast)
	be.True(t, ok)
}

func TestAnalyzeAddressTakenParams(t *testing.T) {
	m := analyzeOK(t, `
fn set(p: i32*) { *p = 1; }
fn f(a: i32, b: i32) -> i32 { set(&b); return a + b; }
fn main() -> i32 { return f(1, 2); }
`)
	f := m.Scope.LookupLocal("f")
	be.True(t, !f.Params[0].AddressTaken)
	be.True(t, f.Params[0].InRegister())
	be.True(t, f.Params[1].AddressTaken)
	be.True(t, !f.Params[1].InRegister())
	be.Equal(t, f.Params[1].Register(), vm.Rdx)
}

func TestAnalyzeNatives(t *testing.T) {
	m := analyzeOK(t, `fn main() { print("hi"); print_int(3); println(); }`)
	for _, name := range []string{"print", "print_int", "print_char", "println", "assert"} {
		d := m.Scope.LookupLocal(name)
		if d == nil {
			t.Fatalf("native %s not declared", name)
		}
		be.True(t, d.Native != nil)
	}
	be.Equal(t, m.Scope.LookupLocal("print").Params[0].Type.String(), "u8*")

	_, err := analyze(t, `fn print(s: u8*) {} fn main() {}`)
	be.Err(t, err, "print redeclared")
}

func TestAnalyzeScopes(t *testing.T) {
	m := analyzeOK(t, `
fn main() -> i32 {
    x: i32 = 1;
    {
        x: i64 = 2;
        y := x;
    }
    return x;
}`)
	inner := m.File.Funcs[0].Body.Stmts[1].(*Compound)
	y := inner.Stmts[1].(*VarDecl)
	be.Equal(t, y.Decl.Type, typeI64)

	ret := m.File.Funcs[0].Body.Stmts[2].(*Return)
	be.Equal(t, ret.Value.Type(), typeI32)

	_, err := analyze(t, `fn main() -> i32 { { z: i32 = 1; } return z; }`)
	be.Err(t, err, "undefined: z")
}

func TestAnalyzeReferences(t *testing.T) {
	src := "fn two() -> i32 { return 2; }\nfn main() -> i32 { v := two(); return v; }"
	m := analyzeOK(t, src)

	offset := len("fn two() -> i32 { return 2; }\nfn main() -> i32 { v := ")
	ref, ok := m.ReferenceAt(offset + 1)
	be.True(t, ok)
	be.Equal(t, ref.Decl.Name, "two")
	be.Equal(t, ref.Decl.Kind, DeclFunction)

	ret := len(src) - len("v; }")
	ref, ok = m.ReferenceAt(ret)
	be.True(t, ok)
	be.Equal(t, ref.Decl.Name, "v")
}

func TestAnalyzeErrorsCarryFileName(t *testing.T) {
	_, err := analyze(t, "fn main() {\n  y = 1;\n}")
	list, ok := err.(ErrorList)
	be.True(t, ok)
	be.Equal(t, list[0].File, "test.nai")
	be.Equal(t, list[0].Pos.Line, 2)
}

func TestScopeAt(t *testing.T) {
	src := "fn f(a: i32) -> i32 {\n    b := a;\n    loop b > 0 {\n        c := b;\n        b = c - 1;\n    }\n    return b;\n}\nfn main() {}\n"
	m := analyzeOK(t, src)

	names := func(s *Scope) map[string]bool {
		out := make(map[string]bool)
		for _, d := range s.Visible() {
			out[d.Name] = true
		}
		return out
	}

	inLoop := names(m.ScopeAt(strings.Index(src, "b = c")))
	for _, want := range []string{"a", "b", "c", "f", "main", "print"} {
		be.True(t, inLoop[want])
	}

	inBody := names(m.ScopeAt(strings.Index(src, "return b")))
	be.True(t, inBody["b"])
	be.True(t, !inBody["c"])

	be.Equal(t, m.ScopeAt(strings.Index(src, "fn main")), m.Scope)
}
