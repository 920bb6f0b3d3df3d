package compiler

import (
	"fmt"
	"strings"
	"testing"
)

func parseOK(t *testing.T, src string) *File {
	t.Helper()
	f, err := Parse("test.nai", src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return f
}

// parseExpr parses src as the single expression statement of main.
func parseExpr(t *testing.T, src string) Expr {
	t.Helper()
	f := parseOK(t, "fn main() { "+src+"; }")
	stmt, ok := f.Funcs[0].Body.Stmts[0].(*ExprStmt)
	if !ok {
		t.Fatalf("expected expression statement, got %T", f.Funcs[0].Body.Stmts[0])
	}
	return stmt.Expr
}

func TestParseFunctionDecl(t *testing.T) {
	f := parseOK(t, `fn add(a: i32, b: u8*) -> i64 { return a; }`)
	if len(f.Funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(f.Funcs))
	}
	fd := f.Funcs[0]
	if fd.Name != "add" {
		t.Errorf("name = %q, want add", fd.Name)
	}
	if len(fd.Params) != 2 {
		t.Fatalf("got %d params, want 2", len(fd.Params))
	}
	if fd.Params[1].Name != "b" || fd.Params[1].Type.String() != "u8*" {
		t.Errorf("param 2 = %s: %s", fd.Params[1].Name, fd.Params[1].Type)
	}
	if fd.Return == nil || fd.Return.Name != "i64" {
		t.Errorf("return = %v, want i64", fd.Return)
	}
	if _, ok := fd.Body.Stmts[0].(*Return); !ok {
		t.Errorf("body[0] = %T, want *Return", fd.Body.Stmts[0])
	}
}

func TestParseStructDecl(t *testing.T) {
	f := parseOK(t, `
struct Point { x: i32; y: i32; }
union Word {
    full: u32;
    struct { lo: u16; hi: u16; }
}
`)
	if len(f.Structs) != 2 {
		t.Fatalf("got %d structs, want 2", len(f.Structs))
	}
	if f.Structs[0].Union || len(f.Structs[0].Fields) != 2 {
		t.Errorf("Point = %+v", f.Structs[0])
	}
	w := f.Structs[1]
	if !w.Union || w.Name != "Word" {
		t.Errorf("Word = %+v", w)
	}
	if len(w.Fields) != 2 || w.Fields[1].Anon == nil || len(w.Fields[1].Anon.Fields) != 2 {
		t.Errorf("Word fields = %+v", w.Fields)
	}
}

func TestParseTypes(t *testing.T) {
	tests := []string{"i32", "u8*", "Point**", "i32[4]", "i32*[4]", "u8[2][3]"}
	for _, src := range tests {
		te, err := ParseType(src)
		if err != nil {
			t.Errorf("%s: %v", src, err)
			continue
		}
		if got := te.String(); got != src {
			t.Errorf("ParseType(%q) = %q", src, got)
		}
	}

	if _, err := ParseType("i32 x"); err == nil {
		t.Error("trailing tokens should be rejected")
	}
	if _, err := ParseType("i32[0]"); err == nil {
		t.Error("zero-length array should be rejected")
	}
}

func TestParseFloatRejected(t *testing.T) {
	for _, src := range []string{
		`fn main() { x: f64 = 0; }`,
		`fn main() { x := 1.5; }`,
	} {
		_, err := Parse("f.nai", src)
		if err == nil || !strings.Contains(err.Error(), "floating point is not supported") {
			t.Errorf("%s: err = %v", src, err)
		}
	}
}

func TestParsePrecedence(t *testing.T) {
	e := parseExpr(t, "x = 1 + 2 * 3 < 10 == y")
	assign, ok := e.(*Binary)
	if !ok || assign.Op != Assign {
		t.Fatalf("top = %T %v, want assignment", e, e)
	}
	eq, ok := assign.Right.(*Binary)
	if !ok || eq.Op != Eq {
		t.Fatalf("rhs = %T, want ==", assign.Right)
	}
	lt, ok := eq.Left.(*Binary)
	if !ok || lt.Op != Lt {
		t.Fatalf("== left = %T, want <", eq.Left)
	}
	add, ok := lt.Left.(*Binary)
	if !ok || add.Op != Add {
		t.Fatalf("< left = %T, want +", lt.Left)
	}
	if mul, ok := add.Right.(*Binary); !ok || mul.Op != Mul {
		t.Errorf("+ right = %T, want *", add.Right)
	}
}

func TestParseAssignRightAssociative(t *testing.T) {
	e := parseExpr(t, "a = b = 3")
	outer := e.(*Binary)
	inner, ok := outer.Right.(*Binary)
	if !ok || inner.Op != Assign {
		t.Fatalf("a = (b = 3) expected, got right %T", outer.Right)
	}
	if id, ok := outer.Left.(*Identifier); !ok || id.Name != "a" {
		t.Errorf("left = %v", outer.Left)
	}
}

func TestParseUnaryAndPostfix(t *testing.T) {
	e := parseExpr(t, "*p.next")
	deref, ok := e.(*Unary)
	if !ok || deref.Op != Deref {
		t.Fatalf("got %T, want deref", e)
	}
	if dot, ok := deref.Operand.(*Dot); !ok || dot.Name != "next" {
		t.Errorf("operand = %T, want .next", deref.Operand)
	}

	e = parseExpr(t, "&a[2]")
	addr := e.(*Unary)
	if addr.Op != AddressOf {
		t.Fatalf("op = %v, want &", addr.Op)
	}
	index, ok := addr.Operand.(*Unary)
	if !ok || index.Op != Deref {
		t.Fatalf("a[2] should desugar to *(a + 2), got %T", addr.Operand)
	}
	if sum, ok := index.Operand.(*Binary); !ok || sum.Op != Add {
		t.Errorf("index operand = %T", index.Operand)
	}

	e = parseExpr(t, "f(1, g(2), x.y)")
	call, ok := e.(*Call)
	if !ok || call.Callee != "f" || len(call.Args) != 3 {
		t.Fatalf("call = %+v", e)
	}
	if inner, ok := call.Args[1].(*Call); !ok || inner.Callee != "g" {
		t.Errorf("arg 2 = %T", call.Args[1])
	}
}

func TestParseNegativeLiterals(t *testing.T) {
	lit, ok := parseExpr(t, "-5").(*NumberLit)
	if !ok {
		t.Fatal("-5 should fold into a literal")
	}
	if int64(lit.Value) != -5 {
		t.Errorf("value = %d, want -5", int64(lit.Value))
	}

	neg, ok := parseExpr(t, "-x").(*Binary)
	if !ok || neg.Op != Sub {
		t.Fatal("-x should become 0 - x")
	}
}

func TestParseLiterals(t *testing.T) {
	tests := []struct {
		src      string
		value    uint64
		explicit *Type
	}{
		{"0x1F", 31, nil},
		{"1_000", 1000, nil},
		{"'A'", 65, typeU8},
		{"true", 1, typeBool},
		{"false", 0, typeBool},
	}
	for _, tt := range tests {
		lit, ok := parseExpr(t, tt.src).(*NumberLit)
		if !ok {
			t.Errorf("%s: not a literal", tt.src)
			continue
		}
		if lit.Value != tt.value || lit.Explicit != tt.explicit {
			t.Errorf("%s: value %d explicit %v", tt.src, lit.Value, lit.Explicit)
		}
	}

	s, ok := parseExpr(t, `"hi\n"`).(*StringLit)
	if !ok || s.Value != "hi\n" {
		t.Errorf("string literal = %+v", s)
	}
}

func TestParseCastNewFree(t *testing.T) {
	c, ok := parseExpr(t, "x as u8*").(*Cast)
	if !ok || c.To.String() != "u8*" {
		t.Fatalf("cast = %+v", c)
	}
	assign := parseExpr(t, "p = new(4)").(*Binary)
	if _, ok := assign.Right.(*MemoryNew); !ok {
		t.Errorf("rhs = %T, want new", assign.Right)
	}
	if _, ok := parseExpr(t, "free(p)").(*MemoryFree); !ok {
		t.Error("free(p) should parse as MemoryFree")
	}
}

func TestParseStatements(t *testing.T) {
	f := parseOK(t, `
fn main() -> i32 {
    // count to five
    i: i32 = 0;
    n := 5;
    buf: u8[16];
    loop i < n {
        i = i + 1;
        if i == 3 { continue; } else if i == 4 { break; } else { }
    }
    loop { break; }
    { n = 1; }
    return i;
}
`)
	stmts := f.Funcs[0].Body.Stmts
	kinds := []string{"*compiler.Comment", "*compiler.VarDecl", "*compiler.VarDecl", "*compiler.VarDecl",
		"*compiler.Loop", "*compiler.Loop", "*compiler.Compound", "*compiler.Return"}
	if len(stmts) != len(kinds) {
		t.Fatalf("got %d statements, want %d", len(stmts), len(kinds))
	}
	for i, k := range kinds {
		if got := fmt.Sprintf("%T", stmts[i]); got != k {
			t.Errorf("stmt[%d] = %s, want %s", i, got, k)
		}
	}

	if c := stmts[0].(*Comment); c.Text != "count to five" {
		t.Errorf("comment = %q", c.Text)
	}
	if vd := stmts[2].(*VarDecl); vd.TypeExpr != nil || vd.Init == nil {
		t.Errorf("n := 5 should have no type and an init")
	}
	if vd := stmts[3].(*VarDecl); vd.Init != nil || vd.TypeExpr.String() != "u8[16]" {
		t.Errorf("buf decl = %+v", vd)
	}
	if l := stmts[5].(*Loop); l.Cond != nil {
		t.Error("bare loop should have no condition")
	}

	cond := stmts[4].(*Loop).Body.Stmts[1].(*Conditional)
	elif, ok := cond.Else.(*Conditional)
	if !ok {
		t.Fatalf("else = %T, want else-if", cond.Else)
	}
	if _, ok := elif.Else.(*Compound); !ok {
		t.Errorf("final else = %T, want block", elif.Else)
	}
}

func TestParseErrorsCarryPositions(t *testing.T) {
	_, err := Parse("bad.nai", "fn main() {\n  x = ;\n}")
	if err == nil {
		t.Fatal("expected error")
	}
	list, ok := err.(ErrorList)
	if !ok {
		t.Fatalf("error type = %T, want ErrorList", err)
	}
	first := list[0]
	if first.File != "bad.nai" || first.Pos.Line != 2 {
		t.Errorf("first error = %v", first)
	}
	if !strings.HasPrefix(first.Error(), "bad.nai:2:") {
		t.Errorf("message = %q", first.Error())
	}
}

func TestParseRecoversAfterError(t *testing.T) {
	f, err := Parse("r.nai", `
fn broken() { x = = 1; }
fn ok() -> i32 { return 1; }
`)
	if err == nil {
		t.Fatal("expected error")
	}
	var names []string
	for _, fd := range f.Funcs {
		names = append(names, fd.Name)
	}
	if strings.Join(names, ",") != "broken,ok" {
		t.Errorf("functions = %v", names)
	}
}

func TestParseTopLevelGarbage(t *testing.T) {
	_, err := Parse("g.nai", "let x = 1;")
	if err == nil || !strings.Contains(err.Error(), "expected fn, struct or union") {
		t.Errorf("err = %v", err)
	}
}
