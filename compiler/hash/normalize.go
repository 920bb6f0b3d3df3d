package hash

import (
	"github.com/chazu/nai/compiler"
)

// ---------------------------------------------------------------------------
// AST normalization
//
// Walks the parsed AST and writes the frozen serialization. Parameters and
// locals are numbered in declaration order per function; a reference is
// written as that number, resolved through the block scope stack the same
// way the semantic pass resolves it. Function, struct and member names are
// kept verbatim since they are visible in the compiled module.
// ---------------------------------------------------------------------------

type normalizer struct {
	s      *serializer
	scopes []map[string]uint16
	next   uint16
}

// Serialize produces the deterministic byte serialization of f that
// HashFile digests.
func Serialize(f *compiler.File) []byte {
	n := &normalizer{s: newSerializer()}
	n.s.writeByte(TagFile)
	n.s.writeUint32(uint32(len(f.Structs)))
	for _, sd := range f.Structs {
		n.structDecl(sd)
	}
	n.s.writeUint32(uint32(len(f.Funcs)))
	for _, fd := range f.Funcs {
		n.funcDecl(fd)
	}
	return n.s.buf
}

func (n *normalizer) structDecl(sd *compiler.StructDecl) {
	if sd.Union {
		n.s.writeByte(TagUnion)
	} else {
		n.s.writeByte(TagStruct)
	}
	n.s.writeString(sd.Name)
	n.s.writeUint32(uint32(len(sd.Fields)))
	for _, fd := range sd.Fields {
		n.s.writeByte(TagField)
		if fd.Anon != nil {
			n.s.writeBool(true)
			n.structDecl(fd.Anon)
			continue
		}
		n.s.writeBool(false)
		n.s.writeString(fd.Name)
		n.typeExpr(fd.Type)
	}
}

func (n *normalizer) typeExpr(te *compiler.TypeExpr) {
	if te == nil {
		n.s.writeByte(TagVoid)
		return
	}
	n.s.writeByte(TagType)
	n.s.writeString(te.Name)
	n.s.writeUint32(uint32(len(te.Suffixes)))
	for _, suffix := range te.Suffixes {
		n.s.writeUint64(uint64(suffix))
	}
}

func (n *normalizer) funcDecl(fd *compiler.FuncDecl) {
	n.scopes = []map[string]uint16{{}}
	n.next = 0

	n.s.writeByte(TagFunc)
	n.s.writeString(fd.Name)
	n.s.writeUint32(uint32(len(fd.Params)))
	for _, p := range fd.Params {
		n.s.writeByte(TagParam)
		n.s.writeUint16(n.declare(p.Name))
		n.typeExpr(p.Type)
	}
	n.typeExpr(fd.Return)
	n.block(fd.Body)
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func (n *normalizer) declare(name string) uint16 {
	idx := n.next
	n.next++
	n.scopes[len(n.scopes)-1][name] = idx
	return idx
}

func (n *normalizer) resolve(name string) (uint16, bool) {
	for i := len(n.scopes) - 1; i >= 0; i-- {
		if idx, ok := n.scopes[i][name]; ok {
			return idx, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (n *normalizer) block(c *compiler.Compound) {
	n.scopes = append(n.scopes, map[string]uint16{})
	defer func() { n.scopes = n.scopes[:len(n.scopes)-1] }()

	var stmts []compiler.Stmt
	for _, st := range c.Stmts {
		if _, ok := st.(*compiler.Comment); !ok {
			stmts = append(stmts, st)
		}
	}
	n.s.writeByte(TagBlock)
	n.s.writeUint32(uint32(len(stmts)))
	for _, st := range stmts {
		n.stmt(st)
	}
}

func (n *normalizer) stmt(st compiler.Stmt) {
	switch s := st.(type) {
	case *compiler.Compound:
		n.block(s)
	case *compiler.ExprStmt:
		n.s.writeByte(TagExprStmt)
		n.expr(s.Expr)
	case *compiler.VarDecl:
		n.s.writeByte(TagVarDecl)
		n.typeExpr(s.TypeExpr)
		n.optional(s.Init)
		// The initializer is resolved before the variable is in scope.
		n.s.writeUint16(n.declare(s.Name))
	case *compiler.Return:
		n.s.writeByte(TagReturn)
		n.optional(s.Value)
	case *compiler.Conditional:
		n.s.writeByte(TagIf)
		n.expr(s.Cond)
		n.block(s.Then)
		if s.Else == nil {
			n.s.writeByte(TagNone)
		} else {
			n.stmt(s.Else)
		}
	case *compiler.Loop:
		n.s.writeByte(TagLoop)
		n.optional(s.Cond)
		n.block(s.Body)
	case *compiler.Continue:
		n.s.writeByte(TagContinue)
	case *compiler.Break:
		n.s.writeByte(TagBreak)
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (n *normalizer) optional(e compiler.Expr) {
	if e == nil {
		n.s.writeByte(TagNone)
		return
	}
	n.expr(e)
}

func (n *normalizer) expr(e compiler.Expr) {
	switch x := e.(type) {
	case *compiler.NumberLit:
		n.s.writeByte(TagNumber)
		n.s.writeUint64(x.Value)
		if x.Explicit != nil {
			n.s.writeString(x.Explicit.String())
		} else {
			n.s.writeString("")
		}
	case *compiler.StringLit:
		n.s.writeByte(TagString)
		n.s.writeString(x.Value)
	case *compiler.Identifier:
		if idx, ok := n.resolve(x.Name); ok {
			n.s.writeByte(TagLocalRef)
			n.s.writeUint16(idx)
		} else {
			n.s.writeByte(TagFreeRef)
			n.s.writeString(x.Name)
		}
	case *compiler.Unary:
		n.s.writeByte(TagUnary)
		n.s.writeByte(byte(x.Op))
		n.expr(x.Operand)
	case *compiler.Binary:
		n.s.writeByte(TagBinary)
		n.s.writeByte(byte(x.Op))
		n.expr(x.Left)
		n.expr(x.Right)
	case *compiler.Call:
		n.s.writeByte(TagCall)
		n.s.writeString(x.Callee)
		n.s.writeUint32(uint32(len(x.Args)))
		for _, arg := range x.Args {
			n.expr(arg)
		}
	case *compiler.Dot:
		n.s.writeByte(TagDot)
		n.s.writeString(x.Name)
		n.expr(x.Base)
	case *compiler.MemoryNew:
		n.s.writeByte(TagNew)
		n.expr(x.Count)
	case *compiler.MemoryFree:
		n.s.writeByte(TagFree)
		n.expr(x.Target)
	case *compiler.Cast:
		n.s.writeByte(TagCast)
		n.typeExpr(x.To)
		n.expr(x.Operand)
	}
}
