package compiler

import (
	"slices"

	"github.com/chazu/nai/vm"
)

// ---------------------------------------------------------------------------
// CodeGenerator: lowers an analyzed module to per-function bytecode
// ---------------------------------------------------------------------------

// CodeGenerator turns analyzed functions into vm.Functions. Every
// expression leaves its value in Rax; Rbx holds the second operand of
// binary operators and the target address of stores.
//
// Each function is emitted into a scratch buffer that is snapshotted and
// cleared afterwards, so every function's code is addressed from 0.
type CodeGenerator struct {
	mod  *vm.Module
	code []vm.Instruction
	fn   *Declaration
	loop *loopContext
}

// loopContext tracks the innermost loop. continue and break emit
// placeholder jumps that the loop patches once its extent is known.
type loopContext struct {
	parent    *loopContext
	start     int
	continues []int
	breaks    []int
}

// NewCodeGenerator creates a generator for a module with the given name.
func NewCodeGenerator(name string) *CodeGenerator {
	return &CodeGenerator{mod: vm.NewModule(name)}
}

// Module returns the module being generated.
func (g *CodeGenerator) Module() *vm.Module {
	return g.mod
}

// Process generates every function declared in the module scope. The first
// error aborts generation and no module is returned.
func (g *CodeGenerator) Process(m *Module) (*vm.Module, error) {
	g.code = g.code[:0]
	for _, d := range m.Functions() {
		if err := g.GenerateFunction(d); err != nil {
			if e, ok := err.(*Error); ok && e.File == "" {
				e.File = m.Name
			}
			return nil, err
		}
	}
	log.Debugf("generated %s: %d functions, %d strings", m.Name, len(g.mod.Functions), len(g.mod.Strings))
	return g.mod, nil
}

// GenerateFunction lays out the function's frame and emits its code.
// Native functions get a code-less entry so that calls resolve.
func (g *CodeGenerator) GenerateFunction(d *Declaration) error {
	if d.Native != nil {
		return g.mod.AddFunction(&vm.Function{
			Name:   d.Name,
			Hash:   vm.Hash(d.Name),
			Params: nativeParams(d),
			Return: valueInfo(d.Type.Return),
			Native: true,
		})
	}

	g.fn = d
	g.loop = nil
	g.code = g.code[:0]
	defer func() { g.fn = nil }()

	frameSize := layoutFrame(d)
	hash := vm.Hash(d.Name)

	// Prologue
	g.emit(vm.Instruction{Op: vm.OpPrologue, Imm: hash})
	g.emit(vm.Instruction{Op: vm.OpPushReg, Src: vm.Rbp, Size: 8})
	g.emit(vm.Instruction{Op: vm.OpMoveRegReg, Dst: vm.Rbp, Src: vm.Rsp, Size: 8})
	if frameSize > 0 {
		g.emit(vm.Instruction{Op: vm.OpSubNumReg, Dst: vm.Rsp, Imm: uint64(frameSize), Size: 8})
	}
	for _, p := range d.Params {
		if p.ParamIndex >= vm.ParamRegisterCount {
			break
		}
		size, err := operandSize(nil, p.Type)
		if err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: vm.OpStoreRelative, Src: p.Register(), Offset: p.Offset, Size: size})
	}

	if err := g.compound(d.Body); err != nil {
		return err
	}

	// Epilogue, the single exit every return jumps to.
	cleanup := len(g.code)
	g.emit(vm.Instruction{Op: vm.OpMoveRegReg, Dst: vm.Rsp, Src: vm.Rbp, Size: 8})
	g.emit(vm.Instruction{Op: vm.OpPopReg, Dst: vm.Rbp, Size: 8})
	g.emit(vm.Instruction{Op: vm.OpRet})

	params := make([]vm.ParamInfo, len(d.Params))
	for i, p := range d.Params {
		params[i] = vm.ParamInfo{
			Name:     p.Name,
			Size:     uint8(p.Type.ValueSize()),
			Signed:   p.Type.Signed,
			Offset:   p.Offset,
			Register: p.Register(),
		}
	}
	fn := &vm.Function{
		Name:           d.Name,
		Hash:           hash,
		Code:           slices.Clone(g.code),
		CleanupAddress: cleanup,
		FrameSize:      frameSize,
		Params:         params,
		Return:         valueInfo(d.Type.Return),
	}
	g.code = g.code[:0]
	return g.mod.AddFunction(fn)
}

// layoutFrame assigns every variable in the function's scope tree its
// frame offset and returns the frame size. Locals and the first four
// parameters grow downward from Rbp; later parameters sit in the caller's
// 8-byte argument slots above the saved frame pointer.
func layoutFrame(d *Declaration) int64 {
	var off int64
	d.Scope.Walk(func(s *Scope) {
		for _, v := range s.Decls {
			if v.Kind != DeclVariable {
				continue
			}
			if v.IsParam && v.ParamIndex >= vm.ParamRegisterCount {
				v.Offset = -8 * int64(v.ParamIndex+1-vm.ParamRegisterCount)
				continue
			}
			off = alignUp(off+v.StorageSize(), max(v.Type.Align, 1))
			v.Offset = off
		}
	})
	return alignUp(off, 8)
}

func nativeParams(d *Declaration) []vm.ParamInfo {
	params := make([]vm.ParamInfo, len(d.Params))
	for i, p := range d.Params {
		info := vm.ParamInfo{Name: p.Name, Size: uint8(p.Type.ValueSize()), Signed: p.Type.Signed}
		if np := d.Native.Params[i]; np.ByPointer {
			info.ByPointer = true
			info.Size = uint8(p.Type.Pointee.ValueSize())
			info.Signed = p.Type.Pointee.Signed
		}
		if i < vm.ParamRegisterCount {
			info.Register = vm.ParamRegisters[i]
		} else {
			info.Offset = -8 * int64(i+1-vm.ParamRegisterCount)
		}
		params[i] = info
	}
	return params
}

func valueInfo(t *Type) vm.ValueInfo {
	if t.IsVoid() {
		return vm.ValueInfo{}
	}
	return vm.ValueInfo{Size: uint8(t.ValueSize()), Signed: t.Signed}
}

func operandSize(n Node, t *Type) (uint8, error) {
	size := t.ValueSize()
	if !vm.ValidSize(int(size)) {
		return 0, errorAt(n, "unsupported operand size %d for %s", size, t)
	}
	return uint8(size), nil
}

func (g *CodeGenerator) emit(in vm.Instruction) int {
	g.code = append(g.code, in)
	return len(g.code) - 1
}

// patch points the jump at idx to target.
func (g *CodeGenerator) patch(idx, target int) {
	g.code[idx].Offset = int64(target)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (g *CodeGenerator) compound(c *Compound) error {
	for _, s := range c.Stmts {
		if err := g.statement(s); err != nil {
			return err
		}
	}
	return nil
}

func (g *CodeGenerator) statement(s Stmt) error {
	switch s := s.(type) {
	case *Compound:
		return g.compound(s)

	case *Comment:
		return nil

	case *ExprStmt:
		return g.expression(s.Expr)

	case *VarDecl:
		if s.Assign == nil {
			return nil
		}
		return g.expression(s.Assign)

	case *Return:
		if s.Value != nil {
			if err := g.expression(s.Value); err != nil {
				return err
			}
		}
		g.emit(vm.Instruction{Op: vm.OpJumpFunctionEnd})
		return nil

	case *Conditional:
		skipThen, err := g.condition(s.Cond)
		if err != nil {
			return err
		}
		if err := g.compound(s.Then); err != nil {
			return err
		}
		if s.Else == nil {
			g.patch(skipThen, len(g.code))
			return nil
		}
		skipElse := g.emit(vm.Instruction{Op: vm.OpJump})
		g.patch(skipThen, len(g.code))
		if err := g.statement(s.Else); err != nil {
			return err
		}
		g.patch(skipElse, len(g.code))
		return nil

	case *Loop:
		return g.loopStatement(s)

	case *Continue:
		if g.loop == nil {
			return errorAt(s, "continue outside loop")
		}
		g.loop.continues = append(g.loop.continues, g.emit(vm.Instruction{Op: vm.OpJump}))
		return nil

	case *Break:
		if g.loop == nil {
			return errorAt(s, "break outside loop")
		}
		g.loop.breaks = append(g.loop.breaks, g.emit(vm.Instruction{Op: vm.OpJump}))
		return nil
	}
	return errorAt(s, "unsupported statement")
}

// condition evaluates e and emits a jump taken when it is zero. The jump
// target is left for the caller to patch.
func (g *CodeGenerator) condition(e Expr) (int, error) {
	if err := g.expression(e); err != nil {
		return 0, err
	}
	size, err := operandSize(e, e.Type().Decay())
	if err != nil {
		return 0, err
	}
	g.emit(vm.Instruction{Op: vm.OpCmpLeNumReg, Dst: vm.Rax, Imm: 0, Size: size})
	return g.emit(vm.Instruction{Op: vm.OpJump, Conditional: true, Condition: true}), nil
}

func (g *CodeGenerator) loopStatement(s *Loop) error {
	lc := &loopContext{parent: g.loop, start: len(g.code)}
	g.loop = lc
	defer func() { g.loop = lc.parent }()

	exit := -1
	if s.Cond != nil {
		var err error
		if exit, err = g.condition(s.Cond); err != nil {
			return err
		}
	}
	if err := g.compound(s.Body); err != nil {
		return err
	}
	back := len(g.code)
	g.emit(vm.Instruction{Op: vm.OpJumpRelative, Offset: int64(lc.start - back)})

	end := len(g.code)
	if exit >= 0 {
		g.patch(exit, end)
	}
	for _, idx := range lc.continues {
		g.patch(idx, lc.start)
	}
	for _, idx := range lc.breaks {
		g.patch(idx, end)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// expression leaves the value of e in Rax. Struct and array values are
// represented by their address.
func (g *CodeGenerator) expression(e Expr) error {
	switch e := e.(type) {
	case *NumberLit:
		size, err := operandSize(e, e.Type())
		if err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: vm.OpMoveNumReg, Dst: vm.Rax, Imm: e.Value, Size: size})
		return nil

	case *StringLit:
		idx := g.mod.InternString(e.Value)
		g.emit(vm.Instruction{Op: vm.OpCreateString, Dst: vm.Rax, Imm: idx})
		return nil

	case *Identifier:
		return g.identifier(e)

	case *Unary:
		if e.Op == AddressOf {
			return g.address(e.Operand)
		}
		if err := g.expression(e.Operand); err != nil {
			return err
		}
		return g.loadThrough(e, e.Type(), 0)

	case *Binary:
		if e.Op == Assign {
			return g.assign(e)
		}
		return g.binary(e)

	case *Call:
		return g.call(e)

	case *Dot:
		m, err := g.memberBase(e)
		if err != nil {
			return err
		}
		return g.loadThrough(e, m.Type, m.Offset)

	case *MemoryNew:
		if err := g.expression(e.Count); err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: vm.OpMemoryNew, Dst: vm.Rax, Src: vm.Rax, Imm: uint64(e.ElemSize)})
		return nil

	case *MemoryFree:
		if err := g.expression(e.Target); err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: vm.OpMemoryFree, Src: vm.Rax})
		return nil

	case *Cast:
		return g.cast(e)
	}
	return errorAt(e, "unsupported expression")
}

func (g *CodeGenerator) identifier(e *Identifier) error {
	d := e.Decl
	t := e.Type()
	if d.InRegister() {
		size, err := operandSize(e, t)
		if err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: vm.OpMoveRegReg, Dst: vm.Rax, Src: d.Register(), Size: size})
		return nil
	}
	if t.IsArray() || t.IsStruct() {
		g.emit(vm.Instruction{Op: vm.OpLoadAddress, Dst: vm.Rax, Offset: d.Offset})
		return nil
	}
	size, err := operandSize(e, t)
	if err != nil {
		return err
	}
	g.emit(vm.Instruction{Op: vm.OpLoadRelative, Dst: vm.Rax, Offset: d.Offset, Size: size})
	return nil
}

// loadThrough replaces the address in Rax with the value of type t stored
// offset bytes past it. Aggregates stay as addresses.
func (g *CodeGenerator) loadThrough(n Node, t *Type, offset int64) error {
	if t.IsArray() || t.IsStruct() {
		if offset != 0 {
			g.emit(vm.Instruction{Op: vm.OpAddNumReg, Dst: vm.Rax, Imm: uint64(offset), Size: 8})
		}
		return nil
	}
	size, err := operandSize(n, t)
	if err != nil {
		return err
	}
	if offset != 0 {
		g.emit(vm.Instruction{Op: vm.OpLoadRegister, Dst: vm.Rax, Src: vm.Rax, Offset: offset, Size: size})
		return nil
	}
	g.emit(vm.Instruction{Op: vm.OpMoveAddrReg, Dst: vm.Rax, Src: vm.Rax, Size: size})
	return nil
}

// address leaves the address of an lvalue in Rax.
func (g *CodeGenerator) address(e Expr) error {
	switch e := e.(type) {
	case *Identifier:
		if e.Decl.InRegister() {
			return errorAt(e, "cannot take the address of register parameter %s", e.Name)
		}
		g.emit(vm.Instruction{Op: vm.OpLoadAddress, Dst: vm.Rax, Offset: e.Decl.Offset})
		return nil

	case *Unary:
		if e.Op == Deref {
			return g.expression(e.Operand)
		}

	case *Dot:
		m, err := g.memberBase(e)
		if err != nil {
			return err
		}
		if m.Offset != 0 {
			g.emit(vm.Instruction{Op: vm.OpAddNumReg, Dst: vm.Rax, Imm: uint64(m.Offset), Size: 8})
		}
		return nil
	}
	return errorAt(e, "expression is not addressable")
}

// memberBase leaves the address of the struct a member access reads from
// in Rax, following every pointer level of the base.
func (g *CodeGenerator) memberBase(e *Dot) (*StructMember, error) {
	bt := e.Base.Type()
	t := bt
	if bt.IsStruct() {
		if err := g.address(e.Base); err != nil {
			return nil, err
		}
	} else {
		if err := g.expression(e.Base); err != nil {
			return nil, err
		}
		if !bt.IsPointer() {
			return nil, errorAt(e, "member access on non-struct %s", bt)
		}
		t = bt.Pointee
		for t.IsPointer() && !t.IsArray() {
			g.emit(vm.Instruction{Op: vm.OpMoveAddrReg, Dst: vm.Rax, Src: vm.Rax, Size: 8})
			t = t.Pointee
		}
	}
	if t.IsVoid() {
		return nil, errorAt(e, "member access through void pointer")
	}
	if !t.IsStruct() {
		return nil, errorAt(e, "member access on non-struct %s", t)
	}
	m := e.Member
	if m == nil {
		if m = t.Member(e.Name); m == nil {
			return nil, errorAt(e, "%s has no member %s", t, e.Name)
		}
	}
	return m, nil
}

func (g *CodeGenerator) assign(e *Binary) error {
	t := e.Type()

	if id, ok := e.Left.(*Identifier); ok && !t.IsStruct() {
		if err := g.expression(e.Right); err != nil {
			return err
		}
		size, err := operandSize(e, t)
		if err != nil {
			return err
		}
		if id.Decl.InRegister() {
			g.emit(vm.Instruction{Op: vm.OpMoveRegReg, Dst: id.Decl.Register(), Src: vm.Rax, Size: size})
		} else {
			g.emit(vm.Instruction{Op: vm.OpStoreRelative, Src: vm.Rax, Offset: id.Decl.Offset, Size: size})
		}
		return nil
	}

	if err := g.address(e.Left); err != nil {
		return err
	}
	g.emit(vm.Instruction{Op: vm.OpPushReg, Src: vm.Rax, Size: 8})
	if err := g.expression(e.Right); err != nil {
		return err
	}
	g.emit(vm.Instruction{Op: vm.OpPopReg, Dst: vm.Rbx, Size: 8})

	if t.IsStruct() {
		g.emit(vm.Instruction{Op: vm.OpMoveAddrAddr, Dst: vm.Rbx, Src: vm.Rax, Imm: uint64(t.Size)})
		g.emit(vm.Instruction{Op: vm.OpMoveRegReg, Dst: vm.Rax, Src: vm.Rbx, Size: 8})
		return nil
	}
	size, err := operandSize(e, t)
	if err != nil {
		return err
	}
	g.emit(vm.Instruction{Op: vm.OpMoveRegAddr, Dst: vm.Rbx, Src: vm.Rax, Size: size})
	return nil
}

var arithmeticOpcodes = map[BinaryOp]vm.Opcode{
	Add: vm.OpAddNumReg,
	Sub: vm.OpSubNumReg,
	Mul: vm.OpMulNumReg,
	Div: vm.OpDivNumReg,
	Mod: vm.OpModNumReg,
	Eq:  vm.OpCmpEqNumReg,
	Ne:  vm.OpCmpNeNumReg,
	Lt:  vm.OpCmpLtNumReg,
	Le:  vm.OpCmpLeNumReg,
	Gt:  vm.OpCmpGtNumReg,
	Ge:  vm.OpCmpGeNumReg,
}

func (g *CodeGenerator) binary(e *Binary) error {
	left, right := e.Left, e.Right
	lt, rt := left.Type().Decay(), right.Type().Decay()

	if e.Op.IsArithmetic() && (lt.IsPointer() || rt.IsPointer()) {
		switch {
		case lt.IsPointer() && rt.IsPointer():
			return errorAt(e, "invalid pointer arithmetic: %s %s %s", lt, e.Op, rt)
		case e.Op == Sub:
			return errorAt(e, "pointer subtraction is not supported")
		case e.Op != Add:
			return errorAt(e, "invalid pointer arithmetic: %s %s %s", lt, e.Op, rt)
		}
		if rt.IsPointer() {
			left, right = right, left
			lt, rt = rt, lt
		}
		if lt.Pointee.IsVoid() {
			return errorAt(e, "arithmetic on void pointer")
		}
		span := right.Span()
		if rt.Size < 8 {
			right = &Cast{exprBase: exprBase{SpanVal: span, Typ: typeI64}, Operand: right}
		}
		scale := &NumberLit{exprBase: exprBase{SpanVal: span, Typ: typeI64}, Value: uint64(lt.Pointee.Size)}
		right = &Binary{exprBase: exprBase{SpanVal: span, Typ: typeI64}, Op: Mul, Left: right, Right: scale}
	}

	size, err := operandSize(e, lt)
	if err != nil {
		return err
	}
	op := arithmeticOpcodes[e.Op]
	signed := lt.IsInteger() && lt.Signed

	if lit, ok := right.(*NumberLit); ok {
		if err := g.expression(left); err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: op, Dst: vm.Rax, Imm: lit.Value, Size: size, Signed: signed})
		return nil
	}

	if err := g.expression(right); err != nil {
		return err
	}
	g.emit(vm.Instruction{Op: vm.OpPushReg, Src: vm.Rax, Size: 8})
	if err := g.expression(left); err != nil {
		return err
	}
	g.emit(vm.Instruction{Op: vm.OpPopReg, Dst: vm.Rbx, Size: 8})
	g.emit(vm.Instruction{Op: op + 1, Dst: vm.Rax, Src: vm.Rbx, Size: size, Signed: signed})
	return nil
}

// call saves the caller's live parameter registers, evaluates arguments
// right to left onto the stack, pops the first four into the parameter
// registers and leaves the rest as the callee's stack parameters.
func (g *CodeGenerator) call(e *Call) error {
	var saved []vm.Register
	for _, p := range g.fn.Params {
		if p.InRegister() {
			saved = append(saved, p.Register())
		}
	}
	for _, r := range saved {
		g.emit(vm.Instruction{Op: vm.OpPushReg, Src: r, Size: 8})
	}

	for i := len(e.Args) - 1; i >= 0; i-- {
		if err := g.expression(e.Args[i]); err != nil {
			return err
		}
		g.emit(vm.Instruction{Op: vm.OpPushReg, Src: vm.Rax, Size: 8})
	}
	for i := 0; i < len(e.Args) && i < vm.ParamRegisterCount; i++ {
		g.emit(vm.Instruction{Op: vm.OpPopReg, Dst: vm.ParamRegisters[i], Size: 8})
	}

	g.emit(vm.Instruction{Op: vm.OpCall, Imm: vm.Hash(e.Callee)})

	if n := len(e.Args) - vm.ParamRegisterCount; n > 0 {
		g.emit(vm.Instruction{Op: vm.OpAddNumReg, Dst: vm.Rsp, Imm: uint64(8 * n), Size: 8})
	}
	for i := len(saved) - 1; i >= 0; i-- {
		g.emit(vm.Instruction{Op: vm.OpPopReg, Dst: saved[i], Size: 8})
	}
	return nil
}

// cast converts the value in Rax. Signed widening uses the identity
// sext(v) = ((v + 2^(n-1)) mod 2^n) - 2^(n-1).
func (g *CodeGenerator) cast(e *Cast) error {
	if err := g.expression(e.Operand); err != nil {
		return err
	}
	from, to := e.Operand.Type().Decay(), e.Type()
	fromSize, err := operandSize(e.Operand, from)
	if err != nil {
		return err
	}
	toSize, err := operandSize(e, to)
	if err != nil {
		return err
	}
	switch {
	case toSize > fromSize && from.IsInteger() && from.Signed:
		bias := uint64(1) << (8*fromSize - 1)
		g.emit(vm.Instruction{Op: vm.OpAddNumReg, Dst: vm.Rax, Imm: bias, Size: fromSize})
		g.emit(vm.Instruction{Op: vm.OpSubNumReg, Dst: vm.Rax, Imm: bias, Size: toSize})
	case toSize < fromSize:
		g.emit(vm.Instruction{Op: vm.OpMoveRegReg, Dst: vm.Rax, Src: vm.Rax, Size: toSize})
	}
	return nil
}
