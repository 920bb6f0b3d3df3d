package compiler

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Parser: Recursive descent parser for Nai syntax
// ---------------------------------------------------------------------------

// Parser parses Nai source code into an AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	prevEnd   Position
	errors    ErrorList
	file      string
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.prevEnd = p.curToken.End
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
	for p.peekToken.Type == TokenError {
		p.errors = append(p.errors, &Error{File: p.file, Pos: p.peekToken.Pos, Msg: p.peekToken.Literal})
		p.peekToken = p.lexer.NextToken()
	}
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// peekTokenIs checks if the peek token is of the given type.
func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// expect advances if the current token matches, otherwise records an error.
func (p *Parser) expect(t TokenType) bool {
	if p.curTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorf("expected %s, got %s", t, p.curToken)
	return false
}

// errorf records a parse error at the current token.
func (p *Parser) errorf(format string, args ...any) {
	e := errorAt(nil, format, args...)
	e.File = p.file
	e.Pos = p.curToken.Pos
	p.errors = append(p.errors, e)
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() ErrorList {
	return p.errors
}

func (p *Parser) span(start Position) Span {
	return MakeSpan(start, p.prevEnd)
}

// skipComments discards comment tokens where they carry no meaning.
func (p *Parser) skipComments() {
	for p.curTokenIs(TokenComment) {
		p.nextToken()
	}
}

// synchronize skips to just past the next ';' or to the next '}' so that
// parsing can resume after an error.
func (p *Parser) synchronize() {
	for !p.curTokenIs(TokenEOF) {
		if p.curTokenIs(TokenSemicolon) {
			p.nextToken()
			return
		}
		if p.curTokenIs(TokenRBrace) {
			return
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// Parse parses a whole source file. The returned file is complete only when
// the error list is empty.
func Parse(name, input string) (*File, error) {
	p := NewParser(input)
	p.file = name
	f := p.ParseFile()
	f.Name = name
	for _, e := range p.errors {
		e.File = name
	}
	return f, p.errors.Err()
}

// ParseFile parses top-level struct and function declarations.
func (p *Parser) ParseFile() *File {
	f := &File{}
	for {
		p.skipComments()
		switch {
		case p.curTokenIs(TokenEOF):
			return f
		case p.curTokenIs(TokenStruct), p.curTokenIs(TokenUnion):
			if sd := p.parseStructDecl(true); sd != nil {
				f.Structs = append(f.Structs, sd)
			}
		case p.curTokenIs(TokenFn):
			if fd := p.parseFuncDecl(); fd != nil {
				f.Funcs = append(f.Funcs, fd)
			}
		default:
			p.errorf("expected fn, struct or union, got %s", p.curToken)
			// Skip to the next top-level keyword.
			for !p.curTokenIs(TokenEOF) && !p.curTokenIs(TokenFn) && !p.curTokenIs(TokenStruct) && !p.curTokenIs(TokenUnion) {
				p.nextToken()
			}
		}
	}
}

// parseStructDecl parses `struct Name { ... }` or, when named is false, an
// anonymous `struct { ... }` member.
func (p *Parser) parseStructDecl(named bool) *StructDecl {
	start := p.curToken.Pos
	sd := &StructDecl{Union: p.curTokenIs(TokenUnion)}
	p.nextToken()

	if named {
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected struct name, got %s", p.curToken)
			p.synchronize()
			return nil
		}
		sd.Name = p.curToken.Literal
		p.nextToken()
	}
	if !p.expect(TokenLBrace) {
		p.synchronize()
		return nil
	}

	for {
		p.skipComments()
		if p.curTokenIs(TokenRBrace) || p.curTokenIs(TokenEOF) {
			break
		}
		fstart := p.curToken.Pos
		if p.curTokenIs(TokenStruct) || p.curTokenIs(TokenUnion) {
			anon := p.parseStructDecl(false)
			if anon == nil {
				continue
			}
			if p.curTokenIs(TokenSemicolon) {
				p.nextToken()
			}
			sd.Fields = append(sd.Fields, &FieldDecl{SpanVal: p.span(fstart), Anon: anon})
			continue
		}
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected member name, got %s", p.curToken)
			p.synchronize()
			continue
		}
		name := p.curToken.Literal
		p.nextToken()
		if !p.expect(TokenColon) {
			p.synchronize()
			continue
		}
		te := p.parseType()
		if te == nil {
			p.synchronize()
			continue
		}
		p.expect(TokenSemicolon)
		sd.Fields = append(sd.Fields, &FieldDecl{SpanVal: p.span(fstart), Name: name, Type: te})
	}
	p.expect(TokenRBrace)
	sd.SpanVal = p.span(start)
	return sd
}

func (p *Parser) parseFuncDecl() *FuncDecl {
	start := p.curToken.Pos
	p.nextToken() // fn

	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected function name, got %s", p.curToken)
		p.nextToken()
		return nil
	}
	fd := &FuncDecl{Name: p.curToken.Literal}
	p.nextToken()

	if !p.expect(TokenLParen) {
		return nil
	}
	for !p.curTokenIs(TokenRParen) && !p.curTokenIs(TokenEOF) {
		pstart := p.curToken.Pos
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected parameter name, got %s", p.curToken)
			return nil
		}
		name := p.curToken.Literal
		p.nextToken()
		if !p.expect(TokenColon) {
			return nil
		}
		te := p.parseType()
		if te == nil {
			return nil
		}
		fd.Params = append(fd.Params, &ParamDecl{SpanVal: p.span(pstart), Name: name, Type: te})
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if !p.expect(TokenRParen) {
		return nil
	}

	if p.curTokenIs(TokenArrow) {
		p.nextToken()
		if fd.Return = p.parseType(); fd.Return == nil {
			return nil
		}
	}

	if !p.curTokenIs(TokenLBrace) {
		p.errorf("expected function body, got %s", p.curToken)
		return nil
	}
	fd.Body = p.parseCompound()
	fd.SpanVal = p.span(start)
	return fd
}

// parseType parses `name` followed by any number of `*` and `[N]`.
func (p *Parser) parseType() *TypeExpr {
	start := p.curToken.Pos
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected type, got %s", p.curToken)
		return nil
	}
	te := &TypeExpr{Name: p.curToken.Literal}
	if te.Name == "f32" || te.Name == "f64" {
		p.errorf("floating point is not supported")
	}
	p.nextToken()

	for {
		switch {
		case p.curTokenIs(TokenStar):
			te.Suffixes = append(te.Suffixes, -1)
			p.nextToken()
			continue
		case p.curTokenIs(TokenLBracket):
			p.nextToken()
			if !p.curTokenIs(TokenInteger) {
				p.errorf("expected array length, got %s", p.curToken)
				return nil
			}
			n, err := parseInteger(p.curToken.Literal)
			if err != nil || n == 0 || n > 1<<32 {
				p.errorf("invalid array length %s", p.curToken.Literal)
				return nil
			}
			p.nextToken()
			if !p.expect(TokenRBracket) {
				return nil
			}
			te.Suffixes = append(te.Suffixes, int64(n))
			continue
		}
		break
	}
	te.SpanVal = p.span(start)
	return te
}

// ParseType parses a standalone type expression such as "u8*".
func ParseType(input string) (*TypeExpr, error) {
	p := NewParser(input)
	te := p.parseType()
	if te != nil && !p.curTokenIs(TokenEOF) {
		p.errorf("unexpected %s after type", p.curToken)
	}
	return te, p.errors.Err()
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseCompound() *Compound {
	start := p.curToken.Pos
	block := &Compound{}
	if !p.expect(TokenLBrace) {
		return block
	}
	for !p.curTokenIs(TokenRBrace) && !p.curTokenIs(TokenEOF) {
		before := p.curToken
		if stmt := p.parseStatement(); stmt != nil {
			block.Stmts = append(block.Stmts, stmt)
		}
		if p.curToken == before {
			// No progress: drop the offending token.
			p.nextToken()
		}
	}
	p.expect(TokenRBrace)
	block.SpanVal = p.span(start)
	return block
}

func (p *Parser) parseStatement() Stmt {
	start := p.curToken.Pos
	switch {
	case p.curTokenIs(TokenComment):
		text := p.curToken.Literal
		p.nextToken()
		return &Comment{SpanVal: p.span(start), Text: text}

	case p.curTokenIs(TokenLBrace):
		return p.parseCompound()

	case p.curTokenIs(TokenReturn):
		p.nextToken()
		ret := &Return{}
		if !p.curTokenIs(TokenSemicolon) {
			if ret.Value = p.parseExpression(); ret.Value == nil {
				p.synchronize()
				return nil
			}
		}
		p.expect(TokenSemicolon)
		ret.SpanVal = p.span(start)
		return ret

	case p.curTokenIs(TokenIf):
		return p.parseConditional()

	case p.curTokenIs(TokenLoop):
		p.nextToken()
		loop := &Loop{}
		if !p.curTokenIs(TokenLBrace) {
			if loop.Cond = p.parseExpression(); loop.Cond == nil {
				p.synchronize()
				return nil
			}
		}
		loop.Body = p.parseCompound()
		loop.SpanVal = p.span(start)
		return loop

	case p.curTokenIs(TokenContinue):
		p.nextToken()
		p.expect(TokenSemicolon)
		return &Continue{SpanVal: p.span(start)}

	case p.curTokenIs(TokenBreak):
		p.nextToken()
		p.expect(TokenSemicolon)
		return &Break{SpanVal: p.span(start)}

	case p.curTokenIs(TokenIdentifier) && (p.peekTokenIs(TokenColon) || p.peekTokenIs(TokenDeclAssign)):
		return p.parseVarDecl()
	}

	expr := p.parseExpression()
	if expr == nil {
		p.synchronize()
		return nil
	}
	p.expect(TokenSemicolon)
	return &ExprStmt{SpanVal: p.span(start), Expr: expr}
}

func (p *Parser) parseConditional() Stmt {
	start := p.curToken.Pos
	p.nextToken() // if
	cond := p.parseExpression()
	if cond == nil {
		p.synchronize()
		return nil
	}
	c := &Conditional{Cond: cond, Then: p.parseCompound()}
	if p.curTokenIs(TokenElse) {
		p.nextToken()
		if p.curTokenIs(TokenIf) {
			c.Else = p.parseConditional()
		} else {
			c.Else = p.parseCompound()
		}
	}
	c.SpanVal = p.span(start)
	return c
}

func (p *Parser) parseVarDecl() Stmt {
	start := p.curToken.Pos
	vd := &VarDecl{Name: p.curToken.Literal}
	p.nextToken()

	if p.curTokenIs(TokenDeclAssign) {
		p.nextToken()
	} else {
		p.nextToken() // :
		if vd.TypeExpr = p.parseType(); vd.TypeExpr == nil {
			p.synchronize()
			return nil
		}
		if !p.curTokenIs(TokenAssign) {
			p.expect(TokenSemicolon)
			vd.SpanVal = p.span(start)
			return vd
		}
		p.nextToken()
	}

	if vd.Init = p.parseExpression(); vd.Init == nil {
		p.synchronize()
		return nil
	}
	p.expect(TokenSemicolon)
	vd.SpanVal = p.span(start)
	return vd
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// ParseExpression parses a single expression.
func (p *Parser) ParseExpression() Expr {
	return p.parseExpression()
}

func (p *Parser) parseExpression() Expr {
	return p.parseAssign()
}

func (p *Parser) parseAssign() Expr {
	start := p.curToken.Pos
	left := p.parseBinary(0)
	if left == nil {
		return nil
	}
	if p.curTokenIs(TokenAssign) {
		p.nextToken()
		right := p.parseAssign()
		if right == nil {
			return nil
		}
		return &Binary{exprBase: exprBase{SpanVal: p.span(start)}, Op: Assign, Left: left, Right: right}
	}
	return left
}

// binaryLevels lists operators from loosest to tightest binding.
var binaryLevels = []map[TokenType]BinaryOp{
	{TokenEq: Eq, TokenNe: Ne},
	{TokenLt: Lt, TokenLe: Le, TokenGt: Gt, TokenGe: Ge},
	{TokenPlus: Add, TokenMinus: Sub},
	{TokenStar: Mul, TokenSlash: Div, TokenPercent: Mod},
}

func (p *Parser) parseBinary(level int) Expr {
	if level == len(binaryLevels) {
		return p.parseCast()
	}
	start := p.curToken.Pos
	left := p.parseBinary(level + 1)
	for left != nil {
		op, ok := binaryLevels[level][p.curToken.Type]
		if !ok {
			break
		}
		p.nextToken()
		right := p.parseBinary(level + 1)
		if right == nil {
			return nil
		}
		left = &Binary{exprBase: exprBase{SpanVal: p.span(start)}, Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseCast() Expr {
	start := p.curToken.Pos
	e := p.parseUnary()
	for e != nil && p.curTokenIs(TokenAs) {
		p.nextToken()
		te := p.parseType()
		if te == nil {
			return nil
		}
		e = &Cast{exprBase: exprBase{SpanVal: p.span(start)}, Operand: e, To: te}
	}
	return e
}

func (p *Parser) parseUnary() Expr {
	start := p.curToken.Pos
	switch {
	case p.curTokenIs(TokenStar), p.curTokenIs(TokenAmpersand):
		op := Deref
		if p.curTokenIs(TokenAmpersand) {
			op = AddressOf
		}
		p.nextToken()
		operand := p.parseUnary()
		if operand == nil {
			return nil
		}
		return &Unary{exprBase: exprBase{SpanVal: p.span(start)}, Op: op, Operand: operand}

	case p.curTokenIs(TokenMinus):
		p.nextToken()
		operand := p.parseUnary()
		if operand == nil {
			return nil
		}
		if lit, ok := operand.(*NumberLit); ok && lit.Explicit == nil {
			lit.Value = -lit.Value
			lit.SpanVal = p.span(start)
			return lit
		}
		zero := &NumberLit{exprBase: exprBase{SpanVal: MakeSpan(start, start)}}
		return &Binary{exprBase: exprBase{SpanVal: p.span(start)}, Op: Sub, Left: zero, Right: operand}
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() Expr {
	start := p.curToken.Pos
	e := p.parsePrimary()
	for e != nil {
		switch {
		case p.curTokenIs(TokenLParen):
			id, ok := e.(*Identifier)
			if !ok {
				p.errorf("only named functions can be called")
				return nil
			}
			args, ok := p.parseArgs()
			if !ok {
				return nil
			}
			e = &Call{exprBase: exprBase{SpanVal: p.span(start)}, Callee: id.Name, Args: args}

		case p.curTokenIs(TokenDot):
			p.nextToken()
			if !p.curTokenIs(TokenIdentifier) {
				p.errorf("expected member name, got %s", p.curToken)
				return nil
			}
			name := p.curToken.Literal
			p.nextToken()
			e = &Dot{exprBase: exprBase{SpanVal: p.span(start)}, Base: e, Name: name}

		case p.curTokenIs(TokenLBracket):
			// a[i] is *(a + i)
			p.nextToken()
			index := p.parseExpression()
			if index == nil || !p.expect(TokenRBracket) {
				return nil
			}
			sp := p.span(start)
			sum := &Binary{exprBase: exprBase{SpanVal: sp}, Op: Add, Left: e, Right: index}
			e = &Unary{exprBase: exprBase{SpanVal: sp}, Op: Deref, Operand: sum}

		default:
			return e
		}
	}
	return nil
}

func (p *Parser) parseArgs() ([]Expr, bool) {
	p.nextToken() // (
	var args []Expr
	for !p.curTokenIs(TokenRParen) {
		arg := p.parseExpression()
		if arg == nil {
			return nil, false
		}
		args = append(args, arg)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	return args, p.expect(TokenRParen)
}

func (p *Parser) parsePrimary() Expr {
	start := p.curToken.Pos
	tok := p.curToken

	switch tok.Type {
	case TokenInteger:
		v, err := parseInteger(tok.Literal)
		if err != nil {
			p.errorf("invalid integer literal %s", tok.Literal)
			return nil
		}
		p.nextToken()
		return &NumberLit{exprBase: exprBase{SpanVal: p.span(start)}, Value: v}

	case TokenFloat:
		p.errorf("floating point is not supported")
		return nil

	case TokenCharacter:
		p.nextToken()
		return &NumberLit{exprBase: exprBase{SpanVal: p.span(start)}, Value: uint64([]rune(tok.Literal)[0]), Explicit: typeU8}

	case TokenTrue, TokenFalse:
		p.nextToken()
		var v uint64
		if tok.Type == TokenTrue {
			v = 1
		}
		return &NumberLit{exprBase: exprBase{SpanVal: p.span(start)}, Value: v, Explicit: typeBool}

	case TokenString:
		p.nextToken()
		return &StringLit{exprBase: exprBase{SpanVal: p.span(start)}, Value: tok.Literal}

	case TokenIdentifier:
		p.nextToken()
		return &Identifier{exprBase: exprBase{SpanVal: p.span(start)}, Name: tok.Literal}

	case TokenNew, TokenFree:
		p.nextToken()
		if !p.expect(TokenLParen) {
			return nil
		}
		arg := p.parseExpression()
		if arg == nil || !p.expect(TokenRParen) {
			return nil
		}
		if tok.Type == TokenNew {
			return &MemoryNew{exprBase: exprBase{SpanVal: p.span(start)}, Count: arg}
		}
		return &MemoryFree{exprBase: exprBase{SpanVal: p.span(start)}, Target: arg}

	case TokenLParen:
		p.nextToken()
		e := p.parseExpression()
		if e == nil || !p.expect(TokenRParen) {
			return nil
		}
		return e
	}

	p.errorf("unexpected %s", tok)
	return nil
}

// parseInteger parses decimal or 0x-prefixed hexadecimal literals with
// optional '_' separators.
func parseInteger(lit string) (uint64, error) {
	lit = strings.ReplaceAll(lit, "_", "")
	if strings.HasPrefix(lit, "0x") || strings.HasPrefix(lit, "0X") {
		return strconv.ParseUint(lit[2:], 16, 64)
	}
	return strconv.ParseUint(lit, 10, 64)
}
