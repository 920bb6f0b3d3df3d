package compiler

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for Nai syntax
// ---------------------------------------------------------------------------

// Lexer tokenizes Nai source code.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // current column (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
		col:   0,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

// position returns the current position.
func (l *Lexer) position() Position {
	return Position{
		Offset: l.pos,
		Line:   l.line,
		Column: l.col,
	}
}

// Tokenize returns every token up to and including EOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var toks []Token
	for {
		tok := l.NextToken()
		toks = append(toks, tok)
		if tok.Type == TokenEOF {
			return toks
		}
	}
}

// twoCharTokens maps operator pairs to their token types.
var twoCharTokens = map[string]TokenType{
	"->": TokenArrow,
	":=": TokenDeclAssign,
	"==": TokenEq,
	"!=": TokenNe,
	"<=": TokenLe,
	">=": TokenGe,
}

var oneCharTokens = map[rune]TokenType{
	'(': TokenLParen,
	')': TokenRParen,
	'{': TokenLBrace,
	'}': TokenRBrace,
	'[': TokenLBracket,
	']': TokenRBracket,
	',': TokenComma,
	';': TokenSemicolon,
	':': TokenColon,
	'.': TokenDot,
	'=': TokenAssign,
	'<': TokenLt,
	'>': TokenGt,
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenStar,
	'/': TokenSlash,
	'%': TokenPercent,
	'&': TokenAmpersand,
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	tok := l.scan()
	tok.End = l.position()
	return tok
}

func (l *Lexer) scan() Token {
	l.skipWhitespace()

	pos := l.position()

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Literal: "", Pos: pos}

	case l.ch == '/' && l.peekChar() == '/':
		return l.readComment(pos)

	case l.ch == '"':
		return l.readString(pos)

	case l.ch == '\'':
		return l.readCharacter(pos)

	case isDigit(l.ch):
		return l.readNumber(pos)

	case isLetter(l.ch):
		return l.readIdentifierOrKeyword(pos)
	}

	if l.peekChar() != 0 {
		pair := string([]rune{l.ch, l.peekChar()})
		if tt, ok := twoCharTokens[pair]; ok {
			l.readChar()
			l.readChar()
			return Token{Type: tt, Literal: pair, Pos: pos}
		}
	}
	if tt, ok := oneCharTokens[l.ch]; ok {
		lit := string(l.ch)
		l.readChar()
		return Token{Type: tt, Literal: lit, Pos: pos}
	}

	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character: %c", ch), Pos: pos}
}

func (l *Lexer) skipWhitespace() {
	for unicode.IsSpace(l.ch) {
		l.readChar()
	}
}

func (l *Lexer) readComment(pos Position) Token {
	l.readChar()
	l.readChar()
	start := l.pos
	for l.ch != '\n' && l.ch != 0 {
		l.readChar()
	}
	return Token{Type: TokenComment, Literal: strings.TrimSpace(l.input[start:l.pos]), Pos: pos}
}

// readEscape decodes the character after a backslash.
func (l *Lexer) readEscape() (rune, bool) {
	switch l.ch {
	case 'n':
		return '\n', true
	case 't':
		return '\t', true
	case 'r':
		return '\r', true
	case '0':
		return 0, true
	case '\\':
		return '\\', true
	case '"':
		return '"', true
	case '\'':
		return '\'', true
	}
	return 0, false
}

func (l *Lexer) readString(pos Position) Token {
	l.readChar() // skip opening quote
	var sb strings.Builder
	for {
		switch l.ch {
		case 0, '\n':
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case '"':
			l.readChar()
			return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
		case '\\':
			l.readChar()
			r, ok := l.readEscape()
			if !ok {
				return Token{Type: TokenError, Literal: fmt.Sprintf("unknown escape \\%c", l.ch), Pos: pos}
			}
			sb.WriteRune(r)
		default:
			sb.WriteRune(l.ch)
		}
		l.readChar()
	}
}

func (l *Lexer) readCharacter(pos Position) Token {
	l.readChar() // skip opening quote
	if l.ch == 0 || l.ch == '\n' {
		return Token{Type: TokenError, Literal: "unexpected EOF in character literal", Pos: pos}
	}
	r := l.ch
	if r == '\\' {
		l.readChar()
		var ok bool
		if r, ok = l.readEscape(); !ok {
			return Token{Type: TokenError, Literal: fmt.Sprintf("unknown escape \\%c", l.ch), Pos: pos}
		}
	}
	l.readChar()
	if l.ch != '\'' {
		return Token{Type: TokenError, Literal: "unterminated character literal", Pos: pos}
	}
	l.readChar()
	if r > 0xFF {
		return Token{Type: TokenError, Literal: fmt.Sprintf("character %q does not fit in u8", r), Pos: pos}
	}
	return Token{Type: TokenCharacter, Literal: string(r), Pos: pos}
}

func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		for isHexDigit(l.ch) || l.ch == '_' {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	}

	for isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenFloat, Literal: l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
}

func (l *Lexer) readIdentifierOrKeyword(pos Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	lit := l.input[start:l.pos]
	if tt, ok := reservedWords[lit]; ok {
		return Token{Type: tt, Literal: lit, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: lit, Pos: pos}
}

func isLetter(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(r rune) bool {
	return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
