package compiler

import (
	"strings"
	"testing"
)

func TestLexerBasicTokens(t *testing.T) {
	input := `( ) { } [ ] , ; : . -> = := == != < <= > >= + - * / % &`
	expected := []struct {
		typ TokenType
		lit string
	}{
		{TokenLParen, "("},
		{TokenRParen, ")"},
		{TokenLBrace, "{"},
		{TokenRBrace, "}"},
		{TokenLBracket, "["},
		{TokenRBracket, "]"},
		{TokenComma, ","},
		{TokenSemicolon, ";"},
		{TokenColon, ":"},
		{TokenDot, "."},
		{TokenArrow, "->"},
		{TokenAssign, "="},
		{TokenDeclAssign, ":="},
		{TokenEq, "=="},
		{TokenNe, "!="},
		{TokenLt, "<"},
		{TokenLe, "<="},
		{TokenGt, ">"},
		{TokenGe, ">="},
		{TokenPlus, "+"},
		{TokenMinus, "-"},
		{TokenStar, "*"},
		{TokenSlash, "/"},
		{TokenPercent, "%"},
		{TokenAmpersand, "&"},
		{TokenEOF, ""},
	}

	l := NewLexer(input)
	for i, exp := range expected {
		tok := l.NextToken()
		if tok.Type != exp.typ {
			t.Errorf("token[%d] type = %v, want %v", i, tok.Type, exp.typ)
		}
		if tok.Literal != exp.lit {
			t.Errorf("token[%d] literal = %q, want %q", i, tok.Literal, exp.lit)
		}
	}
}

func TestLexerKeywords(t *testing.T) {
	for _, kw := range Keywords() {
		toks := Tokenize(kw)
		if toks[0].Type == TokenIdentifier {
			t.Errorf("%q lexed as identifier", kw)
		}
		if toks[0].Literal != kw {
			t.Errorf("%q literal = %q", kw, toks[0].Literal)
		}
	}

	toks := Tokenize("fnord loops i32 _tmp x1")
	for i, tok := range toks[:5] {
		if tok.Type != TokenIdentifier {
			t.Errorf("token[%d] = %v, want identifier", i, tok)
		}
	}
}

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
		lit   string
	}{
		{"42", TokenInteger, "42"},
		{"0", TokenInteger, "0"},
		{"0xFF", TokenInteger, "0xFF"},
		{"1_000_000", TokenInteger, "1_000_000"},
		{"3.14", TokenFloat, "3.14"},
	}
	for _, tt := range tests {
		tok := NewLexer(tt.input).NextToken()
		if tok.Type != tt.typ || tok.Literal != tt.lit {
			t.Errorf("%q: got %v %q, want %v %q", tt.input, tok.Type, tok.Literal, tt.typ, tt.lit)
		}
	}

	// A dot not followed by a digit is member access.
	toks := Tokenize("1.x")
	if toks[0].Type != TokenInteger || toks[1].Type != TokenDot {
		t.Errorf("1.x lexed as %v %v", toks[0], toks[1])
	}
}

func TestLexerStringsAndCharacters(t *testing.T) {
	tok := NewLexer(`"a\tb\n\\\"\0"`).NextToken()
	if tok.Type != TokenString {
		t.Fatalf("type = %v, want STRING", tok.Type)
	}
	if want := "a\tb\n\\\"\x00"; tok.Literal != want {
		t.Errorf("literal = %q, want %q", tok.Literal, want)
	}

	chars := []struct {
		input string
		want  string
	}{
		{`'a'`, "a"},
		{`'\n'`, "\n"},
		{`'\''`, "'"},
		{`'\0'`, "\x00"},
	}
	for _, c := range chars {
		tok := NewLexer(c.input).NextToken()
		if tok.Type != TokenCharacter || tok.Literal != c.want {
			t.Errorf("%s: got %v %q", c.input, tok.Type, tok.Literal)
		}
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		input string
		msg   string
	}{
		{`"open`, "unterminated string"},
		{`"bad \q"`, `unknown escape \q`},
		{`'ab'`, "unterminated character literal"},
		{`'€'`, "does not fit in u8"},
		{`@`, "unexpected character: @"},
	}
	for _, tt := range tests {
		tok := NewLexer(tt.input).NextToken()
		if tok.Type != TokenError {
			t.Errorf("%s: type = %v, want ERROR", tt.input, tok.Type)
			continue
		}
		if !strings.Contains(tok.Literal, tt.msg) {
			t.Errorf("%s: message %q does not mention %q", tt.input, tok.Literal, tt.msg)
		}
	}
}

func TestLexerComments(t *testing.T) {
	toks := Tokenize("x // the counter\ny")
	if len(toks) != 4 {
		t.Fatalf("got %d tokens, want 4: %v", len(toks), toks)
	}
	if toks[1].Type != TokenComment || toks[1].Literal != "the counter" {
		t.Errorf("comment = %v %q", toks[1].Type, toks[1].Literal)
	}
	if toks[2].Literal != "y" {
		t.Errorf("after comment = %q, want y", toks[2].Literal)
	}
}

func TestLexerPositions(t *testing.T) {
	toks := Tokenize("fn main()\n  return;")
	want := []Position{
		{Offset: 0, Line: 1, Column: 1},
		{Offset: 3, Line: 1, Column: 4},
		{Offset: 7, Line: 1, Column: 8},
		{Offset: 8, Line: 1, Column: 9},
		{Offset: 12, Line: 2, Column: 3},
		{Offset: 18, Line: 2, Column: 9},
	}
	for i, pos := range want {
		if toks[i].Pos != pos {
			t.Errorf("token[%d] %q at %+v, want %+v", i, toks[i].Literal, toks[i].Pos, pos)
		}
	}
	if end := toks[1].End; end.Offset != 7 {
		t.Errorf("main ends at %d, want 7", end.Offset)
	}
}
