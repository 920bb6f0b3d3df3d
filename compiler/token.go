package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the Nai lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenComment // // to end of line

	// Literals
	TokenInteger    // 42, 0xFF
	TokenFloat      // 3.14 (rejected by the parser)
	TokenString     // "hello\n"
	TokenCharacter  // 'a'
	TokenIdentifier // foo, Point, i32

	// Delimiters
	TokenLParen    // (
	TokenRParen    // )
	TokenLBrace    // {
	TokenRBrace    // }
	TokenLBracket  // [
	TokenRBracket  // ]
	TokenComma     // ,
	TokenSemicolon // ;
	TokenColon     // :
	TokenDot       // .
	TokenArrow     // ->

	// Operators
	TokenAssign     // =
	TokenDeclAssign // :=
	TokenEq         // ==
	TokenNe         // !=
	TokenLt         // <
	TokenLe         // <=
	TokenGt         // >
	TokenGe         // >=
	TokenPlus       // +
	TokenMinus      // -
	TokenStar       // *
	TokenSlash      // /
	TokenPercent    // %
	TokenAmpersand  // &

	// Keywords
	TokenFn
	TokenStruct
	TokenUnion
	TokenReturn
	TokenIf
	TokenElse
	TokenLoop
	TokenContinue
	TokenBreak
	TokenNew
	TokenFree
	TokenTrue
	TokenFalse
	TokenAs
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenComment:    "COMMENT",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenCharacter:  "CHARACTER",
	TokenIdentifier: "IDENTIFIER",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenComma:      ",",
	TokenSemicolon:  ";",
	TokenColon:      ":",
	TokenDot:        ".",
	TokenArrow:      "->",
	TokenAssign:     "=",
	TokenDeclAssign: ":=",
	TokenEq:         "==",
	TokenNe:         "!=",
	TokenLt:         "<",
	TokenLe:         "<=",
	TokenGt:         ">",
	TokenGe:         ">=",
	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPercent:    "%",
	TokenAmpersand:  "&",
	TokenFn:         "fn",
	TokenStruct:     "struct",
	TokenUnion:      "union",
	TokenReturn:     "return",
	TokenIf:         "if",
	TokenElse:       "else",
	TokenLoop:       "loop",
	TokenContinue:   "continue",
	TokenBreak:      "break",
	TokenNew:        "new",
	TokenFree:       "free",
	TokenTrue:       "true",
	TokenFalse:      "false",
	TokenAs:         "as",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text, or the decoded value for strings and characters
	Pos     Position // start position
	End     Position // position just past the token
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"fn":       TokenFn,
	"struct":   TokenStruct,
	"union":    TokenUnion,
	"return":   TokenReturn,
	"if":       TokenIf,
	"else":     TokenElse,
	"loop":     TokenLoop,
	"continue": TokenContinue,
	"break":    TokenBreak,
	"new":      TokenNew,
	"free":     TokenFree,
	"true":     TokenTrue,
	"false":    TokenFalse,
	"as":       TokenAs,
}

// Keywords returns the reserved words, for completion.
func Keywords() []string {
	out := make([]string, 0, len(reservedWords))
	for w := range reservedWords {
		out = append(out, w)
	}
	return out
}
