// Package scenario reads Nai test cases written as Markdown documents.
//
// A case starts at a heading of the form "Test: <name>" and owns the fenced
// code blocks that follow it, up to the next such heading:
//
//	## Test: sums
//
//	```nai
//	fn main() -> i64 { return 1 + 2; }
//	```
//
//	```value
//	3
//	```
//
// Every case has exactly one nai fence and at least one expectation fence.
package scenario

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExpectationKind names an expectation fence.
type ExpectationKind string

const (
	// ExpectValue holds the decimal value main returns.
	ExpectValue ExpectationKind = "value"
	// ExpectOutput holds the exact text the program prints.
	ExpectOutput ExpectationKind = "output"
	// ExpectCompileError holds a substring of the compile error.
	ExpectCompileError ExpectationKind = "compile-error"
	// ExpectRuntimeError holds the runtime error kind.
	ExpectRuntimeError ExpectationKind = "runtime-error"
)

const programFence = "nai"

// Expectation is one expectation fence of a case.
type Expectation struct {
	Kind    ExpectationKind
	Content string
	Line    int
}

// Case is a single scenario.
type Case struct {
	Name         string
	Program      string
	Line         int
	Expectations []Expectation
}

// Value returns the expected return value, if the case has one.
func (c *Case) Value() (int64, bool, error) {
	for _, e := range c.Expectations {
		if e.Kind == ExpectValue {
			v, err := strconv.ParseInt(strings.TrimSpace(e.Content), 10, 64)
			if err != nil {
				return 0, true, fmt.Errorf("line %d: bad value %q: %w", e.Line, e.Content, err)
			}
			return v, true, nil
		}
	}
	return 0, false, nil
}

// Expect returns the content of the first expectation of the given kind.
func (c *Case) Expect(kind ExpectationKind) (string, bool) {
	for _, e := range c.Expectations {
		if e.Kind == kind {
			return e.Content, true
		}
	}
	return "", false
}

// Parse extracts every case from a Markdown document.
func Parse(markdown []byte) ([]Case, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(markdown))

	var cases []Case
	var current *Case
	finish := func() error {
		if current == nil {
			return nil
		}
		if err := current.validate(); err != nil {
			return err
		}
		cases = append(cases, *current)
		return nil
	}

	err := ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Heading:
			title := headingText(n, markdown)
			name, ok := strings.CutPrefix(title, "Test: ")
			if !ok {
				return ast.WalkContinue, nil
			}
			if err := finish(); err != nil {
				return ast.WalkStop, err
			}
			current = &Case{Name: strings.TrimSpace(name), Line: lineOf(n, markdown)}

		case *ast.FencedCodeBlock:
			lang := string(n.Language(markdown))
			line := lineOf(n, markdown)
			if lang == "" {
				return ast.WalkContinue, nil
			}
			if current == nil {
				return ast.WalkStop, fmt.Errorf("line %d: %s fence outside of a test case", line, lang)
			}
			content := blockText(n, markdown)
			switch {
			case lang == programFence:
				if current.Program != "" {
					return ast.WalkStop, fmt.Errorf("line %d: test %q has more than one program", line, current.Name)
				}
				current.Program = content
			case isExpectation(lang):
				current.Expectations = append(current.Expectations, Expectation{
					Kind:    ExpectationKind(lang),
					Content: content,
					Line:    line,
				})
			default:
				return ast.WalkStop, fmt.Errorf("line %d: unknown fence %q in test %q", line, lang, current.Name)
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return cases, nil
}

func (c *Case) validate() error {
	if strings.TrimSpace(c.Program) == "" {
		return fmt.Errorf("line %d: test %q has no program", c.Line, c.Name)
	}
	if len(c.Expectations) == 0 {
		return fmt.Errorf("line %d: test %q has no expectations", c.Line, c.Name)
	}
	_, compileErr := c.Expect(ExpectCompileError)
	_, runtimeErr := c.Expect(ExpectRuntimeError)
	if compileErr && len(c.Expectations) > 1 {
		return fmt.Errorf("line %d: test %q expects a compile error and something else", c.Line, c.Name)
	}
	if runtimeErr {
		if _, ok := c.Expect(ExpectValue); ok {
			return fmt.Errorf("line %d: test %q expects both a value and a runtime error", c.Line, c.Name)
		}
	}
	if _, _, err := c.Value(); err != nil {
		return err
	}
	return nil
}

func isExpectation(lang string) bool {
	switch ExpectationKind(lang) {
	case ExpectValue, ExpectOutput, ExpectCompileError, ExpectRuntimeError:
		return true
	}
	return false
}

func headingText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			buf.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

func blockText(n *ast.FencedCodeBlock, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.String()
}

// lineOf returns the 1-based line a block starts on. Fenced blocks report
// the line of their first content line.
func lineOf(n ast.Node, source []byte) int {
	if n.Lines().Len() == 0 {
		return 1
	}
	start := n.Lines().At(0).Start
	return 1 + bytes.Count(source[:min(start, len(source))], []byte("\n"))
}
