// Package pysyntax wraps the tree-sitter Python grammar for the matcher,
// the import injector and post-rewrite syntax validation.
package pysyntax

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Span is a half-open byte range [Start, End).
type Span struct {
	Start int
	End   int
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Contains reports whether offset lies inside the span.
func (s Span) Contains(offset int) bool {
	return offset >= s.Start && offset < s.End
}

// Tree is a parsed Python module. Close must be called when done.
type Tree struct {
	src  []byte
	tree *sitter.Tree
	root *sitter.Node
}

// Parse parses Python source. A parser is created per call because
// tree-sitter parsers are not safe for concurrent use.
func Parse(ctx context.Context, src []byte) (*Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing python: %w", err)
	}
	return &Tree{src: src, tree: tree, root: tree.RootNode()}, nil
}

// Close releases the underlying tree.
func (t *Tree) Close() {
	t.tree.Close()
}

// Root returns the module node.
func (t *Tree) Root() *sitter.Node {
	return t.root
}

// Source returns the bytes the tree was parsed from.
func (t *Tree) Source() []byte {
	return t.src
}

// Text returns the source text covered by n.
func (t *Tree) Text(n *sitter.Node) string {
	return n.Content(t.src)
}

// SpanOf returns the byte span of n.
func SpanOf(n *sitter.Node) Span {
	return Span{Start: int(n.StartByte()), End: int(n.EndByte())}
}

// HasError reports whether the module contains syntax errors.
func (t *Tree) HasError() bool {
	return t.root.HasError()
}

// FirstErrorLine returns the 1-based line of the first error or missing
// node, or 0 when the tree is clean.
func (t *Tree) FirstErrorLine() int {
	if !t.root.HasError() {
		return 0
	}
	line := 0
	t.Walk(func(n *sitter.Node) bool {
		if line > 0 {
			return false
		}
		if n.Type() == "ERROR" || n.IsMissing() {
			line = int(n.StartPoint().Row) + 1
			return false
		}
		return n.HasError()
	})
	if line == 0 {
		line = 1
	}
	return line
}

// Walk visits nodes depth first. Returning false from fn skips the
// node's children.
func (t *Tree) Walk(fn func(n *sitter.Node) bool) {
	walk(t.root, fn)
}

func walk(n *sitter.Node, fn func(n *sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), fn)
	}
}

// InertSpans returns the spans of comments and string literals, where
// textual rules must not fire.
func (t *Tree) InertSpans() []Span {
	var spans []Span
	t.Walk(func(n *sitter.Node) bool {
		switch n.Type() {
		case "comment", "string":
			spans = append(spans, SpanOf(n))
			return false
		}
		return true
	})
	return spans
}

// TopLevelImports returns the spans of import statements that are direct
// children of the module, in source order.
func (t *Tree) TopLevelImports() []Span {
	var spans []Span
	for i := 0; i < int(t.root.NamedChildCount()); i++ {
		child := t.root.NamedChild(i)
		switch child.Type() {
		case "import_statement", "import_from_statement", "future_import_statement":
			spans = append(spans, SpanOf(child))
		}
	}
	return spans
}

// Docstring returns the span of a leading module docstring.
func (t *Tree) Docstring() (Span, bool) {
	for i := 0; i < int(t.root.NamedChildCount()); i++ {
		child := t.root.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if child.Type() == "expression_statement" && child.NamedChildCount() == 1 &&
			child.NamedChild(0).Type() == "string" {
			return SpanOf(child), true
		}
		return Span{}, false
	}
	return Span{}, false
}

// Validate parses src and returns a *SyntaxError if it does not parse
// cleanly.
func Validate(ctx context.Context, src []byte) error {
	tree, err := Parse(ctx, src)
	if err != nil {
		return err
	}
	defer tree.Close()
	if line := tree.FirstErrorLine(); line > 0 {
		return &SyntaxError{Line: line}
	}
	return nil
}

// SyntaxError reports where a module stopped parsing.
type SyntaxError struct {
	Line int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid python syntax near line %d", e.Line)
}

// LineAt returns the 1-based line number of a byte offset.
func LineAt(src []byte, offset int) int {
	line := 1
	for i := 0; i < offset && i < len(src); i++ {
		if src[i] == '\n' {
			line++
		}
	}
	return line
}
