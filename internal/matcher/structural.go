package matcher

import (
	"errors"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/twinshift/twinshift/internal/pysyntax"
	"github.com/twinshift/twinshift/internal/rules"
)

var dottedName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// callSite is a call expression with its pieces already extracted.
type callSite struct {
	span      pysyntax.Span
	name      string // dotted callee, empty when the callee is not a plain name
	attr      string // attribute name when the callee is x.attr
	recv      string
	args      []rules.Arg
	statement bool
	starArgs  bool
}

// subscriptSite is an x.attr[...] expression.
type subscriptSite struct {
	span       pysyntax.Span
	attr       string
	recv       string
	index      string
	positional int
	parts      int
}

type sites struct {
	calls      []callSite
	subscripts []subscriptSite
}

func collectSites(tree *pysyntax.Tree) sites {
	var s sites
	tree.Walk(func(n *sitter.Node) bool {
		switch n.Type() {
		case "call":
			if cs, ok := newCallSite(tree, n); ok {
				s.calls = append(s.calls, cs)
			}
		case "subscript":
			if ss, ok := newSubscriptSite(tree, n); ok {
				s.subscripts = append(s.subscripts, ss)
			}
		}
		return true
	})
	return s
}

func newCallSite(tree *pysyntax.Tree, n *sitter.Node) (callSite, bool) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return callSite{}, false
	}
	cs := callSite{span: pysyntax.SpanOf(n)}

	if fn.Type() == "attribute" {
		obj := fn.ChildByFieldName("object")
		attr := fn.ChildByFieldName("attribute")
		if obj == nil || attr == nil {
			return callSite{}, false
		}
		cs.recv = tree.Text(obj)
		cs.attr = tree.Text(attr)
	}
	if name := stripSpace(tree.Text(fn)); dottedName.MatchString(name) {
		cs.name = name
	}
	if cs.name == "" && cs.attr == "" {
		return callSite{}, false
	}

	if parent := n.Parent(); parent != nil && parent.Type() == "expression_statement" && parent.NamedChildCount() == 1 {
		cs.statement = true
	}

	args := n.ChildByFieldName("arguments")
	if args == nil {
		return cs, true
	}
	if args.Type() != "argument_list" {
		// f(x for x in y)
		text := tree.Text(args)
		cs.args = []rules.Arg{{Value: text, Text: text}}
		return cs, true
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		switch a.Type() {
		case "comment":
			continue
		case "list_splat", "dictionary_splat":
			cs.starArgs = true
		case "keyword_argument":
			name := a.ChildByFieldName("name")
			value := a.ChildByFieldName("value")
			if name == nil || value == nil {
				continue
			}
			cs.args = append(cs.args, rules.Arg{Name: tree.Text(name), Value: tree.Text(value), Text: tree.Text(a)})
			continue
		}
		text := tree.Text(a)
		cs.args = append(cs.args, rules.Arg{Value: text, Text: text})
	}
	return cs, true
}

func newSubscriptSite(tree *pysyntax.Tree, n *sitter.Node) (subscriptSite, bool) {
	value := n.ChildByFieldName("value")
	if value == nil || value.Type() != "attribute" {
		return subscriptSite{}, false
	}
	obj := value.ChildByFieldName("object")
	attr := value.ChildByFieldName("attribute")
	if obj == nil || attr == nil {
		return subscriptSite{}, false
	}

	ss := subscriptSite{
		span: pysyntax.SpanOf(n),
		attr: tree.Text(attr),
		recv: tree.Text(obj),
	}
	first, last := -1, -1
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.StartByte() == value.StartByte() && c.EndByte() == value.EndByte() {
			continue
		}
		if c.Type() == "comment" {
			continue
		}
		if first < 0 {
			first = int(c.StartByte())
		}
		last = int(c.EndByte())
		ss.parts++
		if isPositional(c) {
			ss.positional++
		}
	}
	if ss.parts == 0 {
		return subscriptSite{}, false
	}
	ss.index = string(tree.Source()[first:last])
	return ss, true
}

// isPositional reports whether an index part is an integer literal or a
// slice built only from integer literals.
func isPositional(n *sitter.Node) bool {
	switch n.Type() {
	case "integer":
		return true
	case "unary_operator":
		arg := n.ChildByFieldName("argument")
		return arg != nil && arg.Type() == "integer"
	case "slice":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if !isPositional(n.NamedChild(i)) {
				return false
			}
		}
		return true
	}
	return false
}

var errStarArgs = errors.New("call uses * or ** arguments")

func callCandidates(rule rules.Rule, calls []callSite) []candidate {
	callee := rule.Callee()
	var out []candidate
	for _, cs := range calls {
		var name string
		if callee.Attr {
			name = cs.attr
		} else {
			name = cs.name
		}
		if name == "" {
			continue
		}
		suffix, ok := callee.Match(name)
		if !ok {
			continue
		}

		b := rules.Bindings{Recv: cs.recv, Callee: cs.name, Suffix: suffix, Args: cs.args}
		if rule.Statement && !cs.statement {
			continue
		}
		if b.PositionalCount() < rule.MinArgs {
			continue
		}
		qualified := true
		for _, q := range rule.Qualifiers {
			if _, ok := b.Keyword(q); !ok {
				qualified = false
				break
			}
		}
		if !qualified {
			continue
		}

		c := candidate{span: cs.span}
		if cs.starArgs {
			c.err = errStarArgs
		} else {
			c.replacement, c.err = rule.Template().Expand(b)
		}
		out = append(out, c)
	}
	return out
}

func indexerCandidates(rule rules.Rule, subs []subscriptSite) []candidate {
	callee := rule.Callee()
	var out []candidate
	for _, ss := range subs {
		if _, ok := callee.Match(ss.attr); !ok {
			continue
		}
		b := rules.Bindings{Recv: ss.recv, Index: ss.index}
		c := candidate{span: ss.span}
		switch {
		case ss.positional == ss.parts:
			c.replacement, c.err = rule.PositionalTemplate().Expand(b)
		default:
			c.replacement, c.err = rule.Template().Expand(b)
			if ss.positional > 0 {
				c.note = "mixed positional and label index rewritten as label based"
			}
		}
		out = append(out, c)
	}
	return out
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
