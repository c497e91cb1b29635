package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Arg is one argument of a matched call. Name is empty for positional
// arguments; Text is the argument as written, including "name=".
type Arg struct {
	Name  string
	Value string
	Text  string
}

// Bindings are the values a structural match exposes to its template.
type Bindings struct {
	Recv   string
	Callee string
	Suffix string
	Index  string
	Args   []Arg
}

// positional returns the positional arguments in order.
func (b Bindings) positional() []Arg {
	var out []Arg
	for _, a := range b.Args {
		if a.Name == "" {
			out = append(out, a)
		}
	}
	return out
}

// Keyword returns the value of a keyword argument.
func (b Bindings) Keyword(name string) (string, bool) {
	for _, a := range b.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// PositionalCount returns the number of positional arguments.
func (b Bindings) PositionalCount() int {
	return len(b.positional())
}

type placeholderKind int

const (
	phLiteral placeholderKind = iota
	phRecv
	phCallee
	phSuffix
	phIndex
	phArg
	phArgs
	phArgsFrom
	phRestFrom
	phKeyword
	phOthers
)

type part struct {
	kind placeholderKind
	lit  string
	n    int
	name string
}

// Template is a parsed structural replacement.
//
//	{recv} {callee} {suffix} {index}   parts of the matched construct
//	{0} {1} ...                        positional argument N
//	{args}                             every argument as written
//	{args:N}                           arguments from N on
//	{rest:N}                           same, with a leading ", " when non-empty
//	{kw:name}                          value of keyword argument name
//	{others:name}                      every argument except name, with ", "
//	{{ and }}                          literal braces
type Template struct {
	raw   string
	parts []part
}

// MissingError reports a placeholder the matched construct cannot fill.
type MissingError struct {
	Placeholder string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("construct has no value for {%s}", e.Placeholder)
}

// ParseTemplate parses a replacement template.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, part{kind: phLiteral, lit: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			p, err := parsePlaceholder(s[i+1 : i+end])
			if err != nil {
				return nil, err
			}
			flush()
			t.parts = append(t.parts, p)
			i += end
		case c == '}':
			return nil, fmt.Errorf("unmatched } at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

func parsePlaceholder(body string) (part, error) {
	switch body {
	case "recv":
		return part{kind: phRecv}, nil
	case "callee":
		return part{kind: phCallee}, nil
	case "suffix":
		return part{kind: phSuffix}, nil
	case "index":
		return part{kind: phIndex}, nil
	case "args":
		return part{kind: phArgs}, nil
	}
	if n, err := strconv.Atoi(body); err == nil && n >= 0 {
		return part{kind: phArg, n: n}, nil
	}

	key, val, ok := strings.Cut(body, ":")
	if !ok || val == "" {
		return part{}, fmt.Errorf("unknown placeholder {%s}", body)
	}
	switch key {
	case "args", "rest":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return part{}, fmt.Errorf("placeholder {%s} needs a non-negative index", body)
		}
		if key == "args" {
			return part{kind: phArgsFrom, n: n}, nil
		}
		return part{kind: phRestFrom, n: n}, nil
	case "kw":
		return part{kind: phKeyword, name: val}, nil
	case "others":
		return part{kind: phOthers, name: val}, nil
	}
	return part{}, fmt.Errorf("unknown placeholder {%s}", body)
}

// String returns the template source.
func (t *Template) String() string {
	return t.raw
}

// Expand renders the template with b.
func (t *Template) Expand(b Bindings) (string, error) {
	var out strings.Builder
	pos := b.positional()

	for _, p := range t.parts {
		switch p.kind {
		case phLiteral:
			out.WriteString(p.lit)
		case phRecv:
			if b.Recv == "" {
				return "", &MissingError{Placeholder: "recv"}
			}
			out.WriteString(b.Recv)
		case phCallee:
			out.WriteString(b.Callee)
		case phSuffix:
			if b.Suffix == "" {
				return "", &MissingError{Placeholder: "suffix"}
			}
			out.WriteString(b.Suffix)
		case phIndex:
			out.WriteString(b.Index)
		case phArg:
			if p.n >= len(pos) {
				return "", &MissingError{Placeholder: strconv.Itoa(p.n)}
			}
			out.WriteString(pos[p.n].Text)
		case phArgs:
			out.WriteString(joinArgs(b.Args))
		case phArgsFrom:
			out.WriteString(joinArgs(argsFrom(b.Args, p.n)))
		case phRestFrom:
			if rest := joinArgs(argsFrom(b.Args, p.n)); rest != "" {
				out.WriteString(", ")
				out.WriteString(rest)
			}
		case phKeyword:
			v, ok := b.Keyword(p.name)
			if !ok {
				return "", &MissingError{Placeholder: "kw:" + p.name}
			}
			out.WriteString(v)
		case phOthers:
			var others []Arg
			for _, a := range b.Args {
				if a.Name != p.name {
					others = append(others, a)
				}
			}
			if s := joinArgs(others); s != "" {
				out.WriteString(", ")
				out.WriteString(s)
			}
		}
	}
	return out.String(), nil
}

func argsFrom(args []Arg, n int) []Arg {
	if n >= len(args) {
		return nil
	}
	return args[n:]
}

func joinArgs(args []Arg) string {
	texts := make([]string, len(args))
	for i, a := range args {
		texts[i] = a.Text
	}
	return strings.Join(texts, ", ")
}
