// Package rules holds the migration rule catalog: rule definitions, their
// evaluation order, and the allow-list of constructs that are never
// rewritten.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier is a rule priority tier. Lower values are evaluated first.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierMedium
	TierLow
)

var tierNames = map[Tier]string{
	TierCritical: "critical",
	TierHigh:     "high",
	TierMedium:   "medium",
	TierLow:      "low",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q (expected critical, high, medium or low)", s)
}

// Compatibility tags whether a rule's replacement runs under both runtimes.
type Compatibility string

const (
	Compatible   Compatibility = "compatible"
	Incompatible Compatibility = "incompatible"
)

// Kind selects how a rule is matched.
type Kind string

const (
	// KindText matches a regular expression. Used for single-token
	// substitutions only.
	KindText Kind = "text"
	// KindCall matches a call expression in the syntax tree.
	KindCall Kind = "call"
	// KindIndexer matches an attribute subscript such as x.ix[...].
	KindIndexer Kind = "indexer"
)

// Rule is one migration rule. Rules are immutable once a catalog is loaded;
// the matcher only reads them.
type Rule struct {
	ID            string
	Description   string
	Kind          Kind
	Pattern       string
	Replacement   string
	Import        string
	Compatibility Compatibility
	Tier          Tier
	Reason        string

	// Structural qualifiers.
	Qualifiers  []string
	MinArgs     int
	Statement   bool
	Specializes string

	// PositionalReplacement is used by indexer rules when every index
	// part is an integer literal or an integer slice.
	PositionalReplacement string

	index   int
	re      *regexp.Regexp
	callee  Callee
	tmpl    *Template
	posTmpl *Template
}

// Index returns the rule's position in the catalog file.
func (r Rule) Index() int { return r.index }

// Regexp returns the compiled pattern of a text rule.
func (r Rule) Regexp() *regexp.Regexp { return r.re }

// Callee returns the parsed callee of a call or indexer rule.
func (r Rule) Callee() Callee { return r.callee }

// Template returns the parsed replacement of a structural rule.
func (r Rule) Template() *Template { return r.tmpl }

// PositionalTemplate returns the positional replacement of an indexer rule.
func (r Rule) PositionalTemplate() *Template { return r.posTmpl }

// IsIncompatible reports whether the rule is tagged incompatible.
func (r Rule) IsIncompatible() bool { return r.Compatibility == Incompatible }

// HasQualifier reports whether name is one of the rule's qualifiers.
func (r Rule) HasQualifier(name string) bool {
	for _, q := range r.Qualifiers {
		if q == name {
			return true
		}
	}
	return false
}

// covers reports whether r, evaluated first, would claim every construct
// that later could match. Only structural rules are compared.
func (r Rule) covers(later Rule) bool {
	if r.Kind != later.Kind || r.Kind == KindText {
		return false
	}
	if !r.callee.Covers(later.callee) {
		return false
	}
	if r.Kind == KindIndexer {
		return true
	}
	for _, q := range r.Qualifiers {
		if !later.HasQualifier(q) {
			return false
		}
	}
	if r.MinArgs > later.MinArgs {
		return false
	}
	if r.Statement && !later.Statement {
		return false
	}
	return true
}

var calleePattern = regexp.MustCompile(`^\.?[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*\*?$`)

// Callee is the target of a call or indexer rule. It has three forms:
//
//	pd.Panel        exact dotted name
//	pd.rolling_*    dotted prefix, the rest is captured as {suffix}
//	.get_value      attribute on any receiver
type Callee struct {
	Raw      string
	Attr     bool
	Name     string
	Wildcard bool
}

// ParseCallee parses a callee pattern.
func ParseCallee(s string) (Callee, error) {
	if !calleePattern.MatchString(s) {
		return Callee{}, fmt.Errorf("invalid callee %q", s)
	}
	c := Callee{Raw: s}
	if strings.HasPrefix(s, ".") {
		c.Attr = true
		s = s[1:]
	}
	if strings.HasSuffix(s, "*") {
		c.Wildcard = true
		s = strings.TrimSuffix(s, "*")
	}
	c.Name = s
	return c, nil
}

// Match tests a callee name against the pattern and returns the captured
// wildcard suffix.
func (c Callee) Match(name string) (string, bool) {
	if c.Wildcard {
		if len(name) <= len(c.Name) || !strings.HasPrefix(name, c.Name) {
			return "", false
		}
		suffix := name[len(c.Name):]
		if strings.Contains(suffix, ".") {
			return "", false
		}
		return suffix, true
	}
	return "", name == c.Name
}

// Covers reports whether every name matched by o is also matched by c.
func (c Callee) Covers(o Callee) bool {
	if c.Attr != o.Attr {
		return false
	}
	if c.Wildcard {
		return strings.HasPrefix(o.Name, c.Name) && (o.Wildcard || len(o.Name) > len(c.Name))
	}
	return !o.Wildcard && c.Name == o.Name
}
