package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/twinshift/twinshift/internal/issue"
)

// CatalogVersion is the supported catalog file version.
const CatalogVersion = 1

//go:embed pandas.yaml
var builtinCatalog []byte

// BuiltinName is the source name reported for the embedded catalog.
const BuiltinName = "builtin:pandas"

// PatternError reports a malformed rule. The rule is skipped; other rules
// still load.
type PatternError struct {
	RuleID string
	Reason string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

// Issue converts the error into a reportable issue.
func (e *PatternError) Issue() issue.Issue {
	return issue.Issue{
		Severity:    issue.SeverityWarn,
		Code:        issue.CodePatternError,
		Rule:        e.RuleID,
		Message:     e.Reason,
		Remediation: issue.RemediationManualReview,
	}
}

// CatalogError means no usable catalog could be loaded. It is the only
// error that stops a whole workflow.
type CatalogError struct {
	Source string
	Err    error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("loading rule catalog %s: %v", e.Source, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// File is the on-disk catalog format.
type File struct {
	Version   int        `yaml:"version"`
	AllowList []string   `yaml:"allow_list,omitempty"`
	NewOnly   []string   `yaml:"new_only,omitempty"`
	Rules     []RuleSpec `yaml:"rules"`
}

// RuleSpec is a rule as written in a catalog file.
type RuleSpec struct {
	ID                    string   `yaml:"id"`
	Description           string   `yaml:"description,omitempty"`
	Kind                  string   `yaml:"kind,omitempty"` // text (default), call, indexer
	Tier                  string   `yaml:"tier"`
	Pattern               string   `yaml:"pattern"`
	Replacement           string   `yaml:"replacement"`
	PositionalReplacement string   `yaml:"positional_replacement,omitempty"`
	Import                string   `yaml:"import,omitempty"`
	Compatibility         string   `yaml:"compatibility"`
	Reason                string   `yaml:"reason,omitempty"`
	Qualifiers            []string `yaml:"qualifiers,omitempty"`
	MinArgs               int      `yaml:"min_args,omitempty"`
	Statement             bool     `yaml:"statement,omitempty"`
	Specializes           string   `yaml:"specializes,omitempty"`
}

// Catalog is a loaded, ordered rule set. It is read-only after Load and
// safe to share between goroutines.
type Catalog struct {
	source  string
	rules   []Rule
	allow   []*regexp.Regexp
	newOnly []*regexp.Regexp
	skipped []*PatternError
}

// Load reads a catalog file. An empty path loads the built-in pandas
// catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(builtinCatalog, BuiltinName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CatalogError{Source: path, Err: err}
	}
	return Parse(data, path)
}

// Builtin returns the embedded pandas catalog.
func Builtin() (*Catalog, error) {
	return Parse(builtinCatalog, BuiltinName)
}

// Parse builds a catalog from YAML. Malformed rules are skipped and listed
// in Skipped; Parse fails only when no rule is usable or the allow-list
// cannot be compiled.
func Parse(data []byte, source string) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &CatalogError{Source: source, Err: err}
	}
	if f.Version != CatalogVersion {
		return nil, &CatalogError{Source: source, Err: fmt.Errorf("unsupported catalog version %d (expected %d)", f.Version, CatalogVersion)}
	}

	c := &Catalog{source: source}
	for _, p := range f.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &CatalogError{Source: source, Err: fmt.Errorf("allow-list pattern %q: %w", p, err)}
		}
		c.allow = append(c.allow, re)
	}
	for _, p := range f.NewOnly {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &CatalogError{Source: source, Err: fmt.Errorf("new-only pattern %q: %w", p, err)}
		}
		c.newOnly = append(c.newOnly, re)
	}

	seen := make(map[string]bool)
	for i, spec := range f.Rules {
		r, err := compile(spec, i)
		if err == nil && seen[spec.ID] {
			err = &PatternError{RuleID: spec.ID, Reason: "duplicate rule id"}
		}
		if err != nil {
			var pe *PatternError
			if !errors.As(err, &pe) {
				pe = &PatternError{RuleID: spec.ID, Reason: err.Error()}
			}
			c.skipped = append(c.skipped, pe)
			continue
		}
		seen[r.ID] = true
		c.rules = append(c.rules, r)
	}

	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Tier < c.rules[j].Tier
	})
	c.rules = c.dropShadowed(c.rules)

	if len(c.rules) == 0 {
		return nil, &CatalogError{Source: source, Err: errors.New("no usable rules")}
	}
	return c, nil
}

// dropShadowed removes specialized rules that would never fire because a
// more generic rule is evaluated before them.
func (c *Catalog) dropShadowed(ordered []Rule) []Rule {
	position := make(map[string]int, len(ordered))
	for i, r := range ordered {
		position[r.ID] = i
	}

	var kept []Rule
	for i, r := range ordered {
		var reason string
		if r.Specializes != "" {
			gi, ok := position[r.Specializes]
			switch {
			case !ok:
				reason = fmt.Sprintf("specializes unknown rule %s", r.Specializes)
			case gi < i:
				reason = fmt.Sprintf("specializes %s but is evaluated after it (tier %s vs %s)", r.Specializes, r.Tier, ordered[gi].Tier)
			}
		}
		if reason == "" {
			for _, earlier := range kept {
				if earlier.covers(r) {
					reason = fmt.Sprintf("shadowed by earlier generic rule %s", earlier.ID)
					break
				}
			}
		}
		if reason != "" {
			c.skipped = append(c.skipped, &PatternError{RuleID: r.ID, Reason: reason})
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

var groupRef = regexp.MustCompile(`\$(?:\{([A-Za-z0-9_]+)\}|([0-9]+))`)

func compile(spec RuleSpec, index int) (Rule, error) {
	if spec.ID == "" {
		return Rule{}, &PatternError{RuleID: "#" + strconv.Itoa(index), Reason: "missing id"}
	}
	fail := func(format string, args ...any) (Rule, error) {
		return Rule{}, &PatternError{RuleID: spec.ID, Reason: fmt.Sprintf(format, args...)}
	}

	tier, err := ParseTier(spec.Tier)
	if err != nil {
		return fail("%v", err)
	}

	compat := Compatibility(spec.Compatibility)
	if compat != Compatible && compat != Incompatible {
		return fail("compatibility must be compatible or incompatible, got %q", spec.Compatibility)
	}

	kind := Kind(spec.Kind)
	if kind == "" {
		kind = KindText
	}
	if spec.Pattern == "" {
		return fail("empty pattern")
	}

	r := Rule{
		ID:                    spec.ID,
		Description:           spec.Description,
		Kind:                  kind,
		Pattern:               spec.Pattern,
		Replacement:           spec.Replacement,
		PositionalReplacement: spec.PositionalReplacement,
		Import:                spec.Import,
		Compatibility:         compat,
		Tier:                  tier,
		Reason:                spec.Reason,
		Qualifiers:            append([]string(nil), spec.Qualifiers...),
		MinArgs:               spec.MinArgs,
		Statement:             spec.Statement,
		Specializes:           spec.Specializes,
		index:                 index,
	}

	switch kind {
	case KindText:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return fail("invalid pattern: %v", err)
		}
		if err := checkGroupRefs(re, spec.Replacement); err != nil {
			return fail("%v", err)
		}
		r.re = re

	case KindCall, KindIndexer:
		callee, err := ParseCallee(spec.Pattern)
		if err != nil {
			return fail("%v", err)
		}
		if kind == KindIndexer && (!callee.Attr || callee.Wildcard) {
			return fail("indexer pattern must be a plain attribute such as .ix")
		}
		r.callee = callee
		r.tmpl, err = ParseTemplate(spec.Replacement)
		if err != nil {
			return fail("replacement: %v", err)
		}
		if kind == KindIndexer {
			if spec.PositionalReplacement == "" {
				return fail("indexer rule needs positional_replacement")
			}
			r.posTmpl, err = ParseTemplate(spec.PositionalReplacement)
			if err != nil {
				return fail("positional_replacement: %v", err)
			}
		}

	default:
		return fail("unknown kind %q", spec.Kind)
	}
	return r, nil
}

func checkGroupRefs(re *regexp.Regexp, replacement string) error {
	names := make(map[string]bool)
	for _, n := range re.SubexpNames() {
		if n != "" {
			names[n] = true
		}
	}
	for _, m := range groupRef.FindAllStringSubmatch(replacement, -1) {
		ref := m[1]
		if ref == "" {
			ref = m[2]
		}
		if n, err := strconv.Atoi(ref); err == nil {
			if n > re.NumSubexp() {
				return fmt.Errorf("replacement references group %d but pattern has %d", n, re.NumSubexp())
			}
			continue
		}
		if !names[ref] {
			return fmt.Errorf("replacement references unknown group %q", ref)
		}
	}
	return nil
}

// Source names where the catalog was loaded from.
func (c *Catalog) Source() string { return c.source }

// Rules returns the rules in evaluation order: tier first, then catalog
// order.
func (c *Catalog) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Rule looks up a rule by id.
func (c *Catalog) Rule(id string) (Rule, bool) {
	for _, r := range c.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// AllowList returns the compiled allow-list patterns.
func (c *Catalog) AllowList() []*regexp.Regexp {
	return append([]*regexp.Regexp(nil), c.allow...)
}

// NewOnly returns patterns for APIs that exist only under the new runtime.
func (c *Catalog) NewOnly() []*regexp.Regexp {
	return append([]*regexp.Regexp(nil), c.newOnly...)
}

// Skipped returns the rules that failed to load.
func (c *Catalog) Skipped() []*PatternError {
	return append([]*PatternError(nil), c.skipped...)
}

// WithAllowList returns a copy of the catalog with extra allow-list
// patterns appended.
func (c *Catalog) WithAllowList(patterns []string) (*Catalog, error) {
	if len(patterns) == 0 {
		return c, nil
	}
	out := *c
	out.allow = c.AllowList()
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &CatalogError{Source: c.source, Err: fmt.Errorf("allow-list pattern %q: %w", p, err)}
		}
		out.allow = append(out.allow, re)
	}
	return &out, nil
}
