// Package matcher finds rule occurrences in Python source and splices
// their replacements back in.
package matcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/twinshift/twinshift/internal/pysyntax"
	"github.com/twinshift/twinshift/internal/rules"
)

// Occurrence is one match of one rule. It only lives for a single rewrite
// pass.
type Occurrence struct {
	RuleID        string              `json:"rule_id"`
	Span          pysyntax.Span       `json:"-"`
	Line          int                 `json:"line"`
	Original      string              `json:"original"`
	Replacement   string              `json:"replacement"`
	Import        string              `json:"import,omitempty"`
	Compatibility rules.Compatibility `json:"compatibility"`
	Reason        string              `json:"reason,omitempty"`
	Note          string              `json:"note,omitempty"`
}

// Skip is a construct a rule matched but could not render, for example a
// template that needs a keyword argument the call does not pass.
type Skip struct {
	RuleID   string `json:"rule_id"`
	Line     int    `json:"line"`
	Original string `json:"original"`
	Reason   string `json:"reason"`
}

// Scan is the outcome of matching one snapshot of a file.
type Scan struct {
	Occurrences []Occurrence
	Skipped     []Skip
	Protected   []pysyntax.Span
}

// Matcher applies a catalog's rules in evaluation order.
type Matcher struct {
	rules []rules.Rule
	allow []*regexp.Regexp
}

// New creates a matcher for the catalog.
func New(c *rules.Catalog) *Matcher {
	return &Matcher{rules: c.Rules(), allow: c.AllowList()}
}

// Rules returns the rules the matcher evaluates, in order.
func (m *Matcher) Rules() []rules.Rule {
	return append([]rules.Rule(nil), m.rules...)
}

// Match scans src once. Every rule sees the same snapshot; a rule may only
// claim spans no earlier rule has claimed and no allow-list line covers.
// Occurrences are returned in source order.
func (m *Matcher) Match(ctx context.Context, src []byte) (*Scan, error) {
	tree, err := pysyntax.Parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	scan := &Scan{Protected: m.protectedSpans(src)}
	sites := collectSites(tree)
	inert := tree.InertSpans()

	var claimed []pysyntax.Span
	free := func(sp pysyntax.Span) bool {
		return !overlapsAny(sp, scan.Protected) && !overlapsAny(sp, claimed)
	}

	for _, rule := range m.rules {
		var cands []candidate
		switch rule.Kind {
		case rules.KindText:
			cands = textCandidates(rule, src, inert)
		case rules.KindCall:
			cands = callCandidates(rule, sites.calls)
		case rules.KindIndexer:
			cands = indexerCandidates(rule, sites.subscripts)
		}

		for _, c := range cands {
			if !free(c.span) {
				continue
			}
			line := pysyntax.LineAt(src, c.span.Start)
			original := string(src[c.span.Start:c.span.End])
			if c.err != nil {
				scan.Skipped = append(scan.Skipped, Skip{RuleID: rule.ID, Line: line, Original: original, Reason: c.err.Error()})
				continue
			}
			claimed = append(claimed, c.span)
			scan.Occurrences = append(scan.Occurrences, Occurrence{
				RuleID:        rule.ID,
				Span:          c.span,
				Line:          line,
				Original:      original,
				Replacement:   c.replacement,
				Import:        rule.Import,
				Compatibility: rule.Compatibility,
				Reason:        rule.Reason,
				Note:          c.note,
			})
		}
	}

	sort.SliceStable(scan.Occurrences, func(i, j int) bool {
		return scan.Occurrences[i].Span.Start < scan.Occurrences[j].Span.Start
	})
	return scan, nil
}

// ErrOverlap is returned by Apply when two occurrences share bytes.
var ErrOverlap = errors.New("overlapping occurrences")

// Apply splices every occurrence's replacement into src in one pass. For
// an empty occurrence list it returns src unchanged.
func Apply(src []byte, occs []Occurrence) ([]byte, error) {
	if len(occs) == 0 {
		return src, nil
	}
	ordered := append([]Occurrence(nil), occs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Span.Start < ordered[j].Span.Start
	})

	var out bytes.Buffer
	out.Grow(len(src))
	pos := 0
	for _, o := range ordered {
		if o.Span.Start < pos {
			return nil, fmt.Errorf("%w: rule %s at line %d", ErrOverlap, o.RuleID, o.Line)
		}
		if o.Span.End > len(src) || o.Span.Start > o.Span.End {
			return nil, fmt.Errorf("rule %s: span %d-%d outside source", o.RuleID, o.Span.Start, o.Span.End)
		}
		out.Write(src[pos:o.Span.Start])
		out.WriteString(o.Replacement)
		pos = o.Span.End
	}
	out.Write(src[pos:])
	return out.Bytes(), nil
}

// protectedSpans expands every allow-list match to the full lines it
// touches.
func (m *Matcher) protectedSpans(src []byte) []pysyntax.Span {
	var spans []pysyntax.Span
	for _, re := range m.allow {
		for _, loc := range re.FindAllIndex(src, -1) {
			start := bytes.LastIndexByte(src[:loc[0]], '\n') + 1
			end := loc[1]
			if nl := bytes.IndexByte(src[end:], '\n'); nl >= 0 {
				end += nl
			} else {
				end = len(src)
			}
			spans = append(spans, pysyntax.Span{Start: start, End: end})
		}
	}
	return spans
}

func overlapsAny(sp pysyntax.Span, spans []pysyntax.Span) bool {
	for _, s := range spans {
		if sp.Overlaps(s) {
			return true
		}
	}
	return false
}

// candidate is a potential occurrence before claim checks.
type candidate struct {
	span        pysyntax.Span
	replacement string
	note        string
	err         error
}

func textCandidates(rule rules.Rule, src []byte, inert []pysyntax.Span) []candidate {
	re := rule.Regexp()
	var out []candidate
	for _, idx := range re.FindAllSubmatchIndex(src, -1) {
		if idx[0] == idx[1] {
			continue
		}
		if inInert(idx[0], inert) {
			continue
		}
		matched := src[idx[0]:idx[1]]
		if !hasTokens(matched, rule.Qualifiers) {
			continue
		}
		repl := re.Expand(nil, []byte(rule.Replacement), src, idx)
		out = append(out, candidate{
			span:        pysyntax.Span{Start: idx[0], End: idx[1]},
			replacement: string(repl),
		})
	}
	return out
}

func inInert(offset int, inert []pysyntax.Span) bool {
	for _, sp := range inert {
		if sp.Contains(offset) {
			return true
		}
	}
	return false
}

var wordChar = regexp.MustCompile(`[A-Za-z0-9_]`)

func hasTokens(text []byte, tokens []string) bool {
	for _, tok := range tokens {
		found := false
		for off := 0; ; {
			i := bytes.Index(text[off:], []byte(tok))
			if i < 0 {
				break
			}
			start, end := off+i, off+i+len(tok)
			before := start == 0 || !wordChar.Match(text[start-1:start])
			after := end == len(text) || !wordChar.Match(text[end:end+1])
			if before && after {
				found = true
				break
			}
			off = end
		}
		if !found {
			return false
		}
	}
	return true
}
