package migration

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/matcher"
	"github.com/twinshift/twinshift/internal/pysyntax"
	"github.com/twinshift/twinshift/internal/rules"
)

// Verdict is the compatibility classification of a migrated file.
type Verdict string

const (
	VerdictCompatible   Verdict = "compatible"
	VerdictIncompatible Verdict = "incompatible"
	VerdictWarn         Verdict = "warn"
)

// Status describes what happened to a file on disk.
type Status string

const (
	StatusMigrated  Status = "migrated"
	StatusUnchanged Status = "unchanged"
	StatusReverted  Status = "reverted"
	StatusSkipped   Status = "skipped"
)

// Change is one applied rewrite.
type Change struct {
	Rule          string              `json:"rule" yaml:"rule"`
	Line          int                 `json:"line" yaml:"line"`
	Original      string              `json:"original" yaml:"original"`
	Replacement   string              `json:"replacement" yaml:"replacement"`
	Import        string              `json:"import,omitempty" yaml:"import,omitempty"`
	Compatibility rules.Compatibility `json:"compatibility" yaml:"compatibility"`
	Reason        string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	Note          string              `json:"note,omitempty" yaml:"note,omitempty"`
	Pass          int                 `json:"pass" yaml:"pass"`
}

func changeOf(o matcher.Occurrence, pass int) Change {
	return Change{
		Rule:          o.RuleID,
		Line:          o.Line,
		Original:      o.Original,
		Replacement:   o.Replacement,
		Import:        o.Import,
		Compatibility: o.Compatibility,
		Reason:        o.Reason,
		Note:          o.Note,
		Pass:          pass,
	}
}

// SyntaxError means the rewritten file no longer parses. The file is
// reverted and never written.
type SyntaxError struct {
	File  string
	Line  int
	Rules []string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: rewrite produced invalid syntax near line %d (rules: %s)", e.File, e.Line, strings.Join(e.Rules, ", "))
}

// FileResult is the record of migrating one file. It is created once and
// kept for reporting.
type FileResult struct {
	Path          string         `json:"path"`
	Fingerprint   string         `json:"fingerprint"`
	Original      []byte         `json:"-"`
	Transformed   []byte         `json:"-"`
	Changes       []Change       `json:"changes"`
	Declined      []Change       `json:"declined,omitempty"`
	Skipped       []matcher.Skip `json:"skipped,omitempty"`
	Imports       []string       `json:"imports,omitempty"`
	Protected     int            `json:"protected,omitempty"`
	Passes        int            `json:"passes"`
	NonConvergent bool           `json:"non_convergent,omitempty"`
	Diff          string         `json:"diff,omitempty"`
	Verdict       Verdict        `json:"verdict"`
	Status        Status         `json:"status"`
	Written       bool           `json:"written"`
	Backup        string         `json:"backup,omitempty"`
	Issues        []issue.Issue  `json:"issues,omitempty"`

	// Unparsable is set when the original file does not parse.
	Unparsable *pysyntax.SyntaxError `json:"-"`
	// Invalid is set when the rewrite broke the file.
	Invalid *SyntaxError `json:"-"`
	// ReadErr is set when the file could not be read.
	ReadErr error `json:"-"`
}

// Changed reports whether the transformed content differs from the
// original.
func (r *FileResult) Changed() bool {
	return string(r.Original) != string(r.Transformed)
}

// Summary aggregates file results across workers.
type Summary struct {
	mu     sync.Mutex
	Files  []*FileResult   `json:"files"`
	Counts map[Verdict]int `json:"counts"`
}

func newSummary() *Summary {
	return &Summary{Counts: make(map[Verdict]int)}
}

func (s *Summary) add(r *FileResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files = append(s.Files, r)
	s.Counts[r.Verdict]++
}

func (s *Summary) sort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].Path < s.Files[j].Path })
}

// Issues returns every file issue in path order.
func (s *Summary) Issues() []issue.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []issue.Issue
	for _, f := range s.Files {
		out = append(out, f.Issues...)
	}
	return out
}

// Changed returns the files whose content was rewritten.
func (s *Summary) Changed() []*FileResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FileResult
	for _, f := range s.Files {
		if f.Status == StatusMigrated {
			out = append(out, f)
		}
	}
	return out
}
