package compat

import (
	"context"
	"regexp"
	"testing"

	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/logging"
	"github.com/twinshift/twinshift/internal/matcher"
	"github.com/twinshift/twinshift/internal/migration"
	"github.com/twinshift/twinshift/internal/pysyntax"
	"github.com/twinshift/twinshift/internal/rules"
)

func codes(issues []issue.Issue) map[string]int {
	out := make(map[string]int)
	for _, i := range issues {
		out[i.Code]++
	}
	return out
}

func TestCompatibleChangesOnly(t *testing.T) {
	a := New(nil, logging.Discard())
	r := &migration.FileResult{
		Path: "a.py",
		Changes: []migration.Change{
			{Rule: "sort", Compatibility: rules.Compatible},
			{Rule: "valid", Compatibility: rules.Compatible},
		},
	}
	v, issues := a.Evaluate(r)
	if v != migration.VerdictCompatible {
		t.Errorf("expected compatible, got %s", v)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestIncompatibleOverridesCompatible(t *testing.T) {
	a := New(nil, logging.Discard())
	r := &migration.FileResult{
		Path: "a.py",
		Changes: []migration.Change{
			{Rule: "sort", Compatibility: rules.Compatible},
			{Rule: "ols", Line: 4, Original: "pd.ols(y=a, x=b)", Compatibility: rules.Incompatible, Reason: "results differ"},
			{Rule: "valid", Compatibility: rules.Compatible},
		},
	}
	v, issues := a.Evaluate(r)
	if v != migration.VerdictIncompatible {
		t.Fatalf("expected incompatible, got %s", v)
	}
	if len(issues) != 1 {
		t.Fatalf("expected one issue, got %v", issues)
	}
	got := issues[0]
	if got.Rule != "ols" || got.Line != 4 || got.Construct != "pd.ols(y=a, x=b)" || got.Message != "results differ" {
		t.Errorf("unexpected issue %+v", got)
	}
	if got.Remediation != issue.RemediationManualReview {
		t.Errorf("expected manual-review remediation, got %s", got.Remediation)
	}
}

func TestWarnings(t *testing.T) {
	a := New([]*regexp.Regexp{regexp.MustCompile(`\.isna\(`)}, logging.Discard())
	tests := []struct {
		name string
		r    *migration.FileResult
		code string
	}{
		{"note", &migration.FileResult{Changes: []migration.Change{{Rule: "ix-indexer", Compatibility: rules.Compatible, Note: "mixed"}}}, issue.CodeOccurrenceNote},
		{"skipped", &migration.FileResult{Skipped: []matcher.Skip{{RuleID: "ols", Reason: "missing kw"}}}, issue.CodePatternError},
		{"declined", &migration.FileResult{Declined: []migration.Change{{Rule: "ols"}}}, issue.CodeDeclined},
		{"non-convergent", &migration.FileResult{NonConvergent: true, Passes: 5}, issue.CodeNonConvergent},
		{"new only", &migration.FileResult{Transformed: []byte("x = df.isna()\n")}, issue.CodeNewOnlyAPI},
		{"unparsable", &migration.FileResult{Unparsable: &pysyntax.SyntaxError{Line: 2}}, issue.CodeSourceUnparsable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, issues := a.Evaluate(tt.r)
			if v != migration.VerdictWarn {
				t.Errorf("expected warn, got %s", v)
			}
			if codes(issues)[tt.code] != 1 {
				t.Errorf("expected one %s issue, got %v", tt.code, issues)
			}
		})
	}
}

func TestNewOnlyIgnoresComments(t *testing.T) {
	a := New([]*regexp.Regexp{regexp.MustCompile(`\.isna\(`)}, logging.Discard())
	v, issues := a.Evaluate(&migration.FileResult{Transformed: []byte("x = 1  # df.isna()\n")})
	if v != migration.VerdictCompatible || len(issues) != 0 {
		t.Errorf("expected compatible without issues, got %s %v", v, issues)
	}
}

func TestRevertedIsIncompatible(t *testing.T) {
	a := New(nil, logging.Discard())
	r := &migration.FileResult{
		Path:    "a.py",
		Invalid: &migration.SyntaxError{File: "a.py", Line: 3, Rules: []string{"breaker"}},
	}
	v, issues := a.Evaluate(r)
	if v != migration.VerdictIncompatible {
		t.Errorf("expected incompatible, got %s", v)
	}
	if codes(issues)[issue.CodeSyntaxError] != 1 {
		t.Errorf("expected syntax-error issue, got %v", issues)
	}
}

func TestAllowListedConstructDoesNotCount(t *testing.T) {
	c, err := rules.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	a := ForCatalog(c, logging.Discard())
	m := migration.New(matcher.New(c), a, migration.Options{}, logging.Discard())

	src := "from pandas.util.testing import Panel; p = pd.Panel(d)\n"
	r, err := m.Migrate(context.Background(), "t.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Transformed) != src {
		t.Errorf("allow-listed line changed: %q", r.Transformed)
	}
	if r.Verdict != migration.VerdictCompatible {
		t.Errorf("expected compatible, got %s (%v)", r.Verdict, r.Issues)
	}
	if r.Protected != 1 {
		t.Errorf("expected one protected span, got %d", r.Protected)
	}
}

func TestCompatibleRulesNeverIncompatible(t *testing.T) {
	c, err := rules.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	a := ForCatalog(c, logging.Discard())
	m := migration.New(matcher.New(c), a, migration.Options{}, logging.Discard())

	src := "df.set_value('a', 'b', 1)\nx = df.sort('a').valid()\ny = pd.rolling_std(s, 3)\n"
	r, err := m.Migrate(context.Background(), "t.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Changes) == 0 {
		t.Fatal("expected changes")
	}
	if r.Verdict == migration.VerdictIncompatible {
		t.Errorf("compatible rules produced incompatible verdict: %v", r.Issues)
	}
}
