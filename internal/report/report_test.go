package report

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/twinshift/twinshift/internal/compare"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/migration"
	"github.com/twinshift/twinshift/internal/runner"
)

func sampleInput() Input {
	sum := &migration.Summary{Files: []*migration.FileResult{
		{Path: "app/prices.py", Verdict: migration.VerdictCompatible, Status: migration.StatusMigrated,
			Changes: []migration.Change{{Rule: "rolling-mean", Line: 3}}},
		{Path: "app/models.py", Verdict: migration.VerdictIncompatible, Status: migration.StatusMigrated,
			Changes: []migration.Change{{Rule: "ols", Line: 8}},
			Issues: []issue.Issue{{Severity: issue.SeverityWarn, Code: issue.CodeIncompatibleRule, File: "app/models.py", Line: 8,
				Message: "statsmodels OLS", Remediation: issue.RemediationManualReview}}},
		{Path: "app/util.py", Verdict: migration.VerdictCompatible, Status: migration.StatusUnchanged},
	}}
	return Input{
		Root:      "/proj",
		Migration: sum,
		Tests: &runner.Pair{
			Old: &runner.Result{Runtime: "pandas-0.19", Status: runner.RunPassed, Tests: []runner.TestCase{{ID: "t1", Status: runner.StatusPass}}},
			New: &runner.Result{Runtime: "pandas-1.1", Status: runner.RunFailed, Tests: []runner.TestCase{{ID: "t1", Status: runner.StatusFail}}},
		},
		Comparisons: []compare.Result{
			{Artifact: "prices.csv", Match: true},
			{Artifact: "stats.csv", Reason: compare.ReasonValueDifferences, DifferingCells: 4},
		},
	}
}

func TestGenerate(t *testing.T) {
	r := Generate(sampleInput())

	if r.Migration.Files != 3 || r.Migration.Changed != 2 || r.Migration.Incompatible != 1 {
		t.Errorf("unexpected migration summary %+v", r.Migration)
	}
	if r.Ready {
		t.Error("expected not ready with a regression")
	}
	if r.Regressions == nil || len(r.Regressions.Regressions) != 1 {
		t.Fatalf("expected one regression, got %+v", r.Regressions)
	}
	codes := map[string]int{}
	for _, is := range r.Issues {
		codes[is.Code]++
	}
	if codes[issue.CodeIncompatibleRule] != 1 || codes[issue.CodeRegression] != 2 {
		t.Errorf("unexpected issue codes %v", codes)
	}
	if len(r.NextSteps) == 0 || !strings.Contains(r.NextSteps[0], "incompatible") {
		t.Errorf("unexpected next steps %v", r.NextSteps)
	}
}

func TestGenerateReady(t *testing.T) {
	r := Generate(Input{Migration: &migration.Summary{Files: []*migration.FileResult{
		{Path: "a.py", Verdict: migration.VerdictCompatible, Status: migration.StatusMigrated},
	}}})
	if !r.Ready {
		t.Errorf("expected ready, issues: %v", r.Issues)
	}
	if r.Issues == nil {
		t.Error("issues should be an empty list, not nil")
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "report.json")
	r := Generate(sampleInput())
	if err := WriteJSON(r, path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	loaded, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if loaded.Version != "1" {
		t.Errorf("expected version 1, got %s", loaded.Version)
	}
	if len(loaded.Files) != 3 || loaded.Files[1].Verdict != migration.VerdictIncompatible {
		t.Errorf("files did not round trip: %+v", loaded.Files)
	}
	if loaded.Tests.New.Runtime != "pandas-1.1" {
		t.Errorf("expected pandas-1.1, got %s", loaded.Tests.New.Runtime)
	}
}

func TestFormatText(t *testing.T) {
	text := FormatText(Generate(sampleInput()))
	for _, want := range []string{
		"=== twinshift migration report ===",
		"Incompatible: 1",
		"incompatible migrated  app/models.py (1 changes)",
		"pandas-1.1: failed [fail=1]",
		"t1: pass -> fail",
		"Artifacts: 1/2 match",
		"FAIL stats.csv: value_differences (4 cells)",
		"Ready: NO",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected report text to contain %q\n%s", want, text)
		}
	}
	if strings.Contains(text, "app/util.py") {
		t.Error("unchanged compatible files should not be listed")
	}
}

func TestWriteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := WriteText(Generate(Input{}), path); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
}
