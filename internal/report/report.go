package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/twinshift/twinshift/internal/compare"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/migration"
	"github.com/twinshift/twinshift/internal/runner"
)

// Report is the final migration report.
type Report struct {
	Version     string                    `json:"version"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Root        string                    `json:"root"`
	Migration   MigrationSummary          `json:"migration"`
	Files       []*migration.FileResult   `json:"files"`
	Tests       *runner.Pair              `json:"tests,omitempty"`
	Regressions *compare.RegressionReport `json:"regressions,omitempty"`
	Comparisons []compare.Result          `json:"comparisons,omitempty"`
	Issues      []issue.Issue             `json:"issues"`
	Ready       bool                      `json:"ready"`
	NextSteps   []string                  `json:"next_steps"`
}

// MigrationSummary counts file outcomes.
type MigrationSummary struct {
	Files        int `json:"files"`
	Changed      int `json:"changed"`
	Changes      int `json:"changes"`
	Compatible   int `json:"compatible"`
	Incompatible int `json:"incompatible"`
	Warn         int `json:"warn"`
	Reverted     int `json:"reverted"`
	Skipped      int `json:"skipped"`
}

// Input is everything a report is built from. Any part may be nil when
// its phase did not run.
type Input struct {
	Root        string
	Migration   *migration.Summary
	Tests       *runner.Pair
	Comparisons []compare.Result
	Extra       []issue.Issue
}

// Generate builds a report.
func Generate(in Input) *Report {
	r := &Report{Version: "1", GeneratedAt: time.Now(), Root: in.Root, Tests: in.Tests, Comparisons: in.Comparisons}

	if in.Migration != nil {
		r.Files = in.Migration.Files
		for _, f := range in.Migration.Files {
			r.Migration.Files++
			if f.Status == migration.StatusMigrated {
				r.Migration.Changed++
			}
			r.Migration.Changes += len(f.Changes)
			switch f.Verdict {
			case migration.VerdictCompatible:
				r.Migration.Compatible++
			case migration.VerdictIncompatible:
				r.Migration.Incompatible++
			case migration.VerdictWarn:
				r.Migration.Warn++
			}
			switch f.Status {
			case migration.StatusReverted:
				r.Migration.Reverted++
			case migration.StatusSkipped:
				r.Migration.Skipped++
			}
		}
		r.Issues = append(r.Issues, in.Migration.Issues()...)
	}

	if in.Tests != nil && in.Tests.Old != nil && in.Tests.New != nil {
		for _, res := range []*runner.Result{in.Tests.Old, in.Tests.New} {
			r.Issues = append(r.Issues, res.Issues...)
		}
		rep := compare.Regressions(in.Tests.Old, in.Tests.New)
		r.Regressions = &rep
		r.Issues = append(r.Issues, rep.Issues(in.Tests.New.Runtime)...)
	}

	for _, c := range in.Comparisons {
		if is, ok := c.Issue(); ok {
			r.Issues = append(r.Issues, is)
		}
	}
	r.Issues = append(r.Issues, in.Extra...)
	if r.Issues == nil {
		r.Issues = []issue.Issue{}
	}

	r.Ready = true
	remediations := map[issue.Remediation]bool{}
	for _, is := range r.Issues {
		if is.Severity == issue.SeverityError {
			r.Ready = false
		}
		remediations[is.Remediation] = true
	}
	if r.Migration.Incompatible > 0 {
		r.Ready = false
	}
	r.NextSteps = nextSteps(r, remediations)
	return r
}

func nextSteps(r *Report, remediations map[issue.Remediation]bool) []string {
	var steps []string
	if r.Migration.Incompatible > 0 {
		steps = append(steps, fmt.Sprintf("Review %d file(s) with incompatible rewrites; they only run under the new runtime", r.Migration.Incompatible))
	}
	if remediations[issue.RemediationManualReview] {
		steps = append(steps, "Resolve the manual-review issues listed above")
	}
	if remediations[issue.RemediationRerun] {
		steps = append(steps, "Fix the runtime problems and rerun the affected tests")
	}
	if remediations[issue.RemediationInstall] {
		steps = append(steps, "Install the missing modules into the runtimes named above")
	}
	if remediations[issue.RemediationReapprove] {
		steps = append(steps, "Re-approve or rewrite the blocked database operations")
	}
	if len(steps) == 0 {
		steps = append(steps, "Commit the migrated files", "Retire the old runtime once downstream users have moved")
	}
	return steps
}

// WriteJSON writes the report as JSON.
func WriteJSON(report *Report, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

// WriteText writes the report as human-readable text.
func WriteText(report *Report, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	return os.WriteFile(path, []byte(FormatText(report)), 0o644)
}

// FormatText renders the report as human-readable text.
func FormatText(report *Report) string {
	var b strings.Builder

	b.WriteString("=== twinshift migration report ===\n")
	b.WriteString(fmt.Sprintf("Generated: %s\n", report.GeneratedAt.Format(time.RFC3339)))
	if report.Root != "" {
		b.WriteString(fmt.Sprintf("Project:   %s\n", report.Root))
	}
	b.WriteString("\n")

	m := report.Migration
	b.WriteString("Migration:\n")
	b.WriteString(fmt.Sprintf("  Files:        %d (%d changed, %d rewrites)\n", m.Files, m.Changed, m.Changes))
	b.WriteString(fmt.Sprintf("  Compatible:   %d\n", m.Compatible))
	b.WriteString(fmt.Sprintf("  Incompatible: %d\n", m.Incompatible))
	b.WriteString(fmt.Sprintf("  Warnings:     %d\n", m.Warn))
	if m.Reverted > 0 || m.Skipped > 0 {
		b.WriteString(fmt.Sprintf("  Reverted:     %d\n", m.Reverted))
		b.WriteString(fmt.Sprintf("  Skipped:      %d\n", m.Skipped))
	}
	b.WriteString("\n")

	for _, f := range report.Files {
		if f.Status == migration.StatusUnchanged && f.Verdict == migration.VerdictCompatible {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-11s %-9s %s (%d changes)\n", f.Verdict, f.Status, f.Path, len(f.Changes)))
	}
	if len(report.Files) > 0 {
		b.WriteString("\n")
	}

	if report.Tests != nil {
		b.WriteString("Tests:\n")
		for _, res := range []*runner.Result{report.Tests.Old, report.Tests.New} {
			if res == nil {
				continue
			}
			b.WriteString(fmt.Sprintf("  %s: %s", res.Runtime, res.Status))
			if res.Reason != "" {
				b.WriteString(" (" + res.Reason + ")")
			}
			b.WriteString(" " + formatCounts(res.Counts()) + "\n")
		}
		if report.Regressions != nil {
			b.WriteString(fmt.Sprintf("  Regressions: %d\n", len(report.Regressions.Regressions)))
			for _, reg := range report.Regressions.Regressions {
				status := string(reg.New)
				if status == "" {
					status = "missing"
				}
				b.WriteString(fmt.Sprintf("    %s: %s -> %s\n", reg.Test, reg.Old, status))
			}
		}
		b.WriteString("\n")
	}

	if len(report.Comparisons) > 0 {
		matched := 0
		for _, c := range report.Comparisons {
			if c.Match {
				matched++
			}
		}
		b.WriteString(fmt.Sprintf("Artifacts: %d/%d match\n", matched, len(report.Comparisons)))
		for _, c := range report.Comparisons {
			if c.Match {
				continue
			}
			b.WriteString(fmt.Sprintf("  FAIL %s: %s", c.Artifact, c.Reason))
			if c.DifferingCells > 0 {
				b.WriteString(fmt.Sprintf(" (%d cells)", c.DifferingCells))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(report.Issues) > 0 {
		b.WriteString(fmt.Sprintf("Issues (%d):\n", len(report.Issues)))
		for _, is := range report.Issues {
			b.WriteString("  " + is.String() + "\n")
		}
		b.WriteString("\n")
	}

	if report.Ready {
		b.WriteString("Ready: YES\n\n")
	} else {
		b.WriteString("Ready: NO\n\n")
	}

	b.WriteString("Next Steps:\n")
	for i, step := range report.NextSteps {
		b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, step))
	}
	return b.String()
}

func formatCounts(counts map[runner.TestStatus]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[runner.TestStatus(k)])
	}
	return "[" + strings.Join(parts, " ") + "]"
}
