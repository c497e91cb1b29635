package compare

import (
	"fmt"
	"sort"

	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/runner"
)

// Regression is a test that passed under the old runtime but not under
// the new one. A test the new runtime never reported has an empty New.
type Regression struct {
	Test string            `json:"test"`
	Old  runner.TestStatus `json:"old"`
	New  runner.TestStatus `json:"new,omitempty"`
}

// RegressionReport lists regressions across a pair of runs.
type RegressionReport struct {
	Regressions   []Regression `json:"regressions"`
	OldCount      int          `json:"old_count"`
	NewCount      int          `json:"new_count"`
	CountMismatch bool         `json:"count_mismatch"`
}

// Regressions diffs the per-test outcomes of two runs.
func Regressions(oldRun, newRun *runner.Result) RegressionReport {
	rep := RegressionReport{OldCount: len(oldRun.Tests), NewCount: len(newRun.Tests)}
	rep.CountMismatch = rep.OldCount != rep.NewCount

	byID := make(map[string]runner.TestStatus, len(newRun.Tests))
	for _, tc := range newRun.Tests {
		byID[tc.ID] = tc.Status
	}
	for _, tc := range oldRun.Tests {
		if tc.Status != runner.StatusPass {
			continue
		}
		if st, ok := byID[tc.ID]; !ok || st != runner.StatusPass {
			rep.Regressions = append(rep.Regressions, Regression{Test: tc.ID, Old: tc.Status, New: st})
		}
	}
	sort.Slice(rep.Regressions, func(i, j int) bool { return rep.Regressions[i].Test < rep.Regressions[j].Test })
	return rep
}

// Issues converts the report into findings against the new runtime.
func (r RegressionReport) Issues(runtime string) []issue.Issue {
	var out []issue.Issue
	for _, reg := range r.Regressions {
		msg := fmt.Sprintf("%s passed under the old runtime but is %s", reg.Test, reg.New)
		if reg.New == "" {
			msg = fmt.Sprintf("%s passed under the old runtime but did not run", reg.Test)
		}
		out = append(out, issue.Issue{
			Severity:    issue.SeverityError,
			Code:        issue.CodeRegression,
			Runtime:     runtime,
			Construct:   reg.Test,
			Message:     msg,
			Remediation: issue.RemediationManualReview,
		})
	}
	if r.CountMismatch {
		out = append(out, issue.Issue{
			Severity:    issue.SeverityWarn,
			Code:        issue.CodeRegression,
			Runtime:     runtime,
			Message:     fmt.Sprintf("test count differs: %d under old, %d under new", r.OldCount, r.NewCount),
			Remediation: issue.RemediationManualReview,
		})
	}
	return out
}
