// Package compat classifies migrated files as compatible, incompatible or
// needing review under both runtimes.
package compat

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/migration"
	"github.com/twinshift/twinshift/internal/rules"
)

// Analyzer scores file results.
type Analyzer struct {
	newOnly []*regexp.Regexp
	logger  *slog.Logger
}

// New creates an analyzer. newOnly lists APIs that exist only in the new
// runtime; a migrated file using one is flagged.
func New(newOnly []*regexp.Regexp, logger *slog.Logger) *Analyzer {
	return &Analyzer{newOnly: newOnly, logger: logger}
}

// ForCatalog creates an analyzer using the catalog's new-only list.
func ForCatalog(c *rules.Catalog, logger *slog.Logger) *Analyzer {
	return New(c.NewOnly(), logger)
}

// Evaluate returns the verdict and issues for r. Any applied incompatible
// rule, and any reverted rewrite, makes the file incompatible regardless
// of how many compatible rules were also applied.
func (a *Analyzer) Evaluate(r *migration.FileResult) (migration.Verdict, []issue.Issue) {
	var issues []issue.Issue
	incompatible := false

	switch {
	case r.ReadErr != nil:
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityError,
			Code:        issue.CodeFileError,
			File:        r.Path,
			Message:     fmt.Sprintf("reading file: %v", r.ReadErr),
			Remediation: issue.RemediationRerun,
		})
		return migration.VerdictWarn, issues
	case r.Unparsable != nil:
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityWarn,
			Code:        issue.CodeSourceUnparsable,
			File:        r.Path,
			Line:        r.Unparsable.Line,
			Message:     "source does not parse; file left untouched",
			Remediation: issue.RemediationManualReview,
		})
		return migration.VerdictWarn, issues
	case r.Invalid != nil:
		incompatible = true
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityError,
			Code:        issue.CodeSyntaxError,
			File:        r.Path,
			Line:        r.Invalid.Line,
			Rule:        strings.Join(r.Invalid.Rules, ","),
			Message:     "rewrite produced invalid syntax; file reverted",
			Remediation: issue.RemediationManualReview,
		})
	}

	for _, c := range r.Changes {
		if c.Compatibility != rules.Incompatible {
			if c.Note != "" {
				issues = append(issues, issue.Issue{
					Severity:    issue.SeverityWarn,
					Code:        issue.CodeOccurrenceNote,
					File:        r.Path,
					Line:        c.Line,
					Rule:        c.Rule,
					Construct:   c.Original,
					Message:     c.Note,
					Remediation: issue.RemediationManualReview,
				})
			}
			continue
		}
		incompatible = true
		msg := c.Reason
		if msg == "" {
			msg = "replacement does not run under the old runtime"
		}
		if c.Note != "" {
			msg += "; " + c.Note
		}
		a.logger.Warn("incompatible construct", "file", r.Path, "line", c.Line, "rule", c.Rule, "construct", c.Original, "reason", c.Reason)
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityWarn,
			Code:        issue.CodeIncompatibleRule,
			File:        r.Path,
			Line:        c.Line,
			Rule:        c.Rule,
			Construct:   c.Original,
			Message:     msg,
			Remediation: issue.RemediationManualReview,
		})
	}

	for _, c := range r.Declined {
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityWarn,
			Code:        issue.CodeDeclined,
			File:        r.Path,
			Line:        c.Line,
			Rule:        c.Rule,
			Construct:   c.Original,
			Message:     "incompatible rewrite declined; construct left unchanged",
			Remediation: issue.RemediationManualReview,
		})
	}

	for _, s := range r.Skipped {
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityWarn,
			Code:        issue.CodePatternError,
			File:        r.Path,
			Line:        s.Line,
			Rule:        s.RuleID,
			Construct:   s.Original,
			Message:     "rule matched but could not be applied: " + s.Reason,
			Remediation: issue.RemediationManualReview,
		})
	}

	if r.NonConvergent {
		issues = append(issues, issue.Issue{
			Severity:    issue.SeverityWarn,
			Code:        issue.CodeNonConvergent,
			File:        r.Path,
			Message:     fmt.Sprintf("rules still matched after %d passes", r.Passes),
			Remediation: issue.RemediationManualReview,
		})
	}

	if r.Invalid == nil {
		issues = append(issues, a.newOnlyIssues(r)...)
	}

	switch {
	case incompatible:
		return migration.VerdictIncompatible, issues
	case len(issues) > 0:
		return migration.VerdictWarn, issues
	default:
		return migration.VerdictCompatible, nil
	}
}

// newOnlyIssues flags lines of the transformed text that call APIs the
// old runtime does not have.
func (a *Analyzer) newOnlyIssues(r *migration.FileResult) []issue.Issue {
	if len(a.newOnly) == 0 {
		return nil
	}
	var out []issue.Issue
	for i, line := range strings.Split(string(r.Transformed), "\n") {
		code := line
		if hash := strings.IndexByte(code, '#'); hash >= 0 {
			code = code[:hash]
		}
		for _, re := range a.newOnly {
			if m := re.FindString(code); m != "" {
				out = append(out, issue.Issue{
					Severity:    issue.SeverityWarn,
					Code:        issue.CodeNewOnlyAPI,
					File:        r.Path,
					Line:        i + 1,
					Construct:   strings.TrimSpace(line),
					Message:     fmt.Sprintf("%s is not available in the old runtime", strings.TrimSuffix(strings.TrimPrefix(m, "."), "(")),
					Remediation: issue.RemediationManualReview,
				})
			}
		}
	}
	return out
}
