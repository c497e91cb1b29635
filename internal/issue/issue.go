// Package issue defines the findings every component reports to users.
package issue

import "fmt"

// Severity ranks an issue.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Remediation tells the user what to do about a failure.
type Remediation string

const (
	RemediationNone         Remediation = ""
	RemediationManualReview Remediation = "manual-review"
	RemediationRerun        Remediation = "rerun"
	RemediationReapprove    Remediation = "re-approve"
	RemediationInstall      Remediation = "install-module"
)

// Issue is a single finding. It names the construct, file or runtime it is
// about so it can be acted on without reading logs.
type Issue struct {
	Severity    Severity    `json:"severity"`
	Code        string      `json:"code"`
	File        string      `json:"file,omitempty"`
	Line        int         `json:"line,omitempty"`
	Rule        string      `json:"rule,omitempty"`
	Construct   string      `json:"construct,omitempty"`
	Runtime     string      `json:"runtime,omitempty"`
	Message     string      `json:"message"`
	Remediation Remediation `json:"remediation,omitempty"`
}

func (i Issue) String() string {
	loc := i.File
	if loc != "" && i.Line > 0 {
		loc = fmt.Sprintf("%s:%d", i.File, i.Line)
	}
	if loc == "" {
		loc = i.Runtime
	}
	s := fmt.Sprintf("[%s] %s", i.Severity, i.Code)
	if loc != "" {
		s += " " + loc
	}
	s += ": " + i.Message
	if i.Construct != "" {
		s += fmt.Sprintf(" (%s)", i.Construct)
	}
	if i.Remediation != RemediationNone {
		s += " -> " + string(i.Remediation)
	}
	return s
}

// Codes used across packages.
const (
	CodeIncompatibleRule = "incompatible-rule"
	CodePatternError     = "pattern-error"
	CodeSyntaxError      = "syntax-error"
	CodeSourceUnparsable = "source-unparsable"
	CodeNonConvergent    = "non-convergent"
	CodeNewOnlyAPI       = "new-only-api"
	CodeOccurrenceNote   = "review-rewrite"
	CodeDeclined         = "rewrite-declined"
	CodeRuntimeError     = "runtime-unavailable"
	CodeRunTimeout       = "run-timeout"
	CodeApprovalDenied   = "approval-denied"
	CodeComparison       = "comparison-format"
	CodeRegression       = "regression"
	CodeFileError        = "file-error"
	CodeMissingArtifact  = "missing-artifact"
	CodeSetupFailed      = "setup-failed"
	CodeBaseline         = "baseline-regression"
	CodeMissingModule    = "missing-module"
)
