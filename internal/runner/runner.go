// Package runner executes a test suite under each configured runtime and
// records per-test outcomes with their evidence.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/evidence"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/pyenv"
)

// TestStatus is the outcome of one test.
type TestStatus string

const (
	StatusPass  TestStatus = "pass"
	StatusFail  TestStatus = "fail"
	StatusError TestStatus = "error"
	StatusSkip  TestStatus = "skip"
)

// RunStatus is the outcome of a whole run.
type RunStatus string

const (
	RunPassed RunStatus = "passed"
	RunFailed RunStatus = "failed"
	RunError  RunStatus = "error"
)

// Reasons a run is an error.
const (
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "runtime_unavailable"
	ReasonInterrupted = "interrupted"
	ReasonInternal    = "internal_error"
	ReasonUsage       = "usage_error"
	ReasonNoTests     = "no_tests"
	ReasonExec        = "exec_error"
)

// TestCase is one test's outcome in one runtime.
type TestCase struct {
	ID      string     `json:"id"`
	Status  TestStatus `json:"status"`
	Attempt int        `json:"attempt"`
}

// Result is a run of a suite under one runtime. It is not modified after
// it is returned; a rerun produces a new Result.
type Result struct {
	Runtime  string        `json:"runtime"`
	Version  string        `json:"version,omitempty"`
	Status   RunStatus     `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	ExitCode int           `json:"exit_code"`
	Tests    []TestCase    `json:"tests"`
	Summary  []string      `json:"summary,omitempty"`
	Evidence string        `json:"evidence,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Issues   []issue.Issue `json:"issues,omitempty"`
}

// Lookup returns the test with id.
func (r *Result) Lookup(id string) (TestCase, bool) {
	for _, tc := range r.Tests {
		if tc.ID == id {
			return tc, true
		}
	}
	return TestCase{}, false
}

// Counts tallies tests by status.
func (r *Result) Counts() map[TestStatus]int {
	counts := make(map[TestStatus]int)
	for _, tc := range r.Tests {
		counts[tc.Status]++
	}
	return counts
}

func (r *Result) clone() *Result {
	cp := *r
	cp.Tests = append([]TestCase(nil), r.Tests...)
	cp.Summary = append([]string(nil), r.Summary...)
	cp.Issues = append([]issue.Issue(nil), r.Issues...)
	return &cp
}

// Pair holds the results of the two runtimes.
type Pair struct {
	Old *Result `json:"old"`
	New *Result `json:"new"`
}

// Selector picks what to run: paths or node ids.
type Selector struct {
	Paths []string
	Tests []string
}

// Activator resolves a runtime.
type Activator interface {
	Activate(ctx context.Context, rc config.RuntimeConfig) (*pyenv.Runtime, error)
}

// Executor runs one test process to completion and returns its exit code.
type Executor interface {
	Execute(ctx context.Context, rt *pyenv.Runtime, args []string, out io.Writer) (int, error)
}

// Process is the Executor that starts a real interpreter.
type Process struct {
	// WaitDelay bounds how long output is drained after the process is
	// killed.
	WaitDelay time.Duration
}

func (p Process) Execute(ctx context.Context, rt *pyenv.Runtime, args []string, out io.Writer) (int, error) {
	cmd := rt.Command(ctx, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	err := cmd.Run()
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0 {
		return cmd.ProcessState.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// StatusCallback reports progress.
type StatusCallback func(runtime, msg string)

// Runner runs suites.
type Runner struct {
	cfg       config.TestsConfig
	runtimes  config.RuntimesConfig
	activator Activator
	exec      Executor
	store     *evidence.Store
	logger    *slog.Logger
	onStatus  StatusCallback
}

// New creates a runner.
func New(cfg config.TestsConfig, runtimes config.RuntimesConfig, activator Activator, exec Executor, store *evidence.Store, logger *slog.Logger) *Runner {
	if exec == nil {
		exec = Process{}
	}
	return &Runner{cfg: cfg, runtimes: runtimes, activator: activator, exec: exec, store: store, logger: logger}
}

// OnStatus sets a progress callback.
func (r *Runner) OnStatus(cb StatusCallback) { r.onStatus = cb }

func (r *Runner) status(runtime, msg string) {
	if r.onStatus != nil {
		r.onStatus(runtime, msg)
	}
}

// Suite is the configured selector.
func (r *Runner) Suite() Selector {
	return Selector{Paths: r.cfg.Paths}
}

// Runtime returns the config for a runtime id.
func (r *Runner) Runtime(id string) (config.RuntimeConfig, error) {
	switch id {
	case r.runtimes.Old.ID:
		return r.runtimes.Old, nil
	case r.runtimes.New.ID:
		return r.runtimes.New, nil
	}
	return config.RuntimeConfig{}, fmt.Errorf("unknown runtime %q (expected %s or %s)", id, r.runtimes.Old.ID, r.runtimes.New.ID)
}

// RunBoth runs the suite under both runtimes concurrently. A failure in one
// runtime never cancels the other.
func (r *Runner) RunBoth(ctx context.Context, sel Selector) (*Pair, error) {
	pair := &Pair{}
	var g errgroup.Group
	g.Go(func() error {
		res, err := r.Run(ctx, sel, r.runtimes.Old)
		pair.Old = res
		return err
	})
	g.Go(func() error {
		res, err := r.Run(ctx, sel, r.runtimes.New)
		pair.New = res
		return err
	})
	return pair, g.Wait()
}

// Run executes sel under rc. Test failures, timeouts and unavailable
// runtimes are reported in the Result; the error is only set when no
// evidence could be recorded.
func (r *Runner) Run(ctx context.Context, sel Selector, rc config.RuntimeConfig) (*Result, error) {
	run, err := r.store.Create(rc.ID)
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", rc.ID, err)
	}
	res := &Result{Runtime: rc.ID, Evidence: run.Dir, Started: time.Now().UTC(), ExitCode: -1, Tests: []TestCase{}}
	defer func() {
		res.Duration = time.Since(res.Started)
		if err := run.WriteResult(res); err != nil {
			r.logger.Error("writing run result", "runtime", rc.ID, "error", err)
		}
	}()

	r.status(rc.ID, "activating")
	rt, err := r.activator.Activate(ctx, rc)
	if err != nil {
		var ue *pyenv.UnavailableError
		if !errors.As(err, &ue) {
			ue = &pyenv.UnavailableError{Runtime: rc.ID, Reason: "activation failed", Err: err}
		}
		res.Status, res.Reason = RunError, ReasonUnavailable
		res.Issues = append(res.Issues, ue.Issue())
		return res, nil
	}
	res.Version = rt.Version

	rt = rt.With(map[string]string{
		"PYTHONPYCACHEPREFIX":    filepath.Join(run.Dir, "pycache"),
		"TWINSHIFT_RUNTIME":      rc.ID,
		"TWINSHIFT_ARTIFACT_DIR": run.ArtifactDir(),
	})

	log, err := run.Log()
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", rc.ID, err)
	}
	defer log.Close()

	var buf bytes.Buffer
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.status(rc.ID, "running")
	r.logger.Info("running tests", "runtime", rc.ID, "version", rt.Version, "evidence", run.Dir)
	code, execErr := r.exec.Execute(rctx, rt, r.args(sel), io.MultiWriter(log, &buf))
	res.ExitCode = code

	output := buf.String()
	if r.framework() == Unittest {
		res.Tests = parseUnittest(output)
	} else {
		res.Tests = parsePytest(output)
	}
	if res.Tests == nil {
		res.Tests = []TestCase{}
	}
	lines := r.cfg.SummaryLines
	if lines <= 0 {
		lines = 20
	}
	res.Summary = tail(output, lines)

	switch {
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		res.Status, res.Reason = RunError, ReasonTimeout
		res.Issues = append(res.Issues, issue.Issue{
			Severity:    issue.SeverityError,
			Code:        issue.CodeRunTimeout,
			Runtime:     rc.ID,
			Message:     fmt.Sprintf("test run exceeded %s", timeout),
			Remediation: issue.RemediationRerun,
		})
	case execErr != nil:
		res.Status, res.Reason = RunError, ReasonExec
		res.Issues = append(res.Issues, runIssue(rc.ID, execErr.Error()))
	default:
		res.Status, res.Reason = r.classify(code, res.Tests)
		if res.Status == RunError {
			res.Issues = append(res.Issues, runIssue(rc.ID, fmt.Sprintf("test run ended with exit code %d (%s)", code, res.Reason)))
		}
	}

	r.status(rc.ID, string(res.Status))
	r.logger.Info("tests finished", "runtime", rc.ID, "status", res.Status, "reason", res.Reason, "tests", len(res.Tests))
	return res, nil
}

// ErrUnknownTest means a rerun named a test the previous run never saw.
var ErrUnknownTest = errors.New("test not in previous result")

// Rerun runs exactly one test again and returns a copy of prev with only
// that entry replaced. prev and its evidence are left as they were.
func (r *Runner) Rerun(ctx context.Context, prev *Result, testID string) (*Result, error) {
	if strings.TrimSpace(testID) == "" || strings.ContainsAny(testID, " \t\n") {
		return nil, fmt.Errorf("rerun needs exactly one test id, got %q", testID)
	}
	if IsLocation(testID) {
		return nil, fmt.Errorf("%s is a skip location, not a test id", testID)
	}
	old, ok := prev.Lookup(testID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTest, testID)
	}
	rc, err := r.Runtime(prev.Runtime)
	if err != nil {
		return nil, err
	}

	single, err := r.Run(ctx, Selector{Tests: []string{testID}}, rc)
	if err != nil {
		return nil, err
	}

	next := prev.clone()
	next.Evidence = single.Evidence
	next.Issues = append(next.Issues, single.Issues...)
	updated := TestCase{ID: testID, Status: StatusError, Attempt: old.Attempt + 1}
	if tc, found := single.Lookup(testID); found {
		updated.Status = tc.Status
	}
	for i := range next.Tests {
		if next.Tests[i].ID == testID {
			next.Tests[i] = updated
		}
	}
	next.Status, _ = r.classify(0, next.Tests)
	if next.Status != RunError {
		next.Reason = ""
	}
	r.logger.Info("test rerun", "runtime", prev.Runtime, "test", testID, "status", updated.Status, "attempt", updated.Attempt)
	return next, nil
}

func (r *Runner) framework() string {
	if r.cfg.Framework == Unittest {
		return Unittest
	}
	return Pytest
}

func (r *Runner) args(sel Selector) []string {
	targets := sel.Tests
	if len(targets) == 0 {
		targets = sel.Paths
	}
	if r.framework() == Unittest {
		args := []string{"-m", "unittest"}
		if len(sel.Tests) == 0 && len(targets) <= 1 {
			args = append(args, "discover", "-v")
			if len(targets) == 1 {
				args = append(args, "-s", targets[0], "-t", ".")
			}
			return append(args, r.cfg.Args...)
		}
		args = append(args, "-v")
		args = append(args, r.cfg.Args...)
		return append(args, targets...)
	}
	args := []string{"-m", "pytest", "-v", "-rA", "-p", "no:cacheprovider"}
	args = append(args, r.cfg.Args...)
	return append(args, targets...)
}

// classify maps an exit code and parsed tests to a run status. Interrupted,
// internal, usage and no-tests exits are errors, as is a run that parsed
// no tests at all.
func (r *Runner) classify(code int, tests []TestCase) (RunStatus, string) {
	if r.framework() == Pytest {
		switch code {
		case 2:
			return RunError, ReasonInterrupted
		case 3:
			return RunError, ReasonInternal
		case 4:
			return RunError, ReasonUsage
		case 5:
			return RunError, ReasonNoTests
		}
	} else if code == 5 {
		return RunError, ReasonNoTests
	}
	if len(tests) == 0 {
		return RunError, ReasonNoTests
	}
	failed := false
	for _, tc := range tests {
		if tc.Status == StatusFail || tc.Status == StatusError {
			failed = true
		}
	}
	if failed || code != 0 {
		return RunFailed, ""
	}
	return RunPassed, ""
}

func runIssue(runtime, msg string) issue.Issue {
	return issue.Issue{
		Severity:    issue.SeverityError,
		Code:        issue.CodeRuntimeError,
		Runtime:     runtime,
		Message:     msg,
		Remediation: issue.RemediationRerun,
	}
}
