// Package pyenv resolves a configured Python runtime into a command line
// and environment, and checks that the expected library version is there.
package pyenv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/joho/godotenv"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/issue"
)

// DefaultProbeTimeout bounds the version probe.
const DefaultProbeTimeout = 30 * time.Second

// Runtime is an activated interpreter.
type Runtime struct {
	ID      string   `json:"id"`
	Argv    []string `json:"argv"` // activation prefix followed by the interpreter
	Env     []string `json:"-"`
	Version string   `json:"version,omitempty"`
	Dir     string   `json:"-"`
}

// Command builds a process that runs the interpreter with args.
func (r *Runtime) Command(ctx context.Context, args ...string) *exec.Cmd {
	argv := append(append([]string{}, r.Argv...), args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append([]string{}, r.Env...)
	cmd.Dir = r.Dir
	return cmd
}

// With returns a copy of r with extra environment variables set.
func (r *Runtime) With(env map[string]string) *Runtime {
	cp := *r
	cp.Env = mergeEnv(r.Env, env)
	return &cp
}

// UnavailableError means a runtime could not be activated. Only that
// runtime is affected.
type UnavailableError struct {
	Runtime string
	Reason  string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime %s unavailable: %s: %v", e.Runtime, e.Reason, e.Err)
	}
	return fmt.Sprintf("runtime %s unavailable: %s", e.Runtime, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Issue converts the error into a user-facing finding.
func (e *UnavailableError) Issue() issue.Issue {
	return issue.Issue{
		Severity:    issue.SeverityError,
		Code:        issue.CodeRuntimeError,
		Runtime:     e.Runtime,
		Message:     e.Error(),
		Remediation: issue.RemediationRerun,
	}
}

// Activator turns runtime configuration into a usable Runtime.
type Activator struct {
	root         string
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewActivator creates an activator. Relative paths in runtime config are
// resolved against root.
func NewActivator(root string, probeTimeout time.Duration, logger *slog.Logger) *Activator {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Activator{root: root, probeTimeout: probeTimeout, logger: logger}
}

// Activate resolves rc, loads its env file, probes the library version and
// checks it against the expected constraint. Any failure is an
// *UnavailableError.
func (a *Activator) Activate(ctx context.Context, rc config.RuntimeConfig) (*Runtime, error) {
	unavailable := func(reason string, err error) error {
		a.logger.Warn("runtime unavailable", "runtime", rc.ID, "reason", reason, "error", err)
		return &UnavailableError{Runtime: rc.ID, Reason: reason, Err: err}
	}

	argv := append(append([]string{}, rc.Command...), rc.Interpreter)
	if rc.Interpreter == "" {
		return nil, unavailable("no interpreter configured", nil)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, unavailable("command not found", err)
	}

	extra := map[string]string{}
	if rc.EnvFile != "" {
		path := a.resolve(rc.EnvFile)
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, unavailable("reading env file "+path, err)
		}
		for k, v := range vars {
			extra[k] = v
		}
	}
	for k, v := range rc.Env {
		extra[k] = v
	}
	if len(rc.PythonPath) > 0 {
		paths := make([]string, len(rc.PythonPath))
		for i, p := range rc.PythonPath {
			paths[i] = a.resolve(p)
		}
		extra["PYTHONPATH"] = strings.Join(paths, string(os.PathListSeparator))
	}

	rt := &Runtime{ID: rc.ID, Argv: argv, Env: mergeEnv(os.Environ(), extra), Dir: a.root}

	probed, err := a.probe(ctx, rt, rc.Probe)
	if err != nil {
		return nil, unavailable("version probe failed", err)
	}
	rt.Version = probed

	if rc.Expect != "" {
		ok, err := Satisfies(probed, rc.Expect)
		if err != nil {
			return nil, unavailable("checking version", err)
		}
		if !ok {
			return nil, unavailable(fmt.Sprintf("version %s does not satisfy %s", probed, rc.Expect), nil)
		}
	}

	a.logger.Info("runtime activated", "runtime", rc.ID, "version", probed)
	return rt, nil
}

func (a *Activator) probe(ctx context.Context, rt *Runtime, code string) (string, error) {
	if code == "" {
		return "", nil
	}
	pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := rt.Command(pctx, "-c", code)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if pctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("timed out after %s", a.probeTimeout)
		}
		if msg := lastLine(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	v := lastLine(stdout.String())
	if v == "" {
		return "", fmt.Errorf("probe printed nothing")
	}
	return v, nil
}

func (a *Activator) resolve(p string) string {
	p = config.ExpandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.root, p)
}

// Satisfies reports whether the version v meets constraint.
func Satisfies(v, constraint string) (bool, error) {
	parsed, err := version.NewVersion(v)
	if err != nil {
		return false, fmt.Errorf("parsing version %q: %w", v, err)
	}
	c, err := version.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("parsing constraint %q: %w", constraint, err)
	}
	return c.Check(parsed), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// mergeEnv overrides base with extra. Later keys win; output is sorted by
// key for extra and keeps base order otherwise.
func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
