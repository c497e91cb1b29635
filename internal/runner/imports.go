package runner

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/pyenv"
)

// ImportCheck is the outcome of importing modules under one runtime.
type ImportCheck struct {
	Runtime string   `json:"runtime"`
	Missing []string `json:"missing,omitempty"`
	// Err is set when the check itself could not run.
	Err string `json:"error,omitempty"`
}

// Issues converts missing modules to findings. A module missing under the
// new runtime breaks migrated code; under the old runtime it only breaks
// files meant to stay backward compatible.
func (c ImportCheck) Issues(newRuntime string) []issue.Issue {
	sev := issue.SeverityWarn
	if c.Runtime == newRuntime {
		sev = issue.SeverityError
	}
	out := make([]issue.Issue, 0, len(c.Missing))
	for _, m := range c.Missing {
		out = append(out, issue.Issue{
			Severity:    sev,
			Code:        issue.CodeMissingModule,
			Runtime:     c.Runtime,
			Construct:   m,
			Message:     fmt.Sprintf("module %s added by a rewrite cannot be imported", m),
			Remediation: issue.RemediationInstall,
		})
	}
	return out
}

// CheckImports imports modules under both runtimes concurrently. A runtime
// that cannot be activated is reported in Err; the test run reports it
// again with full detail.
func (r *Runner) CheckImports(ctx context.Context, modules []string) []ImportCheck {
	if len(modules) == 0 {
		return nil
	}
	checks := make([]ImportCheck, 2)
	var g errgroup.Group
	for i, rc := range []config.RuntimeConfig{r.runtimes.Old, r.runtimes.New} {
		g.Go(func() error {
			checks[i] = r.checkImports(ctx, rc, modules)
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

func (r *Runner) checkImports(ctx context.Context, rc config.RuntimeConfig, modules []string) ImportCheck {
	check := ImportCheck{Runtime: rc.ID}
	rt, err := r.activator.Activate(ctx, rc)
	if err != nil {
		check.Err = err.Error()
		return check
	}
	rt = rt.With(map[string]string{"TWINSHIFT_RUNTIME": rc.ID})

	cctx, cancel := context.WithTimeout(ctx, pyenv.DefaultProbeTimeout)
	defer cancel()
	var buf bytes.Buffer
	code, err := r.exec.Execute(cctx, rt, pyenv.ImportCheckArgs(modules), &buf)
	if err != nil {
		check.Err = err.Error()
		return check
	}
	missing, ok := pyenv.MissingModules(buf.String())
	if !ok {
		check.Err = fmt.Sprintf("import check exited with code %d: %s", code, strings.Join(tail(buf.String(), 1), ""))
		return check
	}
	check.Missing = missing
	if len(missing) > 0 {
		r.logger.Warn("modules missing", "runtime", rc.ID, "modules", missing)
	}
	return check
}
