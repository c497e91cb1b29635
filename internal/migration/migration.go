// Package migration runs the rewrite pipeline over project files: match,
// apply, inject imports, validate, score and write.
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/imports"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/matcher"
	"github.com/twinshift/twinshift/internal/pysyntax"
	"github.com/twinshift/twinshift/internal/rules"
)

// Evaluator scores a file result. It is implemented by the compat
// analyzer.
type Evaluator interface {
	Evaluate(r *FileResult) (Verdict, []issue.Issue)
}

// ConfirmRequest asks whether an incompatible rewrite may be applied.
type ConfirmRequest struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Rule        string `json:"rule"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Reason      string `json:"reason"`
}

// Confirmer decides on incompatible rewrites when the policy is confirm.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// ResultCallback is called once per finished file.
type ResultCallback func(r *FileResult)

// Options controls a migration run.
type Options struct {
	Root      string
	MaxPasses int
	Policy    string
	DryRun    bool
	Workers   int
	BackupDir string
}

// OptionsFrom builds options from the loaded config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Root:      cfg.Project.Root,
		MaxPasses: cfg.Rules.MaxPasses,
		Policy:    cfg.Rules.IncompatiblePolicy,
		DryRun:    cfg.Migration.DryRun,
		Workers:   cfg.Migration.Workers,
		BackupDir: cfg.Path(cfg.Migration.BackupDir),
	}
}

// Migrator rewrites files with one matcher.
type Migrator struct {
	fs      afero.Fs
	matcher *matcher.Matcher
	eval    Evaluator
	confirm Confirmer
	opts    Options
	logger  *slog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithConfirmer sets the confirmer used under the confirm policy.
func WithConfirmer(c Confirmer) Option {
	return func(m *Migrator) { m.confirm = c }
}

// WithFs replaces the filesystem, mainly for tests.
func WithFs(fs afero.Fs) Option {
	return func(m *Migrator) { m.fs = fs }
}

// New creates a migrator.
func New(mt *matcher.Matcher, eval Evaluator, opts Options, logger *slog.Logger, options ...Option) *Migrator {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyAutoApply
	}
	m := &Migrator{
		fs:      afero.NewOsFs(),
		matcher: mt,
		eval:    eval,
		opts:    opts,
		logger:  logger,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Run migrates every path with a bounded worker pool. A failure in one
// file never stops the others; only context cancellation ends the run
// early.
func (m *Migrator) Run(ctx context.Context, paths []string, cb ResultCallback) (*Summary, error) {
	sum := newSummary()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)

	for _, p := range paths {
		g.Go(func() error {
			r, err := m.MigrateFile(ctx, p)
			if err != nil {
				return err
			}
			sum.add(r)
			if cb != nil {
				cb(r)
			}
			return nil
		})
	}
	err := g.Wait()
	sum.sort()
	return sum, err
}

// MigrateFile migrates one file on disk. Only context errors are
// returned; everything else is recorded on the result.
func (m *Migrator) MigrateFile(ctx context.Context, path string) (*FileResult, error) {
	display := m.display(path)
	src, err := afero.ReadFile(m.fs, path)
	if err != nil {
		r := &FileResult{Path: display, Status: StatusSkipped, ReadErr: err}
		r.Verdict, r.Issues = m.eval.Evaluate(r)
		return r, nil
	}

	r, err := m.Migrate(ctx, display, src)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusMigrated || m.opts.DryRun {
		return r, nil
	}

	if err := m.write(path, r); err != nil {
		r.Issues = append(r.Issues, issue.Issue{
			Severity:    issue.SeverityError,
			Code:        issue.CodeFileError,
			File:        display,
			Message:     fmt.Sprintf("writing migrated file: %v", err),
			Remediation: issue.RemediationRerun,
		})
		return r, nil
	}
	r.Written = true
	m.logger.Info("migrated file", "file", display, "changes", len(r.Changes), "verdict", r.Verdict)
	return r, nil
}

// Migrate runs the pipeline on in-memory source. The returned result is
// never persisted by Migrate itself.
func (m *Migrator) Migrate(ctx context.Context, path string, src []byte) (*FileResult, error) {
	sum := sha256.Sum256(src)
	r := &FileResult{
		Path:        path,
		Fingerprint: hex.EncodeToString(sum[:]),
		Original:    src,
		Transformed: src,
	}

	if err := pysyntax.Validate(ctx, src); err != nil {
		var se *pysyntax.SyntaxError
		if !errors.As(err, &se) {
			return nil, err
		}
		r.Unparsable = se
		r.Status = StatusSkipped
		r.Verdict, r.Issues = m.eval.Evaluate(r)
		return r, nil
	}

	cur, err := m.rewrite(ctx, r, src)
	if err != nil {
		return nil, err
	}

	var required []string
	for _, c := range r.Changes {
		if c.Import != "" {
			required = append(required, c.Import)
		}
	}
	if len(required) > 0 {
		res, err := imports.Inject(ctx, cur, required)
		if err != nil {
			return nil, err
		}
		cur = res.Source
		r.Imports = res.Added
	}

	if err := pysyntax.Validate(ctx, cur); err != nil {
		var se *pysyntax.SyntaxError
		if !errors.As(err, &se) {
			return nil, err
		}
		r.Invalid = &SyntaxError{File: path, Line: se.Line, Rules: r.ruleIDs()}
		r.Status = StatusReverted
		m.logger.Warn("reverted file after invalid rewrite", "file", path, "line", se.Line)
		r.Verdict, r.Issues = m.eval.Evaluate(r)
		return r, nil
	}

	r.Transformed = cur
	if r.Changed() {
		r.Status = StatusMigrated
		r.Diff = unifiedDiff(path, src, cur)
	} else {
		r.Status = StatusUnchanged
	}
	r.Verdict, r.Issues = m.eval.Evaluate(r)
	return r, nil
}

// rewrite runs match and apply passes until a pass finds nothing to do or
// the pass limit is reached.
func (m *Migrator) rewrite(ctx context.Context, r *FileResult, src []byte) ([]byte, error) {
	cur := src
	declined := make(map[string]bool)
	skipped := make(map[string]bool)

	for pass := 1; ; pass++ {
		scan, err := m.matcher.Match(ctx, cur)
		if err != nil {
			return nil, err
		}
		if pass == 1 {
			r.Protected = len(scan.Protected)
		}
		for _, s := range scan.Skipped {
			key := s.RuleID + "\x00" + s.Original
			if !skipped[key] {
				skipped[key] = true
				r.Skipped = append(r.Skipped, s)
			}
		}

		var pending []matcher.Occurrence
		for _, o := range scan.Occurrences {
			if !declined[o.RuleID+"\x00"+o.Original] {
				pending = append(pending, o)
			}
		}
		if len(pending) == 0 {
			return cur, nil
		}
		if pass > m.opts.MaxPasses {
			r.NonConvergent = true
			m.logger.Warn("rewrite did not converge", "file", r.Path, "passes", m.opts.MaxPasses)
			return cur, nil
		}

		apply, err := m.confirmed(ctx, r, pending, pass, declined)
		if err != nil {
			return nil, err
		}
		if len(apply) == 0 {
			return cur, nil
		}
		next, err := matcher.Apply(cur, apply)
		if err != nil {
			return nil, fmt.Errorf("applying pass %d to %s: %w", pass, r.Path, err)
		}
		for _, o := range apply {
			r.Changes = append(r.Changes, changeOf(o, pass))
		}
		r.Passes = pass
		cur = next
	}
}

// confirmed filters out incompatible occurrences the confirmer declines.
// Declined constructs are remembered so later passes do not ask again.
func (m *Migrator) confirmed(ctx context.Context, r *FileResult, occs []matcher.Occurrence, pass int, declined map[string]bool) ([]matcher.Occurrence, error) {
	if m.opts.Policy != config.PolicyConfirm {
		return occs, nil
	}
	var out []matcher.Occurrence
	for _, o := range occs {
		if o.Compatibility != rules.Incompatible {
			out = append(out, o)
			continue
		}
		ok := false
		if m.confirm != nil {
			var err error
			ok, err = m.confirm.Confirm(ctx, ConfirmRequest{
				File:        r.Path,
				Line:        o.Line,
				Rule:        o.RuleID,
				Original:    o.Original,
				Replacement: o.Replacement,
				Reason:      o.Reason,
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				m.logger.Warn("confirmation failed", "file", r.Path, "rule", o.RuleID, "error", err)
				ok = false
			}
		}
		if ok {
			out = append(out, o)
			continue
		}
		declined[o.RuleID+"\x00"+o.Original] = true
		r.Declined = append(r.Declined, changeOf(o, pass))
	}
	return out, nil
}

func (r *FileResult) ruleIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, c := range r.Changes {
		if !seen[c.Rule] {
			seen[c.Rule] = true
			ids = append(ids, c.Rule)
		}
	}
	return ids
}

func (m *Migrator) display(path string) string {
	if m.opts.Root == "" {
		return path
	}
	rel, err := filepath.Rel(m.opts.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// write backs up the original and replaces the file through a rename.
func (m *Migrator) write(path string, r *FileResult) error {
	mode := os.FileMode(0o644)
	if info, err := m.fs.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	if m.opts.BackupDir != "" {
		backup := filepath.Join(m.opts.BackupDir, filepath.FromSlash(r.Path))
		if filepath.IsAbs(r.Path) {
			backup = filepath.Join(m.opts.BackupDir, filepath.Base(r.Path))
		}
		if err := m.fs.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return fmt.Errorf("creating backup directory: %w", err)
		}
		if err := afero.WriteFile(m.fs, backup, r.Original, mode); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
		r.Backup = backup
	}

	tmp := path + ".twinshift.tmp"
	if err := afero.WriteFile(m.fs, tmp, r.Transformed, mode); err != nil {
		return err
	}
	if err := m.fs.Rename(tmp, path); err != nil {
		_ = m.fs.Remove(tmp)
		return err
	}
	return nil
}

func unifiedDiff(path string, a, b []byte) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}
