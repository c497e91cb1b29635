// Package engine drives a project through the migration workflow. It is
// shared by the CLI, the watch loop and the HTTP server.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/audit"
	"github.com/twinshift/twinshift/internal/compare"
	"github.com/twinshift/twinshift/internal/compat"
	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/database"
	"github.com/twinshift/twinshift/internal/discovery"
	"github.com/twinshift/twinshift/internal/evidence"
	"github.com/twinshift/twinshift/internal/guard"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/matcher"
	"github.com/twinshift/twinshift/internal/migration"
	"github.com/twinshift/twinshift/internal/pyenv"
	"github.com/twinshift/twinshift/internal/report"
	"github.com/twinshift/twinshift/internal/rules"
	"github.com/twinshift/twinshift/internal/runner"
	"github.com/twinshift/twinshift/internal/state"
	"github.com/twinshift/twinshift/internal/vcs"
	"github.com/twinshift/twinshift/internal/ws"
)

// Report file names under the state directory.
const (
	ReportJSON = "report.json"
	ReportText = "report.txt"
)

// ErrNoEvidence is returned by Compare when a runtime has no recorded run.
var ErrNoEvidence = errors.New("no test evidence for both runtimes")

// Publisher receives workflow events. *ws.Hub implements it.
type Publisher interface {
	Publish(msgType ws.MessageType, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(ws.MessageType, any) {}

// Engine is the migration workflow shared by all interfaces.
type Engine struct {
	Config *config.Config
	Logger *slog.Logger

	fs        afero.Fs
	hub       Publisher
	guard     *guard.Guard
	confirmer migration.Confirmer
	runner    *runner.Runner
	store     *evidence.Store
	db        database.Conn
	git       *vcs.Git
	statePath string

	mu          sync.Mutex
	state       *state.State
	catalog     *rules.Catalog
	files       []discovery.File
	summary     *migration.Summary
	baseline    *runner.Result
	tests       *runner.Pair
	setup       []*database.Result
	comparisons []compare.Result
	extra       []issue.Issue
	skipped     []issue.Issue
	report      *report.Report
}

// Option configures an Engine.
type Option func(*Engine)

// WithFs replaces the filesystem used for discovery, writes and evidence.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithPublisher sets where workflow events go.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.hub = p }
}

// WithGuard sets the guard that gates setup statements.
func WithGuard(g *guard.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithConfirmer sets who decides on incompatible rewrites under the
// confirm policy.
func WithConfirmer(c migration.Confirmer) Option {
	return func(e *Engine) { e.confirmer = c }
}

// WithRunner replaces the test runner and the evidence store it writes to.
func WithRunner(r *runner.Runner, store *evidence.Store) Option {
	return func(e *Engine) {
		e.runner = r
		e.store = store
	}
}

// WithDatabase uses an open connection for setup statements instead of
// dialing database.url.
func WithDatabase(conn database.Conn) Option {
	return func(e *Engine) { e.db = conn }
}

// WithGit replaces the git collaborator.
func WithGit(g *vcs.Git) Option {
	return func(e *Engine) { e.git = g }
}

// New creates an engine for cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		Config:    cfg,
		Logger:    logger,
		statePath: state.Path(cfg.Project.Root),
	}
	for _, o := range opts {
		o(e)
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.hub == nil {
		e.hub = nopPublisher{}
	}
	if e.guard == nil {
		e.guard = guard.New(guard.DenyApprover{}, "deny", &audit.MemoryStore{}, guard.OptionsFrom(cfg.Guard), logger)
	}
	if e.store == nil {
		e.store = evidence.NewStore(e.fs, cfg.Path(cfg.Evidence.Root))
	}
	if e.runner == nil {
		act := pyenv.NewActivator(cfg.Project.Root, 0, logger)
		e.runner = runner.New(cfg.Tests, cfg.Runtimes, act, runner.Process{}, e.store, logger)
	}
	if e.git == nil {
		e.git = vcs.New(cfg.Project.Root)
	}
	e.runner.OnStatus(func(rt, msg string) {
		e.hub.Publish(ws.MsgRuntimeStatus, map[string]string{"runtime": rt, "status": msg})
	})
	return e
}

// LoadState reads workflow progress from disk.
func (e *Engine) LoadState() (*state.State, error) {
	st, err := state.Load(e.statePath)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
	return st, nil
}

// SaveState persists workflow progress.
func (e *Engine) SaveState() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return fmt.Errorf("no state to save")
	}
	return e.state.Save(e.statePath)
}

func (e *Engine) currentState() *state.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		e.state = state.New()
	}
	return e.state
}

// Catalog loads the configured rule catalog once. A *rules.CatalogError
// means no rule is usable.
func (e *Engine) Catalog() (*rules.Catalog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.catalog != nil {
		return e.catalog, nil
	}

	path := ""
	if e.Config.Rules.Catalog != "" {
		path = e.Config.Path(e.Config.Rules.Catalog)
	}
	cat, err := rules.Load(path)
	if err != nil {
		return nil, err
	}
	if len(e.Config.Rules.AllowList) > 0 {
		if cat, err = cat.WithAllowList(e.Config.Rules.AllowList); err != nil {
			return nil, err
		}
	}
	for _, pe := range cat.Skipped() {
		e.Logger.Warn("skipping malformed rule", "rule", pe.RuleID, "reason", pe.Reason)
		e.skipped = append(e.skipped, pe.Issue())
	}
	e.Logger.Info("loaded rule catalog", "source", cat.Source(), "rules", len(cat.Rules()))
	e.catalog = cat
	return cat, nil
}

// Discover lists candidate files.
func (e *Engine) Discover(ctx context.Context) ([]discovery.File, error) {
	files, err := discovery.Discover(e.fs, discovery.OptionsFrom(e.Config.Project))
	if err != nil {
		return nil, fmt.Errorf("discovering files: %w", err)
	}
	e.mu.Lock()
	e.files = files
	e.mu.Unlock()
	e.Logger.Info("discovered files", "count", len(files))
	return files, nil
}

func (e *Engine) migrator(dryRun bool) (*migration.Migrator, error) {
	cat, err := e.Catalog()
	if err != nil {
		return nil, err
	}
	opts := migration.OptionsFrom(e.Config)
	opts.DryRun = opts.DryRun || dryRun
	options := []migration.Option{migration.WithFs(e.fs)}
	if e.confirmer != nil {
		options = append(options, migration.WithConfirmer(e.confirmer))
	}
	return migration.New(matcher.New(cat), compat.ForCatalog(cat, e.Logger), opts, e.Logger, options...), nil
}

// Migrate rewrites paths, or every discovered file when paths is empty.
// With dryRun nothing is written and the result is an analysis.
func (e *Engine) Migrate(ctx context.Context, paths []string, dryRun bool) (*migration.Summary, error) {
	m, err := e.migrator(dryRun)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		files, err := e.Discover(ctx)
		if err != nil {
			return nil, err
		}
		paths = discovery.Paths(files)
	}

	if !dryRun && !e.Config.Migration.DryRun && e.Config.Project.Branch {
		if err := e.createBranch(ctx); err != nil {
			return nil, err
		}
	}

	sum, err := m.Run(ctx, paths, func(r *migration.FileResult) {
		e.hub.Publish(ws.MsgFileResult, r)
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.summary = sum
	e.mu.Unlock()
	e.Logger.Info("migration finished", "files", len(sum.Files), "changed", len(sum.Changed()), "dry_run", dryRun)
	return sum, nil
}

func (e *Engine) createBranch(ctx context.Context) error {
	from, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("reading current branch: %w", err)
	}
	name := vcs.BranchName(time.Now())
	if err := e.git.CreateBranch(ctx, name); err != nil {
		return fmt.Errorf("creating migration branch: %w", err)
	}
	e.Logger.Info("created migration branch", "branch", name, "from", from)
	return nil
}

// Baseline runs the suite under the old runtime before anything is
// rewritten.
func (e *Engine) Baseline(ctx context.Context) (*runner.Result, error) {
	rc := e.Config.Runtimes.Old
	res, err := e.runner.Run(ctx, e.runner.Suite(), rc)
	if err != nil {
		return nil, err
	}
	st := e.currentState()
	e.mu.Lock()
	e.baseline = res
	st.Baseline[rc.ID] = res.Evidence
	e.mu.Unlock()
	e.hub.Publish(ws.MsgTestRun, res)
	return res, nil
}

// Setup runs tests.setup_sql through the guard. Statements that are denied
// or fail are recorded as issues; the rest still run.
func (e *Engine) Setup(ctx context.Context) ([]*database.Result, error) {
	stmts := e.Config.Tests.SetupSQL
	if len(stmts) == 0 {
		return nil, nil
	}
	conn := e.db
	if conn == nil {
		var err error
		conn, err = database.Connect(ctx, e.Config.Database)
		if err != nil {
			e.addIssue(issue.Issue{
				Severity:    issue.SeverityError,
				Code:        issue.CodeSetupFailed,
				Message:     fmt.Sprintf("connecting to the fixture database: %v", err),
				Remediation: issue.RemediationRerun,
			})
			return nil, err
		}
		defer conn.Close()
	}

	exec := database.New(conn, e.guard, e.Logger)
	results, err := exec.ExecAll(ctx, stmts)
	for _, res := range results {
		if res.Err == "" {
			continue
		}
		is := issue.Issue{
			Severity:    issue.SeverityError,
			Code:        issue.CodeSetupFailed,
			Construct:   guard.Excerpt(res.SQL, 80),
			Message:     res.Err,
			Remediation: issue.RemediationRerun,
		}
		if res.Denied {
			is.Code = issue.CodeApprovalDenied
			is.Remediation = issue.RemediationReapprove
		}
		e.addIssue(is)
	}
	e.mu.Lock()
	e.setup = results
	e.mu.Unlock()
	return results, err
}

// Verify checks that the modules added by rewrites import under both
// runtimes, then runs the suite under both.
func (e *Engine) Verify(ctx context.Context) (*runner.Pair, error) {
	e.CheckImports(ctx)
	pair, err := e.runner.RunBoth(ctx, e.runner.Suite())
	st := e.currentState()
	e.mu.Lock()
	e.tests = pair
	for _, res := range []*runner.Result{pair.Old, pair.New} {
		if res != nil {
			st.Evidence[res.Runtime] = res.Evidence
		}
	}
	e.mu.Unlock()
	for _, res := range []*runner.Result{pair.Old, pair.New} {
		if res != nil {
			e.hub.Publish(ws.MsgTestRun, res)
		}
	}
	return pair, err
}

// Rerun re-executes one test under runtimeID, starting from the latest
// run of that runtime.
func (e *Engine) Rerun(ctx context.Context, runtimeID, testID string) (*runner.Result, error) {
	prev, err := e.latest(runtimeID)
	if err != nil {
		return nil, err
	}
	res, err := e.runner.Rerun(ctx, prev, testID)
	if err != nil {
		return nil, err
	}

	st := e.currentState()
	e.mu.Lock()
	if e.tests == nil {
		e.tests = &runner.Pair{}
	}
	switch runtimeID {
	case e.Config.Runtimes.Old.ID:
		e.tests.Old = res
	case e.Config.Runtimes.New.ID:
		e.tests.New = res
	}
	st.Evidence[runtimeID] = res.Evidence
	e.mu.Unlock()
	e.hub.Publish(ws.MsgTestRun, res)
	return res, nil
}

// CheckImports imports every module that the last migration added to a
// file, under each runtime. Missing modules become runtime-named issues.
func (e *Engine) CheckImports(ctx context.Context) []runner.ImportCheck {
	e.mu.Lock()
	var stmts []string
	if e.summary != nil {
		for _, f := range e.summary.Files {
			stmts = append(stmts, f.Imports...)
		}
	}
	e.mu.Unlock()

	checks := e.runner.CheckImports(ctx, pyenv.ModulesOf(stmts))
	for _, c := range checks {
		if c.Err != "" {
			e.Logger.Warn("import check did not run", "runtime", c.Runtime, "error", c.Err)
			continue
		}
		for _, is := range c.Issues(e.Config.Runtimes.New.ID) {
			e.addIssue(is)
		}
	}
	return checks
}

// Compare diffs the artifacts of the latest old and new runs.
func (e *Engine) Compare(ctx context.Context) ([]compare.Result, error) {
	pair, err := e.latestPair()
	if err != nil {
		return nil, err
	}
	dirA := e.store.Open(pair.Old.Evidence).ArtifactDir()
	dirB := e.store.Open(pair.New.Evidence).ArtifactDir()
	var opts compare.Options
	if t := e.Config.Tests.Tolerance; t != nil {
		opts.Tolerance = &compare.Tolerance{Abs: t.Abs, Rel: t.Rel}
	}
	results, err := compare.CompareDirs(e.fs, dirA, dirB, opts)
	if err != nil {
		return nil, fmt.Errorf("comparing artifacts: %w", err)
	}
	e.mu.Lock()
	e.comparisons = results
	e.mu.Unlock()
	for _, r := range results {
		e.hub.Publish(ws.MsgComparison, r)
	}
	return results, nil
}

// Report builds the final report and writes it under the state directory.
func (e *Engine) Report(ctx context.Context) (*report.Report, error) {
	e.mu.Lock()
	in := report.Input{
		Root:        e.Config.Project.Root,
		Migration:   e.summary,
		Tests:       e.tests,
		Comparisons: e.comparisons,
		Extra:       append(append([]issue.Issue(nil), e.skipped...), e.extra...),
	}
	if e.baseline != nil && e.tests != nil && e.tests.Old != nil {
		reg := compare.Regressions(e.baseline, e.tests.Old)
		for _, is := range reg.Issues(e.baseline.Runtime) {
			is.Code = issue.CodeBaseline
			in.Extra = append(in.Extra, is)
		}
	}
	e.mu.Unlock()

	r := report.Generate(in)
	dir := e.Config.Path(config.StateDir)
	jsonPath := filepath.Join(dir, ReportJSON)
	textPath := filepath.Join(dir, ReportText)
	if err := report.WriteJSON(r, jsonPath); err != nil {
		return nil, err
	}
	if err := report.WriteText(r, textPath); err != nil {
		return nil, err
	}

	st := e.currentState()
	e.mu.Lock()
	e.report = r
	st.ReportJSON = jsonPath
	st.ReportText = textPath
	e.mu.Unlock()
	e.Logger.Info("report written", "path", jsonPath, "ready", r.Ready)
	return r, nil
}

// forget drops the results of an earlier run. The loaded catalog and
// its skipped rules are kept.
func (e *Engine) forget() {
	e.files = nil
	e.summary = nil
	e.baseline = nil
	e.tests = nil
	e.setup = nil
	e.comparisons = nil
	e.extra = nil
	e.report = nil
}

func (e *Engine) addIssue(is issue.Issue) {
	e.mu.Lock()
	e.extra = append(e.extra, is)
	e.mu.Unlock()
}

// latest returns the in-memory result for runtimeID, or the one recorded
// by the most recent run on disk.
func (e *Engine) latest(runtimeID string) (*runner.Result, error) {
	if _, err := e.runner.Runtime(runtimeID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	pair := e.tests
	e.mu.Unlock()
	if pair != nil {
		for _, res := range []*runner.Result{pair.Old, pair.New} {
			if res != nil && res.Runtime == runtimeID {
				return res, nil
			}
		}
	}

	dir, err := e.store.Latest(runtimeID)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, fmt.Errorf("runtime %s: %w", runtimeID, ErrNoEvidence)
	}
	res := &runner.Result{}
	if err := e.store.Open(dir).ReadResult(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) latestPair() (*runner.Pair, error) {
	old, err := e.latest(e.Config.Runtimes.Old.ID)
	if err != nil {
		return nil, err
	}
	nw, err := e.latest(e.Config.Runtimes.New.ID)
	if err != nil {
		return nil, err
	}
	if old.Evidence == "" || nw.Evidence == "" {
		return nil, ErrNoEvidence
	}
	return &runner.Pair{Old: old, New: nw}, nil
}

// Files returns the latest file results.
func (e *Engine) Files() []*migration.FileResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.summary == nil {
		return []*migration.FileResult{}
	}
	return e.summary.Files
}

// Tests returns the latest dual-runtime results, loading them from
// evidence when this process has not run the suite.
func (e *Engine) Tests() *runner.Pair {
	e.mu.Lock()
	pair := e.tests
	e.mu.Unlock()
	if pair != nil {
		return pair
	}
	pair = &runner.Pair{}
	pair.Old, _ = e.latest(e.Config.Runtimes.Old.ID)
	pair.New, _ = e.latest(e.Config.Runtimes.New.ID)
	return pair
}

// Comparisons returns the latest artifact comparisons.
func (e *Engine) Comparisons() []compare.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.comparisons
}

// SetupResults returns the outcome of the last setup phase.
func (e *Engine) SetupResults() []*database.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setup
}

// LastReport returns the report built by the last Report call.
func (e *Engine) LastReport() *report.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report
}

// Snapshot is the workflow view sent to live clients.
type Snapshot struct {
	Phase       state.Phase                      `json:"phase"`
	Phases      map[state.Phase]state.PhaseState `json:"phases"`
	Failure     string                           `json:"failure,omitempty"`
	Files       int                              `json:"files"`
	Changed     int                              `json:"changed"`
	Tests       *runner.Pair                     `json:"tests,omitempty"`
	Comparisons int                              `json:"comparisons"`
	Ready       *bool                            `json:"ready,omitempty"`
}

// Snapshot returns the current workflow view.
func (e *Engine) Snapshot() Snapshot {
	st := e.currentState()
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Phase:       st.Current,
		Phases:      make(map[state.Phase]state.PhaseState, len(st.Phases)),
		Failure:     st.Failure,
		Tests:       e.tests,
		Comparisons: len(e.comparisons),
	}
	for p, ps := range st.Phases {
		snap.Phases[p] = ps
	}
	if e.summary != nil {
		snap.Files = len(e.summary.Files)
		snap.Changed = len(e.summary.Changed())
	}
	if e.report != nil {
		ready := e.report.Ready
		snap.Ready = &ready
	}
	return snap
}

// SnapshotJSON encodes Snapshot for the websocket hub.
func (e *Engine) SnapshotJSON() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}
