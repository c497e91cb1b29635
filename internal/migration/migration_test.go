package migration

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/logging"
	"github.com/twinshift/twinshift/internal/matcher"
	"github.com/twinshift/twinshift/internal/rules"
)

// stubEvaluator marks a file incompatible if any change is, without
// producing issues.
type stubEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (s *stubEvaluator) Evaluate(r *FileResult) (Verdict, []issue.Issue) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	for _, c := range r.Changes {
		if c.Compatibility == rules.Incompatible {
			return VerdictIncompatible, nil
		}
	}
	return VerdictCompatible, nil
}

type stubConfirmer struct {
	answer bool
	calls  int
}

func (s *stubConfirmer) Confirm(_ context.Context, _ ConfirmRequest) (bool, error) {
	s.calls++
	return s.answer, nil
}

func builtinMatcher(t *testing.T) *matcher.Matcher {
	t.Helper()
	c, err := rules.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	return matcher.New(c)
}

func catalogMatcher(t *testing.T, yaml string) *matcher.Matcher {
	t.Helper()
	c, err := rules.Parse([]byte("version: 1\nrules:\n"+yaml), "test")
	if err != nil {
		t.Fatal(err)
	}
	return matcher.New(c)
}

func TestMigrateRewritesAndDiffs(t *testing.T) {
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{}, logging.Discard())
	src := "import pandas as pd\n\nm = pd.rolling_mean(s, 5)\n"

	r, err := m.Migrate(context.Background(), "signals.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusMigrated {
		t.Fatalf("expected migrated, got %s", r.Status)
	}
	if want := "import pandas as pd\n\nm = s.rolling(5).mean()\n"; string(r.Transformed) != want {
		t.Errorf("expected %q, got %q", want, r.Transformed)
	}
	if len(r.Changes) != 1 || r.Changes[0].Rule != "rolling" || r.Changes[0].Line != 3 || r.Changes[0].Pass != 1 {
		t.Errorf("unexpected changes: %+v", r.Changes)
	}
	if len(r.Fingerprint) != 64 {
		t.Errorf("expected sha256 hex fingerprint, got %q", r.Fingerprint)
	}
	if !strings.Contains(r.Diff, "-m = pd.rolling_mean(s, 5)") || !strings.Contains(r.Diff, "+m = s.rolling(5).mean()") {
		t.Errorf("unexpected diff:\n%s", r.Diff)
	}
	if r.Verdict != VerdictCompatible {
		t.Errorf("expected compatible, got %s", r.Verdict)
	}
}

func TestMigrateUnchanged(t *testing.T) {
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{}, logging.Discard())
	r, err := m.Migrate(context.Background(), "plain.py", []byte("x = 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusUnchanged || r.Diff != "" || len(r.Changes) != 0 {
		t.Errorf("expected unchanged result, got %+v", r)
	}
}

func TestMigrateInjectsImports(t *testing.T) {
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{}, logging.Discard())
	src := "import pandas as pd\n\nr = pd.ols(y=a, x=b)\n"
	r, err := m.Migrate(context.Background(), "model.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	want := "import pandas as pd\nimport statsmodels.api as sm\n\nr = sm.OLS(a, sm.add_constant(b)).fit()\n"
	if string(r.Transformed) != want {
		t.Errorf("expected %q, got %q", want, r.Transformed)
	}
	if len(r.Imports) != 1 || r.Imports[0] != "import statsmodels.api as sm" {
		t.Errorf("unexpected imports: %v", r.Imports)
	}
	if r.Verdict != VerdictIncompatible {
		t.Errorf("expected incompatible, got %s", r.Verdict)
	}
}

func TestMigrateSkipsUnparsableSource(t *testing.T) {
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{}, logging.Discard())
	src := "def f(:\n    pd.rolling_mean(s, 2)\n"
	r, err := m.Migrate(context.Background(), "broken.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusSkipped || r.Unparsable == nil {
		t.Fatalf("expected skipped unparsable result, got %+v", r)
	}
	if string(r.Transformed) != src {
		t.Error("unparsable source must not be transformed")
	}
}

func TestMigrateRevertsInvalidRewrite(t *testing.T) {
	mt := catalogMatcher(t, "  - {id: breaker, tier: low, pattern: '\\bbreakme\\b', replacement: ')(', compatibility: compatible}\n")
	m := New(mt, &stubEvaluator{}, Options{}, logging.Discard())
	src := "breakme = 1\n"
	r, err := m.Migrate(context.Background(), "bad.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusReverted || r.Invalid == nil {
		t.Fatalf("expected reverted result, got %+v", r)
	}
	if string(r.Transformed) != src {
		t.Errorf("expected original content, got %q", r.Transformed)
	}
	if len(r.Invalid.Rules) != 1 || r.Invalid.Rules[0] != "breaker" {
		t.Errorf("expected breaker to be blamed, got %v", r.Invalid.Rules)
	}
}

func TestMigrateStopsAtPassLimit(t *testing.T) {
	mt := catalogMatcher(t, "  - {id: grow, tier: low, pattern: '\\bfoo\\b', replacement: 'foo', compatibility: compatible}\n")
	m := New(mt, &stubEvaluator{}, Options{MaxPasses: 2}, logging.Discard())
	r, err := m.Migrate(context.Background(), "loop.py", []byte("foo = 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !r.NonConvergent {
		t.Error("expected non-convergent result")
	}
	if r.Passes != 2 || len(r.Changes) != 2 {
		t.Errorf("expected 2 passes and 2 changes, got %d and %d", r.Passes, len(r.Changes))
	}
}

func TestMigrateConfirmPolicyDecline(t *testing.T) {
	confirm := &stubConfirmer{answer: false}
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{Policy: config.PolicyConfirm}, logging.Discard(), WithConfirmer(confirm))
	src := "r = pd.ols(y=a, x=b)\nm = pd.rolling_mean(s, 2)\n"
	r, err := m.Migrate(context.Background(), "model.py", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if confirm.calls != 1 {
		t.Errorf("expected one confirmation, got %d", confirm.calls)
	}
	if len(r.Declined) != 1 || r.Declined[0].Rule != "ols" {
		t.Fatalf("expected ols to be declined, got %+v", r.Declined)
	}
	want := "r = pd.ols(y=a, x=b)\nm = s.rolling(2).mean()\n"
	if string(r.Transformed) != want {
		t.Errorf("expected %q, got %q", want, r.Transformed)
	}
	if len(r.Imports) != 0 {
		t.Errorf("declined rewrite must not add imports, got %v", r.Imports)
	}
}

func TestMigrateConfirmPolicyAccept(t *testing.T) {
	confirm := &stubConfirmer{answer: true}
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{Policy: config.PolicyConfirm}, logging.Discard(), WithConfirmer(confirm))
	r, err := m.Migrate(context.Background(), "model.py", []byte("r = pd.ols(y=a, x=b)\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Declined) != 0 || len(r.Changes) != 1 {
		t.Errorf("expected accepted rewrite, got changes=%d declined=%d", len(r.Changes), len(r.Declined))
	}
}

func TestRunWritesBackupsAndSummary(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/proj"
	files := map[string]string{
		"/proj/a.py":     "x = pd.rolling_sum(s, 2)\n",
		"/proj/pkg/b.py": "df.set_value('r', 'c', 1)\n",
		"/proj/c.py":     "y = 2\n",
	}
	for p, content := range files {
		if err := afero.WriteFile(fs, p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	eval := &stubEvaluator{}
	opts := Options{Root: root, Workers: 2, BackupDir: "/proj/.twinshift/backup"}
	m := New(builtinMatcher(t), eval, opts, logging.Discard(), WithFs(fs))

	var mu sync.Mutex
	var seen []string
	sum, err := m.Run(context.Background(), []string{"/proj/pkg/b.py", "/proj/a.py", "/proj/c.py"}, func(r *FileResult) {
		mu.Lock()
		seen = append(seen, r.Path)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || eval.calls != 3 {
		t.Errorf("expected 3 callbacks and evaluations, got %d and %d", len(seen), eval.calls)
	}

	var paths []string
	for _, f := range sum.Files {
		paths = append(paths, f.Path)
	}
	if got := strings.Join(paths, ","); got != "a.py,c.py,pkg/b.py" {
		t.Errorf("expected sorted paths, got %s", got)
	}
	if sum.Counts[VerdictCompatible] != 3 {
		t.Errorf("expected 3 compatible files, got %v", sum.Counts)
	}
	if len(sum.Changed()) != 2 {
		t.Errorf("expected 2 changed files, got %d", len(sum.Changed()))
	}

	got, _ := afero.ReadFile(fs, "/proj/pkg/b.py")
	if string(got) != "df.at['r', 'c'] = 1\n" {
		t.Errorf("unexpected migrated content %q", got)
	}
	backup, err := afero.ReadFile(fs, filepath.Join("/proj/.twinshift/backup", "pkg", "b.py"))
	if err != nil {
		t.Fatalf("expected backup: %v", err)
	}
	if string(backup) != files["/proj/pkg/b.py"] {
		t.Errorf("backup does not hold the original, got %q", backup)
	}
	if ok, _ := afero.Exists(fs, "/proj/.twinshift/backup/c.py"); ok {
		t.Error("unchanged file must not be backed up")
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := "x = pd.rolling_sum(s, 2)\n"
	if err := afero.WriteFile(fs, "/proj/a.py", []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{Root: "/proj", DryRun: true}, logging.Discard(), WithFs(fs))
	sum, err := m.Run(context.Background(), []string{"/proj/a.py"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Files[0].Written {
		t.Error("dry run must not write")
	}
	got, _ := afero.ReadFile(fs, "/proj/a.py")
	if string(got) != src {
		t.Errorf("file changed during dry run: %q", got)
	}
}

func TestMigrateFileMissing(t *testing.T) {
	m := New(builtinMatcher(t), &stubEvaluator{}, Options{}, logging.Discard(), WithFs(afero.NewMemMapFs()))
	r, err := m.MigrateFile(context.Background(), "/nope.py")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusSkipped || r.ReadErr == nil {
		t.Errorf("expected skipped result with read error, got %+v", r)
	}
}
