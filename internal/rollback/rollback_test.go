package rollback

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/state"
)

const (
	root   = "/proj"
	backup = "/proj/.twinshift/backup"
)

func setup(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/proj/app/signals.py":     "s.rolling(3).mean()\n",
		"/proj/app/io.py":          "df.to_numpy()\n",
		backup + "/app/signals.py": "pd.rolling_mean(s, 3)\n",
		backup + "/app/io.py":      "df.as_matrix()\n",
		backup + "/x.py":           "outside\n",
	}
	for p, body := range files {
		if err := afero.WriteFile(fs, p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func read(t *testing.T, fs afero.Fs, p string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, p)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestFullRollback(t *testing.T) {
	fs := setup(t)
	st := state.New()
	st.Current = state.PhaseDone
	st.ReportJSON = "/proj/.twinshift/report.json"
	st.Evidence["pandas-1.1"] = "/proj/.twinshift/runs/pandas-1.1/1"

	rb := New(fs, root, backup, st)
	result, err := rb.Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]string{"app/io.py", "app/signals.py"}, result.Restored); diff != "" {
		t.Errorf("restored mismatch (-want +got):\n%s", diff)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected 1 error for the file outside the project, got %v", result.Errors)
	}
	if got := read(t, fs, "/proj/app/signals.py"); got != "pd.rolling_mean(s, 3)\n" {
		t.Errorf("signals.py = %q", got)
	}
	if ok, _ := afero.Exists(fs, backup+"/app/signals.py"); ok {
		t.Error("backup should be removed after restore")
	}
	if !result.StateReset || st.Current != state.PhaseDiscover || st.ReportJSON != "" {
		t.Errorf("state not reset: %+v", st)
	}
	if st.Evidence["pandas-1.1"] == "" {
		t.Error("evidence pointers should be kept")
	}
}

func TestPartialRollback_SpecificFiles(t *testing.T) {
	fs := setup(t)
	rb := New(fs, root, backup, nil)
	result, err := rb.Execute(context.Background(), Options{
		Files:       []string{"app/io.py", "app/gone.py"},
		KeepBackups: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"app/io.py"}, result.Restored); diff != "" {
		t.Errorf("restored mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app/gone.py"}, result.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if got := read(t, fs, "/proj/app/signals.py"); got != "s.rolling(3).mean()\n" {
		t.Errorf("signals.py should be untouched, got %q", got)
	}
	if ok, _ := afero.Exists(fs, backup+"/app/io.py"); !ok {
		t.Error("backup should be kept")
	}
	if result.StateReset {
		t.Error("no state to reset")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	fs := setup(t)
	st := state.New()
	st.Current = state.PhaseDone
	rb := New(fs, root, backup, st)
	result, err := rb.Execute(context.Background(), Options{Files: []string{"app/signals.py"}, DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Restored) != 1 {
		t.Errorf("expected 1 file to restore, got %v", result.Restored)
	}
	if got := read(t, fs, "/proj/app/signals.py"); got != "s.rolling(3).mean()\n" {
		t.Errorf("dry run changed the file: %q", got)
	}
	if st.Current != state.PhaseDone {
		t.Errorf("dry run reset state to %s", st.Current)
	}
}

func TestNoBackups(t *testing.T) {
	rb := New(afero.NewMemMapFs(), root, backup, nil)
	result, err := rb.Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Restored) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected an empty result, got %+v", result)
	}
}
