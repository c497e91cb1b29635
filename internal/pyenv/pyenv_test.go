package pyenv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/logging"
)

// fakePython writes an executable that ignores its arguments and runs body.
func fakePython(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestActivate(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "old.env"), []byte("PANDAS_MODE=legacy\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	py := fakePython(t, `echo "$PANDAS_MODE" >&2; echo 0.19.2`)
	a := NewActivator(root, time.Second, logging.Discard())

	rt, err := a.Activate(context.Background(), config.RuntimeConfig{
		ID:          "old",
		Interpreter: py,
		Expect:      "~> 0.19.0",
		Probe:       "import pandas",
		EnvFile:     "old.env",
		Env:         map[string]string{"EXTRA": "1"},
		PythonPath:  []string{"src"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.Version != "0.19.2" {
		t.Errorf("expected version 0.19.2, got %s", rt.Version)
	}
	env := strings.Join(rt.Env, "\n")
	for _, want := range []string{"PANDAS_MODE=legacy", "EXTRA=1", "PYTHONPATH=" + filepath.Join(root, "src")} {
		if !strings.Contains(env, want) {
			t.Errorf("expected env to contain %s", want)
		}
	}
}

func TestActivateUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		rc     config.RuntimeConfig
		reason string
	}{
		{"missing interpreter", config.RuntimeConfig{ID: "old", Interpreter: "/nonexistent/python3"}, "command not found"},
		{"wrong version", config.RuntimeConfig{ID: "new", Interpreter: fakePython(t, "echo 1.0.5"), Probe: "x", Expect: "~> 1.1.0"}, "does not satisfy"},
		{"probe fails", config.RuntimeConfig{ID: "new", Interpreter: fakePython(t, "echo 'ImportError: no pandas' >&2; exit 1"), Probe: "x"}, "version probe failed"},
		{"probe hangs", config.RuntimeConfig{ID: "new", Interpreter: fakePython(t, "exec sleep 5"), Probe: "x"}, "version probe failed"},
		{"missing env file", config.RuntimeConfig{ID: "new", Interpreter: fakePython(t, "echo 1.1.0"), EnvFile: "nope.env"}, "reading env file"},
	}
	a := NewActivator(t.TempDir(), 200*time.Millisecond, logging.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Activate(context.Background(), tt.rc)
			var ue *UnavailableError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UnavailableError, got %v", err)
			}
			if ue.Runtime != tt.rc.ID {
				t.Errorf("expected runtime %s, got %s", tt.rc.ID, ue.Runtime)
			}
			if !strings.Contains(ue.Reason, tt.reason) {
				t.Errorf("expected reason containing %q, got %q", tt.reason, ue.Reason)
			}
			if ue.Issue().Runtime != tt.rc.ID {
				t.Error("issue must name the runtime")
			}
		})
	}
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		v, c string
		want bool
	}{
		{"0.19.2", "~> 0.19.0", true},
		{"0.20.0", "~> 0.19.0", false},
		{"1.1.5", ">= 1.1, < 1.2", true},
		{"1.2.0", ">= 1.1, < 1.2", false},
	}
	for _, tt := range tests {
		got, err := Satisfies(tt.v, tt.c)
		if err != nil {
			t.Fatalf("Satisfies(%s, %s): %v", tt.v, tt.c, err)
		}
		if got != tt.want {
			t.Errorf("Satisfies(%s, %s): expected %v, got %v", tt.v, tt.c, tt.want, got)
		}
	}
	if _, err := Satisfies("not-a-version", "~> 1.0"); err == nil {
		t.Error("expected parse error")
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	if strings.Join(got, ",") != "A=1,B=3,C=4" {
		t.Errorf("unexpected env %v", got)
	}
}

func TestWithDoesNotShareEnv(t *testing.T) {
	rt := &Runtime{ID: "x", Argv: []string{"python"}, Env: []string{"A=1"}}
	cp := rt.With(map[string]string{"B": "2"})
	if len(rt.Env) != 1 || len(cp.Env) != 2 {
		t.Errorf("expected copy to be independent, got %v and %v", rt.Env, cp.Env)
	}
}

func TestModulesOf(t *testing.T) {
	got := ModulesOf([]string{
		"from aqr.core.panel import Panel",
		"import statsmodels.api as sm",
		"import numpy as np, scipy",
		"from . import helpers",
		"from aqr.core.panel import Frame",
	})
	want := []string{"aqr.core.panel", "numpy", "scipy", "statsmodels.api"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ModulesOf() = %v, want %v", got, want)
	}
	if got := ModulesOf(nil); len(got) != 0 {
		t.Errorf("expected no modules, got %v", got)
	}
}

func TestMissingModules(t *testing.T) {
	missing, ok := MissingModules("missing: aqr.stats.ols\nchecked: 2\n")
	if !ok || len(missing) != 1 || missing[0] != "aqr.stats.ols" {
		t.Errorf("unexpected result %v %v", missing, ok)
	}
	if _, ok := MissingModules("Traceback (most recent call last):\n"); ok {
		t.Error("output without the checked line must not count as a completed check")
	}
}

func TestImportCheckWithInterpreter(t *testing.T) {
	py := fakePython(t, `echo "missing: aqr.core.panel"; echo "checked: 2"`)
	rt := &Runtime{ID: "new", Argv: []string{py}, Env: os.Environ()}
	out, err := rt.Command(context.Background(), ImportCheckArgs([]string{"aqr.core.panel", "numpy"})...).Output()
	if err != nil {
		t.Fatal(err)
	}
	missing, ok := MissingModules(string(out))
	if !ok || len(missing) != 1 || missing[0] != "aqr.core.panel" {
		t.Errorf("unexpected result %v %v", missing, ok)
	}
}
