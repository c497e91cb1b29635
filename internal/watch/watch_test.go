package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/twinshift/twinshift/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatcherBatchesChanges(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := make(chan []string, 4)
	w, err := New(root, nil, func(_ context.Context, paths []string) error {
		got <- paths
		return nil
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	write := func(rel, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(root, rel), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("app/a.py", "import pandas as pd\n")
	write("app/b.py", "import pandas as pd\n")
	write("app/notes.txt", "ignored\n")
	write(".git/x.py", "ignored\n")

	want := map[string]bool{
		filepath.Join(root, "app", "a.py"): true,
		filepath.Join(root, "app", "b.py"): true,
	}
	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < len(want) {
		select {
		case paths := <-got:
			for _, p := range paths {
				if !want[p] {
					t.Errorf("unexpected path %s", p)
				}
				seen[p] = true
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestNewMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil, nil, logging.Discard())
	if err == nil {
		t.Error("expected error for a missing root")
	}
}
