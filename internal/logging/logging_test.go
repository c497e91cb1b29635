package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("incompatible construct", "rule", "panel-call")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "rule=panel-call") {
		t.Errorf("expected warn message with attrs, got %q", out)
	}
}

func TestSetupCreatesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := Setup("debug", dir, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Debug("hello")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading log dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), FilePrefix) {
		t.Fatalf("expected one twinshift log file, got %v", entries)
	}
}

func TestSetupConsoleLevel(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, err := Setup("warn", dir, &console)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.With("component", "runner").Info("only in the file")
	logger.Warn("everywhere")

	if out := console.String(); strings.Contains(out, "only in the file") || !strings.Contains(out, "everywhere") {
		t.Errorf("console should only get warn and above, got %q", out)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "component=runner") || !strings.Contains(string(data), "everywhere") {
		t.Errorf("file should record every level with attrs, got %q", data)
	}
}
