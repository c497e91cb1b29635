package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := Path(t.TempDir())

	if err := Acquire(path); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	held, pid, err := IsHeld(path)
	if err != nil {
		t.Fatal(err)
	}
	if !held || pid != os.Getpid() {
		t.Errorf("IsHeld = %v, %d; want true, %d", held, pid, os.Getpid())
	}

	// Re-acquiring from the owner is allowed.
	if err := Acquire(path); err != nil {
		t.Errorf("second Acquire by owner: %v", err)
	}

	if err := Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed")
	}
	if err := Release(path); err != nil {
		t.Errorf("Release of missing lock: %v", err)
	}
}

func TestAcquireHeldByOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	// PID 1 is always running on Linux.
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := Acquire(path)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if held.PID != 1 {
		t.Errorf("PID = %d, want 1", held.PID)
	}

	if err := Release(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("release must not remove a lock owned by another process")
	}
}

func TestAcquireStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Acquire(path); err != nil {
		t.Fatalf("Acquire over garbage lock: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock content = %q", data)
	}
}
