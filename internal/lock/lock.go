// Package lock keeps two twinshift runs off the same project.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/twinshift/twinshift/internal/config"
)

const FileName = "twinshift.lock"

// Path returns the lock file for a project root.
func Path(root string) string {
	return filepath.Join(root, config.StateDir, FileName)
}

// HeldError is returned when a live process already owns the lock.
type HeldError struct {
	PID int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("another twinshift run is active on this project (PID %d)", e.PID)
}

// Acquire creates the lock file with the current PID. A stale lock left by
// a dead process is taken over.
func Acquire(path string) error {
	held, pid, err := IsHeld(path)
	if err != nil {
		return err
	}
	if held && pid != os.Getpid() {
		return &HeldError{PID: pid}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the lock file if this process owns it.
func Release(path string) error {
	_, pid, err := IsHeld(path)
	if err != nil {
		return err
	}
	if pid != 0 && pid != os.Getpid() {
		return nil
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// IsHeld checks if the lock is held by a running process. The PID is
// returned even when that process is gone.
func IsHeld(path string) (bool, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}
	return isProcessRunning(pid), pid, nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
