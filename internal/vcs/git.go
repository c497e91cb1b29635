// Package vcs reads and prepares the project's git working tree.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// BranchPrefix names branches created for a migration.
const BranchPrefix = "twinshift/"

// ErrNotRepository is returned when the root is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Git runs git in one directory.
type Git struct {
	Dir string
	// Binary defaults to "git".
	Binary string
}

// New returns a Git for dir.
func New(dir string) *Git {
	return &Git{Dir: dir}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepository reports whether Dir is inside a work tree.
func (g *Git) IsRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch, or HEAD when detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	if !g.IsRepository(ctx) {
		return "", ErrNotRepository
	}
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Dirty lists paths with uncommitted changes.
func (g *Git) Dirty(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if f := strings.Fields(line); len(f) >= 2 {
			paths = append(paths, f[len(f)-1])
		}
	}
	return paths, nil
}

// BranchName returns the migration branch name for t.
func BranchName(t time.Time) string {
	return BranchPrefix + t.UTC().Format("20060102-150405")
}

// CreateBranch creates and checks out name from the current HEAD.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	if !g.IsRepository(ctx) {
		return ErrNotRepository
	}
	_, err := g.run(ctx, "checkout", "-b", name)
	return err
}
