// Package rollback undoes a migration by restoring the originals the
// migrator backed up.
package rollback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/state"
)

// Rollback restores files under Root from BackupDir.
type Rollback struct {
	fs        afero.Fs
	root      string
	backupDir string
	state     *state.State
}

// Options controls what gets rolled back.
type Options struct {
	Files       []string // project-relative slash paths; empty = every backup
	KeepBackups bool
	DryRun      bool
}

// Result holds the outcome of a rollback.
type Result struct {
	Restored   []string `yaml:"restored" json:"restored"`
	Missing    []string `yaml:"missing,omitempty" json:"missing,omitempty"`
	StateReset bool     `yaml:"state_reset" json:"state_reset"`
	Errors     []string `yaml:"errors,omitempty" json:"errors,omitempty"`
}

// New creates a rollback over a project. st may be nil.
func New(fs afero.Fs, root, backupDir string, st *state.State) *Rollback {
	return &Rollback{fs: fs, root: root, backupDir: backupDir, state: st}
}

// Backups lists the project-relative paths that have a backup.
func (r *Rollback) Backups() ([]string, error) {
	var rels []string
	err := afero.Walk(r.fs, r.backupDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.backupDir, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	sort.Strings(rels)
	return rels, nil
}

// Execute restores the selected backups. Each file continues even if a
// prior one fails.
func (r *Rollback) Execute(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}

	files := opts.Files
	if len(files) == 0 {
		var err error
		if files, err = r.Backups(); err != nil {
			return nil, err
		}
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		backup := filepath.Join(r.backupDir, filepath.FromSlash(rel))
		target := filepath.Join(r.root, filepath.FromSlash(rel))

		data, err := afero.ReadFile(r.fs, backup)
		if err != nil {
			if os.IsNotExist(err) {
				result.Missing = append(result.Missing, rel)
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("reading backup of %s: %v", rel, err))
			continue
		}
		info, err := r.fs.Stat(target)
		if err != nil {
			// Backups of files outside the project are kept by base name
			// only and cannot be placed back safely.
			result.Errors = append(result.Errors, fmt.Sprintf("%s: not in project: %v", rel, err))
			continue
		}
		if opts.DryRun {
			result.Restored = append(result.Restored, rel)
			continue
		}
		if err := afero.WriteFile(r.fs, target, data, info.Mode().Perm()); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restoring %s: %v", rel, err))
			continue
		}
		result.Restored = append(result.Restored, rel)
		if !opts.KeepBackups {
			if err := r.fs.Remove(backup); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("removing backup of %s: %v", rel, err))
			}
		}
	}

	if r.state != nil && !opts.DryRun && len(result.Restored) > 0 {
		r.state.Reset()
		r.state.ReportJSON = ""
		r.state.ReportText = ""
		result.StateReset = true
	}
	return result, nil
}
