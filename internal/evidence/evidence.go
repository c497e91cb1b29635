// Package evidence keeps the per-run output of every test execution in its
// own directory. Directories are created exclusively and never reused.
package evidence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	LogFile     = "output.log"
	ResultFile  = "result.json"
	ArtifactDir = "artifacts"

	stampLayout = "20060102T150405.000Z"
)

// Store is the root of all evidence directories.
type Store struct {
	fs   afero.Fs
	root string
	now  func() time.Time
}

// NewStore creates a store rooted at root on fs.
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root, now: time.Now}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Run is one evidence directory.
type Run struct {
	fs  afero.Fs
	Dir string `json:"dir"`
}

// Create makes a new directory <root>/<runtime>/<timestamp>-<suffix>.
// An existing directory with the same name is an error, never reused.
func (s *Store) Create(runtime string) (*Run, error) {
	parent := filepath.Join(s.root, runtime)
	if err := s.fs.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence root: %w", err)
	}
	name := s.now().UTC().Format(stampLayout) + "-" + uuid.NewString()[:8]
	dir := filepath.Join(parent, name)

	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("checking evidence dir: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("evidence dir %s already exists", dir)
	}
	if err := s.fs.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence dir: %w", err)
	}
	if err := s.fs.Mkdir(filepath.Join(dir, ArtifactDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &Run{fs: s.fs, Dir: dir}, nil
}

// Runs lists evidence directories for a runtime, oldest first.
func (s *Store) Runs(runtime string) ([]string, error) {
	parent := filepath.Join(s.root, runtime)
	infos, err := afero.ReadDir(s.fs, parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing evidence: %w", err)
	}
	var out []string
	for _, fi := range infos {
		if fi.IsDir() {
			out = append(out, filepath.Join(parent, fi.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest evidence directory for a runtime, or "".
func (s *Store) Latest(runtime string) (string, error) {
	runs, err := s.Runs(runtime)
	if err != nil || len(runs) == 0 {
		return "", err
	}
	return runs[len(runs)-1], nil
}

// Open returns the run stored in dir.
func (s *Store) Open(dir string) *Run {
	return &Run{fs: s.fs, Dir: dir}
}

// Log opens output.log for writing.
func (r *Run) Log() (io.WriteCloser, error) {
	f, err := r.fs.OpenFile(filepath.Join(r.Dir, LogFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	return f, nil
}

// ArtifactDir is where the test process writes its outputs.
func (r *Run) ArtifactDir() string {
	return filepath.Join(r.Dir, ArtifactDir)
}

// WriteResult stores v as result.json.
func (r *Run) WriteResult(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return afero.WriteFile(r.fs, filepath.Join(r.Dir, ResultFile), data, 0o644)
}

// ReadResult decodes result.json into v.
func (r *Run) ReadResult(v any) error {
	data, err := afero.ReadFile(r.fs, filepath.Join(r.Dir, ResultFile))
	if err != nil {
		return fmt.Errorf("reading result: %w", err)
	}
	return json.Unmarshal(data, v)
}
