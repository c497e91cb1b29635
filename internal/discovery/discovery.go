// Package discovery finds the Python files that need migrating.
package discovery

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/config"
)

// Skipped directory names.
var skipDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	".tox":          true,
	".nox":          true,
	".venv":         true,
	"venv":          true,
	"env":           true,
	"virtualenv":    true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".eggs":         true,
	"build":         true,
	"dist":          true,
	"migrations":    true,
	"node_modules":  true,
	config.StateDir: true,
}

// Skipped file names. Patterns use path.Match syntax.
var skipFiles = []string{"setup.py", "conftest.py", "requirements*.txt"}

// Protected path fragments are never touched.
var protected = []string{"site-packages", "vendor/", "dist-packages"}

// Options controls a walk.
type Options struct {
	Root    string
	Include []string // subdirectories of Root; empty means all of it
	Exclude []string // extra path fragments to skip
	Markers []string // a file is selected if it contains any
}

// OptionsFrom builds options from project config.
func OptionsFrom(p config.ProjectConfig) Options {
	return Options{Root: p.Root, Include: p.Include, Exclude: p.Exclude, Markers: p.Markers}
}

// File is a discovered candidate.
type File struct {
	Path    string `json:"path"` // relative to Root, slash separated
	Abs     string `json:"-"`
	Markers int    `json:"markers"` // number of lines referencing a marker
}

// Discover walks the project and returns files that reference a legacy
// marker, sorted by path.
func Discover(fs afero.Fs, opts Options) ([]File, error) {
	roots := []string{opts.Root}
	if len(opts.Include) > 0 {
		roots = roots[:0]
		for _, inc := range opts.Include {
			roots = append(roots, filepath.Join(opts.Root, inc))
		}
	}
	markers := opts.Markers
	if len(markers) == 0 {
		markers = []string{"pandas", "pd."}
	}

	seen := map[string]bool{}
	var files []File
	for _, root := range roots {
		err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == root {
					return nil
				}
				return err
			}
			rel, err := filepath.Rel(opts.Root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if info.IsDir() {
				if p != root && (skipDirs[info.Name()] || excluded(rel+"/", opts.Exclude)) {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(info.Name(), ".py") || skipFile(info.Name()) || excluded(rel, opts.Exclude) {
				return nil
			}
			if seen[rel] {
				return nil
			}
			n, err := countMarkers(fs, p, markers)
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			if n == 0 {
				return nil
			}
			seen[rel] = true
			files = append(files, File{Path: rel, Abs: p, Markers: n})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Paths returns the absolute paths of files.
func Paths(files []File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Abs
	}
	return out
}

// Protected reports whether rel lies in a path that must never be
// rewritten.
func Protected(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, frag := range protected {
		if strings.Contains(rel, frag) {
			return true
		}
	}
	return false
}

// SkipDir reports whether directories with this name are never walked.
func SkipDir(name string) bool {
	return skipDirs[name]
}

// Candidate reports whether rel, relative to the root, passes the path
// filters a walk applies. File content is not checked.
func Candidate(rel string, exclude []string) bool {
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(path.Dir(rel), "/") {
		if skipDirs[part] {
			return false
		}
	}
	name := path.Base(rel)
	return strings.HasSuffix(name, ".py") && !skipFile(name) && !excluded(rel, exclude)
}

func excluded(rel string, extra []string) bool {
	if Protected(rel) {
		return true
	}
	for _, frag := range extra {
		if frag != "" && strings.Contains(rel, filepath.ToSlash(frag)) {
			return true
		}
	}
	return false
}

func skipFile(name string) bool {
	for _, pattern := range skipFiles {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func countMarkers(fs afero.Fs, p string, markers []string) (int, error) {
	f, err := fs.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		for _, m := range markers {
			if strings.Contains(line, m) {
				n++
				break
			}
		}
	}
	return n, sc.Err()
}
