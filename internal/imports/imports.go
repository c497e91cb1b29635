// Package imports inserts the import statements required by applied
// rules into a migrated module.
package imports

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/twinshift/twinshift/internal/pysyntax"
)

// codingCookie is the encoding declaration Python honours on line 1 or 2.
var codingCookie = regexp.MustCompile(`^[ \t\f]*#.*?coding[:=][ \t]*[-\w.]+`)

// Result is the outcome of an injection.
type Result struct {
	Source []byte
	Added  []string
	// Line is the 1-based line the block was inserted at, 0 if nothing
	// was added.
	Line int
}

// Inject adds every statement in required that src does not already
// contain verbatim. The statements are deduplicated, sorted and inserted
// as one block after the last top-level import, after a module docstring
// when there are no imports, or at the top of the file.
func Inject(ctx context.Context, src []byte, required []string) (*Result, error) {
	missing := Missing(src, required)
	if len(missing) == 0 {
		return &Result{Source: src}, nil
	}

	tree, err := pysyntax.Parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	at := insertionPoint(tree, src)
	block := strings.Join(missing, "\n") + "\n"
	prefix := ""
	if at > 0 && src[at-1] != '\n' {
		prefix = "\n"
	}

	var out bytes.Buffer
	out.Grow(len(src) + len(prefix) + len(block))
	out.Write(src[:at])
	out.WriteString(prefix)
	out.WriteString(block)
	out.Write(src[at:])

	return &Result{
		Source: out.Bytes(),
		Added:  missing,
		Line:   pysyntax.LineAt(src, at) + strings.Count(prefix, "\n"),
	}, nil
}

// Missing returns the sorted, deduplicated statements from required that
// do not already appear as a line of src.
func Missing(src []byte, required []string) []string {
	present := make(map[string]bool)
	for _, line := range strings.Split(string(src), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, stmt := range required {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || seen[stmt] || present[stmt] {
			continue
		}
		seen[stmt] = true
		out = append(out, stmt)
	}
	sort.Strings(out)
	return out
}

func insertionPoint(tree *pysyntax.Tree, src []byte) int {
	if imps := tree.TopLevelImports(); len(imps) > 0 {
		return lineEnd(src, imps[len(imps)-1].End)
	}
	if doc, ok := tree.Docstring(); ok {
		return lineEnd(src, doc.End)
	}
	return headerEnd(src)
}

// lineEnd returns the offset just past the newline ending the line that
// contains offset.
func lineEnd(src []byte, offset int) int {
	if i := bytes.IndexByte(src[offset:], '\n'); i >= 0 {
		return offset + i + 1
	}
	return len(src)
}

// headerEnd skips a shebang and a coding cookie at the top of the file.
func headerEnd(src []byte) int {
	pos := 0
	for n := 0; n < 2 && pos < len(src); n++ {
		end := lineEnd(src, pos)
		line := src[pos:end]
		isShebang := n == 0 && bytes.HasPrefix(line, []byte("#!"))
		if !isShebang && !codingCookie.Match(line) {
			break
		}
		pos = end
	}
	return pos
}
