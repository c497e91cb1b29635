// Package compare checks that artifacts produced under the two runtimes
// hold the same table.
package compare

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/issue"
)

// Reason explains a mismatch.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonShapeMismatch     Reason = "shape_mismatch"
	ReasonValueDifferences  Reason = "value_differences"
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonMissingArtifact   Reason = "missing_artifact"
)

// maxSamples bounds the differing cells kept on a Result.
const maxSamples = 10

// Cell is one differing position.
type Cell struct {
	Row int    `json:"row"`
	Col int    `json:"col"`
	A   string `json:"a"`
	B   string `json:"b"`
}

// Result is the outcome of comparing one artifact.
type Result struct {
	Artifact       string `json:"artifact"`
	Match          bool   `json:"match"`
	Reason         Reason `json:"reason,omitempty"`
	DifferingCells int    `json:"differing_cells"`
	ShapeA         [2]int `json:"shape_a"`
	ShapeB         [2]int `json:"shape_b"`
	Detail         string `json:"detail,omitempty"`
	Samples        []Cell `json:"samples,omitempty"`
}

// Issue reports a mismatch as a finding. Matches have no issue.
func (r Result) Issue() (issue.Issue, bool) {
	if r.Match {
		return issue.Issue{}, false
	}
	is := issue.Issue{
		Severity:    issue.SeverityError,
		Code:        issue.CodeRegression,
		File:        r.Artifact,
		Message:     string(r.Reason),
		Remediation: issue.RemediationManualReview,
	}
	switch r.Reason {
	case ReasonShapeMismatch:
		is.Message = fmt.Sprintf("shape %dx%d vs %dx%d", r.ShapeA[0], r.ShapeA[1], r.ShapeB[0], r.ShapeB[1])
	case ReasonValueDifferences:
		is.Message = fmt.Sprintf("%d differing cells", r.DifferingCells)
	case ReasonUnsupportedFormat:
		is.Code = issue.CodeComparison
		is.Severity = issue.SeverityWarn
		is.Message = r.Detail
	case ReasonMissingArtifact:
		is.Code = issue.CodeMissingArtifact
		is.Message = r.Detail
	}
	return is, true
}

// Tolerance allows numeric cells to differ. Two numbers match when
// |a-b| <= max(Abs, Rel*max(|a|,|b|)).
type Tolerance struct {
	Abs float64 `json:"abs" yaml:"abs"`
	Rel float64 `json:"rel" yaml:"rel"`
}

// Compare compares two artifacts exactly. The format comes from the
// artifact name.
func Compare(artifact string, a, b []byte) Result {
	return compare(artifact, a, b, nil)
}

// CompareApprox compares two artifacts allowing numeric cells to differ
// within tol.
func CompareApprox(artifact string, a, b []byte, tol Tolerance) Result {
	return compare(artifact, a, b, &tol)
}

func compare(artifact string, a, b []byte, tol *Tolerance) Result {
	res := Result{Artifact: artifact}
	ta, err := Parse(artifact, a)
	if err != nil {
		return unsupported(res, "old: ", err)
	}
	tb, err := Parse(artifact, b)
	if err != nil {
		return unsupported(res, "new: ", err)
	}
	return Tables(res, ta, tb, tol)
}

func unsupported(res Result, side string, err error) Result {
	res.Reason = ReasonUnsupportedFormat
	var fe *FormatError
	if errors.As(err, &fe) {
		res.Detail = side + fe.Reason
	} else {
		res.Detail = side + err.Error()
	}
	return res
}

// Tables compares parsed tables. Shape is checked first; values are only
// compared when shapes agree.
func Tables(res Result, a, b *Table, tol *Tolerance) Result {
	ra, ca := a.Shape()
	rb, cb := b.Shape()
	res.ShapeA = [2]int{ra, ca}
	res.ShapeB = [2]int{rb, cb}
	if ra != rb || ca != cb {
		res.Reason = ReasonShapeMismatch
		return res
	}
	for r := 0; r < ra; r++ {
		for c := 0; c < ca; c++ {
			va, vb := a.cell(r, c), b.cell(r, c)
			if equal(va, vb, tol) {
				continue
			}
			res.DifferingCells++
			if len(res.Samples) < maxSamples {
				res.Samples = append(res.Samples, Cell{Row: r, Col: c, A: va, B: vb})
			}
		}
	}
	if res.DifferingCells > 0 {
		res.Reason = ReasonValueDifferences
		return res
	}
	res.Match = true
	return res
}

func equal(a, b string, tol *Tolerance) bool {
	if a == b {
		return true
	}
	if tol == nil {
		return false
	}
	fa, errA := parseNumber(a)
	fb, errB := parseNumber(b)
	if errA != nil || errB != nil {
		return false
	}
	if math.IsNaN(fa) || math.IsNaN(fb) {
		return math.IsNaN(fa) && math.IsNaN(fb)
	}
	if math.IsInf(fa, 0) || math.IsInf(fb, 0) {
		return fa == fb
	}
	limit := math.Max(tol.Abs, tol.Rel*math.Max(math.Abs(fa), math.Abs(fb)))
	return math.Abs(fa-fb) <= limit
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan":
		return math.NaN(), nil
	case "inf", "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// Options controls directory comparison.
type Options struct {
	Tolerance *Tolerance
}

// CompareDirs pairs artifacts under dirA and dirB by relative path. A file
// present on one side only is a missing_artifact result.
func CompareDirs(fs afero.Fs, dirA, dirB string, opts Options) ([]Result, error) {
	filesA, err := listFiles(fs, dirA)
	if err != nil {
		return nil, err
	}
	filesB, err := listFiles(fs, dirB)
	if err != nil {
		return nil, err
	}

	names := map[string]bool{}
	for n := range filesA {
		names[n] = true
	}
	for n := range filesB {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	results := make([]Result, 0, len(sorted))
	for _, name := range sorted {
		_, inA := filesA[name]
		_, inB := filesB[name]
		switch {
		case !inA:
			results = append(results, Result{Artifact: name, Reason: ReasonMissingArtifact, Detail: "only produced by the new runtime"})
			continue
		case !inB:
			results = append(results, Result{Artifact: name, Reason: ReasonMissingArtifact, Detail: "not produced by the new runtime"})
			continue
		}
		a, err := afero.ReadFile(fs, filepath.Join(dirA, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		b, err := afero.ReadFile(fs, filepath.Join(dirB, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		results = append(results, compare(name, a, b, opts.Tolerance))
	}
	return results, nil
}

func listFiles(fs afero.Fs, dir string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	return out, nil
}
