package runner

import (
	"bufio"
	"regexp"
	"strings"
)

// Frameworks.
const (
	Pytest   = "pytest"
	Unittest = "unittest"
)

var (
	// PASSED tests/test_a.py::test_x
	// FAILED tests/test_a.py::test_y - AssertionError: boom
	// SKIPPED [1] tests/test_c.py:12: needs network
	pytestLine = regexp.MustCompile(`^(PASSED|FAILED|ERROR|SKIPPED|XFAIL|XPASS) (\[\d+\] )?(\S+?)(?::)?(?: - .*|: .*)?$`)

	// tests/test_c.py::test_net SKIPPED (needs network)     [ 50%]
	pytestVerbose = regexp.MustCompile(`^(\S+::\S+) (PASSED|FAILED|ERROR|SKIPPED|XFAIL|XPASS)(?:\s.*)?$`)

	// test_x (tests.test_a.TestA) ... ok
	// test_x (tests.test_a.TestA.test_x) ... FAIL
	unittestLine   = regexp.MustCompile(`^(\w+) \(([\w.]+)\)(?:\n.*)? \.\.\. (ok|FAIL|ERROR|skipped.*|expected failure|unexpected success)$`)
	unittestHeader = regexp.MustCompile(`^(\w+) \(([\w.]+)\)$`)
)

var pytestStatus = map[string]TestStatus{
	"PASSED":  StatusPass,
	"XPASS":   StatusPass,
	"FAILED":  StatusFail,
	"ERROR":   StatusError,
	"SKIPPED": StatusSkip,
	"XFAIL":   StatusSkip,
}

// parsePytest reads the per-test lines printed by -v and the short test
// summary printed by -rA. The summary names skips by path:line; such a
// location is kept only when no skipped node id of that file was seen.
func parsePytest(output string) []TestCase {
	var out, locations []TestCase
	seen := map[string]int{}
	skipped := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \r")
		if m := pytestVerbose.FindStringSubmatch(line); m != nil {
			tc := TestCase{ID: m[1], Status: pytestStatus[m[2]]}
			if tc.Status == StatusSkip {
				file, _, _ := strings.Cut(tc.ID, "::")
				skipped[file] = true
			}
			out = record(out, seen, tc)
			continue
		}
		m := pytestLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tc := TestCase{ID: m[3], Status: pytestStatus[m[1]]}
		if m[2] != "" && IsLocation(tc.ID) {
			locations = append(locations, tc)
			continue
		}
		out = record(out, seen, tc)
	}
	for _, tc := range locations {
		if file := tc.ID[:strings.LastIndex(tc.ID, ":")]; !skipped[file] {
			out = record(out, seen, tc)
		}
	}
	return out
}

// IsLocation reports whether id is a path:line skip location rather than
// a test that can be selected again.
func IsLocation(id string) bool {
	if strings.Contains(id, "::") {
		return false
	}
	i := strings.LastIndex(id, ":")
	if i < 0 || i == len(id)-1 {
		return false
	}
	for _, c := range id[i+1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseUnittest reads unittest -v lines. A docstring line may sit between
// the test name and its status.
func parseUnittest(output string) []TestCase {
	var out []TestCase
	seen := map[string]int{}
	var header string
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \r")
		candidate := line
		if header != "" && strings.Contains(line, " ... ") {
			candidate = header + "\n" + line
		}
		if m := unittestLine.FindStringSubmatch(candidate); m != nil {
			out = record(out, seen, TestCase{ID: unittestID(m[1], m[2]), Status: unittestStatus(m[3])})
			header = ""
			continue
		}
		if unittestHeader.MatchString(line) {
			header = line
		} else {
			header = ""
		}
	}
	return out
}

func unittestID(name, where string) string {
	if strings.HasSuffix(where, "."+name) {
		return where
	}
	return where + "." + name
}

func unittestStatus(s string) TestStatus {
	switch {
	case s == "ok", s == "unexpected success":
		return StatusPass
	case s == "FAIL":
		return StatusFail
	case s == "ERROR":
		return StatusError
	default:
		return StatusSkip
	}
}

// record keeps one entry per id. A later error beats an earlier pass, as
// pytest reports teardown errors after the test itself passed.
func record(out []TestCase, seen map[string]int, tc TestCase) []TestCase {
	if i, ok := seen[tc.ID]; ok {
		if rank(tc.Status) > rank(out[i].Status) {
			out[i].Status = tc.Status
		}
		return out
	}
	tc.Attempt = 1
	seen[tc.ID] = len(out)
	return append(out, tc)
}

func rank(s TestStatus) int {
	switch s {
	case StatusError:
		return 3
	case StatusFail:
		return 2
	case StatusPass:
		return 1
	}
	return 0
}

// tail returns the last n non-empty lines of output.
func tail(output string, n int) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
