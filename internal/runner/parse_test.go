package runner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePytest(t *testing.T) {
	out := `tests/test_d.py::test_net SKIPPED (needs network)                [ 10%]
PASSED tests/test_a.py::test_x
FAILED tests/test_a.py::test_y - AssertionError: Series.values are different
ERROR tests/test_b.py - ImportError: cannot import name 'ols'
SKIPPED [1] tests/test_c.py:12: needs network
SKIPPED [1] tests/test_d.py:7: needs network
XFAIL tests/test_a.py::test_z - reason
XPASS tests/test_a.py::test_w
ERROR tests/test_a.py::test_x - RuntimeError: teardown
tests/test_a.py::test_x PASSED
`
	want := []TestCase{
		{ID: "tests/test_d.py::test_net", Status: StatusSkip, Attempt: 1},
		{ID: "tests/test_a.py::test_x", Status: StatusError, Attempt: 1},
		{ID: "tests/test_a.py::test_y", Status: StatusFail, Attempt: 1},
		{ID: "tests/test_b.py", Status: StatusError, Attempt: 1},
		{ID: "tests/test_a.py::test_z", Status: StatusSkip, Attempt: 1},
		{ID: "tests/test_a.py::test_w", Status: StatusPass, Attempt: 1},
		{ID: "tests/test_c.py:12", Status: StatusSkip, Attempt: 1},
	}
	if diff := cmp.Diff(want, parsePytest(out)); diff != "" {
		t.Errorf("parsePytest (-want +got):\n%s", diff)
	}
}

func TestParseUnittest(t *testing.T) {
	out := `test_resample (tests.test_prices.TestPrices) ... ok
test_rolling (tests.test_prices.TestPrices.test_rolling) ... FAIL
test_ols (tests.test_models.TestModels)
Fits a pooled model. ... ERROR
test_network (tests.test_io.TestIO) ... skipped 'offline'
test_known (tests.test_io.TestIO) ... expected failure

----------------------------------------------------------------------
Ran 5 tests in 0.120s

FAILED (failures=1, errors=1, skipped=1, expected failures=1)
`
	want := []TestCase{
		{ID: "tests.test_prices.TestPrices.test_resample", Status: StatusPass, Attempt: 1},
		{ID: "tests.test_prices.TestPrices.test_rolling", Status: StatusFail, Attempt: 1},
		{ID: "tests.test_models.TestModels.test_ols", Status: StatusError, Attempt: 1},
		{ID: "tests.test_io.TestIO.test_network", Status: StatusSkip, Attempt: 1},
		{ID: "tests.test_io.TestIO.test_known", Status: StatusSkip, Attempt: 1},
	}
	if diff := cmp.Diff(want, parseUnittest(out)); diff != "" {
		t.Errorf("parseUnittest (-want +got):\n%s", diff)
	}
}

func TestTail(t *testing.T) {
	got := tail("a\n\nb\nc\n\n", 2)
	if diff := cmp.Diff([]string{"b", "c"}, got); diff != "" {
		t.Errorf("tail (-want +got):\n%s", diff)
	}
}

func TestIsLocation(t *testing.T) {
	tests := map[string]bool{
		"tests/test_c.py:12":         true,
		"tests/test_c.py::test_x":    false,
		"tests/test_b.py":            false,
		"tests/test_c.py:":           false,
		"tests/test_c.py::test[1:2]": false,
	}
	for id, want := range tests {
		if got := IsLocation(id); got != want {
			t.Errorf("IsLocation(%q) = %v, want %v", id, got, want)
		}
	}
}
