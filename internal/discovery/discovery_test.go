package discovery

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func seed(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, body := range files {
		if err := afero.WriteFile(fs, name, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestDiscover(t *testing.T) {
	fs := seed(t, map[string]string{
		"/proj/app/prices.py":                   "import pandas as pd\nx = pd.ols(y=a, x=b)\n",
		"/proj/app/util.py":                     "import os\n",
		"/proj/app/models/stats.py":             "from pandas import rolling_mean\n",
		"/proj/setup.py":                        "import pandas\n",
		"/proj/tests/conftest.py":               "import pandas\n",
		"/proj/tests/test_prices.py":            "import pandas as pd\n",
		"/proj/.venv/lib/site.py":               "import pandas\n",
		"/proj/lib/site-packages/pd.py":         "import pandas\n",
		"/proj/build/lib/app/prices.py":         "import pandas\n",
		"/proj/app/migrations/0001.py":          "import pandas\n",
		"/proj/vendor/lib.py":                   "import pandas\n",
		"/proj/app/__pycache__/prices.py":       "import pandas\n",
		"/proj/notes.txt":                       "pandas\n",
		"/proj/.twinshift/backup/app/prices.py": "import pandas\n",
	})

	files, err := Discover(fs, Options{Root: "/proj"})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, f := range files {
		got = append(got, f.Path)
	}
	want := []string{"app/models/stats.py", "app/prices.py", "tests/test_prices.py"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("discovered (-want +got):\n%s", diff)
	}
	if files[1].Markers != 2 {
		t.Errorf("expected 2 marker lines in prices.py, got %d", files[1].Markers)
	}
	if files[1].Abs != "/proj/app/prices.py" {
		t.Errorf("unexpected abs path %s", files[1].Abs)
	}
}

func TestDiscoverIncludeExclude(t *testing.T) {
	fs := seed(t, map[string]string{
		"/proj/app/a.py":        "import pandas\n",
		"/proj/app/legacy/b.py": "import pandas\n",
		"/proj/tests/c.py":      "import pandas\n",
	})
	files, err := Discover(fs, Options{Root: "/proj", Include: []string{"app", "missing"}, Exclude: []string{"app/legacy"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "app/a.py" {
		t.Errorf("expected only app/a.py, got %+v", files)
	}
}

func TestDiscoverCustomMarkers(t *testing.T) {
	fs := seed(t, map[string]string{
		"/proj/a.py": "x = np.zeros(3)\n",
		"/proj/b.py": "import pandas\n",
	})
	files, err := Discover(fs, Options{Root: "/proj", Markers: []string{"np."}})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "a.py" {
		t.Errorf("expected only a.py, got %+v", files)
	}
}

func TestProtected(t *testing.T) {
	for _, p := range []string{"venv/lib/site-packages/x.py", "third/vendor/y.py"} {
		if !Protected(p) {
			t.Errorf("expected %s protected", p)
		}
	}
	if Protected("app/vendors.py") {
		t.Error("app/vendors.py is not protected")
	}
}

func TestCandidate(t *testing.T) {
	tests := []struct {
		rel  string
		want bool
	}{
		{"app/prices.py", true},
		{"prices.py", true},
		{"app/README.md", false},
		{"setup.py", false},
		{"tests/conftest.py", false},
		{".venv/lib/x.py", false},
		{"app/migrations/0001.py", false},
		{"lib/site-packages/pandas/core.py", false},
		{"app/generated/models.py", false},
	}
	for _, tt := range tests {
		if got := Candidate(tt.rel, []string{"generated/"}); got != tt.want {
			t.Errorf("Candidate(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
	if !SkipDir(".git") || SkipDir("app") {
		t.Error("unexpected SkipDir result")
	}
}
