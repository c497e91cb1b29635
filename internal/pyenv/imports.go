package pyenv

import (
	"sort"
	"strings"
)

const missingPrefix = "missing: "

// importCheck imports every module named in argv and prints the ones that
// fail. It never stops at the first failure.
const importCheck = `import importlib, sys
for name in sys.argv[1:]:
    try:
        importlib.import_module(name)
    except Exception:
        print("missing: %s" % name)
print("checked: %d" % (len(sys.argv) - 1))
`

// ModulesOf returns the modules named by import statements, sorted and
// without duplicates. "from a.b import c" names a.b; "import a.b as x, d"
// names a.b and d. Relative imports are skipped.
func ModulesOf(statements []string) []string {
	seen := map[string]bool{}
	for _, stmt := range statements {
		fields := strings.Fields(stmt)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "from":
			if !strings.HasPrefix(fields[1], ".") {
				seen[fields[1]] = true
			}
		case "import":
			rest := strings.TrimSpace(strings.TrimPrefix(stmt, "import"))
			for _, part := range strings.Split(rest, ",") {
				name, _, _ := strings.Cut(strings.TrimSpace(part), " ")
				if name != "" {
					seen[name] = true
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ImportCheckArgs are the interpreter arguments that check modules.
func ImportCheckArgs(modules []string) []string {
	return append([]string{"-c", importCheck}, modules...)
}

// MissingModules parses the output of an import check. ok is false when
// the output does not come from a completed check.
func MissingModules(output string) (missing []string, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if name, found := strings.CutPrefix(line, missingPrefix); found {
			missing = append(missing, strings.TrimSpace(name))
		}
		if strings.HasPrefix(line, "checked: ") {
			ok = true
		}
	}
	return missing, ok
}
