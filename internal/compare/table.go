package compare

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Table is a parsed artifact. Row 0 is the header when the format has one.
type Table struct {
	Cells [][]string
}

// Shape is rows by columns. Ragged tables report their widest row.
func (t *Table) Shape() (int, int) {
	cols := 0
	for _, row := range t.Cells {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return len(t.Cells), cols
}

func (t *Table) cell(r, c int) string {
	if c < len(t.Cells[r]) {
		return t.Cells[r][c]
	}
	return ""
}

// FormatError means an artifact could not be read as a table.
type FormatError struct {
	Artifact string
	Reason   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: unsupported format: %s", e.Artifact, e.Reason)
}

// Parse reads data according to the extension of name.
func Parse(name string, data []byte) (*Table, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return parseDelimited(name, data, ',')
	case ".tsv":
		return parseDelimited(name, data, '\t')
	case ".json":
		return parseJSON(name, data)
	default:
		return nil, &FormatError{Artifact: name, Reason: fmt.Sprintf("extension %q", filepath.Ext(name))}
	}
}

func parseDelimited(name string, data []byte, sep rune) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sep
	r.FieldsPerRecord = -1
	if sep == '\t' {
		r.LazyQuotes = true
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, &FormatError{Artifact: name, Reason: err.Error()}
	}
	return &Table{Cells: rows}, nil
}

// parseJSON accepts an array of arrays, an array of objects, or the
// pandas "split" orient {"columns", "index", "data"}.
func parseJSON(name string, data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &FormatError{Artifact: name, Reason: err.Error()}
	}

	switch doc := v.(type) {
	case []any:
		return fromArray(name, doc)
	case map[string]any:
		return fromSplit(name, doc)
	default:
		return nil, &FormatError{Artifact: name, Reason: "top level is neither an array nor an object"}
	}
}

func fromArray(name string, doc []any) (*Table, error) {
	if len(doc) == 0 {
		return &Table{}, nil
	}
	switch doc[0].(type) {
	case []any:
		t := &Table{}
		for i, row := range doc {
			cells, ok := row.([]any)
			if !ok {
				return nil, &FormatError{Artifact: name, Reason: fmt.Sprintf("row %d is not an array", i)}
			}
			t.Cells = append(t.Cells, stringify(cells))
		}
		return t, nil
	case map[string]any:
		keys := map[string]bool{}
		for i, row := range doc {
			obj, ok := row.(map[string]any)
			if !ok {
				return nil, &FormatError{Artifact: name, Reason: fmt.Sprintf("row %d is not an object", i)}
			}
			for k := range obj {
				keys[k] = true
			}
		}
		header := make([]string, 0, len(keys))
		for k := range keys {
			header = append(header, k)
		}
		sort.Strings(header)
		t := &Table{Cells: [][]string{header}}
		for _, row := range doc {
			obj := row.(map[string]any)
			cells := make([]string, len(header))
			for i, k := range header {
				cells[i] = scalar(obj[k])
			}
			t.Cells = append(t.Cells, cells)
		}
		return t, nil
	default:
		return nil, &FormatError{Artifact: name, Reason: "array elements are neither arrays nor objects"}
	}
}

func fromSplit(name string, doc map[string]any) (*Table, error) {
	columns, ok := doc["columns"].([]any)
	if !ok {
		return nil, &FormatError{Artifact: name, Reason: `object without a "columns" array`}
	}
	rows, ok := doc["data"].([]any)
	if !ok {
		return nil, &FormatError{Artifact: name, Reason: `object without a "data" array`}
	}
	index, _ := doc["index"].([]any)
	if index != nil && len(index) != len(rows) {
		return nil, &FormatError{Artifact: name, Reason: fmt.Sprintf("index has %d entries for %d rows", len(index), len(rows))}
	}

	header := stringify(columns)
	if index != nil {
		header = append([]string{""}, header...)
	}
	t := &Table{Cells: [][]string{header}}
	for i, row := range rows {
		cells, ok := row.([]any)
		if !ok {
			return nil, &FormatError{Artifact: name, Reason: fmt.Sprintf("data row %d is not an array", i)}
		}
		out := stringify(cells)
		if index != nil {
			out = append([]string{scalar(index[i])}, out...)
		}
		t.Cells = append(t.Cells, out)
	}
	return t, nil
}

func stringify(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = scalar(v)
	}
	return out
}

// NullCell stands for a JSON null or a key missing from a record, so it
// never equals an empty string.
const NullCell = "<null>"

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return NullCell
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
