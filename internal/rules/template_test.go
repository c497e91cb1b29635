package rules

import (
	"errors"
	"testing"
)

func rollingBindings() Bindings {
	return Bindings{
		Recv:   "pd",
		Callee: "pd.rolling_mean",
		Suffix: "mean",
		Args: []Arg{
			{Value: "df['a']", Text: "df['a']"},
			{Value: "5", Text: "5"},
			{Name: "min_periods", Value: "2", Text: "min_periods=2"},
		},
	}
}

func TestTemplateExpand(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"{0}.rolling({args:1}).{suffix}()", "df['a'].rolling(5, min_periods=2).mean()"},
		{"{0}.rolling({1}{rest:2})", "df['a'].rolling(5, min_periods=2)"},
		{"f({args})", "f(df['a'], 5, min_periods=2)"},
		{"f(x{rest:3})", "f(x)"},
		{"g({kw:min_periods})", "g(2)"},
		{"h(a{others:min_periods})", "h(a, df['a'], 5)"},
		{"{callee}", "pd.rolling_mean"},
		{"d = {{{0}: 1}}", "d = {df['a']: 1}"},
	}
	b := rollingBindings()
	for _, tt := range tests {
		tmpl, err := ParseTemplate(tt.tmpl)
		if err != nil {
			t.Fatalf("ParseTemplate(%q): %v", tt.tmpl, err)
		}
		got, err := tmpl.Expand(b)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tt.tmpl, err)
		}
		if got != tt.want {
			t.Errorf("Expand(%q): expected %q, got %q", tt.tmpl, tt.want, got)
		}
	}
}

func TestTemplateMissingValue(t *testing.T) {
	for _, src := range []string{"{3}", "{kw:pool}", "{recv}"} {
		tmpl, err := ParseTemplate(src)
		if err != nil {
			t.Fatal(err)
		}
		_, err = tmpl.Expand(Bindings{Args: []Arg{{Value: "x", Text: "x"}}})
		var me *MissingError
		if !errors.As(err, &me) {
			t.Errorf("Expand(%q): expected MissingError, got %v", src, err)
		}
	}
}

func TestParseTemplateErrors(t *testing.T) {
	for _, src := range []string{"{unknown}", "{args:x}", "{open", "close}", "{kw:}"} {
		if _, err := ParseTemplate(src); err == nil {
			t.Errorf("ParseTemplate(%q): expected error", src)
		}
	}
}

func TestBindingsKeyword(t *testing.T) {
	b := rollingBindings()
	if v, ok := b.Keyword("min_periods"); !ok || v != "2" {
		t.Errorf("expected min_periods=2, got %q %v", v, ok)
	}
	if _, ok := b.Keyword("center"); ok {
		t.Error("unexpected keyword center")
	}
	if n := b.PositionalCount(); n != 2 {
		t.Errorf("expected 2 positional args, got %d", n)
	}
}
