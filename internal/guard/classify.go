// Package guard detects data-mutating operations and holds them until an
// explicit approval is recorded.
package guard

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// Class is the outcome of classification.
type Class string

const (
	ClassNone     Class = "none"
	ClassRead     Class = "read"
	ClassMutating Class = "mutating"
)

// OpType is the mutating operation class.
type OpType string

const (
	OpDelete OpType = "delete-class"
	OpUpdate OpType = "update-class"
	OpInsert OpType = "insert-class"
)

// Classification describes a piece of SQL or code.
type Classification struct {
	Class   Class    `json:"class"`
	Op      OpType   `json:"op,omitempty"`
	Targets []string `json:"targets,omitempty"`
	// Verb is the SQL verb or API call that decided the class.
	Verb string `json:"verb,omitempty"`
	// Unrecognized lists the leading keywords of statements that are
	// neither a known verb nor transaction control. They count as
	// update-class mutations.
	Unrecognized []string `json:"unrecognized,omitempty"`
}

// Mutating reports whether the text needs approval.
func (c Classification) Mutating() bool { return c.Class == ClassMutating }

// sqlLexer tokenizes both SQL and the Python code that embeds it. Strings
// and comments are single tokens so keywords inside them are never seen.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*|#[^\n]*|/\*(?:[^*]|\*+[^*/])*\*+/`},
	{Name: "String", Pattern: `"""(?:[^"\\]|\\.|"[^"]|""[^"])*"""|'''(?:[^'\\]|\\.|'[^']|''[^'])*'''|'(?:''|\\.|[^'\\])*'|"(?:""|\\.|[^"\\])*"`},
	{Name: "Backtick", Pattern: "`[^`]*`"},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Number", Pattern: `[0-9]+(?:\.[0-9]+)?`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Punct", Pattern: `[^\sA-Za-z0-9_]`},
})

var (
	tokString   = sqlLexer.Symbols()["String"]
	tokBacktick = sqlLexer.Symbols()["Backtick"]
	tokIdent    = sqlLexer.Symbols()["Ident"]
	tokPunct    = sqlLexer.Symbols()["Punct"]
	tokComment  = sqlLexer.Symbols()["Comment"]
	tokSpace    = sqlLexer.Symbols()["Whitespace"]
	tokNumber   = sqlLexer.Symbols()["Number"]
)

// verbs maps a leading SQL keyword to its class.
var verbs = map[string]Classification{
	"DELETE":   {Class: ClassMutating, Op: OpDelete},
	"DROP":     {Class: ClassMutating, Op: OpDelete},
	"TRUNCATE": {Class: ClassMutating, Op: OpDelete},
	"UPDATE":   {Class: ClassMutating, Op: OpUpdate},
	"ALTER":    {Class: ClassMutating, Op: OpUpdate},
	"MERGE":    {Class: ClassMutating, Op: OpUpdate},
	"CREATE":   {Class: ClassMutating, Op: OpUpdate},
	"GRANT":    {Class: ClassMutating, Op: OpUpdate},
	"REVOKE":   {Class: ClassMutating, Op: OpUpdate},
	"INSERT":   {Class: ClassMutating, Op: OpInsert},
	"REPLACE":  {Class: ClassMutating, Op: OpInsert},
	"COPY":     {Class: ClassMutating, Op: OpInsert},
	"SELECT":   {Class: ClassRead},
	"SHOW":     {Class: ClassRead},
	"DESCRIBE": {Class: ClassRead},
	"DESC":     {Class: ClassRead},
	"EXPLAIN":  {Class: ClassRead},
	"VALUES":   {Class: ClassRead},
}

// control statements neither read nor change data.
var control = map[string]bool{
	"BEGIN": true, "START": true, "COMMIT": true, "END": true, "ROLLBACK": true, "ABORT": true,
	"SAVEPOINT": true, "RELEASE": true, "SET": true, "RESET": true,
}

// apiCalls maps library calls to their class. A leading dot means the
// name must be called as a method.
var apiCalls = map[string]Classification{
	".delete":          {Class: ClassMutating, Op: OpDelete},
	".delete_one":      {Class: ClassMutating, Op: OpDelete},
	".delete_many":     {Class: ClassMutating, Op: OpDelete},
	"delete_table":     {Class: ClassMutating, Op: OpDelete},
	".truncate":        {Class: ClassMutating, Op: OpDelete},
	"drop_table":       {Class: ClassMutating, Op: OpDelete},
	".drop_collection": {Class: ClassMutating, Op: OpDelete},
	".update_one":      {Class: ClassMutating, Op: OpUpdate},
	".update_many":     {Class: ClassMutating, Op: OpUpdate},
	".replace_one":     {Class: ClassMutating, Op: OpUpdate},
	"to_sql":           {Class: ClassMutating, Op: OpInsert},
	"insert_rows":      {Class: ClassMutating, Op: OpInsert},
	".insert_one":      {Class: ClassMutating, Op: OpInsert},
	".insert_many":     {Class: ClassMutating, Op: OpInsert},
	"append_rows":      {Class: ClassMutating, Op: OpInsert},
	"bulk_insert":      {Class: ClassMutating, Op: OpInsert},
	"read_sql":         {Class: ClassRead},
	"read_sql_query":   {Class: ClassRead},
	"read_sql_table":   {Class: ClassRead},
}

// tableCalls take the target table name as their first string argument.
var tableCalls = map[string]bool{
	"to_sql":          true,
	"delete_table":    true,
	"drop_table":      true,
	"truncate":        true,
	"insert_rows":     true,
	"append_rows":     true,
	"bulk_insert":     true,
	"drop_collection": true,
	"read_sql_table":  true,
}

type token struct {
	typ   lexer.TokenType
	value string
}

func (t token) is(word string) bool {
	return t.typ == tokIdent && strings.EqualFold(t.value, word)
}

func tokenize(text string) []token {
	lex, err := sqlLexer.LexString("", text)
	if err != nil {
		return nil
	}
	var out []token
	for {
		tok, err := lex.Next()
		if err != nil || tok.EOF() {
			return out
		}
		if tok.Type == tokComment || tok.Type == tokSpace {
			continue
		}
		out = append(out, token{typ: tok.Type, value: tok.Value})
	}
}

// Classify decides whether text reads, mutates or does neither. Text in
// which any statement starts with a SQL verb is treated as SQL; anything
// else is treated as code, where library calls and SQL held in string
// literals both count. When several statements are present the most
// destructive one wins.
func Classify(text string) Classification {
	toks := tokenize(text)
	if len(toks) == 0 {
		return Classification{Class: ClassNone}
	}
	if hasSQL(toks) {
		return classifySQL(toks)
	}
	return classifyCode(toks)
}

// ClassifySQL classifies text known to be SQL, such as a statement about
// to be sent to a database. Every statement is examined.
func ClassifySQL(text string) Classification {
	toks := tokenize(text)
	if len(toks) == 0 {
		return Classification{Class: ClassNone}
	}
	return classifySQL(toks)
}

func hasSQL(toks []token) bool {
	for _, stmt := range splitStatements(toks) {
		if _, ok := leadingVerb(stmt); ok {
			return true
		}
	}
	return false
}

func classifySQL(toks []token) Classification {
	var best Classification
	best.Class = ClassNone
	var targets, unknown []string
	for _, stmt := range splitStatements(toks) {
		var c Classification
		if verb, ok := leadingVerb(stmt); ok {
			c = verbs[strings.ToUpper(verb)]
			c.Verb = strings.ToUpper(verb)
		} else if word := firstWord(stmt); verbs[word].Class != "" {
			c = verbs[word]
			c.Verb = word
		} else {
			if control[word] {
				continue
			}
			unknown = append(unknown, word)
			c = Classification{Class: ClassMutating, Op: OpUpdate, Verb: word}
		}
		targets = append(targets, sqlTargets(stmt)...)
		best = stronger(best, c)
	}
	best.Targets = dedupe(targets)
	best.Unrecognized = unknown
	return best
}

func firstWord(stmt []token) string {
	for _, t := range stmt {
		if t.value == "(" {
			continue
		}
		if t.typ == tokIdent {
			return strings.ToUpper(t.value)
		}
		return t.value
	}
	return ""
}

func classifyCode(toks []token) Classification {
	best := Classification{Class: ClassNone}
	var targets []string

	for i, t := range toks {
		switch {
		case t.typ == tokString:
			body, ok := unquote(t.value)
			if !ok {
				continue
			}
			inner := tokenize(body)
			if len(inner) < 2 {
				continue
			}
			if !hasSQL(inner) {
				continue
			}
			c := classifySQL(inner)
			targets = append(targets, c.Targets...)
			best = stronger(best, c)

		case t.typ == tokIdent && i+1 < len(toks) && toks[i+1].value == "(":
			method := i > 0 && toks[i-1].value == "."
			c, ok := apiCalls[t.value]
			if !ok && method {
				c, ok = apiCalls["."+t.value]
			}
			if !ok {
				continue
			}
			c.Verb = t.value
			if t.value == "to_sql" && replacesTable(toks[i+1:]) {
				c.Op = OpUpdate
			}
			if tableCalls[t.value] {
				if name, ok := firstStringArg(toks[i+1:]); ok {
					targets = append(targets, name)
				}
			}
			best = stronger(best, c)
		}
	}
	best.Targets = dedupe(targets)
	return best
}

// leadingVerb returns the statement's verb, looking past a WITH clause to
// the first top-level keyword that follows the common table expressions.
// A verb must be followed by something SQL can follow it with, so
// delete(x) or values = 1 are not statements.
func leadingVerb(toks []token) (string, bool) {
	for len(toks) > 0 && toks[0].value == "(" {
		toks = toks[1:]
	}
	if len(toks) == 0 || toks[0].typ != tokIdent {
		return "", false
	}
	first := strings.ToUpper(toks[0].value)
	if first != "WITH" {
		if _, ok := verbs[first]; !ok || len(toks) < 2 || !continuesVerb(first, toks[1]) {
			return "", false
		}
		return toks[0].value, true
	}
	if !cteHeader(toks[1:]) {
		return "", false
	}
	depth := 0
	for _, t := range toks[1:] {
		switch t.value {
		case "(":
			depth++
			continue
		case ")":
			depth--
			continue
		}
		if depth != 0 || t.typ != tokIdent {
			continue
		}
		switch strings.ToUpper(t.value) {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
			return t.value, true
		}
	}
	return "", false
}

func continuesVerb(verb string, next token) bool {
	switch next.typ {
	case tokIdent, tokString, tokBacktick:
		return true
	case tokPunct:
		switch next.value {
		case "*":
			return true
		case "(":
			return verb == "VALUES" || verb == "EXPLAIN"
		}
		return false
	}
	return next.typ == tokNumber
}

// cteHeader matches [RECURSIVE] name [(columns)] AS ( after WITH.
func cteHeader(toks []token) bool {
	if len(toks) > 0 && toks[0].is("RECURSIVE") {
		toks = toks[1:]
	}
	if len(toks) == 0 || (toks[0].typ != tokIdent && toks[0].typ != tokBacktick && toks[0].typ != tokString) {
		return false
	}
	toks = toks[1:]
	if len(toks) > 0 && toks[0].value == "(" {
		depth := 0
		for i, t := range toks {
			if t.value == "(" {
				depth++
			} else if t.value == ")" {
				depth--
				if depth == 0 {
					toks = toks[i+1:]
					break
				}
			}
		}
		if depth != 0 {
			return false
		}
	}
	return len(toks) >= 2 && toks[0].is("AS") && toks[1].value == "("
}

func splitStatements(toks []token) [][]token {
	var out [][]token
	start := 0
	for i, t := range toks {
		if t.value == ";" && t.typ == tokPunct {
			if i > start {
				out = append(out, toks[start:i])
			}
			start = i + 1
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// sqlTargets runs the target sub-patterns in order: after FROM, after
// UPDATE, after INTO, after TABLE (skipping IF [NOT] EXISTS), then after
// the TRUNCATE and COPY verbs that may omit TABLE.
func sqlTargets(stmt []token) []string {
	var out []string
	for _, kw := range []string{"FROM", "UPDATE", "INTO", "TABLE", "TRUNCATE", "COPY"} {
		for i, t := range stmt {
			if !t.is(kw) {
				continue
			}
			rest := stmt[i+1:]
			rest = skipWords(rest, "ONLY")
			if kw == "TABLE" {
				rest = skipWords(rest, "IF", "NOT", "EXISTS")
			}
			if kw == "TRUNCATE" && len(rest) > 0 && rest[0].is("TABLE") {
				continue
			}
			if name, ok := qualifiedName(rest); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func skipWords(toks []token, words ...string) []token {
	for len(toks) > 0 {
		skipped := false
		for _, w := range words {
			if toks[0].is(w) {
				toks = toks[1:]
				skipped = true
				break
			}
		}
		if !skipped {
			return toks
		}
	}
	return toks
}

// qualifiedName reads schema.table style identifiers, unquoting "x" and
// `x` parts.
func qualifiedName(toks []token) (string, bool) {
	var parts []string
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		var part string
		switch {
		case t.typ == tokIdent:
			if _, reserved := verbs[strings.ToUpper(t.value)]; reserved {
				return "", false
			}
			if isClauseWord(t.value) {
				return "", false
			}
			part = t.value
		case t.typ == tokBacktick:
			part = strings.Trim(t.value, "`")
		case t.typ == tokString && strings.HasPrefix(t.value, `"`):
			part = strings.Trim(t.value, `"`)
		default:
			return "", false
		}
		parts = append(parts, part)
		if i+1 < len(toks) && toks[i+1].value == "." {
			i++
			continue
		}
		break
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "."), true
}

func isClauseWord(s string) bool {
	switch strings.ToUpper(s) {
	case "WHERE", "SET", "AS", "ON", "USING", "JOIN", "LEFT", "RIGHT", "INNER", "OUTER",
		"GROUP", "ORDER", "LIMIT", "HAVING", "UNION", "TABLE", "INTO", "FROM", "ONLY", "IF":
		return true
	}
	return false
}

// firstStringArg returns the first string literal argument of a call
// whose argument list starts at toks[0] == "(".
func firstStringArg(toks []token) (string, bool) {
	depth := 0
	for _, t := range toks {
		switch t.value {
		case "(":
			depth++
			continue
		case ")":
			depth--
			if depth == 0 {
				return "", false
			}
			continue
		}
		if depth == 1 && t.typ == tokString {
			return unquote(t.value)
		}
	}
	return "", false
}

// replacesTable reports whether a to_sql call passes if_exists='replace'.
func replacesTable(toks []token) bool {
	depth := 0
	for i, t := range toks {
		switch t.value {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return false
			}
		}
		if depth == 1 && t.is("if_exists") && i+2 < len(toks) && toks[i+1].value == "=" {
			v, _ := unquote(toks[i+2].value)
			return v == "replace"
		}
	}
	return false
}

func unquote(s string) (string, bool) {
	for _, q := range []string{`"""`, `'''`} {
		if len(s) >= 6 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[3 : len(s)-3], true
		}
	}
	if len(s) < 2 {
		return "", false
	}
	if s[0] == '"' {
		if v, err := strconv.Unquote(s); err == nil {
			return v, true
		}
	}
	if (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return "", false
}

func rank(c Classification) int {
	switch {
	case c.Class == ClassMutating && c.Op == OpDelete:
		return 4
	case c.Class == ClassMutating && c.Op == OpUpdate:
		return 3
	case c.Class == ClassMutating:
		return 2
	case c.Class == ClassRead:
		return 1
	}
	return 0
}

func stronger(a, b Classification) Classification {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func dedupe(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		key := strings.ToLower(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
