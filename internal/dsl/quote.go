package dsl

import (
	"strings"
	"unicode"

	"github.com/rendis/querypilot/pkg/schema"
)

// QuoteIdent quotes a single identifier for the dialect when it would not
// survive unquoted (upper-case letters, spaces, leading digits). Quotes
// inside the name are doubled.
func QuoteIdent(name string, dialect schema.Dialect) string {
	if name == "*" || isQuoted(name) || !needsQuoting(name) {
		return name
	}
	if dialect == schema.DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteRef quotes each part of a dotted reference independently.
func QuoteRef(ref string, dialect schema.Dialect) string {
	parts := strings.Split(ref, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p, dialect)
	}
	return strings.Join(parts, ".")
}

func needsQuoting(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9', r == '$':
			if i == 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '`' && s[len(s)-1] == '`')
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// isPlainRef reports whether s is a dotted identifier (parts may already be
// quoted, and the last may be *), as opposed to an expression.
func isPlainRef(s string) bool {
	if s == "" {
		return false
	}
	parts := strings.Split(s, ".")
	for i, p := range parts {
		switch {
		case p == "*":
			if i != len(parts)-1 || i == 0 {
				return false
			}
		case isQuoted(p):
		default:
			for j, r := range p {
				if j == 0 && !isIdentStart(r) {
					return false
				}
				if !isIdentPart(r) {
					return false
				}
			}
			if p == "" {
				return false
			}
		}
	}
	return true
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NULL": true, "IS": true, "IN": true,
	"TRUE": true, "FALSE": true, "LIKE": true, "ILIKE": true, "BETWEEN": true,
	"ON": true, "AS": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true,
	"END": true, "SELECT": true, "FROM": true, "WHERE": true, "JOIN": true,
	"LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true, "FULL": true,
	"GROUP": true, "BY": true, "ORDER": true, "HAVING": true, "LIMIT": true,
	"OFFSET": true, "DISTINCT": true, "ASC": true, "DESC": true, "UNION": true,
	"ALL": true, "WITH": true, "INTERVAL": true, "CAST": true, "EXISTS": true,
}

func isKeyword(tok string) bool {
	return keywords[strings.ToUpper(tok)]
}

type tokenKind int

const (
	tokOther tokenKind = iota
	tokString
	tokDoubleQuoted
	tokBacktick
	tokIdent
	tokNumber
)

type token struct {
	kind tokenKind
	text string
	// call is set for identifiers directly followed by "(".
	call bool
}

// scanSQL splits s into coarse tokens and rebuilds it from whatever visit
// returns for each. String literals and quoted identifiers are single tokens.
func scanSQL(s string, visit func(token) string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	readQuoted := func(i int, q rune) int {
		j := i + 1
		for j < len(rs) {
			if rs[j] == q {
				if j+1 < len(rs) && rs[j+1] == q {
					j += 2
					continue
				}
				return j + 1
			}
			j++
		}
		return j
	}

	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case r == '\'':
			j := readQuoted(i, '\'')
			b.WriteString(visit(token{kind: tokString, text: string(rs[i:j])}))
			i = j
		case r == '"':
			j := readQuoted(i, '"')
			b.WriteString(visit(token{kind: tokDoubleQuoted, text: string(rs[i:j])}))
			i = j
		case r == '`':
			j := readQuoted(i, '`')
			b.WriteString(visit(token{kind: tokBacktick, text: string(rs[i:j])}))
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || isIdentPart(rs[j])) {
				j++
			}
			b.WriteString(visit(token{kind: tokNumber, text: string(rs[i:j])}))
			i = j
		case isIdentStart(r):
			j := i
			for j < len(rs) && isIdentPart(rs[j]) {
				j++
			}
			k := j
			for k < len(rs) && unicode.IsSpace(rs[k]) {
				k++
			}
			call := k < len(rs) && rs[k] == '('
			b.WriteString(visit(token{kind: tokIdent, text: string(rs[i:j]), call: call}))
			i = j
		default:
			b.WriteString(visit(token{kind: tokOther, text: string(r)}))
			i++
		}
	}
	return b.String()
}

func unquote(text string) string {
	if len(text) < 2 {
		return text
	}
	q := text[:1]
	inner := text[1 : len(text)-1]
	return strings.ReplaceAll(inner, q+q, q)
}

// NormalizeQuoting rewrites identifier quoting in sql for the dialect.
// Bare identifiers that match a known mixed-case name (case-insensitively)
// are replaced by the quoted canonical spelling; backticks become double
// quotes on PostgreSQL, and double-quoted known names become backticks on
// MySQL. String literals are never touched.
func NormalizeQuoting(sql string, dialect schema.Dialect, known []string) string {
	canon := make(map[string]string)
	for _, k := range known {
		for _, part := range strings.Split(schema.TrimIdentQuotes(k), ".") {
			if part != "" {
				canon[strings.ToLower(part)] = part
			}
		}
	}

	return scanSQL(sql, func(t token) string {
		switch t.kind {
		case tokIdent:
			if t.call || isKeyword(t.text) {
				return t.text
			}
			if c, ok := canon[strings.ToLower(t.text)]; ok && needsQuoting(c) {
				return QuoteIdent(c, dialect)
			}
			return t.text
		case tokBacktick:
			if dialect == schema.DialectPostgres {
				name := unquote(t.text)
				return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
			}
			return t.text
		case tokDoubleQuoted:
			if dialect == schema.DialectMySQL {
				name := unquote(t.text)
				if c, ok := canon[strings.ToLower(name)]; ok {
					return "`" + strings.ReplaceAll(c, "`", "``") + "`"
				}
			}
			return t.text
		default:
			return t.text
		}
	})
}
