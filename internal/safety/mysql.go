package safety

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xwb1989/sqlparser"
)

// Words that must never appear in an EXPLAIN/DESCRIBE statement, which the
// MySQL parser accepts without looking at its body.
var mutatingWords = map[string]bool{
	"analyze": true, "insert": true, "update": true, "delete": true, "drop": true,
	"create": true, "alter": true, "truncate": true, "grant": true, "revoke": true,
	"replace": true, "merge": true, "call": true, "exec": true, "execute": true,
}

func (v *Validator) checkMySQL(sql string) error {
	prepared := prepare(sql)
	if strings.TrimSpace(prepared) == "" {
		return violation(ReasonEmpty, "empty SQL statement")
	}

	pieces, err := sqlparser.SplitStatementToPieces(prepared)
	if err != nil {
		return violation(ReasonUnparseable, "SQL could not be tokenized").WithCause(err)
	}
	var stmts []string
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			stmts = append(stmts, p)
		}
	}
	switch {
	case len(stmts) == 0:
		return violation(ReasonEmpty, "empty SQL statement")
	case len(stmts) > 1:
		return violation(ReasonMultiStatement, "only a single statement is allowed")
	}

	stmt, err := sqlparser.Parse(stmts[0])
	if err != nil {
		return violation(ReasonUnparseable, "SQL could not be parsed").WithCause(err)
	}

	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect, *sqlparser.Show:
	case *sqlparser.OtherRead:
		if w := firstMutatingWord(stmts[0]); w != "" {
			return violation(ReasonNotReadOnly, fmt.Sprintf("%s is not allowed in a describe statement", strings.ToUpper(w)))
		}
	default:
		return violation(ReasonNotReadOnly, fmt.Sprintf("%s statements are not allowed", statementName(stmt)))
	}

	return v.walkMySQL(stmt)
}

func (v *Validator) walkMySQL(stmt sqlparser.Statement) error {
	var found error
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.FuncExpr:
			qualified := n.Name.Lowered()
			if !n.Qualifier.IsEmpty() {
				qualified = strings.ToLower(n.Qualifier.String()) + "." + qualified
			}
			if err := v.denied(qualified); err != nil {
				found = err
				return false, nil
			}
		case *sqlparser.Select:
			if n.Lock != "" {
				found = violation(ReasonLocking, "locking reads are not allowed")
				return false, nil
			}
		}
		return found == nil, nil
	}, stmt)
	return found
}

func statementName(stmt sqlparser.Statement) string {
	name := fmt.Sprintf("%T", stmt)
	name = strings.TrimPrefix(name, "*sqlparser.")
	return strings.ToUpper(name)
}

// prepare rewrites PostgreSQL-flavoured syntax a model may emit for MySQL
// so the parser can judge the statement shape: double-quoted identifiers
// become backticks, ILIKE becomes LIKE and :: casts are dropped. String
// literals are kept.
func prepare(sql string) string {
	rs := []rune(sql)
	var b strings.Builder
	b.Grow(len(sql))

	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case r == '\'':
			j := closeQuote(rs, i, '\'')
			b.WriteString(string(rs[i:j]))
			i = j
		case r == '`':
			j := closeQuote(rs, i, '`')
			b.WriteString(string(rs[i:j]))
			i = j
		case r == '"':
			j := closeQuote(rs, i, '"')
			inner := string(rs[i+1 : max(i+1, j-1)])
			inner = strings.ReplaceAll(inner, `""`, `"`)
			b.WriteString("`" + strings.ReplaceAll(inner, "`", "``") + "`")
			i = j
		case r == ':' && i+1 < len(rs) && rs[i+1] == ':':
			j := i + 2
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			i = j
		case isWordRune(r):
			j := i
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			word := string(rs[i:j])
			if strings.EqualFold(word, "ilike") {
				word = "like"
			}
			b.WriteString(word)
			i = j
		default:
			b.WriteRune(r)
			i++
		}
	}
	return b.String()
}

func closeQuote(rs []rune, i int, q rune) int {
	j := i + 1
	for j < len(rs) {
		if rs[j] == q {
			if j+1 < len(rs) && rs[j+1] == q {
				j += 2
				continue
			}
			return j + 1
		}
		if q == '\'' && rs[j] == '\\' {
			j += 2
			continue
		}
		j++
	}
	return len(rs)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstMutatingWord(sql string) string {
	words := strings.FieldsFunc(stripLiterals(sql), func(r rune) bool { return !isWordRune(r) })
	for _, w := range words {
		if lw := strings.ToLower(w); mutatingWords[lw] {
			return lw
		}
	}
	return ""
}

func stripLiterals(sql string) string {
	rs := []rune(sql)
	var b strings.Builder
	for i := 0; i < len(rs); {
		if rs[i] == '\'' {
			i = closeQuote(rs, i, '\'')
			b.WriteString(" ")
			continue
		}
		b.WriteRune(rs[i])
		i++
	}
	return b.String()
}
