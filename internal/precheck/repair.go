package precheck

import (
	"regexp"
	"strings"

	"github.com/rendis/querypilot/internal/dsl"
	"github.com/rendis/querypilot/pkg/schema"
)

// Repair substitutes a disambiguation answer into every failing reference
// and returns the repaired copy. The answer is a table name when it
// resolves as one in md, otherwise a column ("col" or "table.col").
// changed is false when nothing could be substituted.
func Repair(q *dsl.Query, md schema.SchemaMetadata, issues []Issue, answer string) (repaired *dsl.Query, changed bool) {
	answer = schema.TrimIdentQuotes(answer)
	out := q.Clone()
	if answer == "" || len(issues) == 0 {
		return out, false
	}

	table, answerIsTable := resolveTable(md, answer)
	if answerIsTable {
		answer = table
	}

	for _, is := range issues {
		if (is.Kind == MissingTable) != answerIsTable {
			continue
		}
		if substitute(out, is, answer) {
			changed = true
		}
	}
	return out, changed
}

// resolveTable reports whether answer names a table. A dotted answer only
// counts when it is a schema-qualified table name, not table.column.
func resolveTable(md schema.SchemaMetadata, answer string) (string, bool) {
	canon, ok := md.Resolve(answer)
	if !ok {
		return "", false
	}
	if strings.Contains(answer, ".") && !strings.EqualFold(canon, answer) {
		return "", false
	}
	return canon, true
}

func substitute(q *dsl.Query, is Issue, answer string) bool {
	changed := false
	asPrefix := is.Kind == MissingTable
	set := func(s *string) {
		if r := replaceRef(*s, is.Ref, answer, asPrefix); r != *s {
			*s = r
			changed = true
		}
	}

	if is.Kind == MissingTable {
		set(&q.From)
		for i := range q.Joins {
			set(&q.Joins[i].Table)
			set(&q.Joins[i].On)
		}
		for i := range q.Columns {
			set(&q.Columns[i].Table)
			set(&q.Columns[i].Name)
		}
		forEachLeaf(q.Where, func(c *dsl.Condition) { set(&c.Column) })
		forEachLeaf(q.Having, func(c *dsl.Condition) { set(&c.Column) })
		for i := range q.GroupBy {
			set(&q.GroupBy[i])
		}
		for i := range q.OrderBy {
			set(&q.OrderBy[i].Column)
		}
		return changed
	}

	if is.Kind == MissingJoinColumn {
		for i := range q.Joins {
			set(&q.Joins[i].On)
		}
		return changed
	}

	for i := range q.Columns {
		before := q.Columns[i].Name
		set(&q.Columns[i].Name)
		if q.Columns[i].Name != before && strings.Contains(answer, ".") {
			q.Columns[i].Table = ""
		}
	}
	forEachLeaf(q.Where, func(c *dsl.Condition) { set(&c.Column) })
	forEachLeaf(q.Having, func(c *dsl.Condition) { set(&c.Column) })
	for i := range q.GroupBy {
		set(&q.GroupBy[i])
	}
	for i := range q.OrderBy {
		set(&q.OrderBy[i].Column)
	}
	return changed
}

func forEachLeaf(c *dsl.Condition, fn func(*dsl.Condition)) {
	if c == nil {
		return
	}
	if !c.IsGroup() {
		fn(c)
		return
	}
	for i := range c.Conditions {
		forEachLeaf(&c.Conditions[i], fn)
	}
}

// replaceRef replaces whole-reference occurrences of old in s,
// case-insensitively. A reference boundary is anything that is not an
// identifier character or a dot; with asPrefix the reference may also be
// followed by a dot, so a table name matches its qualified columns.
func replaceRef(s, old, repl string, asPrefix bool) string {
	if s == "" || old == "" {
		return s
	}
	if strings.EqualFold(strings.TrimSpace(s), old) {
		return repl
	}
	right := `($|[^A-Za-z0-9_$.])`
	if asPrefix {
		right = `($|[^A-Za-z0-9_$])`
	}
	re := regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_$.])` + regexp.QuoteMeta(old) + right)
	return re.ReplaceAllString(s, "${1}"+strings.ReplaceAll(repl, "$", "$$")+"${2}")
}
