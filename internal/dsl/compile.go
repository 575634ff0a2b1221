package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/querypilot/pkg/schema"
)

// Reason classifies a compilation failure.
type Reason string

const (
	ReasonMissingFromTable     Reason = "MissingFromTable"
	ReasonInvalidLimit         Reason = "InvalidLimit"
	ReasonUnsupportedDialect   Reason = "UnsupportedDialect"
	ReasonUnsupportedOperator  Reason = "UnsupportedOperator"
	ReasonInvalidOperand       Reason = "InvalidOperand"
	ReasonMissingJoinCondition Reason = "MissingJoinCondition"
)

func compileError(reason Reason, format string, args ...any) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeCompilation, format, args...).
		WithStep(schema.StepCompileSQL).
		WithDetails(map[string]any{"reason": string(reason)})
}

// ReasonOf returns the compilation reason carried by err, or "".
func ReasonOf(err error) Reason {
	pe := schema.AsPipelineError(err, "")
	if pe == nil || pe.Code != schema.ErrCodeCompilation {
		return ""
	}
	r, _ := pe.Details["reason"].(string)
	return Reason(r)
}

var aggregates = map[string]bool{"SUM": true, "COUNT": true, "AVG": true, "MAX": true, "MIN": true}

// Compile renders q as SQL for the dialect. It performs no I/O and is
// deterministic: the same query and dialect always yield the same text.
func Compile(q *Query, dialect schema.Dialect) (string, error) {
	if dialect != schema.DialectPostgres && dialect != schema.DialectMySQL {
		return "", compileError(ReasonUnsupportedDialect, "unsupported dialect %q", dialect)
	}
	if q == nil || strings.TrimSpace(q.From) == "" {
		return "", compileError(ReasonMissingFromTable, "query has no source table")
	}

	c := compiler{dialect: dialect}
	var b strings.Builder

	b.WriteString("SELECT ")
	if q.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(q.Columns) == 0 {
		b.WriteString("*")
	} else {
		cols := make([]string, 0, len(q.Columns))
		for _, col := range q.Columns {
			cols = append(cols, c.column(col))
		}
		b.WriteString(strings.Join(cols, ", "))
	}

	b.WriteString(" FROM ")
	b.WriteString(c.ref(q.From))

	for _, j := range q.Joins {
		kind := strings.ToLower(strings.TrimSpace(string(j.Kind)))
		switch JoinKind(kind) {
		case JoinLeft:
			b.WriteString(" LEFT JOIN ")
		case JoinInner, "":
			b.WriteString(" INNER JOIN ")
		default:
			return "", compileError(ReasonInvalidOperand, "unsupported join type %q", j.Kind)
		}
		b.WriteString(c.ref(j.Table))
		if strings.TrimSpace(j.On) == "" {
			return "", compileError(ReasonMissingJoinCondition, "join with %s has no condition", j.Table)
		}
		b.WriteString(" ON ")
		b.WriteString(c.expr(j.On))
	}

	if q.Where != nil {
		where, err := c.condition(*q.Where, true)
		if err != nil {
			return "", err
		}
		if where != "" {
			b.WriteString(" WHERE ")
			b.WriteString(where)
		}
	}

	if len(q.GroupBy) > 0 {
		parts := make([]string, 0, len(q.GroupBy))
		for _, g := range q.GroupBy {
			parts = append(parts, c.ref(g))
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if q.Having != nil {
		having, err := c.condition(*q.Having, true)
		if err != nil {
			return "", err
		}
		if having != "" {
			b.WriteString(" HAVING ")
			b.WriteString(having)
		}
	}

	if len(q.OrderBy) > 0 {
		parts := make([]string, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			term := c.ref(o.Column)
			switch strings.ToUpper(strings.TrimSpace(o.Direction)) {
			case "ASC":
				term += " ASC"
			case "DESC":
				term += " DESC"
			}
			parts = append(parts, term)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if q.Limit != nil {
		n, err := limitValue(q.Limit)
		if err != nil {
			return "", err
		}
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(n))
	}

	return b.String(), nil
}

type compiler struct {
	dialect schema.Dialect
}

// ref renders an identifier reference, quoting it when needed. Anything
// that is not a plain dotted identifier is emitted verbatim.
func (c compiler) ref(name string) string {
	name = strings.TrimSpace(name)
	if !isPlainRef(name) {
		return name
	}
	return QuoteRef(name, c.dialect)
}

func (c compiler) column(col Column) string {
	name := strings.TrimSpace(col.Name)
	if col.Table != "" && isPlainRef(name) && !strings.Contains(name, ".") && name != "*" {
		name = strings.TrimSpace(col.Table) + "." + name
	}
	out := c.ref(name)
	if agg := strings.ToUpper(strings.TrimSpace(col.Agg)); aggregates[agg] {
		out = agg + "(" + out + ")"
	}
	if col.Alias != "" {
		out += " AS " + QuoteIdent(col.Alias, c.dialect)
	}
	return out
}

// expr quotes mixed-case identifiers inside a free-form expression such as
// a join condition, leaving literals and keywords alone.
func (c compiler) expr(s string) string {
	return scanSQL(strings.TrimSpace(s), func(t token) string {
		if t.kind == tokIdent && !t.call && needsQuoting(t.text) && !isKeyword(t.text) {
			return QuoteIdent(t.text, c.dialect)
		}
		return t.text
	})
}

func (c compiler) condition(cond Condition, top bool) (string, error) {
	if !cond.IsGroup() {
		return c.leaf(cond)
	}
	logic := " AND "
	if strings.EqualFold(strings.TrimSpace(cond.Logic), "OR") {
		logic = " OR "
	}
	parts := make([]string, 0, len(cond.Conditions))
	for _, child := range cond.Conditions {
		s, err := c.condition(child, false)
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	switch {
	case len(parts) == 0:
		return "", nil
	case len(parts) == 1 || top:
		return strings.Join(parts, logic), nil
	default:
		return "(" + strings.Join(parts, logic) + ")", nil
	}
}

func (c compiler) leaf(cond Condition) (string, error) {
	col := c.ref(cond.Column)
	op := strings.Join(strings.Fields(strings.ToUpper(cond.Op)), " ")
	if op == "==" {
		op = "="
	}

	switch op {
	case "=", "!=", "<>":
		if cond.Value == nil {
			if op == "=" {
				return col + " IS NULL", nil
			}
			return col + " IS NOT NULL", nil
		}
		return col + " " + op + " " + c.literal(cond.Value), nil
	case "<", "<=", ">", ">=":
		return col + " " + op + " " + c.literal(cond.Value), nil
	case "LIKE", "NOT LIKE", "ILIKE", "NOT ILIKE":
		if c.dialect == schema.DialectMySQL {
			op = strings.Replace(op, "ILIKE", "LIKE", 1)
		}
		v := cond.Value
		if s, ok := v.(string); ok && !strings.Contains(s, "%") {
			v = "%" + s + "%"
		}
		return col + " " + op + " " + c.literal(v), nil
	case "IN", "NOT IN":
		items := listValue(cond.Value)
		if len(items) == 0 {
			return "", compileError(ReasonInvalidOperand, "%s on %s needs at least one value", op, cond.Column)
		}
		rendered := make([]string, 0, len(items))
		for _, it := range items {
			rendered = append(rendered, c.literal(it))
		}
		return col + " " + op + " (" + strings.Join(rendered, ", ") + ")", nil
	case "BETWEEN", "NOT BETWEEN":
		items := listValue(cond.Value)
		if len(items) != 2 {
			return "", compileError(ReasonInvalidOperand, "%s on %s needs exactly two values", op, cond.Column)
		}
		return col + " " + op + " " + c.literal(items[0]) + " AND " + c.literal(items[1]), nil
	case "IS NULL", "IS NOT NULL":
		return col + " " + op, nil
	default:
		return "", compileError(ReasonUnsupportedOperator, "unsupported operator %q", cond.Op)
	}
}

// literal renders a value. Strings are single-quoted with embedded quotes
// doubled; everything else is rendered as-is.
func (c compiler) literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		s := strings.ReplaceAll(x, "'", "''")
		if c.dialect == schema.DialectMySQL {
			s = strings.ReplaceAll(s, `\`, `\\`)
		}
		return "'" + s + "'"
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(x)
	}
}

func listValue(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return []any{x}
	}
}

func limitValue(v any) (int, error) {
	var f float64
	switch x := v.(type) {
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		parsed, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, compileError(ReasonInvalidLimit, "limit %q is not numeric", x)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, compileError(ReasonInvalidLimit, "limit %q is not numeric", x)
		}
		f = parsed
	default:
		return 0, compileError(ReasonInvalidLimit, "limit %v is not numeric", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0, compileError(ReasonInvalidLimit, "limit %v is out of range", v)
	}
	return int(f), nil
}
