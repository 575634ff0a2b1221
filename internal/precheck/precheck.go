// Package precheck validates the table and column references of a DSL
// query against schema metadata before compilation, repairs them from a
// disambiguation answer and builds clarification questions.
package precheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/querypilot/internal/dsl"
	"github.com/rendis/querypilot/pkg/schema"
)

// IssueKind classifies an unresolved reference.
type IssueKind string

const (
	MissingTable      IssueKind = "MissingTable"
	MissingColumn     IssueKind = "MissingColumn"
	MissingJoinColumn IssueKind = "MissingJoinColumn"
)

// Issue is one unresolved reference.
type Issue struct {
	Kind IssueKind `json:"kind"`
	// Ref is the reference as written in the query.
	Ref string `json:"ref"`
	// Table is the table the reference was looked up in, when known.
	Table string `json:"table,omitempty"`
	Path  string `json:"path"`
}

func (i Issue) String() string {
	if i.Table != "" {
		return fmt.Sprintf("%s %q in %s (%s)", i.Kind, i.Ref, i.Table, i.Path)
	}
	return fmt.Sprintf("%s %q (%s)", i.Kind, i.Ref, i.Path)
}

// Result is the outcome of Validate.
type Result struct {
	Issues []Issue
	// Skipped is set when no metadata was available.
	Skipped bool
	// Tables maps each table reference of the query to its canonical name.
	Tables map[string]string
}

// OK reports whether every reference resolved (or validation was skipped).
func (r *Result) OK() bool {
	return r.Skipped || len(r.Issues) == 0
}

// Err returns the issues as a SCHEMA_REFERENCE_ERROR, or nil.
func (r *Result) Err() *schema.PipelineError {
	if r.OK() {
		return nil
	}
	refs := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		refs = append(refs, is.String())
	}
	msg := r.Issues[0].String()
	if len(r.Issues) > 1 {
		msg = fmt.Sprintf("%d unresolved schema references", len(r.Issues))
	}
	return schema.NewError(schema.ErrCodeSchemaReference, msg).
		WithStep(schema.StepCompileSQL).
		WithDetails(map[string]any{"issues": refs})
}

var (
	aggregateRe = regexp.MustCompile(`(?i)^\s*(sum|count|avg|max|min)\s*\(\s*(?:distinct\s+)?(.+?)\s*\)\s*$`)
	joinRefRe   = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_$]*(?:\.[A-Za-z_][A-Za-z0-9_$]*)+`)
	plainRefRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(?:\.[A-Za-z_][A-Za-z0-9_$]*)*$`)
)

type validator struct {
	md      schema.SchemaMetadata
	result  *Result
	tables  []string
	aliases map[string]bool
}

// Validate resolves every table and column reference of q against md.
// Matching is case-insensitive; bare columns are searched across all
// referenced tables and aggregate wrappers are unwrapped. Empty metadata
// skips validation.
func Validate(q *dsl.Query, md schema.SchemaMetadata) *Result {
	res := &Result{Tables: map[string]string{}}
	if len(md) == 0 {
		res.Skipped = true
		return res
	}
	v := &validator{md: md, result: res, aliases: map[string]bool{}}

	v.table(q.From, "from")
	for i, j := range q.Joins {
		v.table(j.Table, fmt.Sprintf("joins[%d].table", i))
	}

	for i, c := range q.Columns {
		if c.Alias != "" {
			v.aliases[strings.ToLower(c.Alias)] = true
		}
		v.column(c.Name, c.Table, fmt.Sprintf("columns[%d]", i), MissingColumn)
	}
	if q.Where != nil {
		v.condition(*q.Where, "where")
	}
	for i, g := range q.GroupBy {
		v.column(g, "", fmt.Sprintf("group_by[%d]", i), MissingColumn)
	}
	if q.Having != nil {
		v.condition(*q.Having, "having")
	}
	for i, o := range q.OrderBy {
		v.column(o.Column, "", fmt.Sprintf("order_by[%d]", i), MissingColumn)
	}
	for i, j := range q.Joins {
		for _, ref := range joinRefRe.FindAllString(j.On, -1) {
			v.column(ref, "", fmt.Sprintf("joins[%d].on", i), MissingJoinColumn)
		}
	}
	return res
}

func (v *validator) table(name, path string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	canon, ok := v.md.Resolve(name)
	if !ok {
		v.add(Issue{Kind: MissingTable, Ref: name, Path: path})
		return
	}
	v.result.Tables[name] = canon
	v.tables = append(v.tables, canon)
}

func (v *validator) condition(c dsl.Condition, path string) {
	if !c.IsGroup() {
		v.column(c.Column, "", path, MissingColumn)
		return
	}
	for i, child := range c.Conditions {
		v.condition(child, fmt.Sprintf("%s.conditions[%d]", path, i))
	}
}

func (v *validator) column(ref, qualifier, path string, kind IssueKind) {
	ref = columnRef(ref)
	if ref == "" || v.aliases[strings.ToLower(ref)] {
		return
	}

	table, col := splitRef(ref)
	if table == "" {
		table = strings.TrimSpace(qualifier)
	}

	if table != "" {
		canon, ok := v.md.Resolve(table)
		if !ok {
			v.add(Issue{Kind: MissingTable, Ref: table, Path: path})
			return
		}
		if !v.md[canon].HasColumn(col) {
			v.add(Issue{Kind: kind, Ref: ref, Table: canon, Path: path})
		}
		return
	}

	for _, t := range v.tables {
		if v.md[t].HasColumn(col) {
			return
		}
	}
	owner := ""
	if len(v.tables) == 1 {
		owner = v.tables[0]
	}
	v.add(Issue{Kind: kind, Ref: ref, Table: owner, Path: path})
}

func (v *validator) add(is Issue) {
	for _, existing := range v.result.Issues {
		if existing.Kind == is.Kind && strings.EqualFold(existing.Ref, is.Ref) && existing.Table == is.Table {
			return
		}
	}
	v.result.Issues = append(v.result.Issues, is)
}

// columnRef reduces a select-list entry to the column it references. It
// returns "" for * and for expressions that are not a plain reference.
func columnRef(s string) string {
	s = strings.TrimSpace(s)
	if m := aggregateRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[2])
	}
	if s == "*" || strings.HasSuffix(s, ".*") {
		return ""
	}
	s = schema.TrimIdentQuotes(s)
	if !plainRefRe.MatchString(s) {
		return ""
	}
	return s
}

func splitRef(ref string) (table, col string) {
	if i := strings.LastIndex(ref, "."); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
