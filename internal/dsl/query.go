// Package dsl defines the structured query description produced by the
// oracle and compiles it to dialect-specific SQL.
package dsl

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// JoinKind is the kind of a join.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

// Join adds a table to the FROM clause.
type Join struct {
	Table string   `json:"table"`
	Kind  JoinKind `json:"type,omitempty"`
	On    string   `json:"on,omitempty"`
}

// Column is one entry of the select list. Name may be a bare column, a
// qualified column or a raw expression such as COUNT(*).
type Column struct {
	Name  string `json:"name"`
	Table string `json:"table,omitempty"`
	Agg   string `json:"agg,omitempty"`
	Alias string `json:"alias,omitempty"`
}

// Condition is either a leaf predicate (Column/Op/Value) or a group of
// conditions joined by Logic.
type Condition struct {
	Logic      string      `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Column     string      `json:"column,omitempty"`
	Op         string      `json:"op,omitempty"`
	Value      any         `json:"value,omitempty"`
}

// IsGroup reports whether c is a predicate group rather than a leaf.
func (c Condition) IsGroup() bool {
	return c.Column == "" || len(c.Conditions) > 0
}

// OrderBy is one ORDER BY term. It decodes from either a bare column
// string or an object with a direction.
type OrderBy struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"`
}

func (o *OrderBy) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var col string
		if err := json.Unmarshal(data, &col); err != nil {
			return err
		}
		fields := strings.Fields(col)
		*o = OrderBy{Column: col}
		if n := len(fields); n >= 2 {
			if d := strings.ToUpper(fields[n-1]); d == "ASC" || d == "DESC" {
				*o = OrderBy{Column: strings.Join(fields[:n-1], " "), Direction: d}
			}
		}
		return nil
	}
	type plain OrderBy
	return json.Unmarshal(data, (*plain)(o))
}

// Query is the structured query description.
type Query struct {
	From     string     `json:"from"`
	Distinct bool       `json:"distinct,omitempty"`
	Joins    []Join     `json:"joins,omitempty"`
	Columns  []Column   `json:"columns,omitempty"`
	Where    *Condition `json:"where,omitempty"`
	GroupBy  []string   `json:"group_by,omitempty"`
	Having   *Condition `json:"having,omitempty"`
	OrderBy  []OrderBy  `json:"order_by,omitempty"`
	Limit    any        `json:"limit,omitempty"`
}

// Tables returns the FROM table followed by every joined table.
func (q *Query) Tables() []string {
	var out []string
	if q.From != "" {
		out = append(out, q.From)
	}
	for _, j := range q.Joins {
		out = append(out, j.Table)
	}
	return out
}

// JSON serializes the query back to its wire form.
func (q *Query) JSON() string {
	b, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return string(b)
}

// Clone returns a deep copy so repairs never touch the caller's query.
func (q *Query) Clone() *Query {
	data, err := json.Marshal(q)
	if err != nil {
		cp := *q
		return &cp
	}
	out, err := decode(data)
	if err != nil {
		cp := *q
		return &cp
	}
	return out
}

var payloadValidator = sync.OnceValue(validation.MustNew)

// Parse decodes and validates a DSL document. Any failure is reported as
// MALFORMED_DSL so that the orchestrator treats it as an ambiguity.
func Parse(data []byte) (*Query, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, schema.NewError(schema.ErrCodeMalformedDSL, "empty DSL document")
	}
	if err := payloadValidator().Validate(validation.PayloadDSL, data); err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedDSL, "DSL document does not match the expected shape").
			WithCause(err).
			WithDetails(detailsOf(err))
	}
	q, err := decode(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedDSL, "DSL document could not be decoded").WithCause(err)
	}
	return q, nil
}

// ParseString is Parse for string input.
func ParseString(s string) (*Query, error) {
	return Parse([]byte(s))
}

func decode(data []byte) (*Query, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var q Query
	if err := dec.Decode(&q); err != nil {
		return nil, err
	}
	return &q, nil
}

func detailsOf(err error) map[string]any {
	pe := schema.AsPipelineError(err, schema.ErrCodeValidation)
	if pe.Details == nil {
		return map[string]any{"violations": []string{pe.Message}}
	}
	return pe.Details
}
