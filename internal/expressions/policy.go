// Package expressions hosts the three expression languages the pipeline
// exposes as configurable policy: CEL for the execution approval gate,
// Expr for clarification option scoring and jq for result summaries.
package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/querypilot/pkg/schema"
)

// ApprovalInput is what an approval condition sees.
type ApprovalInput struct {
	SQL            string
	Tables         []string
	Dialect        schema.Dialect
	RetryCount     int
	PlanRetryCount int
	Question       string
}

// ApprovalPolicy decides whether a compiled statement must wait for a
// human before it runs.
type ApprovalPolicy struct {
	engine    *CELEngine
	required  bool
	condition string
}

// NewApprovalPolicy builds a policy. With required false nothing waits.
// With required true and an empty condition everything waits; otherwise
// only statements for which the CEL condition is true do.
func NewApprovalPolicy(required bool, condition string) (*ApprovalPolicy, error) {
	engine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	condition = strings.TrimSpace(condition)
	if required && condition != "" {
		if err := engine.Compile(condition); err != nil {
			return nil, err
		}
	}
	return &ApprovalPolicy{engine: engine, required: required, condition: condition}, nil
}

// Requires reports whether in needs approval.
func (p *ApprovalPolicy) Requires(ctx context.Context, in ApprovalInput) (bool, error) {
	if p == nil || !p.required {
		return false, nil
	}
	if p.condition == "" {
		return true, nil
	}
	tables := in.Tables
	if tables == nil {
		tables = []string{}
	}
	out, err := p.engine.Evaluate(ctx, p.condition, map[string]any{
		VarSQL:            in.SQL,
		VarTables:         tables,
		VarDialect:        string(in.Dialect),
		VarRetryCount:     in.RetryCount,
		VarPlanRetryCount: in.PlanRetryCount,
		VarQuestion:       in.Question,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"approval condition %q must return a bool, got %T", p.condition, out)
	}
	return b, nil
}

// DefaultClarifyScore prefers options that read as totals or aggregates
// over per-unit figures, then earlier options.
const DefaultClarifyScore = `(option matches "(?i)(total|amount|sum|revenue|count|quantity|qty)" ? 10 : 0)` +
	` - (option matches "(?i)(unit|per_|rate|ratio)" ? 5 : 0)` +
	` - index * 0.01`

// ClarifyScorer ranks clarification options with an Expr expression over
// option (the full text), table, column (split on the last dot) and index.
type ClarifyScorer struct {
	engine     *ExprEngine
	expression string
}

// NewClarifyScorer builds a scorer, falling back to DefaultClarifyScore
// when expression is empty.
func NewClarifyScorer(expression string) (*ClarifyScorer, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = DefaultClarifyScore
	}
	s := &ClarifyScorer{engine: NewExprEngine(), expression: expression}
	if _, err := s.engine.Compile(expression); err != nil {
		return nil, err
	}
	return s, nil
}

// Score evaluates the expression for one option.
func (s *ClarifyScorer) Score(ctx context.Context, option string, index int) (float64, error) {
	table, column := "", option
	if i := strings.LastIndex(option, "."); i >= 0 {
		table, column = option[:i], option[i+1:]
	}
	return s.engine.Score(ctx, s.expression, ScoreEnv{Option: option, Table: table, Column: column, Index: index})
}

// Best returns the index of the highest-scoring option; ties go to the
// earlier option. It returns -1 for no options.
func (s *ClarifyScorer) Best(ctx context.Context, options []string) (int, error) {
	best, bestScore := -1, 0.0
	for i, opt := range options {
		score, err := s.Score(ctx, opt, i)
		if err != nil {
			return -1, err
		}
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, nil
}

// DefaultSummary describes a row set: count, columns and per-column
// numeric statistics.
const DefaultSummary = `. as $rows
| ($rows | length) as $n
| {
    row_count: $n,
    columns: (if $n > 0 then ($rows[0] | keys) else [] end),
    stats: (
      if $n == 0 then {}
      else
        reduce ($rows[0] | keys[]) as $k ({};
          ([$rows[] | .[$k] | select(type == "number")]) as $vals
          | if ($vals | length) > 0 then
              .[$k] = {min: ($vals | min), max: ($vals | max), sum: ($vals | add), avg: (($vals | add) / ($vals | length))}
            else . end)
      end)
  }`

// Summarizer condenses execution results with a jq program before they
// are handed to the oracle.
type Summarizer struct {
	engine  *GoJQEngine
	program string
}

// NewSummarizer builds a summarizer, falling back to DefaultSummary.
func NewSummarizer(program string) (*Summarizer, error) {
	program = strings.TrimSpace(program)
	if program == "" {
		program = DefaultSummary
	}
	s := &Summarizer{engine: NewGoJQEngine(), program: program}
	if _, err := s.engine.Compile(program); err != nil {
		return nil, err
	}
	return s, nil
}

// Summarize runs the program over a JSON array of rows.
func (s *Summarizer) Summarize(ctx context.Context, rows json.RawMessage) (any, error) {
	var input any = []any{}
	if len(rows) > 0 {
		if err := json.Unmarshal(rows, &input); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("decode rows: %v", err)).WithCause(err)
		}
	}
	return s.engine.Run(ctx, s.program, input)
}
