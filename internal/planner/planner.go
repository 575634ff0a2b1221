// Package planner turns a question into the ordered step list the
// orchestrator dispatches.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/reasoning"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// Source tells where a plan came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceDefault  Source = "default"
	SourceExisting Source = "existing"
)

var descriptions = map[schema.StepKind]string{
	schema.StepClarifyIntent: "Confirm what the question asks for",
	schema.StepSelectTables:  "Find the tables relevant to the question",
	schema.StepGenerateDSL:   "Describe the query as structured DSL",
	schema.StepCompileSQL:    "Validate the DSL against the schema and compile it to SQL",
	schema.StepExecuteSQL:    "Run the SQL on the read-only gateway",
	schema.StepAnalyze:       "Summarize the result rows",
	schema.StepVisualize:     "Suggest a chart for the result",
	schema.StepTableQA:       "Answer the question from the result table",
}

// DefaultPlan is the fixed fallback plan. ClarifyIntent is left out when
// the intent is already resolved.
func DefaultPlan(resolved bool) []state.PlanStep {
	kinds := []schema.StepKind{
		schema.StepClarifyIntent,
		schema.StepSelectTables,
		schema.StepGenerateDSL,
		schema.StepCompileSQL,
		schema.StepExecuteSQL,
	}
	if resolved {
		kinds = kinds[1:]
	}
	out := make([]state.PlanStep, len(kinds))
	for i, k := range kinds {
		out[i] = step(k, "")
	}
	return out
}

func step(kind schema.StepKind, desc string) state.PlanStep {
	if desc == "" {
		desc = descriptions[kind]
	}
	return state.PlanStep{Kind: kind, Description: desc, Status: schema.StepStatusWait}
}

// Repair applies the plan rules to an oracle proposal:
//   - unknown kinds and CorrectSQL are dropped (correction is routed by the
//     orchestrator, never planned);
//   - ClarifyIntent is dropped when the intent is already resolved;
//   - when the plan generates DSL and executes SQL, exactly one CompileSQL
//     follows the first GenerateDSL and every ExecuteSQL comes after it;
//   - ExecuteSQL with no GenerateDSL gets GenerateDSL and CompileSQL in
//     front of it.
//
// Every returned step is in the wait status.
func Repair(steps []state.PlanStep, resolved bool) []state.PlanStep {
	var kept []state.PlanStep
	for _, s := range steps {
		kind := schema.StepKind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
		switch {
		case !kind.Valid(), kind == schema.StepCorrectSQL:
			continue
		case kind == schema.StepClarifyIntent && resolved:
			continue
		}
		kept = append(kept, step(kind, s.Description))
	}

	gen, exec := firstIndex(kept, schema.StepGenerateDSL), firstIndex(kept, schema.StepExecuteSQL)
	switch {
	case exec < 0:
		return kept
	case gen < 0:
		var out []state.PlanStep
		for i, s := range kept {
			if i == exec {
				out = append(out, step(schema.StepGenerateDSL, ""), step(schema.StepCompileSQL, ""))
			}
			if s.Kind != schema.StepCompileSQL {
				out = append(out, s)
			}
		}
		return out
	}

	var before, early, after []state.PlanStep
	for i, s := range kept {
		switch {
		case s.Kind == schema.StepCompileSQL:
		case i < gen && s.Kind == schema.StepExecuteSQL:
			early = append(early, s)
		case i < gen:
			before = append(before, s)
		case i > gen:
			after = append(after, s)
		}
	}
	out := append(before, kept[gen], step(schema.StepCompileSQL, ""))
	out = append(out, early...)
	return append(out, after...)
}

func firstIndex(steps []state.PlanStep, kind schema.StepKind) int {
	for i, s := range steps {
		if s.Kind == kind {
			return i
		}
	}
	return -1
}

// Config wires a Planner.
type Config struct {
	Oracle    oracle.Oracle
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Planner asks the oracle for a plan and repairs it.
type Planner struct {
	oracle    oracle.Oracle
	validator *validation.Validator
	logger    *slog.Logger
}

// New builds a Planner. A nil oracle always yields the default plan.
func New(cfg Config) *Planner {
	if cfg.Validator == nil {
		cfg.Validator = validation.MustNew()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{oracle: cfg.Oracle, validator: cfg.Validator, logger: cfg.Logger}
}

type proposal struct {
	Steps []state.PlanStep `json:"steps"`
}

// Plan produces {plan, current_step_index=0, intent_clear=true} for view.
// A view that already carries a plan is left alone. Oracle failures fall
// back to the default plan; only a cancelled context is an error.
func (p *Planner) Plan(ctx context.Context, view *state.ConversationState) (state.Patch, Source, error) {
	if len(view.Plan) > 0 {
		return state.Patch{}, SourceExisting, nil
	}
	resolved := view.IntentClear || view.ClarifyAnswer != ""

	steps, reason := p.propose(ctx, view)
	if err := ctx.Err(); err != nil {
		return state.Patch{}, "", schema.NewError(schema.ErrCodeCancelled, "planning cancelled").WithCause(err)
	}

	source := SourceOracle
	var notes []string
	if reason == "" {
		steps = Repair(steps, resolved)
		if len(steps) == 0 {
			reason = "oracle returned an empty plan"
		}
	}
	if reason != "" {
		p.logger.WarnContext(ctx, "using default plan", slog.String("reason", reason))
		steps = DefaultPlan(resolved)
		source = SourceDefault
		notes = append(notes, "planner fell back to the default plan: "+reason)
	}

	return state.Patch{
		Plan:             steps,
		CurrentStepIndex: state.Int(0),
		IntentClear:      state.Bool(true),
		Notes:            notes,
	}, source, nil
}

// propose returns the raw oracle steps, or a reason why there are none.
func (p *Planner) propose(ctx context.Context, view *state.ConversationState) ([]state.PlanStep, string) {
	if p.oracle == nil {
		return nil, "no oracle configured"
	}
	resp, err := p.oracle.Complete(ctx, oracle.Request{
		Task:           "plan",
		System:         planSystem,
		Prompt:         fmt.Sprintf("Question: %s\n\nContext:\n%s", view.Question, reasoning.BuildPromptContext(reasoning.ContextParams{State: view}).JSON()),
		Messages:       reasoning.History(view, reasoning.DefaultHistorySize),
		ResponseSchema: validation.SchemaBytes(validation.PayloadPlan),
	})
	if err != nil {
		return nil, "oracle failed: " + err.Error()
	}
	var prop proposal
	if err := p.validator.Decode(validation.PayloadPlan, resp.JSON, &prop); err != nil {
		return nil, "malformed plan: " + err.Error()
	}
	return prop.Steps, ""
}

var planSystem = `You plan how to answer a data question with SQL.
Reply with {"steps":[{"kind":"...","description":"..."}]} using only these kinds, in order:
` + vocabulary()

func vocabulary() string {
	var b strings.Builder
	for _, k := range schema.AllStepKinds {
		if d, ok := descriptions[k]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", k, d)
		}
	}
	return b.String()
}
