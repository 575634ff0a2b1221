package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

const sampleSize = 20

func needRows(view *state.ConversationState, step schema.StepKind) (Result, bool) {
	if len(view.ExecutionResults) == 0 {
		return Failed(schema.NewError(schema.ErrCodeValidation, "no execution results").WithStep(step)), false
	}
	return Result{}, true
}

func needOracle(o oracle.Oracle, step schema.StepKind) (Result, bool) {
	if o == nil {
		return Failed(schema.NewError(schema.ErrCodeUpstreamUnavailable, "no reasoning service configured").WithStep(step)), false
	}
	return Result{}, true
}

func oracleFailure(err error, step schema.StepKind) Result {
	return Failed(schema.AsPipelineError(err, schema.ErrCodeUpstreamUnavailable).Clone().WithStep(step))
}

// Analyze summarizes the rows with the jq summary program and asks the
// oracle to explain the result.
type Analyze struct {
	deps Deps
}

func (w *Analyze) Kind() schema.StepKind { return schema.StepAnalyze }

func (w *Analyze) Run(ctx context.Context, view *state.ConversationState) Result {
	if res, ok := needRows(view, w.Kind()); !ok {
		return res
	}
	summary, err := w.deps.Summarizer.Summarize(ctx, view.ExecutionResults)
	if err != nil {
		return Failed(schema.AsPipelineError(err, schema.ErrCodeValidation).Clone().WithStep(w.Kind()))
	}
	if res, ok := needOracle(w.deps.Oracle, w.Kind()); !ok {
		return res
	}
	summaryJSON, _ := json.Marshal(summary)

	resp, err := w.deps.Oracle.Complete(ctx, oracle.Request{
		Task:   "analyze",
		System: "You explain query results to a business user in two or three sentences.",
		Prompt: fmt.Sprintf("Question: %s\nSQL: %s\nSummary: %s\nSample rows: %s",
			view.Question, view.CompiledSQL, summaryJSON, sampleRows(view.ExecutionResults, sampleSize)),
	})
	if err != nil {
		return oracleFailure(err, w.Kind())
	}
	text := strings.TrimSpace(resp.Text)
	return Result{
		Patch:   state.Patch{Analysis: state.Str(text)},
		Payload: map[string]any{"analysis": text, "summary": summary},
	}
}

// Visualize asks the oracle for a chart configuration.
type Visualize struct {
	deps Deps
}

func (w *Visualize) Kind() schema.StepKind { return schema.StepVisualize }

func (w *Visualize) Run(ctx context.Context, view *state.ConversationState) Result {
	if res, ok := needRows(view, w.Kind()); !ok {
		return res
	}
	if res, ok := needOracle(w.deps.Oracle, w.Kind()); !ok {
		return res
	}
	resp, err := w.deps.Oracle.Complete(ctx, oracle.Request{
		Task:           "visualize",
		System:         "You pick the chart that best shows a query result. Use column names from the rows for x and y.",
		Prompt:         fmt.Sprintf("Question: %s\nSample rows: %s", view.Question, sampleRows(view.ExecutionResults, sampleSize)),
		ResponseSchema: validation.SchemaBytes(validation.PayloadVisualization),
	})
	if err != nil {
		return oracleFailure(err, w.Kind())
	}
	if err := w.deps.Validator.Validate(validation.PayloadVisualization, resp.JSON); err != nil {
		return Failed(schema.AsPipelineError(err, schema.ErrCodeValidation).Clone().WithStep(w.Kind()))
	}
	return Result{
		Patch:   state.Patch{Visualization: resp.JSON},
		Payload: resp.JSON,
	}
}

// TableQA answers the question in prose from the result table.
type TableQA struct {
	deps Deps
}

func (w *TableQA) Kind() schema.StepKind { return schema.StepTableQA }

func (w *TableQA) Run(ctx context.Context, view *state.ConversationState) Result {
	if res, ok := needRows(view, w.Kind()); !ok {
		return res
	}
	if res, ok := needOracle(w.deps.Oracle, w.Kind()); !ok {
		return res
	}
	resp, err := w.deps.Oracle.Complete(ctx, oracle.Request{
		Task:   "table_qa",
		System: "You answer the question using only the rows given. Say so when they do not contain the answer.",
		Prompt: fmt.Sprintf("Question: %s\nRows: %s", view.Question, sampleRows(view.ExecutionResults, 50)),
	})
	if err != nil {
		return oracleFailure(err, w.Kind())
	}
	answer := strings.TrimSpace(resp.Text)
	return Result{
		Patch: state.Patch{
			Answer:         state.Str(answer),
			AppendMessages: []state.Message{{Role: state.RoleAssistant, Content: answer}},
		},
		Payload: map[string]any{"answer": answer},
	}
}
