package steps

import (
	"context"
	"fmt"

	"github.com/rendis/querypilot/internal/correction"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

// ExecuteSQL runs the compiled statement on the gateway.
type ExecuteSQL struct {
	deps Deps
}

func (w *ExecuteSQL) Kind() schema.StepKind { return schema.StepExecuteSQL }

func (w *ExecuteSQL) Run(ctx context.Context, view *state.ConversationState) Result {
	if view.CompiledSQL == "" {
		return Failed(schema.NewError(schema.ErrCodeCompilation, "no compiled SQL to execute").WithStep(w.Kind()))
	}
	if w.deps.Gateway == nil {
		return Failed(schema.NewError(schema.ErrCodeUpstreamUnavailable, "no execution gateway configured").WithStep(w.Kind()))
	}
	// The gateway checks too; this keeps a misconfigured gateway from
	// being the only line of defense.
	if err := w.deps.Safety.ForDialect(view.Dialect).Check(view.CompiledSQL); err != nil {
		return Failed(schema.AsPipelineError(err, schema.ErrCodeSecurityViolation).Clone().WithStep(w.Kind()))
	}

	res, err := w.deps.Gateway.RunSQL(ctx, view.CompiledSQL)
	if err != nil {
		return Failed(schema.AsPipelineError(err, schema.ErrCodeExecution).Clone().WithStep(w.Kind()))
	}

	var notes []string
	if res.Truncated {
		notes = append(notes, fmt.Sprintf("result truncated to %d rows", res.RowCount))
	}
	return Result{
		Patch: state.Patch{
			ExecutionResults: res.Rows,
			ClearError:       true,
			Notes:            notes,
		},
		Payload: res,
	}
}

// CorrectSQL runs one correction attempt. It is routed by the orchestrator
// after an execution failure and never planned.
type CorrectSQL struct {
	corrector *correction.Corrector
}

func (w *CorrectSQL) Kind() schema.StepKind { return schema.StepCorrectSQL }

func (w *CorrectSQL) Run(ctx context.Context, view *state.ConversationState) Result {
	patch, outcome := w.corrector.Correct(ctx, view)
	return Result{Patch: patch, Payload: outcome}
}
