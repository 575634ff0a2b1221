package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/reasoning"
	"github.com/rendis/querypilot/internal/schemasearch"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// GenerateDSL asks the oracle for the structured query. An answer that
// does not fit the DSL shape is still stored so that CompileSQL reports it
// as malformed; an unreachable oracle ends the turn.
type GenerateDSL struct {
	deps Deps
}

func (w *GenerateDSL) Kind() schema.StepKind { return schema.StepGenerateDSL }

func (w *GenerateDSL) Run(ctx context.Context, view *state.ConversationState) Result {
	if w.deps.Oracle == nil {
		return Failed(schema.NewError(schema.ErrCodeUpstreamUnavailable, "no reasoning service configured").WithStep(w.Kind()))
	}

	pc := reasoning.BuildPromptContext(reasoning.ContextParams{
		State:    view,
		Glossary: w.glossary(ctx, view),
	})
	resp, err := w.deps.Oracle.Complete(ctx, oracle.Request{
		Task:           "dsl",
		System:         dslSystem,
		Prompt:         pc.JSON(),
		Messages:       reasoning.History(view, reasoning.DefaultHistorySize),
		ResponseSchema: validation.SchemaBytes(validation.PayloadDSL),
	})
	if res, ok := cancelled(ctx, w.Kind()); ok {
		return res
	}

	text := string(resp.JSON)
	if err != nil {
		pe := schema.AsPipelineError(err, schema.ErrCodeUpstreamUnavailable)
		if pe.Code != schema.ErrCodeValidation || resp.Text == "" {
			return Failed(pe.Clone().WithStep(w.Kind()))
		}
		w.deps.Logger.WarnContext(ctx, "dsl answer does not match the schema", slog.String("error", pe.Message))
		text = resp.Text
	}
	if text == "" {
		text = resp.Text
	}

	return Result{
		Patch: state.Patch{
			IntermediateDSL: state.Str(text),
			CompiledSQL:     state.Str(""),
		},
		Payload: map[string]any{"dsl": text},
	}
}

func (w *GenerateDSL) glossary(ctx context.Context, view *state.ConversationState) map[string]string {
	if w.deps.Search == nil {
		return nil
	}
	g, err := w.deps.Search.Glossary(ctx)
	if err != nil {
		return nil
	}
	return schemasearch.MatchGlossary(g, view.Question, view.ClarifyAnswer)
}

const dslSystem = `You translate a data question into a JSON query description.
Use only the tables and columns in "schema". Fields: from, distinct, joins
[{table, type: inner|left, on}], columns [{name, table, agg, alias}],
where/having {logic: AND|OR, conditions: [{column, op, value} | group]},
group_by, order_by [{column, direction}], limit. Tables have no aliases: write
join "on" conditions with full table names, e.g. "orders.customer_id =
customers.id". When "previous_error" is set,
the last attempt failed with it; produce a different query. When
"clarification" is set, it is the user's answer to an earlier question.`
