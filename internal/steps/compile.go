package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/querypilot/internal/dsl"
	"github.com/rendis/querypilot/internal/precheck"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

// CompileSQL validates the DSL against the schema and compiles it.
//
// Unresolved references become a clarification request that keeps the DSL;
// with an answer already recorded, one repair pass runs first. A DSL that
// does not parse fails with MALFORMED_DSL and asks the user to rephrase.
type CompileSQL struct {
	deps Deps
}

func (w *CompileSQL) Kind() schema.StepKind { return schema.StepCompileSQL }

const rephraseQuestion = "I could not turn the question into a query. Could you rephrase it or add detail?"

func (w *CompileSQL) Run(ctx context.Context, view *state.ConversationState) Result {
	if view.IntermediateDSL == "" {
		return Failed(schema.NewError(schema.ErrCodeCompilation, "no DSL to compile").WithStep(w.Kind()))
	}

	q, err := dsl.ParseString(view.IntermediateDSL)
	if err != nil {
		pe := schema.AsPipelineError(err, schema.ErrCodeMalformedDSL).Clone().WithStep(w.Kind())
		p := clarifyPatch(&state.ClarifyRequest{Question: rephraseQuestion})
		p.Error = pe
		return Result{Patch: p, Payload: map[string]any{"error": pe.Message}}
	}

	md := w.metadata(ctx, view)
	res := precheck.Validate(q, md)
	var notes []string
	repaired := false
	if res.Skipped {
		w.deps.Logger.WarnContext(ctx, "schema precheck skipped: no metadata")
		notes = append(notes, "schema validation skipped: no metadata available")
	}

	if !res.OK() && view.ClarifyAnswer != "" {
		if fixed, changed := precheck.Repair(q, md, res.Issues, view.ClarifyAnswer); changed {
			if again := precheck.Validate(fixed, md); again.OK() {
				q, res, repaired = fixed, again, true
				notes = append(notes, "applied clarification "+view.ClarifyAnswer)
			}
		}
	}

	if !res.OK() {
		pe := res.Err()
		w.deps.Logger.InfoContext(ctx, "schema references unresolved", slog.Int("issues", len(res.Issues)))
		cq := precheck.Clarification(q, md, res.Issues)
		p := clarifyPatch(&state.ClarifyRequest{
			Question:      cq.Text,
			Options:       cq.Options,
			SelectionMode: state.SelectSingle,
		})
		p.Notes = append(notes, pe.Message)
		return Result{Patch: p, Payload: map[string]any{"issues": res.Issues}}
	}

	sql, err := dsl.Compile(q, view.Dialect)
	if err != nil {
		return Failed(schema.AsPipelineError(err, schema.ErrCodeCompilation).Clone().WithStep(w.Kind()))
	}

	p := state.Patch{CompiledSQL: state.Str(sql), ClearError: true, Notes: notes}
	if repaired {
		p.IntermediateDSL = state.Str(q.JSON())
	}
	return Result{Patch: p, Payload: map[string]any{"sql": sql}}
}

// metadata prefers the selected schema and falls back to the full one.
func (w *CompileSQL) metadata(ctx context.Context, view *state.ConversationState) schema.SchemaMetadata {
	if len(view.RelevantSchema) > 0 || w.deps.Search == nil {
		return view.RelevantSchema
	}
	md, err := w.deps.Search.FullMetadata(ctx)
	if err != nil {
		w.deps.Logger.WarnContext(ctx, "schema metadata unavailable", slog.String("error", err.Error()))
		return nil
	}
	return md
}
