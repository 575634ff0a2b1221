package steps

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

// SelectTables narrows the schema to the tables the question needs. When
// search fails it falls back to the full metadata, and when that fails too
// the pipeline continues without schema (the precheck is then skipped).
type SelectTables struct {
	deps Deps
}

func (w *SelectTables) Kind() schema.StepKind { return schema.StepSelectTables }

func (w *SelectTables) Run(ctx context.Context, view *state.ConversationState) Result {
	if w.deps.Search == nil {
		return selected(schema.SchemaMetadata{}, "no schema search configured; continuing without schema")
	}

	query := strings.TrimSpace(view.Question + " " + view.ClarifyAnswer)
	md, err := w.deps.Search.FindRelevantTables(ctx, query, w.deps.TopK)
	if res, ok := cancelled(ctx, w.Kind()); ok {
		return res
	}
	if err == nil {
		return selected(md, "")
	}
	w.deps.Logger.WarnContext(ctx, "relevant table search failed", slog.String("error", err.Error()))

	md, err = w.deps.Search.FullMetadata(ctx)
	if err == nil {
		return selected(md, "table search failed; using the full schema")
	}
	w.deps.Logger.WarnContext(ctx, "schema metadata unavailable", slog.String("error", err.Error()))
	return selected(schema.SchemaMetadata{}, "schema search unavailable; continuing without schema")
}

func selected(md schema.SchemaMetadata, note string) Result {
	if md == nil {
		md = schema.SchemaMetadata{}
	}
	names := md.TableNames()
	p := state.Patch{RelevantSchema: md, SelectedTables: names}
	if note != "" {
		p.Notes = []string{note}
	}
	return Result{Patch: p, Payload: map[string]any{"tables": names}}
}
