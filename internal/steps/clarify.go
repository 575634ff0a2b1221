package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/precheck"
	"github.com/rendis/querypilot/internal/reasoning"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// ClarifyIntent decides whether the question is specific enough to
// answer. A recorded answer to an earlier clarification resolves the
// intent without asking the oracle again.
type ClarifyIntent struct {
	deps Deps
}

func (w *ClarifyIntent) Kind() schema.StepKind { return schema.StepClarifyIntent }

type clarifyAnswer struct {
	Clear         bool     `json:"clear"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	SelectionMode string   `json:"selection_mode"`
}

func (w *ClarifyIntent) Run(ctx context.Context, view *state.ConversationState) Result {
	if view.ClarifyAnswer != "" {
		return Result{
			Patch:   state.Patch{IntentClear: state.Bool(true)},
			Payload: map[string]any{"clear": true, "answer": view.ClarifyAnswer},
		}
	}
	if w.deps.Oracle == nil {
		return Result{Patch: state.Patch{IntentClear: state.Bool(true)}, Payload: map[string]any{"clear": true}}
	}

	resp, err := w.deps.Oracle.Complete(ctx, oracle.Request{
		Task:   "clarify",
		System: clarifySystem,
		Prompt: reasoning.BuildPromptContext(reasoning.ContextParams{
			State: view,
			Extra: map[string]any{"tables": view.RelevantSchema.TableNames()},
		}).JSON(),
		Messages:       reasoning.History(view, reasoning.DefaultHistorySize),
		ResponseSchema: validation.SchemaBytes(validation.PayloadClarify),
	})
	if res, ok := cancelled(ctx, w.Kind()); ok {
		return res
	}
	var ans clarifyAnswer
	if err == nil {
		err = w.deps.Validator.Decode(validation.PayloadClarify, resp.JSON, &ans)
	}
	if err != nil {
		// Clarification is advisory: an unreachable or confused oracle
		// must not block the question.
		w.deps.Logger.WarnContext(ctx, "clarify check skipped", slog.String("error", err.Error()))
		return Result{
			Patch: state.Patch{
				IntentClear: state.Bool(true),
				Notes:       []string{"intent check skipped: " + schema.AsPipelineError(err, schema.ErrCodeUpstreamUnavailable).Message},
			},
			Payload: map[string]any{"clear": true, "skipped": true},
		}
	}

	if ans.Clear {
		return Result{Patch: state.Patch{IntentClear: state.Bool(true)}, Payload: map[string]any{"clear": true}}
	}

	req := &state.ClarifyRequest{
		Question:      strings.TrimSpace(ans.Question),
		Options:       dedupe(ans.Options, precheck.MaxCandidates),
		SelectionMode: ans.SelectionMode,
	}
	if req.SelectionMode == "" {
		req.SelectionMode = state.SelectSingle
	}
	return Result{
		Patch:   clarifyPatch(req),
		Payload: req,
	}
}

// clarifyPatch opens a clarification and records the question in the
// conversation.
func clarifyPatch(req *state.ClarifyRequest) state.Patch {
	content := req.Question
	if len(req.Options) > 0 {
		content += "\n" + formatOptions(req.Options)
	}
	return state.Patch{
		IntentClear:    state.Bool(false),
		ClarifyRequest: req,
		AppendMessages: []state.Message{{Role: state.RoleAssistant, Content: content}},
	}
}

func formatOptions(options []string) string {
	lines := make([]string, len(options))
	for i, o := range options {
		lines[i] = fmt.Sprintf("%d. %s", i+1, o)
	}
	return strings.Join(lines, "\n")
}

func dedupe(options []string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, o := range options {
		o = strings.TrimSpace(o)
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out
}

const clarifySystem = `You check whether a data question can be answered without guessing.
Reply {"clear": true} when it can. Otherwise reply {"clear": false} with a short
question and, when the ambiguity is between known alternatives, the options.`
