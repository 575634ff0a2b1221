// Package correction repairs SQL that failed at execution time. It
// diagnoses missing-column errors against live metadata, asks the oracle
// for a fix and only hands back statements that pass the safety gate.
package correction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/querypilot/internal/dsl"
	"github.com/rendis/querypilot/internal/expressions"
	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/safety"
	"github.com/rendis/querypilot/internal/schemasearch"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// Prober reads live metadata for a handful of tables.
type Prober interface {
	DescribeTables(ctx context.Context, names []string) (schema.SchemaMetadata, error)
}

// GlossarySource supplies business term definitions.
type GlossarySource interface {
	Glossary(ctx context.Context) (map[string]string, error)
}

// Outcome describes one correction attempt for the event stream.
type Outcome struct {
	Attempt   int               `json:"attempt"`
	Accepted  bool              `json:"accepted"`
	SQL       string            `json:"sql,omitempty"`
	Rationale string            `json:"rationale,omitempty"`
	Missing   string            `json:"missing_column,omitempty"`
	Hints     []Hint            `json:"hints,omitempty"`
	Glossary  map[string]string `json:"glossary,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Config wires a Corrector.
type Config struct {
	Oracle    oracle.Oracle
	Prober    Prober
	Glossary  GlossarySource
	Safety    *safety.Validator
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Corrector runs correction attempts. It is safe for concurrent use.
type Corrector struct {
	oracle    oracle.Oracle
	prober    Prober
	glossary  GlossarySource
	safety    *safety.Validator
	validator *validation.Validator
	logger    *slog.Logger
}

// New builds a Corrector. Prober and Glossary are optional.
func New(cfg Config) *Corrector {
	if cfg.Safety == nil {
		cfg.Safety = safety.New()
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.MustNew()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Corrector{
		oracle:    cfg.Oracle,
		prober:    cfg.Prober,
		glossary:  cfg.Glossary,
		safety:    cfg.Safety,
		validator: cfg.Validator,
		logger:    cfg.Logger,
	}
}

type fix struct {
	SQL       string `json:"sql"`
	Rationale string `json:"rationale"`
}

// Correct runs one attempt against the failed statement in view. Every
// attempt consumes one unit of the inner retry budget. An accepted fix
// replaces the compiled SQL, clears the error and appends one notice; a
// rejected one keeps the original error so the statement is not run.
func (c *Corrector) Correct(ctx context.Context, view *state.ConversationState) (state.Patch, Outcome) {
	attempt := view.RetryCount + 1
	out := Outcome{Attempt: attempt}
	if view.Error == nil || view.CompiledSQL == "" {
		out.Reason = "nothing to correct"
		return state.Patch{RetryCount: state.Int(attempt)}, out
	}
	failedSQL := view.CompiledSQL
	errMsg := view.Error.Message

	md := view.RelevantSchema
	if missing, ok := MissingColumn(errMsg); ok {
		out.Missing = missing
		if probed := c.probe(ctx, failedSQL); len(probed) > 0 {
			md = probed
		}
	}
	out.Hints = Hints(failedSQL, out.Missing, md)
	out.Glossary = c.matchGlossary(ctx, failedSQL, errMsg)

	prompt, err := expressions.Interpolate(correctionPrompt, map[string]any{
		"dialect":  string(view.Dialect),
		"question": view.Question,
		"sql":      failedSQL,
		"error":    errMsg,
		"hints":    formatHints(out.Hints),
		"glossary": formatGlossary(out.Glossary),
		"schema":   md,
	})
	if err != nil {
		return c.reject(view, out, "prompt: "+err.Error())
	}

	resp, err := c.oracle.Complete(ctx, oracle.Request{
		Task:           "correction",
		System:         correctionSystem,
		Prompt:         prompt,
		ResponseSchema: validation.SchemaBytes(validation.PayloadCorrection),
	})
	if err != nil {
		pe := schema.AsPipelineError(err, schema.ErrCodeUpstreamUnavailable)
		if pe.IsTerminal() {
			return state.Failed(pe.Clone().WithStep(schema.StepCorrectSQL)), out
		}
		return c.reject(view, out, pe.Message)
	}

	var f fix
	if err := c.validator.Decode(validation.PayloadCorrection, resp.JSON, &f); err != nil {
		return c.reject(view, out, "malformed correction: "+err.Error())
	}

	fixed := strings.TrimSuffix(strings.TrimSpace(f.SQL), ";")
	fixed = dsl.NormalizeQuoting(fixed, view.Dialect, knownNames(md, view.RelevantSchema))
	out.SQL = fixed
	out.Rationale = f.Rationale

	if err := c.safety.ForDialect(view.Dialect).Check(fixed); err != nil {
		return c.reject(view, out, "rejected by safety validator: "+safety.ReasonOf(err))
	}
	if fixed == failedSQL {
		return c.reject(view, out, "correction repeats the failing statement")
	}

	out.Accepted = true
	notice := "Corrected the query"
	if f.Rationale != "" {
		notice += ": " + f.Rationale
	}
	c.logger.InfoContext(ctx, "sql corrected", slog.Int("attempt", attempt))
	return state.Patch{
		CompiledSQL: state.Str(fixed),
		ClearError:  true,
		RetryCount:  state.Int(attempt),
		AppendMessages: []state.Message{{
			Role:    state.RoleAssistant,
			Content: notice,
		}},
	}, out
}

// reject records a failed attempt. The execution error stays in place and
// carries the rejection reason.
func (c *Corrector) reject(view *state.ConversationState, out Outcome, reason string) (state.Patch, Outcome) {
	out.Reason = reason
	kept := view.Error.Clone()
	details := map[string]any{}
	for k, v := range kept.Details {
		details[k] = v
	}
	details["correction_rejected"] = schema.ErrCodeCorrectionRejected + ": " + reason
	kept.Details = details
	c.logger.Warn("correction rejected", slog.Int("attempt", out.Attempt), slog.String("reason", reason))
	return state.Patch{
		RetryCount: state.Int(out.Attempt),
		Error:      kept,
		Notes:      []string{fmt.Sprintf("correction attempt %d rejected: %s", out.Attempt, reason)},
	}, out
}

func (c *Corrector) probe(ctx context.Context, sql string) schema.SchemaMetadata {
	if c.prober == nil {
		return nil
	}
	tables := ReferencedTables(sql)
	if len(tables) == 0 {
		return nil
	}
	md, err := c.prober.DescribeTables(ctx, tables)
	if err != nil {
		c.logger.WarnContext(ctx, "schema re-probe failed", slog.String("error", err.Error()))
		return nil
	}
	return md
}

func (c *Corrector) matchGlossary(ctx context.Context, texts ...string) map[string]string {
	if c.glossary == nil {
		return nil
	}
	g, err := c.glossary.Glossary(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "glossary unavailable", slog.String("error", err.Error()))
		return nil
	}
	matched := schemasearch.MatchGlossary(g, texts...)
	if len(matched) == 0 {
		return nil
	}
	return matched
}

func knownNames(mds ...schema.SchemaMetadata) []string {
	var out []string
	for _, md := range mds {
		for name, t := range md {
			out = append(out, name)
			out = append(out, t.Columns...)
		}
	}
	return out
}

func formatHints(hints []Hint) string {
	if len(hints) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(hints))
	for _, h := range hints {
		lines = append(lines, fmt.Sprintf("- %s: did you mean %s?", h.Token, h.Suggestion))
	}
	return strings.Join(lines, "\n")
}

func formatGlossary(g map[string]string) string {
	if len(g) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(g))
	for term, meaning := range g {
		lines = append(lines, fmt.Sprintf("- %s: %s", term, meaning))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

const correctionSystem = `You repair SQL queries that failed on a read-only database.
Return a single read-only SELECT statement and a one-sentence rationale.`

const correctionPrompt = `Dialect: ${{dialect}}
Question: ${{question}}

Failing SQL:
${{sql}}

Database error:
${{error}}

Column hints:
${{hints}}

Business glossary:
${{glossary}}

Schema:
${{schema}}`
