// Package steps implements the workers the orchestrator dispatches. A
// worker reads a cloned view of the conversation state and returns a patch;
// failures travel inside the patch, never as Go errors.
package steps

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/querypilot/internal/correction"
	"github.com/rendis/querypilot/internal/expressions"
	"github.com/rendis/querypilot/internal/gateway"
	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/safety"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// Result is what a worker hands back: the patch to merge and the payload of
// the step_completed event.
type Result struct {
	Patch   state.Patch
	Payload any
}

// Failed wraps a step failure.
func Failed(err *schema.PipelineError) Result {
	return Result{Patch: state.Failed(err)}
}

// Worker runs one step kind.
type Worker interface {
	Kind() schema.StepKind
	Run(ctx context.Context, view *state.ConversationState) Result
}

// SchemaSearch finds the tables a question needs and describes them.
type SchemaSearch interface {
	FindRelevantTables(ctx context.Context, question string, k int) (schema.SchemaMetadata, error)
	FullMetadata(ctx context.Context) (schema.SchemaMetadata, error)
	DescribeTables(ctx context.Context, names []string) (schema.SchemaMetadata, error)
	Glossary(ctx context.Context) (map[string]string, error)
}

// Gateway runs read-only SQL.
type Gateway interface {
	RunSQL(ctx context.Context, query string) (*gateway.Result, error)
}

// DefaultTopK is how many tables SelectTables asks for.
const DefaultTopK = 8

// Deps are the collaborators shared by the workers. Search, Gateway and
// Prober may be nil; the affected steps degrade.
type Deps struct {
	Oracle     oracle.Oracle
	Search     SchemaSearch
	Gateway    Gateway
	Prober     correction.Prober
	Validator  *validation.Validator
	Safety     *safety.Validator
	Summarizer *expressions.Summarizer
	TopK       int
	Logger     *slog.Logger
}

func (d *Deps) defaults() error {
	if d.Validator == nil {
		v, err := validation.New()
		if err != nil {
			return err
		}
		d.Validator = v
	}
	if d.Safety == nil {
		d.Safety = safety.New()
	}
	if d.Summarizer == nil {
		s, err := expressions.NewSummarizer("")
		if err != nil {
			return err
		}
		d.Summarizer = s
	}
	if d.TopK <= 0 {
		d.TopK = DefaultTopK
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Prober == nil && d.Search != nil {
		d.Prober = d.Search
	}
	return nil
}

// Registry maps step kinds to workers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[schema.StepKind]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[schema.StepKind]Worker)}
}

// Defaults builds a registry holding a worker for every step kind.
func Defaults(d Deps) (*Registry, error) {
	if err := d.defaults(); err != nil {
		return nil, err
	}
	var glossary correction.GlossarySource
	if d.Search != nil {
		glossary = d.Search
	}
	corrector := correction.New(correction.Config{
		Oracle:    d.Oracle,
		Prober:    d.Prober,
		Glossary:  glossary,
		Safety:    d.Safety,
		Validator: d.Validator,
		Logger:    d.Logger,
	})

	r := NewRegistry()
	for _, w := range []Worker{
		&ClarifyIntent{deps: d},
		&SelectTables{deps: d},
		&GenerateDSL{deps: d},
		&CompileSQL{deps: d},
		&ExecuteSQL{deps: d},
		&CorrectSQL{corrector: corrector},
		&Analyze{deps: d},
		&Visualize{deps: d},
		&TableQA{deps: d},
	} {
		if err := r.Register(w); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a worker, replacing nothing: a kind registers once.
func (r *Registry) Register(w Worker) error {
	if w == nil {
		return schema.NewError(schema.ErrCodeValidation, "worker is nil")
	}
	kind := w.Kind()
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "worker for %q already registered", kind)
	}
	r.workers[kind] = w
	return nil
}

// Replace swaps the worker for its kind. Tests use it to inject fakes.
func (r *Registry) Replace(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Kind()] = w
}

// Get returns the worker for kind.
func (r *Registry) Get(kind schema.StepKind) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no worker for step %q", kind)
	}
	return w, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []schema.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepKind, 0, len(r.workers))
	for k := range r.workers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sampleRows returns at most n rows of a JSON row array, re-encoded.
func sampleRows(rows json.RawMessage, n int) string {
	var all []json.RawMessage
	if err := json.Unmarshal(rows, &all); err != nil {
		return "[]"
	}
	if len(all) > n {
		all = all[:n]
	}
	out, err := json.Marshal(all)
	if err != nil {
		return "[]"
	}
	return string(out)
}

// cancelled reports a cancelled context as a terminal failure.
func cancelled(ctx context.Context, step schema.StepKind) (Result, bool) {
	if err := ctx.Err(); err != nil {
		return Failed(schema.NewError(schema.ErrCodeCancelled, "turn cancelled").WithStep(step).WithCause(err)), true
	}
	return Result{}, false
}
