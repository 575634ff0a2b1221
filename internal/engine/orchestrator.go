// Package engine runs conversation turns: it plans, dispatches workers one
// step at a time, merges their patches into the thread state, routes
// failures into correction or replanning and checkpoints after every
// transition.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/querypilot/internal/correction"
	"github.com/rendis/querypilot/internal/expressions"
	"github.com/rendis/querypilot/internal/logging"
	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/planner"
	"github.com/rendis/querypilot/internal/safety"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/steps"
	"github.com/rendis/querypilot/internal/store"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// Orchestrator is the entry point for conversation turns.
type Orchestrator interface {
	// RunTurn starts a turn on the turn pool and streams its events. The
	// channel closes when the turn ends. It blocks while the pool is full.
	RunTurn(ctx context.Context, req TurnRequest) (<-chan schema.Event, error)

	// Run executes a turn synchronously, sending events to sink. It returns
	// the resulting state and the error surfaced to the caller, if any.
	Run(ctx context.Context, req TurnRequest, sink Emitter) (*state.ConversationState, error)

	// State returns the persisted state of a thread.
	State(ctx context.Context, threadID string) (*state.ConversationState, error)

	// Threads lists stored threads, most recently updated first.
	Threads(ctx context.Context, limit int) ([]store.ThreadInfo, error)

	// Close stops accepting turns and waits for running ones.
	Close() error
}

// TurnRequest is one caller input for a thread. Token, when set, must match
// the snapshot token of the pending interrupt; the engine accepts an empty
// token so local callers can approve without echoing it.
type TurnRequest struct {
	ThreadID string         `json:"thread_id"`
	Message  string         `json:"message,omitempty"`
	Command  schema.Command `json:"command,omitempty"`
	SQL      string         `json:"sql,omitempty"`
	Token    string         `json:"token,omitempty"`
	Dialect  schema.Dialect `json:"dialect,omitempty"`
}

// RequireToken rejects approve and edit without a snapshot token. Remote
// surfaces call it so a client can only act on the statement it was shown.
func (r TurnRequest) RequireToken() error {
	if (r.Command == schema.CommandApprove || r.Command == schema.CommandEdit) && r.Token == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires the token from the interrupt event", r.Command).
			WithDetails(map[string]any{"command": string(r.Command)})
	}
	return nil
}

// Publisher receives a copy of every turn event (the streaming hub).
type Publisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

const (
	// DefaultPoolSize caps concurrent turns.
	DefaultPoolSize = 10
	// DefaultOracleTimeout bounds a single oracle call.
	DefaultOracleTimeout = 60 * time.Second
	// DefaultAutoResolveAfter is how many unanswered retries a pending
	// clarification survives before it is resolved by policy.
	DefaultAutoResolveAfter = 1

	eventBuffer    = 64
	persistTimeout = 5 * time.Second
)

// Config wires an orchestrator. Store is required; the collaborators may
// be nil, in which case the steps depending on them degrade or fail.
type Config struct {
	Store    store.CheckpointStore
	Oracle   oracle.Oracle
	Search   steps.SchemaSearch
	Gateway  steps.Gateway
	Prober   correction.Prober
	Registry *steps.Registry // nil = steps.Defaults over the guarded collaborators
	Planner  *planner.Planner

	Approval *expressions.ApprovalPolicy // nil = never wait for approval
	Scorer   *expressions.ClarifyScorer
	// AutoResolveAfter: 0 means DefaultAutoResolveAfter, negative disables.
	AutoResolveAfter int

	Dialect       schema.Dialect
	PoolSize      int
	OracleTimeout time.Duration
	Breaker       *CircuitBreakerConfig
	PersistRetry  *RetryPolicy

	Summarizer *expressions.Summarizer
	Safety     *safety.Validator
	Validator  *validation.Validator

	Logger    *slog.Logger
	Publisher Publisher
	Clock     func() time.Time
}

type orchestrator struct {
	store     store.CheckpointStore
	registry  *steps.Registry
	planner   *planner.Planner
	approval  *expressions.ApprovalPolicy
	scorer    *expressions.ClarifyScorer
	safety    *safety.Validator
	breakers  *CircuitBreakerRegistry
	phases    *PhaseFSM
	steps     *StepFSM
	pool      *TurnPool
	locks     *threadLocks
	retry     RetryPolicy
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	dialect          schema.Dialect
	autoResolveAfter int
}

// New builds an orchestrator. Oracle, schema search and gateway are each
// wrapped in a circuit breaker, and every oracle call gets a timeout.
func New(cfg Config) (Orchestrator, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator needs a checkpoint store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	if cfg.Dialect == "" {
		cfg.Dialect = schema.DialectPostgres
	}
	if cfg.AutoResolveAfter == 0 {
		cfg.AutoResolveAfter = DefaultAutoResolveAfter
	}
	if cfg.Safety == nil {
		cfg.Safety = safety.New()
	}
	if cfg.Validator == nil {
		v, err := validation.New()
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.Scorer == nil {
		s, err := expressions.NewClarifyScorer("")
		if err != nil {
			return nil, err
		}
		cfg.Scorer = s
	}
	retry := DefaultPersistRetry()
	if cfg.PersistRetry != nil {
		retry = *cfg.PersistRetry
	}

	var bcfg CircuitBreakerConfig
	if cfg.Breaker != nil {
		bcfg = *cfg.Breaker
	}
	breakers := NewCircuitBreakerRegistry(bcfg)

	var orc oracle.Oracle
	if cfg.Oracle != nil {
		orc = &guardedOracle{next: oracle.WithTimeout(cfg.Oracle, cfg.OracleTimeout), breakers: breakers}
	}

	registry := cfg.Registry
	if registry == nil {
		deps := steps.Deps{
			Oracle:     orc,
			Validator:  cfg.Validator,
			Safety:     cfg.Safety,
			Summarizer: cfg.Summarizer,
			Logger:     cfg.Logger,
		}
		if cfg.Search != nil {
			deps.Search = &guardedSearch{next: cfg.Search, breakers: breakers}
		}
		if cfg.Gateway != nil {
			deps.Gateway = &guardedGateway{next: cfg.Gateway, breakers: breakers}
		}
		if cfg.Prober != nil {
			deps.Prober = &guardedProber{next: cfg.Prober, breakers: breakers}
		}
		r, err := steps.Defaults(deps)
		if err != nil {
			return nil, err
		}
		registry = r
	}

	p := cfg.Planner
	if p == nil {
		p = planner.New(planner.Config{Oracle: orc, Validator: cfg.Validator, Logger: cfg.Logger})
	}

	o := &orchestrator{
		store:            cfg.Store,
		registry:         registry,
		planner:          p,
		approval:         cfg.Approval,
		scorer:           cfg.Scorer,
		safety:           cfg.Safety,
		breakers:         breakers,
		phases:           NewPhaseFSM(cfg.Logger),
		steps:            NewStepFSM(EmitterFunc(emitToTurn)),
		locks:            newThreadLocks(),
		retry:            retry,
		publisher:        cfg.Publisher,
		logger:           cfg.Logger,
		now:              cfg.Clock,
		dialect:          cfg.Dialect,
		autoResolveAfter: cfg.AutoResolveAfter,
	}
	o.pool = NewTurnPool(cfg.PoolSize, func(threadID string, recovered any) {
		o.logger.Error("turn panicked", slog.String("thread_id", threadID), slog.Any("panic", recovered))
	})
	return o, nil
}

func (o *orchestrator) RunTurn(ctx context.Context, req TurnRequest) (<-chan schema.Event, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	ch := make(chan schema.Event, eventBuffer)
	// Delivery stops when the caller goes away, even for events emitted
	// on a detached context.
	sink := EmitterFunc(func(_ context.Context, e schema.Event) error {
		select {
		case ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	err := o.pool.Submit(ctx, req.ThreadID, func(ctx context.Context) error {
		defer close(ch)
		_, err := o.Run(ctx, req, sink)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "turn cancelled before it started").WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeUpstreamUnavailable, "orchestrator is shutting down").WithCause(err)
	}
	return ch, nil
}

func (o *orchestrator) Run(ctx context.Context, req TurnRequest, sink Emitter) (*state.ConversationState, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	t := &turn{
		threadID:  req.ThreadID,
		turnID:    uuid.NewString(),
		sink:      sink,
		publisher: o.publisher,
		logger:    o.logger,
		now:       o.now,
	}
	ctx = context.WithValue(ctx, turnKey{}, t)
	ctx = logging.WithTurn(ctx, t.threadID, t.turnID)

	unlock, err := o.locks.Lock(ctx, req.ThreadID)
	if err != nil {
		pe := schema.AsPipelineError(err, schema.ErrCodeCancelled)
		_ = t.emit(context.WithoutCancel(ctx), schema.Event{Kind: schema.EventError, Payload: pe})
		return nil, pe
	}
	defer unlock()

	s, version, err := o.load(ctx, req.ThreadID, req.Dialect)
	if err != nil {
		pe := schema.AsPipelineError(err, schema.ErrCodeStore)
		_ = t.emit(ctx, schema.Event{Kind: schema.EventError, Payload: pe})
		return nil, pe
	}

	r := &run{o: o, t: t, s: s, version: version}
	o.logger.InfoContext(ctx, "turn started",
		slog.String("command", string(req.Command)), slog.String("phase", string(s.Phase)))

	err = r.handle(ctx, req)

	o.logger.InfoContext(ctx, "turn ended",
		slog.String("phase", string(s.Phase)), slog.Int("step_index", s.CurrentStepIndex),
		slog.Bool("failed", err != nil))
	return s.Clone(), err
}

func (o *orchestrator) State(ctx context.Context, threadID string) (*state.ConversationState, error) {
	cp, err := o.store.Get(ctx, threadID)
	if err != nil {
		return nil, schema.AsPipelineError(err, schema.ErrCodeStore)
	}
	if cp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "thread %q not found", threadID)
	}
	return decode(cp)
}

func (o *orchestrator) Threads(ctx context.Context, limit int) ([]store.ThreadInfo, error) {
	infos, err := o.store.List(ctx, limit)
	if err != nil {
		return nil, schema.AsPipelineError(err, schema.ErrCodeStore)
	}
	return infos, nil
}

func (o *orchestrator) Close() error {
	o.pool.Shutdown()
	return nil
}

// load reads the thread checkpoint or starts a fresh state. Steps left
// running by a crashed turn go back to wait so they re-run.
func (o *orchestrator) load(ctx context.Context, threadID string, dialect schema.Dialect) (*state.ConversationState, int64, error) {
	cp, err := o.store.Get(ctx, threadID)
	if err != nil {
		return nil, 0, err
	}
	if cp == nil {
		if dialect == "" {
			dialect = o.dialect
		}
		return state.New(threadID, dialect), 0, nil
	}

	s, err := decode(cp)
	if err != nil {
		return nil, 0, err
	}
	for i := range s.Plan {
		st := &s.Plan[i]
		if st.Status != schema.StepStatusRunning {
			continue
		}
		if err := o.steps.Transition(ctx, threadID, st.Kind, st.Status, schema.StepStatusWait, nil); err == nil {
			st.Status = schema.StepStatusWait
		}
	}
	if s.Dialect == "" {
		s.Dialect = o.dialect
	}
	return s, cp.Version, nil
}

func decode(cp *store.Checkpoint) (*state.ConversationState, error) {
	var s state.ConversationState
	if err := json.Unmarshal(cp.Snapshot, &s); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode checkpoint for thread %q", cp.ThreadID).WithCause(err)
	}
	return &s, nil
}

func normalize(req *TurnRequest) error {
	if req.ThreadID == "" {
		return schema.NewError(schema.ErrCodeValidation, "thread_id is required")
	}
	if req.Command == "" {
		req.Command = schema.CommandStart
	}
	switch req.Command {
	case schema.CommandStart, schema.CommandApprove, schema.CommandEdit:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown command %q", req.Command)
	}
	switch req.Dialect {
	case "", schema.DialectPostgres, schema.DialectMySQL:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported dialect %q", req.Dialect)
	}
	return nil
}

// --- turn event plumbing ---

type turnKey struct{}

// turn stamps and fans out the events of one RunTurn call.
type turn struct {
	threadID  string
	turnID    string
	sink      Emitter
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func (t *turn) emit(ctx context.Context, e schema.Event) error {
	e.ThreadID = t.threadID
	e.TurnID = t.turnID
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, e); err != nil {
			t.logger.DebugContext(ctx, "publish event", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
		}
	}
	if t.sink == nil {
		return nil
	}
	return t.sink.Emit(ctx, e)
}

// emitToTurn routes StepFSM events to the turn carried by ctx.
func emitToTurn(ctx context.Context, e schema.Event) error {
	t, ok := ctx.Value(turnKey{}).(*turn)
	if !ok {
		return nil
	}
	return t.emit(ctx, e)
}
