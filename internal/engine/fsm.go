package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/querypilot/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// Emitter receives the events produced by step transitions. The turn sink
// stamps thread, turn and timestamp.
type Emitter interface {
	Emit(ctx context.Context, event schema.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event schema.Event) error

func (f EmitterFunc) Emit(ctx context.Context, event schema.Event) error { return f(ctx, event) }

// ValidPhaseTransitions defines the orchestrator phase graph. A finished
// thread re-enters dispatching on resume or planning on a new question.
var ValidPhaseTransitions = map[schema.Phase][]schema.Phase{
	schema.PhasePlanning:    {schema.PhaseDispatching, schema.PhaseFinished},
	schema.PhaseDispatching: {schema.PhaseStepRunning, schema.PhaseCorrecting, schema.PhaseReplanning, schema.PhaseInterrupted, schema.PhaseFinished},
	schema.PhaseStepRunning: {schema.PhaseDispatching, schema.PhaseFinished},
	schema.PhaseCorrecting:  {schema.PhaseDispatching, schema.PhaseFinished},
	schema.PhaseReplanning:  {schema.PhaseDispatching, schema.PhaseFinished},
	schema.PhaseInterrupted: {schema.PhaseDispatching, schema.PhaseFinished},
	schema.PhaseFinished:    {schema.PhaseDispatching, schema.PhasePlanning},
}

// ValidStepTransitions defines the plan step lifecycle. Completed and
// skipped steps return to wait only on an outer-retry rewind.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusWait:      {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusWait},
	schema.StepStatusCompleted: {schema.StepStatusWait},
	schema.StepStatusSkipped:   {schema.StepStatusWait},
}

// --- Phase FSM ---

type phaseHookKey struct {
	from, to schema.Phase
}

// PhaseFSM guards the orchestrator phase of a thread.
type PhaseFSM struct {
	mu     sync.Mutex
	logger *slog.Logger
	before map[phaseHookKey][]TransitionHook
	after  map[phaseHookKey][]TransitionHook
}

// NewPhaseFSM creates a PhaseFSM that logs every accepted transition.
func NewPhaseFSM(logger *slog.Logger) *PhaseFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhaseFSM{
		logger: logger,
		before: make(map[phaseHookKey][]TransitionHook),
		after:  make(map[phaseHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a phase transition.
func (f *PhaseFSM) OnBefore(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a phase transition.
func (f *PhaseFSM) OnAfter(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and runs the hooks. Staying in the same
// phase is a no-op. The caller persists the new phase.
func (f *PhaseFSM) Transition(ctx context.Context, threadID string, from, to schema.Phase) error {
	if from == to {
		return nil
	}

	f.mu.Lock()
	before := f.before[phaseHookKey{from, to}]
	after := f.after[phaseHookKey{from, to}]
	f.mu.Unlock()

	if !slices.Contains(ValidPhaseTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid phase transition: %s -> %s", from, to).
			WithDetails(map[string]any{"thread_id": threadID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	f.logger.DebugContext(ctx, "phase transition",
		slog.String("from", string(from)), slog.String("to", string(to)))

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages plan step status transitions and emits step_started and
// step_completed events.
type StepFSM struct {
	mu      sync.Mutex
	emitter Emitter
	before  map[stepHookKey][]TransitionHook
	after   map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM. A nil emitter drops the events.
func NewStepFSM(emitter Emitter) *StepFSM {
	return &StepFSM{
		emitter: emitter,
		before:  make(map[stepHookKey][]TransitionHook),
		after:   make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step transition, emitting the
// matching event with payload.
func (f *StepFSM) Transition(ctx context.Context, threadID string, step schema.StepKind, from, to schema.StepStatus, payload any) error {
	f.mu.Lock()
	before := f.before[stepHookKey{from, to}]
	after := f.after[stepHookKey{from, to}]
	f.mu.Unlock()

	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(step).
			WithDetails(map[string]any{"thread_id": threadID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if kind := stepEventKind(to); kind != "" && f.emitter != nil {
		event := schema.Event{ThreadID: threadID, Kind: kind, Step: step, Payload: payload}
		if err := f.emitter.Emit(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeCancelled, "emit step event: %s", err.Error()).
				WithStep(step).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stepEventKind(to schema.StepStatus) schema.EventKind {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted, schema.StepStatusSkipped:
		return schema.EventStepCompleted
	default:
		return ""
	}
}
