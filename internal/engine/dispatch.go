package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/querypilot/internal/correction"
	"github.com/rendis/querypilot/internal/expressions"
	"github.com/rendis/querypilot/internal/logging"
	"github.com/rendis/querypilot/internal/reasoning"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/steps"
	"github.com/rendis/querypilot/internal/store"
	"github.com/rendis/querypilot/pkg/schema"
)

// InterruptPayload is sent with the interrupt event.
type InterruptPayload struct {
	Token  string          `json:"token"`
	SQL    string          `json:"sql"`
	Step   schema.StepKind `json:"step"`
	Tables []string        `json:"tables,omitempty"`
}

// ResultPayload is sent with the result event.
type ResultPayload struct {
	Answer        string   `json:"answer,omitempty"`
	SQL           string   `json:"sql,omitempty"`
	Rows          any      `json:"rows,omitempty"`
	Analysis      string   `json:"analysis,omitempty"`
	Visualization any      `json:"visualization,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

// ReplanPayload is sent with the replan event.
type ReplanPayload struct {
	PlanRetryCount int             `json:"plan_retry_count"`
	PreviousError  string          `json:"previous_error"`
	RestartAt      schema.StepKind `json:"restart_at"`
}

// run is the mutable context of one turn. Only the goroutine holding the
// thread lock touches it.
type run struct {
	o       *orchestrator
	t       *turn
	s       *state.ConversationState
	version int64
	// routed is a step the loop must run next outside the plan order.
	routed schema.StepKind
}

func (r *run) emit(ctx context.Context, kind schema.EventKind, step schema.StepKind, payload any) {
	if err := r.t.emit(ctx, schema.Event{Kind: kind, Step: step, Payload: payload}); err != nil {
		r.o.logger.DebugContext(ctx, "event not delivered", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}
}

func (r *run) note(ctx context.Context, msg string) {
	r.s.Notes = append(r.s.Notes, msg)
	r.emit(ctx, schema.EventNote, "", msg)
}

func (r *run) enter(ctx context.Context, to schema.Phase) error {
	if err := r.o.phases.Transition(ctx, r.s.ThreadID, r.s.Phase, to); err != nil {
		return err
	}
	r.s.Phase = to
	return nil
}

func (r *run) transition(ctx context.Context, kind schema.StepKind, status *schema.StepStatus, to schema.StepStatus, payload any) error {
	if err := r.o.steps.Transition(ctx, r.s.ThreadID, kind, *status, to, payload); err != nil {
		return err
	}
	*status = to
	return nil
}

// persist writes the state with compare-and-swap on the checkpoint
// version. The write outlives caller cancellation so the last transition
// is never lost.
func (r *run) persist(ctx context.Context) error {
	r.s.UpdatedAt = r.o.now()
	snap, err := json.Marshal(r.s)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode checkpoint").WithCause(err)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	cp := &store.Checkpoint{ThreadID: r.s.ThreadID, Version: r.version, Snapshot: snap}
	err = withRetry(pctx, r.o.retry, func(ctx context.Context) error {
		return r.o.store.Put(ctx, cp)
	})
	if err != nil {
		return schema.AsPipelineError(err, schema.ErrCodeStore)
	}
	r.version = cp.Version
	return nil
}

// abort ends the turn without touching the checkpoint again.
func (r *run) abort(ctx context.Context, err error) error {
	pe := schema.AsPipelineError(err, schema.ErrCodeStore)
	r.o.logger.ErrorContext(ctx, "turn aborted", slog.String("code", pe.Code), slog.String("error", pe.Message))
	r.emit(context.WithoutCancel(ctx), schema.EventError, pe.Step, pe)
	return pe
}

// reject surfaces a refused request. State is left untouched.
func (r *run) reject(ctx context.Context, pe *schema.PipelineError) error {
	r.o.logger.WarnContext(ctx, "turn rejected", slog.String("code", pe.Code), slog.String("error", pe.Message))
	r.emit(ctx, schema.EventError, pe.Step, pe)
	return pe
}

// finishWithError ends the turn with err surfaced. Pending clarification
// and approval are dropped: the thread waits for a new question.
func (r *run) finishWithError(ctx context.Context, err error) error {
	pe := schema.AsPipelineError(err, schema.ErrCodeExecution)
	s := r.s
	s.Error = pe.Clone()
	s.ClarifyRequest = nil
	s.ClarifyAnswer = ""
	s.InterruptPending = false
	s.SnapshotToken = ""
	if perr := r.enter(ctx, schema.PhaseFinished); perr != nil {
		return r.abort(ctx, perr)
	}
	if perr := r.persist(ctx); perr != nil {
		return r.abort(ctx, perr)
	}
	r.o.logger.WarnContext(ctx, "turn finished with error", slog.String("code", pe.Code), slog.String("error", pe.Message))
	r.emit(context.WithoutCancel(ctx), schema.EventError, pe.Step, pe)
	return pe
}

// handle applies the request command, then dispatches when there is work.
func (r *run) handle(ctx context.Context, req TurnRequest) error {
	switch req.Command {
	case schema.CommandApprove, schema.CommandEdit:
		if err := r.approve(ctx, req); err != nil {
			return r.reject(ctx, schema.AsPipelineError(err, schema.ErrCodeValidation))
		}
		return r.dispatch(ctx)
	default:
		proceed, err := r.start(ctx, req)
		if err != nil || !proceed {
			return err
		}
		return r.dispatch(ctx)
	}
}

func (r *run) start(ctx context.Context, req TurnRequest) (bool, error) {
	s := r.s
	msg := strings.TrimSpace(req.Message)

	switch {
	case s.InterruptPending:
		if msg == "" {
			r.emit(ctx, schema.EventInterrupt, schema.StepExecuteSQL, r.interruptPayload())
			return false, nil
		}
		r.beginQuestion(msg, req.Dialect)

	case s.ClarificationPending():
		if msg != "" {
			answer, err := reasoning.ValidateResolution(s.ClarifyRequest, msg)
			if err != nil {
				pe := schema.AsPipelineError(err, schema.ErrCodeValidation)
				r.emit(ctx, schema.EventError, "", pe)
				r.emit(ctx, schema.EventClarificationNeeded, "", s.ClarifyRequest)
				return false, pe
			}
			s.Messages = append(s.Messages, state.Message{Role: state.RoleUser, Content: msg, At: r.o.now()})
			s.ClarifyAnswer = answer
			return true, nil
		}
		s.ClarifyRetries++
		if !r.autoResolve(ctx) {
			return false, r.awaitInput(ctx)
		}

	case msg != "":
		r.beginQuestion(msg, req.Dialect)

	case len(s.Plan) > 0 && s.CurrentStepIndex < len(s.Plan):
		s.Error = nil

	default:
		return false, r.reject(ctx, schema.NewError(schema.ErrCodeValidation, "a message is required to start a question"))
	}
	return true, nil
}

func (r *run) beginQuestion(msg string, dialect schema.Dialect) {
	r.s.BeginQuestion(msg, r.o.now())
	if dialect != "" {
		r.s.Dialect = dialect
	}
	r.routed = ""
}

// autoResolve settles a clarification nobody answered. Options are ranked
// by the scoring policy; a free-form question is dropped and the pipeline
// continues with the question as asked.
func (r *run) autoResolve(ctx context.Context) bool {
	s := r.s
	if r.o.autoResolveAfter < 0 || s.ClarifyRetries < r.o.autoResolveAfter {
		return false
	}

	req := s.ClarifyRequest
	if len(req.Options) == 0 {
		s.IntentClear = true
		s.ClarifyRequest = nil
		s.ClarifyAnswer = ""
		s.ClarifyRetries = 0
		if cur, ok := s.CurrentStep(); ok && cur.Kind == schema.StepClarifyIntent {
			st := &s.Plan[s.CurrentStepIndex].Status
			if err := r.transition(ctx, cur.Kind, st, schema.StepStatusSkipped, map[string]any{"skipped": true, "reason": "clarification not answered"}); err == nil {
				s.CurrentStepIndex++
			}
		}
		r.note(ctx, "no clarification received; continuing with the question as asked")
		return true
	}

	idx, err := r.o.scorer.Best(ctx, req.Options)
	if err != nil || idx < 0 {
		if err != nil {
			r.o.logger.WarnContext(ctx, "clarify scoring failed", slog.String("error", err.Error()))
		}
		idx = 0
	}
	s.ClarifyAnswer = req.Options[idx]
	r.note(ctx, fmt.Sprintf("no clarification received; assumed %q", s.ClarifyAnswer))
	return true
}

// approve resumes an interrupted thread at the statement awaiting approval.
func (r *run) approve(ctx context.Context, req TurnRequest) error {
	s := r.s
	if !s.InterruptPending {
		return schema.NewError(schema.ErrCodeInvalidTransition, "no statement is awaiting approval").
			WithDetails(map[string]any{"command": string(req.Command)})
	}
	if req.Token != "" && req.Token != s.SnapshotToken {
		return schema.NewError(schema.ErrCodeConflict, "approval token does not match the pending snapshot").
			WithDetails(map[string]any{"command": string(req.Command)})
	}

	if req.Command == schema.CommandEdit {
		edited := strings.TrimSuffix(strings.TrimSpace(req.SQL), ";")
		if edited == "" {
			return schema.NewError(schema.ErrCodeValidation, "edit requires the replacement SQL")
		}
		if err := r.o.safety.ForDialect(s.Dialect).Check(edited); err != nil {
			return schema.AsPipelineError(err, schema.ErrCodeSecurityViolation).Clone().WithStep(schema.StepExecuteSQL)
		}
		s.CompiledSQL = edited
		s.Messages = append(s.Messages, state.Message{Role: state.RoleUser, Content: "Edited SQL: " + edited, At: r.o.now()})
		r.note(ctx, "statement edited before approval")
	}

	s.InterruptPending = false
	s.SnapshotToken = ""
	s.Approved = true
	return nil
}

// dispatch is the main loop. Each iteration runs at most one step (or one
// fan-out pair) and persists before the next decision.
func (r *run) dispatch(ctx context.Context) error {
	s := r.s
	for {
		if err := ctx.Err(); err != nil {
			return r.finishWithError(ctx, schema.NewError(schema.ErrCodeCancelled, "turn cancelled").WithCause(err))
		}

		if len(s.Plan) == 0 {
			if err := r.plan(ctx); err != nil {
				return err
			}
		}

		if err := r.enter(ctx, schema.PhaseDispatching); err != nil {
			return r.abort(ctx, err)
		}

		if s.InterruptPending {
			return r.halt(ctx)
		}
		if s.ClarificationPending() {
			return r.awaitInput(ctx)
		}
		if !s.IntentClear {
			if s.ClarifyAnswer == "" && (s.LastExecutedStep == schema.StepClarifyIntent || s.LastExecutedStep == schema.StepSelectTables) {
				return r.awaitInput(ctx)
			}
			if err := r.runStep(ctx, schema.StepClarifyIntent); err != nil {
				return err
			}
			continue
		}

		if r.routed != "" {
			kind := r.routed
			r.routed = ""
			if err := r.runStep(ctx, kind); err != nil {
				return err
			}
			continue
		}

		cur, ok := s.CurrentStep()
		if !ok {
			return r.complete(ctx)
		}

		if cur.Kind == schema.StepExecuteSQL && !s.Approved && r.needsApproval(ctx) {
			return r.interrupt(ctx)
		}

		var err error
		if r.fanOutPair() {
			err = r.fanOut(ctx)
		} else {
			err = r.runStep(ctx, cur.Kind)
		}
		if err != nil {
			return err
		}
	}
}

func (r *run) plan(ctx context.Context) error {
	patch, source, err := r.o.planner.Plan(ctx, r.s.Clone())
	if err != nil {
		return r.finishWithError(ctx, schema.AsPipelineError(err, schema.ErrCodeCancelled))
	}
	patch.Apply(r.s, r.o.now())
	for _, n := range patch.Notes {
		r.emit(ctx, schema.EventNote, "", n)
	}
	r.o.logger.InfoContext(ctx, "plan ready", slog.String("source", string(source)), slog.Int("steps", len(r.s.Plan)))
	r.emit(ctx, schema.EventPlan, "", map[string]any{"steps": r.s.Plan, "source": source})
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return nil
}

func (r *run) needsApproval(ctx context.Context) bool {
	s := r.s
	if s.CompiledSQL == "" {
		return false
	}
	need, err := r.o.approval.Requires(ctx, expressions.ApprovalInput{
		SQL:            s.CompiledSQL,
		Tables:         correction.ReferencedTables(s.CompiledSQL),
		Dialect:        s.Dialect,
		RetryCount:     s.RetryCount,
		PlanRetryCount: s.PlanRetryCount,
		Question:       s.Question,
	})
	if err != nil {
		r.note(ctx, "approval policy failed, waiting for approval: "+err.Error())
		return true
	}
	return need
}

func (r *run) interruptPayload() InterruptPayload {
	return InterruptPayload{
		Token:  r.s.SnapshotToken,
		SQL:    r.s.CompiledSQL,
		Step:   schema.StepExecuteSQL,
		Tables: correction.ReferencedTables(r.s.CompiledSQL),
	}
}

// interrupt parks the thread until approve or edit arrives.
func (r *run) interrupt(ctx context.Context) error {
	r.s.InterruptPending = true
	r.s.SnapshotToken = uuid.NewString()
	if err := r.enter(ctx, schema.PhaseInterrupted); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	r.emit(ctx, schema.EventInterrupt, schema.StepExecuteSQL, r.interruptPayload())
	return nil
}

// halt re-announces a pending interrupt.
func (r *run) halt(ctx context.Context) error {
	if err := r.enter(ctx, schema.PhaseInterrupted); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	r.emit(ctx, schema.EventInterrupt, schema.StepExecuteSQL, r.interruptPayload())
	return nil
}

// awaitInput finishes the turn waiting for the caller to clarify.
func (r *run) awaitInput(ctx context.Context) error {
	req := r.s.ClarifyRequest
	if req == nil {
		req = &state.ClarifyRequest{Question: "Could you rephrase the question?"}
	}
	if err := r.enter(ctx, schema.PhaseFinished); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	r.emit(ctx, schema.EventClarificationNeeded, r.s.LastExecutedStep, req)
	return nil
}

func (r *run) complete(ctx context.Context) error {
	s := r.s
	if err := r.enter(ctx, schema.PhaseFinished); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	payload := ResultPayload{
		Answer:   s.Answer,
		SQL:      s.CompiledSQL,
		Analysis: s.Analysis,
		Notes:    s.Notes,
	}
	if len(s.ExecutionResults) > 0 {
		payload.Rows = s.ExecutionResults
	}
	if len(s.Visualization) > 0 {
		payload.Visualization = s.Visualization
	}
	r.emit(ctx, schema.EventResult, "", payload)
	return nil
}

// invoke runs a worker on a view, converting a panic into a failed step.
func (r *run) invoke(ctx context.Context, w steps.Worker, view *state.ConversationState) (res steps.Result) {
	kind := w.Kind()
	ctx = logging.WithStep(ctx, string(kind))
	defer func() {
		if p := recover(); p != nil {
			r.o.logger.ErrorContext(ctx, "worker panicked", slog.Any("panic", p))
			res = steps.Failed(schema.NewErrorf(schema.ErrCodeExecution, "step %s panicked: %v", kind, p).
				WithStep(kind).
				WithDetails(map[string]any{"panic": true}))
		}
	}()
	return w.Run(ctx, view)
}

// runStep runs kind once. The step under the cursor is a planned run and
// moves the cursor on success; anything else (ClarifyIntent routed by the
// intent gate, CorrectSQL) is a routed run and leaves the cursor alone.
func (r *run) runStep(ctx context.Context, kind schema.StepKind) error {
	s := r.s
	w, err := r.o.registry.Get(kind)
	if err != nil {
		return r.finishWithError(ctx, err)
	}

	idx := -1
	routedStatus := schema.StepStatusWait
	status := &routedStatus
	if cur, ok := s.CurrentStep(); ok && cur.Kind == kind && cur.Status == schema.StepStatusWait {
		idx = s.CurrentStepIndex
		status = &s.Plan[idx].Status
	}

	phase := schema.PhaseStepRunning
	if kind == schema.StepCorrectSQL {
		phase = schema.PhaseCorrecting
	}
	if err := r.enter(ctx, phase); err != nil {
		return r.abort(ctx, err)
	}
	started := map[string]any{"routed": idx < 0}
	if idx >= 0 {
		started["index"] = idx
		started["description"] = s.Plan[idx].Description
	}
	if err := r.transition(ctx, kind, status, schema.StepStatusRunning, started); err != nil {
		return r.finishWithError(ctx, err)
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}

	res := r.invoke(ctx, w, s.Clone())

	prevSQL := s.CompiledSQL
	res.Patch.Apply(s, r.o.now())
	s.LastExecutedStep = kind
	if s.CompiledSQL != prevSQL {
		s.Approved = false
	}
	for _, n := range res.Patch.Notes {
		r.emit(ctx, schema.EventNote, kind, n)
	}
	if kind == schema.StepCorrectSQL {
		r.emit(ctx, schema.EventCorrection, kind, res.Payload)
	}
	if err := r.enter(ctx, schema.PhaseDispatching); err != nil {
		return r.abort(ctx, err)
	}

	switch {
	case res.Patch.Failed():
		return r.recoverFrom(ctx, kind, idx, status)

	case res.Patch.Clarifies():
		// The step re-runs once the caller answers.
		if err := r.transition(ctx, kind, status, schema.StepStatusWait, nil); err != nil {
			return r.finishWithError(ctx, err)
		}

	default:
		if err := r.transition(ctx, kind, status, schema.StepStatusCompleted, res.Payload); err != nil {
			return r.finishWithError(ctx, err)
		}
		if idx >= 0 {
			s.CurrentStepIndex = idx + 1
		}
	}

	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return nil
}

// recoverFrom applies the error routing after a failed step.
func (r *run) recoverFrom(ctx context.Context, kind schema.StepKind, idx int, status *schema.StepStatus) error {
	s := r.s
	d := HandleStepError(s, kind)
	r.o.logger.InfoContext(ctx, "step failed",
		slog.String("code", s.Error.Code), slog.String("recovery", d.Recovery.String()),
		slog.Int("retry_count", s.RetryCount), slog.Int("plan_retry_count", s.PlanRetryCount))

	switch d.Recovery {
	case RecoverSkip:
		reason := s.Error.Message
		s.Error = nil
		r.note(ctx, fmt.Sprintf("%s skipped: %s", kind, reason))
		if err := r.transition(ctx, kind, status, schema.StepStatusSkipped, map[string]any{"skipped": true, "reason": reason}); err != nil {
			return r.finishWithError(ctx, err)
		}
		if idx >= 0 {
			s.CurrentStepIndex = idx + 1
		}

	case RecoverCorrect:
		if err := r.transition(ctx, kind, status, schema.StepStatusWait, nil); err != nil {
			return r.finishWithError(ctx, err)
		}
		r.routed = schema.StepCorrectSQL

	case RecoverReplan:
		if err := r.transition(ctx, kind, status, schema.StepStatusWait, nil); err != nil {
			return r.finishWithError(ctx, err)
		}
		return r.replan(ctx, d.RewindTo)

	default:
		failure := s.Error
		if err := r.transition(ctx, kind, status, schema.StepStatusWait, nil); err != nil {
			return r.finishWithError(ctx, err)
		}
		return r.finishWithError(ctx, failure)
	}

	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return nil
}

// replan rewinds to GenerateDSL with the failure fed back as
// previous_error.
func (r *run) replan(ctx context.Context, index int) error {
	s := r.s
	if err := r.enter(ctx, schema.PhaseReplanning); err != nil {
		return r.abort(ctx, err)
	}
	previous := s.Error.Message
	for i := index; i < len(s.Plan); i++ {
		st := &s.Plan[i]
		if st.Status == schema.StepStatusWait {
			continue
		}
		if err := r.transition(ctx, st.Kind, &st.Status, schema.StepStatusWait, nil); err != nil {
			return r.finishWithError(ctx, err)
		}
	}
	s.RewindTo(index)
	s.PlanRetryCount++
	s.PreviousError = previous
	r.routed = ""

	r.emit(ctx, schema.EventReplan, s.Plan[index].Kind, ReplanPayload{
		PlanRetryCount: s.PlanRetryCount,
		PreviousError:  previous,
		RestartAt:      s.Plan[index].Kind,
	})
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return nil
}

// fanOutPair reports whether the cursor sits on adjacent Analyze and
// Visualize steps.
func (r *run) fanOutPair() bool {
	s := r.s
	i := s.CurrentStepIndex
	if i+1 >= len(s.Plan) {
		return false
	}
	a, b := s.Plan[i], s.Plan[i+1]
	if a.Status != schema.StepStatusWait || b.Status != schema.StepStatusWait {
		return false
	}
	return (a.Kind == schema.StepAnalyze && b.Kind == schema.StepVisualize) ||
		(a.Kind == schema.StepVisualize && b.Kind == schema.StepAnalyze)
}

// fanOut runs the Analyze/Visualize pair concurrently on separate views. A
// failing branch becomes a note and its step is skipped; the other branch
// is merged regardless. Only cancellation ends the turn.
func (r *run) fanOut(ctx context.Context) error {
	s := r.s
	idx := s.CurrentStepIndex
	pair := [2]int{idx, idx + 1}

	var workers [2]steps.Worker
	for i, p := range pair {
		w, err := r.o.registry.Get(s.Plan[p].Kind)
		if err != nil {
			return r.finishWithError(ctx, err)
		}
		workers[i] = w
	}

	if err := r.enter(ctx, schema.PhaseStepRunning); err != nil {
		return r.abort(ctx, err)
	}
	for _, p := range pair {
		st := &s.Plan[p]
		if err := r.transition(ctx, st.Kind, &st.Status, schema.StepStatusRunning,
			map[string]any{"routed": false, "index": p, "description": st.Description}); err != nil {
			return r.finishWithError(ctx, err)
		}
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}

	var results [2]steps.Result
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		view := s.Clone()
		g.Go(func() error {
			results[i] = r.invoke(gctx, workers[i], view)
			return nil
		})
	}
	_ = g.Wait()

	if err := r.enter(ctx, schema.PhaseDispatching); err != nil {
		return r.abort(ctx, err)
	}

	var cancelled *schema.PipelineError
	for i, p := range pair {
		st := &s.Plan[p]
		patch := results[i].Patch
		if patch.Failed() {
			if patch.Error.Code == schema.ErrCodeCancelled && cancelled == nil {
				cancelled = patch.Error
			}
			reason := patch.Error.Message
			patch = state.Patch{Notes: patch.Notes}
			patch.Apply(s, r.o.now())
			r.note(ctx, fmt.Sprintf("%s skipped: %s", st.Kind, reason))
			if err := r.transition(ctx, st.Kind, &st.Status, schema.StepStatusSkipped, map[string]any{"skipped": true, "reason": reason}); err != nil {
				return r.finishWithError(ctx, err)
			}
			continue
		}
		patch.Apply(s, r.o.now())
		for _, n := range patch.Notes {
			r.emit(ctx, schema.EventNote, st.Kind, n)
		}
		if err := r.transition(ctx, st.Kind, &st.Status, schema.StepStatusCompleted, results[i].Payload); err != nil {
			return r.finishWithError(ctx, err)
		}
	}
	s.LastExecutedStep = s.Plan[pair[1]].Kind
	s.CurrentStepIndex = idx + 2

	if cancelled != nil {
		return r.finishWithError(ctx, cancelled)
	}
	if err := r.persist(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return nil
}
