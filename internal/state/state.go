// Package state holds the per-thread conversation state owned by the
// orchestrator and the patches workers return against it.
package state

import (
	"encoding/json"
	"time"

	"github.com/rendis/querypilot/pkg/schema"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single role-tagged entry of the conversation.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PlanStep is one unit of work in a plan. Only Status mutates.
type PlanStep struct {
	Kind        schema.StepKind   `json:"kind"`
	Description string            `json:"description,omitempty"`
	Status      schema.StepStatus `json:"status"`
}

// Selection modes for a clarification request.
const (
	SelectSingle   = "single"
	SelectMultiple = "multiple"
)

// ClarifyRequest asks the caller to disambiguate the question.
type ClarifyRequest struct {
	Question      string   `json:"question"`
	Options       []string `json:"options,omitempty"`
	SelectionMode string   `json:"selection_mode,omitempty"`
}

func (c *ClarifyRequest) clone() *ClarifyRequest {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Options = append([]string(nil), c.Options...)
	return &cp
}

// ConversationState is the full per-thread state persisted between turns.
type ConversationState struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
	Question string    `json:"question"`

	Plan             []PlanStep      `json:"plan,omitempty"`
	CurrentStepIndex int             `json:"current_step_index"`
	LastExecutedStep schema.StepKind `json:"last_executed_step,omitempty"`

	RelevantSchema   schema.SchemaMetadata `json:"relevant_schema,omitempty"`
	SelectedTables   []string              `json:"selected_tables,omitempty"`
	IntermediateDSL  string                `json:"intermediate_dsl,omitempty"`
	CompiledSQL      string                `json:"compiled_sql,omitempty"`
	ExecutionResults json.RawMessage       `json:"execution_results,omitempty"`
	Analysis         string                `json:"analysis,omitempty"`
	Visualization    json.RawMessage       `json:"visualization,omitempty"`
	Answer           string                `json:"answer,omitempty"`
	Notes            []string              `json:"notes,omitempty"`

	Error          *schema.PipelineError `json:"error,omitempty"`
	RetryCount     int                   `json:"retry_count"`
	PlanRetryCount int                   `json:"plan_retry_count"`
	PreviousError  string                `json:"previous_error,omitempty"`

	IntentClear    bool            `json:"intent_clear"`
	ClarifyRequest *ClarifyRequest `json:"clarify_request,omitempty"`
	ClarifyAnswer  string          `json:"clarify_answer,omitempty"`
	ClarifyRetries int             `json:"clarify_retries"`

	InterruptPending bool   `json:"interrupt_pending"`
	SnapshotToken    string `json:"snapshot_token,omitempty"`
	Approved         bool   `json:"approved"`

	Dialect   schema.Dialect `json:"dialect"`
	Phase     schema.Phase   `json:"phase,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New creates a fresh state for a thread.
func New(threadID string, dialect schema.Dialect) *ConversationState {
	return &ConversationState{
		ThreadID: threadID,
		Dialect:  dialect,
		Phase:    schema.PhasePlanning,
	}
}

// Clone returns a deep copy. Workers only ever see clones.
func (s *ConversationState) Clone() *ConversationState {
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.Plan = append([]PlanStep(nil), s.Plan...)
	cp.SelectedTables = append([]string(nil), s.SelectedTables...)
	cp.Notes = append([]string(nil), s.Notes...)
	cp.ExecutionResults = cloneRaw(s.ExecutionResults)
	cp.Visualization = cloneRaw(s.Visualization)
	cp.Error = s.Error.Clone()
	cp.ClarifyRequest = s.ClarifyRequest.clone()
	if s.RelevantSchema != nil {
		cp.RelevantSchema = make(schema.SchemaMetadata, len(s.RelevantSchema))
		for k, v := range s.RelevantSchema {
			cp.RelevantSchema[k] = v
		}
	}
	return &cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// RecentMessages returns the last n messages. Storage is never truncated;
// this view is what gets handed to the oracle.
func (s *ConversationState) RecentMessages(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return append([]Message(nil), s.Messages...)
	}
	return append([]Message(nil), s.Messages[len(s.Messages)-n:]...)
}

// CurrentStep returns the step under the cursor, if any.
func (s *ConversationState) CurrentStep() (PlanStep, bool) {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Plan) {
		return PlanStep{}, false
	}
	return s.Plan[s.CurrentStepIndex], true
}

// StepIndex returns the position of the first step of the given kind, or -1.
func (s *ConversationState) StepIndex(kind schema.StepKind) int {
	for i, p := range s.Plan {
		if p.Kind == kind {
			return i
		}
	}
	return -1
}

// ClarificationPending reports whether a clarify request awaits a selection.
func (s *ConversationState) ClarificationPending() bool {
	return s.ClarifyRequest != nil && s.ClarifyAnswer == ""
}

// BeginQuestion resets turn-scoped fields for a new question. Messages and
// dialect survive.
func (s *ConversationState) BeginQuestion(question string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: RoleUser, Content: question, At: at})
	s.Question = question
	s.Plan = nil
	s.CurrentStepIndex = 0
	s.LastExecutedStep = ""
	s.RelevantSchema = nil
	s.SelectedTables = nil
	s.IntermediateDSL = ""
	s.CompiledSQL = ""
	s.ExecutionResults = nil
	s.Analysis = ""
	s.Visualization = nil
	s.Answer = ""
	s.Notes = nil
	s.Error = nil
	s.RetryCount = 0
	s.PlanRetryCount = 0
	s.PreviousError = ""
	s.IntentClear = false
	s.ClarifyRequest = nil
	s.ClarifyAnswer = ""
	s.ClarifyRetries = 0
	s.InterruptPending = false
	s.SnapshotToken = ""
	s.Approved = false
	s.Phase = schema.PhasePlanning
}

// RewindTo moves the cursor back to index for an outer retry: outputs from
// the DSL step onward are cleared and the steps from index on return to wait.
func (s *ConversationState) RewindTo(index int) {
	if index < 0 {
		index = 0
	}
	s.CurrentStepIndex = index
	s.IntermediateDSL = ""
	s.CompiledSQL = ""
	s.ExecutionResults = nil
	s.Error = nil
	s.Approved = false
	for i := index; i < len(s.Plan); i++ {
		s.Plan[i].Status = schema.StepStatusWait
	}
}
