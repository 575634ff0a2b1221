package state

import (
	"encoding/json"
	"time"

	"github.com/rendis/querypilot/pkg/schema"
)

// Patch is the set of changes a worker asks the orchestrator to merge.
// Nil pointers and nil slices mean "leave unchanged".
type Patch struct {
	Plan             []PlanStep
	CurrentStepIndex *int
	IntentClear      *bool

	RelevantSchema   schema.SchemaMetadata
	SelectedTables   []string
	IntermediateDSL  *string
	CompiledSQL      *string
	ExecutionResults json.RawMessage
	Analysis         *string
	Visualization    json.RawMessage
	Answer           *string

	AppendMessages []Message
	Notes          []string

	Error      *schema.PipelineError
	ClearError bool
	RetryCount *int

	ClarifyRequest *ClarifyRequest
	ClarifyAnswer  *string
	ClearClarify   bool
}

// Str returns a pointer to s.
func Str(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Failed builds a patch carrying only an error.
func Failed(err *schema.PipelineError) Patch {
	return Patch{Error: err}
}

// Failed reports whether the patch carries an error.
func (p Patch) Failed() bool { return p.Error != nil }

// Clarifies reports whether the patch opens a clarification request.
func (p Patch) Clarifies() bool { return p.ClarifyRequest != nil }

// Merge folds q into p; fields set in q win, appends accumulate.
func (p Patch) Merge(q Patch) Patch {
	if q.Plan != nil {
		p.Plan = q.Plan
	}
	if q.CurrentStepIndex != nil {
		p.CurrentStepIndex = q.CurrentStepIndex
	}
	if q.IntentClear != nil {
		p.IntentClear = q.IntentClear
	}
	if q.RelevantSchema != nil {
		p.RelevantSchema = q.RelevantSchema
	}
	if q.SelectedTables != nil {
		p.SelectedTables = q.SelectedTables
	}
	if q.IntermediateDSL != nil {
		p.IntermediateDSL = q.IntermediateDSL
	}
	if q.CompiledSQL != nil {
		p.CompiledSQL = q.CompiledSQL
	}
	if q.ExecutionResults != nil {
		p.ExecutionResults = q.ExecutionResults
	}
	if q.Analysis != nil {
		p.Analysis = q.Analysis
	}
	if q.Visualization != nil {
		p.Visualization = q.Visualization
	}
	if q.Answer != nil {
		p.Answer = q.Answer
	}
	p.AppendMessages = append(p.AppendMessages, q.AppendMessages...)
	p.Notes = append(p.Notes, q.Notes...)
	if q.Error != nil {
		p.Error = q.Error
	}
	p.ClearError = p.ClearError || q.ClearError
	if q.RetryCount != nil {
		p.RetryCount = q.RetryCount
	}
	if q.ClarifyRequest != nil {
		p.ClarifyRequest = q.ClarifyRequest
	}
	if q.ClarifyAnswer != nil {
		p.ClarifyAnswer = q.ClarifyAnswer
	}
	p.ClearClarify = p.ClearClarify || q.ClearClarify
	return p
}

// Apply merges the patch into s. Clears run before sets so a patch can
// replace a clarify request or error in one step.
func (p Patch) Apply(s *ConversationState, now time.Time) {
	if p.ClearError {
		s.Error = nil
	}
	if p.ClearClarify {
		s.ClarifyRequest = nil
		s.ClarifyAnswer = ""
		s.ClarifyRetries = 0
	}
	if p.Plan != nil {
		s.Plan = append([]PlanStep(nil), p.Plan...)
	}
	if p.CurrentStepIndex != nil {
		s.CurrentStepIndex = *p.CurrentStepIndex
	}
	if p.IntentClear != nil {
		s.IntentClear = *p.IntentClear
	}
	if p.RelevantSchema != nil {
		s.RelevantSchema = p.RelevantSchema
	}
	if p.SelectedTables != nil {
		s.SelectedTables = append([]string(nil), p.SelectedTables...)
	}
	if p.IntermediateDSL != nil {
		s.IntermediateDSL = *p.IntermediateDSL
	}
	if p.CompiledSQL != nil {
		s.CompiledSQL = *p.CompiledSQL
	}
	if p.ExecutionResults != nil {
		s.ExecutionResults = cloneRaw(p.ExecutionResults)
	}
	if p.Analysis != nil {
		s.Analysis = *p.Analysis
	}
	if p.Visualization != nil {
		s.Visualization = cloneRaw(p.Visualization)
	}
	if p.Answer != nil {
		s.Answer = *p.Answer
	}
	for _, m := range p.AppendMessages {
		if m.At.IsZero() {
			m.At = now
		}
		s.Messages = append(s.Messages, m)
	}
	s.Notes = append(s.Notes, p.Notes...)
	if p.Error != nil {
		s.Error = p.Error.Clone()
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.ClarifyRequest != nil {
		s.ClarifyRequest = p.ClarifyRequest.clone()
		s.ClarifyAnswer = ""
	}
	if p.ClarifyAnswer != nil {
		s.ClarifyAnswer = *p.ClarifyAnswer
	}
	s.UpdatedAt = now
}
