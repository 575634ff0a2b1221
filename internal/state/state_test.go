package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/pkg/schema"
)

func sampleState() *ConversationState {
	s := New("t-1", schema.DialectPostgres)
	s.BeginQuestion("how many orders?", time.Unix(0, 0))
	s.Plan = []PlanStep{
		{Kind: schema.StepSelectTables, Status: schema.StepStatusCompleted},
		{Kind: schema.StepGenerateDSL, Status: schema.StepStatusCompleted},
		{Kind: schema.StepCompileSQL, Status: schema.StepStatusCompleted},
		{Kind: schema.StepExecuteSQL, Status: schema.StepStatusRunning},
	}
	s.CurrentStepIndex = 3
	s.IntermediateDSL = `{"from":"orders"}`
	s.CompiledSQL = "SELECT * FROM orders"
	s.ExecutionResults = json.RawMessage(`[]`)
	s.Error = schema.NewError(schema.ErrCodeExecution, "boom").WithDetails(map[string]any{"a": 1})
	s.ClarifyRequest = &ClarifyRequest{Question: "which?", Options: []string{"a", "b"}}
	s.RelevantSchema = schema.SchemaMetadata{"orders": {Columns: []string{"id"}}}
	return s
}

func TestClone_IsDeep(t *testing.T) {
	s := sampleState()
	cp := s.Clone()

	cp.Plan[0].Status = schema.StepStatusWait
	cp.Messages[0].Content = "changed"
	cp.ClarifyRequest.Options[0] = "z"
	cp.Error.Details["a"] = 2
	cp.ExecutionResults[0] = '{'
	cp.RelevantSchema["customers"] = schema.TableMeta{}

	assert.Equal(t, schema.StepStatusCompleted, s.Plan[0].Status)
	assert.Equal(t, "how many orders?", s.Messages[0].Content)
	assert.Equal(t, "a", s.ClarifyRequest.Options[0])
	assert.Equal(t, 1, s.Error.Details["a"])
	assert.Equal(t, byte('['), s.ExecutionResults[0])
	assert.NotContains(t, s.RelevantSchema, "customers")
}

func TestRecentMessages_DoesNotTruncateStorage(t *testing.T) {
	s := New("t", schema.DialectMySQL)
	for i := 0; i < 5; i++ {
		s.Messages = append(s.Messages, Message{Role: RoleUser, Content: string(rune('a' + i))})
	}
	recent := s.RecentMessages(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Content)
	assert.Equal(t, "e", recent[1].Content)
	assert.Len(t, s.Messages, 5)
	assert.Len(t, s.RecentMessages(0), 5)
}

func TestBeginQuestion_KeepsMessages(t *testing.T) {
	s := sampleState()
	s.RetryCount = 2
	s.InterruptPending = true
	s.BeginQuestion("next", time.Unix(1, 0))

	assert.Len(t, s.Messages, 2)
	assert.Equal(t, "next", s.Question)
	assert.Nil(t, s.Plan)
	assert.Zero(t, s.RetryCount)
	assert.False(t, s.InterruptPending)
	assert.Nil(t, s.ClarifyRequest)
	assert.Equal(t, schema.DialectPostgres, s.Dialect)
}

func TestRewindTo(t *testing.T) {
	s := sampleState()
	s.RetryCount = 3
	s.RewindTo(1)

	assert.Equal(t, 1, s.CurrentStepIndex)
	assert.Empty(t, s.IntermediateDSL)
	assert.Empty(t, s.CompiledSQL)
	assert.Nil(t, s.ExecutionResults)
	assert.Nil(t, s.Error)
	assert.Equal(t, 3, s.RetryCount)
	assert.Equal(t, schema.StepStatusCompleted, s.Plan[0].Status)
	for _, p := range s.Plan[1:] {
		assert.Equal(t, schema.StepStatusWait, p.Status)
	}
}

func TestStepIndexAndCurrentStep(t *testing.T) {
	s := sampleState()
	assert.Equal(t, 1, s.StepIndex(schema.StepGenerateDSL))
	assert.Equal(t, -1, s.StepIndex(schema.StepAnalyze))

	step, ok := s.CurrentStep()
	require.True(t, ok)
	assert.Equal(t, schema.StepExecuteSQL, step.Kind)

	s.CurrentStepIndex = 10
	_, ok = s.CurrentStep()
	assert.False(t, ok)
}

func TestPatchApply(t *testing.T) {
	s := sampleState()
	now := time.Unix(100, 0)

	Patch{
		ClearError:     true,
		ClearClarify:   true,
		CompiledSQL:    Str("SELECT 1"),
		RetryCount:     Int(1),
		AppendMessages: []Message{{Role: RoleAssistant, Content: "fixed"}},
		Notes:          []string{"n1"},
	}.Apply(s, now)

	assert.Nil(t, s.Error)
	assert.Nil(t, s.ClarifyRequest)
	assert.Equal(t, "SELECT 1", s.CompiledSQL)
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, now, s.Messages[len(s.Messages)-1].At)
	assert.Equal(t, []string{"n1"}, s.Notes)
	assert.Equal(t, now, s.UpdatedAt)
}

func TestPatchApply_ClarifyReplacesAnswer(t *testing.T) {
	s := sampleState()
	s.ClarifyAnswer = "old"
	Patch{ClarifyRequest: &ClarifyRequest{Question: "q2"}}.Apply(s, time.Now())
	assert.Equal(t, "q2", s.ClarifyRequest.Question)
	assert.Empty(t, s.ClarifyAnswer)
	assert.True(t, s.ClarificationPending())
}

func TestPatchMerge(t *testing.T) {
	a := Patch{Analysis: Str("a"), Notes: []string{"x"}}
	b := Patch{Visualization: json.RawMessage(`{}`), Notes: []string{"y"}, ClearError: true}
	m := a.Merge(b)

	assert.Equal(t, "a", *m.Analysis)
	assert.JSONEq(t, `{}`, string(m.Visualization))
	assert.Equal(t, []string{"x", "y"}, m.Notes)
	assert.True(t, m.ClearError)
	assert.False(t, m.Failed())
	assert.True(t, Failed(schema.NewError(schema.ErrCodeExecution, "x")).Failed())
}

func TestStateJSONRoundTripKeepsError(t *testing.T) {
	s := sampleState()
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back ConversationState
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Error)
	assert.Equal(t, schema.ErrCodeExecution, back.Error.Code)
	assert.Equal(t, s.Plan, back.Plan)
}
