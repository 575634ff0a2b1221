package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/internal/engine"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/internal/store"
	"github.com/rendis/querypilot/pkg/schema"
)

type mockOrchestrator struct {
	last    engine.TurnRequest
	events  []schema.Event
	turnErr error
	states  map[string]*state.ConversationState
	limit   int
}

func (m *mockOrchestrator) RunTurn(_ context.Context, req engine.TurnRequest) (<-chan schema.Event, error) {
	m.last = req
	if m.turnErr != nil {
		return nil, m.turnErr
	}
	ch := make(chan schema.Event, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockOrchestrator) Run(context.Context, engine.TurnRequest, engine.Emitter) (*state.ConversationState, error) {
	return nil, nil
}

func (m *mockOrchestrator) State(_ context.Context, threadID string) (*state.ConversationState, error) {
	if s, ok := m.states[threadID]; ok {
		return s, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "thread %q not found", threadID)
}

func (m *mockOrchestrator) Threads(_ context.Context, limit int) ([]store.ThreadInfo, error) {
	m.limit = limit
	return []store.ThreadInfo{{ThreadID: "thread-1", Version: 3}}, nil
}

func (m *mockOrchestrator) Close() error { return nil }

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, r.Content)
	tc, ok := r.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", r.Content[0])
	return tc.Text
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{Orchestrator: &mockOrchestrator{}})
	require.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 3)
	for _, name := range []string{"querypilot.run_turn", "querypilot.state", "querypilot.threads"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestRunTurnTool(t *testing.T) {
	orc := &mockOrchestrator{events: []schema.Event{
		{ThreadID: "thread-1", Kind: schema.EventPlan},
		{ThreadID: "thread-1", Kind: schema.EventInterrupt, Payload: map[string]any{"token": "tok"}},
	}}
	s := NewServer(ServerDeps{Orchestrator: orc})

	result, err := s.handleRunTurn(context.Background(), buildRequest("querypilot.run_turn", map[string]any{
		"thread_id": "thread-1",
		"message":   "how many users?",
		"dialect":   "mysql",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out TurnResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	assert.Equal(t, "thread-1", out.ThreadID)
	assert.Equal(t, schema.EventInterrupt, out.Outcome)
	assert.Len(t, out.Events, 2)

	assert.Equal(t, "how many users?", orc.last.Message)
	assert.Equal(t, schema.DialectMySQL, orc.last.Dialect)
	assert.Empty(t, orc.last.Command)
}

func TestRunTurnTool_Approve(t *testing.T) {
	orc := &mockOrchestrator{}
	s := NewServer(ServerDeps{Orchestrator: orc})

	result, err := s.handleRunTurn(context.Background(), buildRequest("querypilot.run_turn", map[string]any{
		"thread_id": "thread-1",
		"command":   "edit",
		"sql":       "SELECT 1",
		"token":     "tok",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, schema.CommandEdit, orc.last.Command)
	assert.Equal(t, "SELECT 1", orc.last.SQL)
	assert.Equal(t, "tok", orc.last.Token)
}

func TestRunTurnTool_ApproveNeedsToken(t *testing.T) {
	orc := &mockOrchestrator{}
	s := NewServer(ServerDeps{Orchestrator: orc})

	result, err := s.handleRunTurn(context.Background(), buildRequest("querypilot.run_turn", map[string]any{
		"thread_id": "thread-1",
		"command":   "approve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "token")
	assert.Empty(t, orc.last.ThreadID, "the turn never reaches the engine")
}

func TestRunTurnTool_Errors(t *testing.T) {
	s := NewServer(ServerDeps{Orchestrator: &mockOrchestrator{
		turnErr: schema.NewError(schema.ErrCodeValidation, `unknown command "drop"`),
	}})

	result, err := s.handleRunTurn(context.Background(), buildRequest("querypilot.run_turn", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRunTurn(context.Background(), buildRequest("querypilot.run_turn", map[string]any{
		"thread_id": "thread-1",
		"command":   "drop",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "VALIDATION_ERROR")
}

func TestStateTool(t *testing.T) {
	st := state.New("thread-1", schema.DialectPostgres)
	st.Question = "how many users?"
	s := NewServer(ServerDeps{Orchestrator: &mockOrchestrator{states: map[string]*state.ConversationState{"thread-1": st}}})

	result, err := s.handleState(context.Background(), buildRequest("querypilot.state", map[string]any{"thread_id": "thread-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"question":"how many users?"`)

	result, err = s.handleState(context.Background(), buildRequest("querypilot.state", map[string]any{"thread_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestThreadsTool(t *testing.T) {
	orc := &mockOrchestrator{}
	s := NewServer(ServerDeps{Orchestrator: orc})

	result, err := s.handleThreads(context.Background(), buildRequest("querypilot.threads", map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, 5, orc.limit)
	assert.Contains(t, resultText(t, result), `"count":1`)

	_, err = s.handleThreads(context.Background(), buildRequest("querypilot.threads", nil))
	require.NoError(t, err)
	assert.Equal(t, 50, orc.limit)
}
