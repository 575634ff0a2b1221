package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/querypilot/internal/engine"
	"github.com/rendis/querypilot/pkg/schema"
)

// TurnResult is the run_turn tool output.
type TurnResult struct {
	ThreadID string           `json:"thread_id"`
	Outcome  schema.EventKind `json:"outcome,omitempty"`
	Events   []schema.Event   `json:"events"`
}

func (s *Server) handleRunTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	s.captureSession(ctx, threadID)

	turn := engine.TurnRequest{
		ThreadID: threadID,
		Message:  req.GetString("message", ""),
		Command:  schema.Command(req.GetString("command", "")),
		SQL:      req.GetString("sql", ""),
		Token:    req.GetString("token", ""),
		Dialect:  schema.Dialect(req.GetString("dialect", "")),
	}
	if err := turn.RequireToken(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turn rejected: %v", err)), nil
	}

	ch, err := s.orc.RunTurn(ctx, turn)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turn rejected: %v", err)), nil
	}

	out := TurnResult{ThreadID: threadID, Events: []schema.Event{}}
	for e := range ch {
		out.Events = append(out.Events, e)
		if nerr := s.notifier.Notify(ctx, threadID, map[string]any{"event": e}); nerr != nil {
			s.logger.Debug("turn notification failed", "thread_id", threadID, "error", nerr)
		}
	}
	if n := len(out.Events); n > 0 {
		out.Outcome = out.Events[n-1].Kind
	}
	return marshalResult(out)
}

func (s *Server) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	st, err := s.orc.State(ctx, threadID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state query failed: %v", err)), nil
	}
	return marshalResult(st)
}

func (s *Server) handleThreads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := extractInt(req.GetArguments(), "limit", 50)
	threads, err := s.orc.Threads(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("thread listing failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"threads": threads, "count": len(threads)})
}

// extractInt reads an integer argument; JSON numbers arrive as float64.
func extractInt(args map[string]any, key string, defaultVal int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultVal
	}
}

// captureSession maps the thread to the calling MCP session for event
// notifications.
func (s *Server) captureSession(ctx context.Context, threadID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(threadID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
