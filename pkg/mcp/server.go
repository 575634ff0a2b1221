// Package mcp exposes the orchestrator as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/querypilot/internal/engine"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator engine.Orchestrator
	Logger       *slog.Logger
	Version      string
}

// Server wraps an MCP server with the querypilot tool handlers.
type Server struct {
	orc       engine.Orchestrator
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ThreadNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		orc:      deps.Orchestrator,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"querypilot",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("querypilot answers questions about a relational database. "+
			"Use querypilot.run_turn to ask a question or to answer a clarification on a thread, "+
			"approve or edit a statement awaiting approval with command=approve|edit, "+
			"querypilot.state to read a thread and querypilot.threads to list threads."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTurnTool(), Handler: s.handleRunTurn},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: threadsTool(), Handler: s.handleThreads},
	}
}

// --- Tool definitions ---

func runTurnTool() mcp.Tool {
	return mcp.NewTool("querypilot.run_turn",
		mcp.WithDescription("Run one conversation turn and return its events"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
		mcp.WithString("message", mcp.Description("A new question, or the answer to a pending clarification")),
		mcp.WithString("command",
			mcp.Enum("start", "approve", "edit"),
			mcp.Description("Control command (default: start)"),
		),
		mcp.WithString("sql", mcp.Description("Replacement SQL for command=edit")),
		mcp.WithString("token", mcp.Description("Snapshot token from the interrupt event; required for approve and edit")),
		mcp.WithString("dialect",
			mcp.Enum("postgresql", "mysql"),
			mcp.Description("Target SQL dialect for a new thread"),
		),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("querypilot.state",
		mcp.WithDescription("Get the persisted state of a thread"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
	)
}

func threadsTool() mcp.Tool {
	return mcp.NewTool("querypilot.threads",
		mcp.WithDescription("List threads, most recently updated first"),
		mcp.WithNumber("limit", mcp.Description("Maximum threads to return (default: 50)")),
	)
}
