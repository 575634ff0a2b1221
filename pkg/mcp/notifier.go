package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ThreadNotifier pushes turn events to the client that owns a thread.
type ThreadNotifier interface {
	Notify(ctx context.Context, threadID string, payload map[string]any) error
}

// MCPNotifier implements ThreadNotifier with MCP notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to the server sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the session of threadID. Best-effort: a thread
// with no live session is not an error.
func (n *MCPNotifier) Notify(_ context.Context, threadID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(threadID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
