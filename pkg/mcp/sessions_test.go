package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("thread-1", "session-abc")
	sid, ok := r.SessionFor("thread-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Rebind(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("thread-1", "session-old")
	r.Register("thread-1", "session-new")

	sid, ok := r.SessionFor("thread-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("thread-1", "session-abc")
	r.Register("thread-2", "session-abc")
	r.Register("thread-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("thread-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("thread-2")
	assert.False(t, ok)

	sid, ok := r.SessionFor("thread-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}

func TestMCPNotifier_UnboundThreadIsNoop(t *testing.T) {
	n := NewMCPNotifier(server.NewMCPServer("test", "0"), NewSessionRegistry())
	assert.NoError(t, n.Notify(context.Background(), "thread-1", map[string]any{"event": "result"}))
}

func TestMCPNotifier_StaleSessionIsDropped(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("thread-1", "gone")
	n := NewMCPNotifier(server.NewMCPServer("test", "0"), sessions)

	assert.NoError(t, n.Notify(context.Background(), "thread-1", map[string]any{"event": "result"}))
	_, ok := sessions.SessionFor("thread-1")
	assert.False(t, ok)
}
