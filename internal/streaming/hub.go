// Package streaming fans turn events out to live subscribers (SSE clients,
// MCP sessions) independently of the stream returned by RunTurn.
package streaming

import (
	"context"

	"github.com/rendis/querypilot/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ThreadID string             `json:"thread_id,omitempty"`
	Kinds    []schema.EventKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for turn events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
