// Package reasoning assembles the context handed to the reasoning oracle
// and validates answers to the clarification questions it raises.
package reasoning

import (
	"encoding/json"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

// DefaultHistorySize is how many recent messages an oracle call sees.
const DefaultHistorySize = 10

// PromptContext is the structured context rendered into oracle prompts.
type PromptContext struct {
	Question      string                `json:"question"`
	Dialect       schema.Dialect        `json:"dialect,omitempty"`
	Schema        schema.SchemaMetadata `json:"schema,omitempty"`
	Glossary      map[string]string     `json:"glossary,omitempty"`
	Clarification string                `json:"clarification,omitempty"`
	PreviousError string                `json:"previous_error,omitempty"`
	Extra         map[string]any        `json:"extra,omitempty"`
}

// ContextParams holds the inputs needed to build a PromptContext.
type ContextParams struct {
	State    *state.ConversationState
	Schema   schema.SchemaMetadata // defaults to the state's relevant schema
	Glossary map[string]string
	Extra    map[string]any
}

// BuildPromptContext assembles the context for one oracle call.
func BuildPromptContext(p ContextParams) PromptContext {
	pc := PromptContext{
		Glossary: p.Glossary,
		Schema:   p.Schema,
		Extra:    p.Extra,
	}
	if s := p.State; s != nil {
		pc.Question = s.Question
		pc.Dialect = s.Dialect
		pc.Clarification = s.ClarifyAnswer
		pc.PreviousError = s.PreviousError
		if pc.Schema == nil {
			pc.Schema = s.RelevantSchema
		}
	}
	return pc
}

// JSON renders the context. It never fails.
func (pc PromptContext) JSON() string {
	data, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		// Fallback guaranteed to succeed: only uses string literal key.
		return `{"question":""}`
	}
	return string(data)
}

// History converts the recent conversation into oracle messages.
func History(s *state.ConversationState, n int) []oracle.Message {
	if s == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultHistorySize
	}
	recent := s.RecentMessages(n)
	out := make([]oracle.Message, 0, len(recent))
	for _, m := range recent {
		out = append(out, oracle.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
