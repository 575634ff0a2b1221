// Package oracle is the boundary to the reasoning model. Calls are never
// retried here; retries belong to the correction and replanning loops.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rendis/querypilot/pkg/schema"
)

// Message is one conversation entry passed as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	// Task labels the request for logs and fakes (plan, dsl, correction...).
	Task     string
	System   string
	Prompt   string
	Messages []Message
	// ResponseSchema, when set, demands a JSON answer validated against it.
	ResponseSchema []byte
}

// Response is the oracle answer. JSON is set when a schema was requested.
type Response struct {
	Text string
	JSON json.RawMessage
}

// Oracle answers prompts.
type Oracle interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type timeoutOracle struct {
	next    Oracle
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. An expired deadline is
// reported as UPSTREAM_UNAVAILABLE.
func WithTimeout(next Oracle, d time.Duration) Oracle {
	if d <= 0 {
		return next
	}
	return &timeoutOracle{next: next, timeout: d}
}

func (o *timeoutOracle) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.next.Complete(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Response{}, schema.NewErrorf(schema.ErrCodeUpstreamUnavailable,
			"oracle did not answer within %s", o.timeout).
			WithCause(err).
			WithDetails(map[string]any{"task": req.Task, "timeout": o.timeout.String()})
	}
	return resp, err
}

// Unavailable wraps a transport failure as UPSTREAM_UNAVAILABLE.
func Unavailable(task string, err error) *schema.PipelineError {
	return schema.NewError(schema.ErrCodeUpstreamUnavailable, "reasoning service unavailable").
		WithCause(err).
		WithDetails(map[string]any{"task": task})
}

// ExtractJSON pulls the JSON document out of a model answer, tolerating
// markdown fences and surrounding prose.
func ExtractJSON(text string) ([]byte, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	if json.Valid([]byte(s)) {
		return []byte(s), nil
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "answer contains no JSON document")
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return nil, schema.NewError(schema.ErrCodeValidation, "answer contains an unterminated JSON document")
	}
	candidate := []byte(s[start : end+1])
	if !json.Valid(candidate) {
		return nil, schema.NewError(schema.ErrCodeValidation, "answer contains malformed JSON")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, candidate); err != nil {
		return candidate, nil
	}
	return buf.Bytes(), nil
}
