package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

type fakeModel struct {
	answer   string
	err      error
	received []llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.received = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.answer}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return m.answer, m.err
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"prose around", "Here you go: {\"a\": [1, 2]} hope it helps", `{"a":[1,2]}`, true},
		{"array", "result: [1,2,3]", `[1,2,3]`, true},
		{"none", "no json here", "", false},
		{"broken", "{\"a\": }", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if !tt.ok {
				require.Error(t, err)
				assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestLangChain_Complete(t *testing.T) {
	model := &fakeModel{answer: "```json\n{\"sql\":\"SELECT 1\",\"rationale\":\"r\"}\n```"}
	o := NewLangChain(model, validation.MustNew(), nil)

	resp, err := o.Complete(context.Background(), Request{
		Task:           "correction",
		System:         "fix sql",
		Prompt:         "please",
		Messages:       []Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}},
		ResponseSchema: validation.SchemaBytes(validation.PayloadCorrection),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sql":"SELECT 1","rationale":"r"}`, string(resp.JSON))

	require.Len(t, model.received, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.received[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.received[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.received[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.received[3].Role)
}

func TestLangChain_SchemaMismatch(t *testing.T) {
	model := &fakeModel{answer: `{"rationale":"no sql"}`}
	o := NewLangChain(model, validation.MustNew(), nil)

	_, err := o.Complete(context.Background(), Request{
		Prompt:         "p",
		ResponseSchema: validation.SchemaBytes(validation.PayloadCorrection),
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLangChain_TransportFailure(t *testing.T) {
	o := NewLangChain(&fakeModel{err: errors.New("connection refused")}, nil, nil)
	_, err := o.Complete(context.Background(), Request{Task: "plan", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUpstreamUnavailable))
}

func TestWithTimeout(t *testing.T) {
	slow := Func(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	})
	o := WithTimeout(slow, 20*time.Millisecond)

	start := time.Now()
	_, err := o.Complete(context.Background(), Request{Task: "dsl"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUpstreamUnavailable))
	assert.Less(t, time.Since(start), time.Second)

	fast := Func(func(context.Context, Request) (Response, error) { return Response{Text: "ok"}, nil })
	resp, err := WithTimeout(fast, time.Second).Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	_, wrapped := WithTimeout(fast, 0).(*timeoutOracle)
	assert.False(t, wrapped, "zero timeout leaves the oracle unwrapped")
}
