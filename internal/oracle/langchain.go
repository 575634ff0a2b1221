package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rendis/querypilot/internal/validation"
)

// Config configures the OpenAI-compatible model client.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string
}

// LangChain implements Oracle on top of a langchaingo model.
type LangChain struct {
	model     llms.Model
	validator *validation.Validator
	logger    *slog.Logger
}

// NewLangChain wraps an existing model.
func NewLangChain(model llms.Model, validator *validation.Validator, logger *slog.Logger) *LangChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &LangChain{model: model, validator: validator, logger: logger}
}

// NewOpenAI builds an oracle backed by an OpenAI-compatible endpoint.
func NewOpenAI(cfg Config, validator *validation.Validator, logger *slog.Logger) (*LangChain, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewLangChain(llm, validator, logger), nil
}

func (o *LangChain) Complete(ctx context.Context, req Request) (Response, error) {
	system := req.System
	if len(req.ResponseSchema) > 0 {
		system += "\n\nRespond only with a JSON document matching this JSON Schema:\n" + string(req.ResponseSchema)
	}

	var messages []llms.MessageContent
	if system != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		})
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Prompt)},
	})

	resp, err := o.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return Response{}, Unavailable(req.Task, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, Unavailable(req.Task, errors.New("empty completion"))
	}

	text := resp.Choices[0].Content
	o.logger.DebugContext(ctx, "oracle answered", slog.String("task", req.Task), slog.Int("chars", len(text)))

	out := Response{Text: text}
	if len(req.ResponseSchema) == 0 {
		return out, nil
	}

	doc, err := ExtractJSON(text)
	if err != nil {
		return out, err
	}
	if o.validator != nil {
		if err := o.validator.ValidateAgainst(req.ResponseSchema, doc); err != nil {
			return out, err
		}
	}
	out.JSON = doc
	return out, nil
}
