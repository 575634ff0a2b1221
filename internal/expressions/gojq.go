package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/querypilot/pkg/schema"
)

// MaxJQOutputs caps how many values one jq program may emit.
const MaxJQOutputs = 1000

// GoJQEngine runs jq programs over decoded row sets. The environment is
// empty, so $ENV and env expose nothing. Compiled programs are cached.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates an empty engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

// Run runs program against input. No output yields nil, one output is
// returned as is and several are collected into a []any.
func (e *GoJQEngine) Run(ctx context.Context, program string, input any) (any, error) {
	code, err := e.Compile(program)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq program failed: %s", err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"program": program})
		}
		if len(results) == MaxJQOutputs {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq program emitted more than %d values", MaxJQOutputs)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Compile parses and compiles program, or returns the cached code.
func (e *GoJQEngine) Compile(program string) (*gojq.Code, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq program")
	}

	e.mu.RLock()
	code, ok := e.cache[program]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	e.mu.Lock()
	e.cache[program] = code
	e.mu.Unlock()
	return code, nil
}
