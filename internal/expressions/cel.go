package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/querypilot/pkg/schema"
)

// Variables visible to approval conditions.
const (
	VarSQL            = "sql"
	VarTables         = "tables"
	VarDialect        = "dialect"
	VarRetryCount     = "retry_count"
	VarPlanRetryCount = "plan_retry_count"
	VarQuestion       = "question"
)

// CELEngine evaluates approval conditions.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL environment exposing:
//   - sql:              string, the compiled statement
//   - tables:           list(string), selected tables
//   - dialect:          string
//   - retry_count:      int
//   - plan_retry_count: int
//   - question:         string
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarSQL, cel.StringType),
		cel.Variable(VarTables, cel.ListType(cel.StringType)),
		cel.Variable(VarDialect, cel.StringType),
		cel.Variable(VarRetryCount, cel.IntType),
		cel.Variable(VarPlanRetryCount, cel.IntType),
		cel.Variable(VarQuestion, cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing variables with zero values so that a
// condition never fails on an absent key.
func buildActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		VarSQL:            "",
		VarTables:         []string{},
		VarDialect:        "",
		VarRetryCount:     int64(0),
		VarPlanRetryCount: int64(0),
		VarQuestion:       "",
	}
	for k, v := range data {
		if v == nil {
			continue
		}
		switch n := v.(type) {
		case int:
			activation[k] = int64(n)
		default:
			activation[k] = v
		}
	}
	return activation
}

