package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/querypilot/pkg/schema"
)

// ScoreEnv is the environment a clarification score expression sees.
type ScoreEnv struct {
	Option string `expr:"option"`
	Table  string `expr:"table"`
	Column string `expr:"column"`
	Index  int    `expr:"index"`
}

// ExprEngine compiles Expr score expressions against ScoreEnv. Programs
// are type-checked to return a number and cached by source text.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates an empty engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Score evaluates expression for one option.
func (e *ExprEngine) Score(ctx context.Context, expression string, env ScoreEnv) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prg, err := e.Compile(expression)
	if err != nil {
		return 0, err
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution,
			"score expression %q failed: %s", expression, err.Error()).
			WithCause(err)
	}
	f, ok := out.(float64)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "score must be numeric, got %T", out)
	}
	return f, nil
}

// Compile returns the cached program for expression, compiling it first
// if needed. Unknown variables and non-numeric results are compile errors.
func (e *ExprEngine) Compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty score expression")
	}

	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(ScoreEnv{}), expr.AsFloat64())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"score expression %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}
