package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NoError(t, e.Compile(`size(tables) > 1 && sql.contains("JOIN")`))
	assert.True(t, schema.HasCode(e.Compile(`nope == 1`), schema.ErrCodeValidation))
}

func TestCEL_Variables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		VarSQL:        "SELECT * FROM payroll",
		VarTables:     []string{"payroll", "employees"},
		VarDialect:    "postgresql",
		VarRetryCount: 2,
	}

	tests := []struct {
		expr string
		want any
	}{
		{`sql.contains("payroll")`, true},
		{`"payroll" in tables`, true},
		{`size(tables)`, int64(2)},
		{`dialect == "mysql"`, false},
		{`retry_count > 1`, true},
		{`plan_retry_count == 0`, true},
		{`question == ""`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_MissingVariablesDefault(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(tables) == 0 && sql == ""`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "undeclared_var > 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "compile error")

	_, err = e.Evaluate(ctx, "1 / (retry_count - retry_count)", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_CacheConcurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "retry_count + 1", map[string]any{VarRetryCount: i})
			assert.NoError(t, err)
			assert.Equal(t, int64(i+1), out)
		}(i)
	}
	wg.Wait()

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestExprEngine(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	score, err := e.Score(ctx, `column matches "(?i)total" ? 1 : 0`, ScoreEnv{Column: "TotalAmount"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = e.Score(ctx, `index * 0.5`, ScoreEnv{Index: 3})
	require.NoError(t, err)
	assert.Equal(t, 1.5, score)

	for _, bad := range []string{"", "1 +", `"text"`, "unknown_var > 1"} {
		_, err = e.Score(ctx, bad, ScoreEnv{})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), bad)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 2)
}

func TestGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Run(ctx, ".a + 1", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Run(ctx, ".[] | .id", []any{map[string]any{"id": "x"}, map[string]any{"id": "y"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	out, err = e.Run(ctx, "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = e.Run(ctx, "error(\"boom\")", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	out, err = e.Run(ctx, "$ENV.HOME", nil)
	require.NoError(t, err)
	assert.Nil(t, out, "environment is hidden")

	_, err = e.Run(ctx, "range(2000)", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	_, err = e.Run(ctx, ".[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Run(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
