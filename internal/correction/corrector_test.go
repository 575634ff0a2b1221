package correction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

type fakeProber struct {
	md    schema.SchemaMetadata
	err   error
	asked []string
}

func (p *fakeProber) DescribeTables(_ context.Context, names []string) (schema.SchemaMetadata, error) {
	p.asked = append(p.asked, names...)
	if p.err != nil {
		return nil, p.err
	}
	return p.md.Subset(names), nil
}

type fakeGlossary map[string]string

func (g fakeGlossary) Glossary(context.Context) (map[string]string, error) { return g, nil }

// answering returns an oracle that records prompts and answers with doc.
func answering(doc string, prompts *[]string) oracle.Oracle {
	return oracle.Func(func(_ context.Context, req oracle.Request) (oracle.Response, error) {
		if prompts != nil {
			*prompts = append(*prompts, req.Prompt)
		}
		return oracle.Response{Text: doc, JSON: json.RawMessage(doc)}, nil
	})
}

var liveSchema = schema.SchemaMetadata{
	"orders":    {Columns: []string{"id", "customer_id", "total", "created_at"}},
	"customers": {Columns: []string{"id", "name"}},
}

func failedView(sql, message string) *state.ConversationState {
	s := state.New("t1", schema.DialectPostgres)
	s.Question = "total of all orders"
	s.CompiledSQL = sql
	s.RetryCount = 1
	s.Error = schema.NewError(schema.ErrCodeExecution, message).WithStep(schema.StepExecuteSQL)
	return s
}

func TestMissingColumn(t *testing.T) {
	tests := []struct {
		msg  string
		want string
		ok   bool
	}{
		{`pq: column "totl" does not exist`, "totl", true},
		{`column o.totl does not exist`, "o.totl", true},
		{`Error 1054 (42S22): Unknown column 'totl' in 'field list'`, "totl", true},
		{`SQLITE_ERROR: no such column: o.totl`, "o.totl", true},
		{`field "amount" not found`, "amount", true},
		{`relation "ordrs" does not exist`, "", false},
		{`syntax error at or near "FROM"`, "", false},
	}
	for _, tt := range tests {
		got, ok := MissingColumn(tt.msg)
		assert.Equal(t, tt.ok, ok, tt.msg)
		assert.Equal(t, tt.want, got, tt.msg)
	}
}

func TestReferencedTables(t *testing.T) {
	got := ReferencedTables(`SELECT o.id FROM "Orders" o LEFT JOIN public.customers c ON c.id = o.customer_id
		JOIN (SELECT 1) x ON true JOIN orders o2 ON o2.id = o.id`)
	assert.Equal(t, []string{"Orders", "public.customers"}, got)

	assert.Empty(t, ReferencedTables("SELECT 1"))
}

func TestHints(t *testing.T) {
	hints := Hints("SELECT totl, customer_idd FROM orders WHERE status = 'totl'", "totl", liveSchema)
	require.Len(t, hints, 2)
	byToken := map[string]Hint{}
	for _, h := range hints {
		byToken[h.Token] = h
	}
	assert.Equal(t, "orders.total", byToken["totl"].Suggestion)
	assert.GreaterOrEqual(t, byToken["totl"].Score, HintThreshold)
	assert.Equal(t, "orders.customer_id", byToken["customer_idd"].Suggestion)
	assert.GreaterOrEqual(t, hints[0].Score, hints[1].Score)

	assert.Nil(t, Hints("SELECT x FROM y", "", nil))
}

func TestCorrect_Accepted(t *testing.T) {
	var prompts []string
	prober := &fakeProber{md: liveSchema}
	c := New(Config{
		Oracle: answering(`{"sql":"SELECT total FROM orders;","rationale":"the column is called total"}`, &prompts),
		Prober: prober,
	})
	view := failedView("SELECT totl FROM orders", `column "totl" does not exist`)

	patch, out := c.Correct(context.Background(), view)

	assert.True(t, out.Accepted)
	assert.Equal(t, 2, out.Attempt)
	assert.Equal(t, "totl", out.Missing)
	assert.Equal(t, []string{"orders"}, prober.asked)
	require.NotNil(t, patch.CompiledSQL)
	assert.Equal(t, "SELECT total FROM orders", *patch.CompiledSQL)
	assert.True(t, patch.ClearError)
	assert.Nil(t, patch.Error)
	assert.Equal(t, 2, *patch.RetryCount)
	require.Len(t, patch.AppendMessages, 1)
	assert.Contains(t, patch.AppendMessages[0].Content, "the column is called total")

	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "totl: did you mean orders.total?")
	assert.Contains(t, prompts[0], `column "totl" does not exist`)
}

func TestCorrect_NormalizesQuoting(t *testing.T) {
	md := schema.SchemaMetadata{"Orders": {Columns: []string{"Total"}}}
	view := failedView(`SELECT "Totl" FROM "Orders"`, `column "Totl" does not exist`)
	view.RelevantSchema = md
	c := New(Config{Oracle: answering(`{"sql":"SELECT Total FROM Orders","rationale":"case"}`, nil)})

	patch, out := c.Correct(context.Background(), view)
	require.True(t, out.Accepted, out.Reason)
	assert.Equal(t, `SELECT "Total" FROM "Orders"`, *patch.CompiledSQL)
}

func TestCorrect_RejectedBySafety(t *testing.T) {
	c := New(Config{Oracle: answering(`{"sql":"DELETE FROM orders","rationale":"start over"}`, nil)})
	view := failedView("SELECT totl FROM orders", `column "totl" does not exist`)

	patch, out := c.Correct(context.Background(), view)

	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "safety")
	assert.Nil(t, patch.CompiledSQL)
	assert.False(t, patch.ClearError)
	assert.Empty(t, patch.AppendMessages)
	assert.Equal(t, 2, *patch.RetryCount)
	require.NotNil(t, patch.Error)
	assert.Equal(t, schema.ErrCodeExecution, patch.Error.Code)
	assert.Contains(t, patch.Error.Details["correction_rejected"], schema.ErrCodeCorrectionRejected)
	assert.Nil(t, view.Error.Details, "view must not be mutated")
	require.Len(t, patch.Notes, 1)
}

func TestCorrect_RejectsMalformedAndRepeatedFixes(t *testing.T) {
	view := failedView("SELECT totl FROM orders", "boom")

	_, out := New(Config{Oracle: answering(`{"rationale":"no sql"}`, nil)}).Correct(context.Background(), view)
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "malformed")

	_, out = New(Config{Oracle: answering(`{"sql":"SELECT totl FROM orders"}`, nil)}).Correct(context.Background(), view)
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "repeats")
}

func TestCorrect_OracleUnavailableIsTerminal(t *testing.T) {
	c := New(Config{Oracle: oracle.Func(func(context.Context, oracle.Request) (oracle.Response, error) {
		return oracle.Response{}, oracle.Unavailable("correction", errors.New("connection refused"))
	})})

	patch, out := c.Correct(context.Background(), failedView("SELECT totl FROM orders", "boom"))
	assert.False(t, out.Accepted)
	require.NotNil(t, patch.Error)
	assert.Equal(t, schema.ErrCodeUpstreamUnavailable, patch.Error.Code)
	assert.Equal(t, schema.StepCorrectSQL, patch.Error.Step)
}

func TestCorrect_ProbeFailureFallsBackToRelevantSchema(t *testing.T) {
	var prompts []string
	view := failedView("SELECT totl FROM orders", `column "totl" does not exist`)
	view.RelevantSchema = liveSchema
	c := New(Config{
		Oracle: answering(`{"sql":"SELECT total FROM orders","rationale":"typo"}`, &prompts),
		Prober: &fakeProber{err: errors.New("db down")},
	})

	_, out := c.Correct(context.Background(), view)
	assert.True(t, out.Accepted)
	require.NotEmpty(t, out.Hints)
	assert.Equal(t, "orders.total", out.Hints[0].Suggestion)
}

func TestCorrect_GlossaryEnrichment(t *testing.T) {
	var prompts []string
	c := New(Config{
		Oracle:   answering(`{"sql":"SELECT SUM(total) AS revenue FROM orders","rationale":"revenue is the sum of totals"}`, &prompts),
		Prober:   &fakeProber{md: liveSchema},
		Glossary: fakeGlossary{"revenue": "sum of orders.total", "churn": "lost customers"},
	})

	_, out := c.Correct(context.Background(),
		failedView("SELECT revenue FROM orders", `column "revenue" does not exist`))
	assert.True(t, out.Accepted)
	assert.Equal(t, map[string]string{"revenue": "sum of orders.total"}, out.Glossary)
	assert.Contains(t, prompts[0], "- revenue: sum of orders.total")
}

func TestCorrect_NothingToCorrect(t *testing.T) {
	s := state.New("t1", schema.DialectPostgres)
	patch, out := New(Config{Oracle: answering(`{}`, nil)}).Correct(context.Background(), s)
	assert.False(t, out.Accepted)
	assert.Equal(t, 1, *patch.RetryCount)
}
