package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/pkg/schema"
)

func mustParse(t *testing.T, s string) *Query {
	t.Helper()
	q, err := ParseString(s)
	require.NoError(t, err)
	return q
}

func TestCompile_CountStar(t *testing.T) {
	q := mustParse(t, `{"from":"orders","columns":[{"name":"COUNT(*)","alias":"cnt"}]}`)
	sql, err := Compile(q, schema.DialectPostgres)
	require.NoError(t, err)
	assert.Contains(t, sql, "SELECT COUNT(*) AS cnt FROM orders")
}

func TestCompile_Table(t *testing.T) {
	tests := []struct {
		name    string
		dsl     string
		dialect schema.Dialect
		want    string
	}{
		{
			name:    "select star when no columns",
			dsl:     `{"from":"orders"}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM orders",
		},
		{
			name:    "aggregate with qualifier",
			dsl:     `{"from":"orders","columns":[{"name":"amount","table":"orders","agg":"sum","alias":"total"}]}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT SUM(orders.amount) AS total FROM orders",
		},
		{
			name:    "mixed case postgres",
			dsl:     `{"from":"public.Orders","columns":[{"name":"CustomerId","table":"Orders"}]}`,
			dialect: schema.DialectPostgres,
			want:    `SELECT "Orders"."CustomerId" FROM public."Orders"`,
		},
		{
			name:    "mixed case mysql",
			dsl:     `{"from":"Orders","columns":[{"name":"CustomerId"}]}`,
			dialect: schema.DialectMySQL,
			want:    "SELECT `CustomerId` FROM `Orders`",
		},
		{
			name:    "like gets contains wildcard",
			dsl:     `{"from":"customers","where":{"logic":"AND","conditions":[{"column":"name","op":"like","value":"smith"}]}}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM customers WHERE name LIKE '%smith%'",
		},
		{
			name:    "like keeps explicit wildcard",
			dsl:     `{"from":"customers","where":{"conditions":[{"column":"name","op":"ILIKE","value":"sm%"}]}}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM customers WHERE name ILIKE 'sm%'",
		},
		{
			name:    "ilike becomes like on mysql",
			dsl:     `{"from":"customers","where":{"conditions":[{"column":"name","op":"ilike","value":"x"}]}}`,
			dialect: schema.DialectMySQL,
			want:    "SELECT * FROM customers WHERE name LIKE '%x%'",
		},
		{
			name:    "quote escaping",
			dsl:     `{"from":"customers","where":{"conditions":[{"column":"name","op":"=","value":"O'Brien"}]}}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM customers WHERE name = 'O''Brien'",
		},
		{
			name:    "numbers and booleans as-is",
			dsl:     `{"from":"t","where":{"conditions":[{"column":"a","op":">=","value":10.5},{"column":"b","op":"=","value":true}]}}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM t WHERE a >= 10.5 AND b = TRUE",
		},
		{
			name:    "nested groups",
			dsl:     `{"from":"t","where":{"logic":"OR","conditions":[{"column":"a","op":"=","value":1},{"logic":"AND","conditions":[{"column":"b","op":"<","value":2},{"column":"c","op":">","value":3}]}]}}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM t WHERE a = 1 OR (b < 2 AND c > 3)",
		},
		{
			name:    "in between and null",
			dsl:     `{"from":"t","where":{"conditions":[{"column":"s","op":"in","value":["a","b"]},{"column":"n","op":"between","value":[1,5]},{"column":"d","op":"is null"},{"column":"e","op":"!=","value":null}]}}`,
			dialect: schema.DialectPostgres,
			want:    "SELECT * FROM t WHERE s IN ('a', 'b') AND n BETWEEN 1 AND 5 AND d IS NULL AND e IS NOT NULL",
		},
		{
			name: "joins group having order limit",
			dsl: `{"from":"orders","distinct":true,
				"joins":[{"table":"customers","type":"left","on":"orders.customer_id = customers.id"}],
				"columns":[{"name":"name","table":"customers"},{"name":"amount","agg":"SUM","alias":"total"}],
				"group_by":["customers.name"],
				"having":{"conditions":[{"column":"SUM(amount)","op":">","value":100}]},
				"order_by":[{"column":"total","direction":"desc"},"customers.name"],
				"limit":"10"}`,
			dialect: schema.DialectPostgres,
			want: "SELECT DISTINCT customers.name, SUM(amount) AS total FROM orders " +
				"LEFT JOIN customers ON orders.customer_id = customers.id " +
				"GROUP BY customers.name HAVING SUM(amount) > 100 ORDER BY total DESC, customers.name LIMIT 10",
		},
		{
			name:    "join condition quoting",
			dsl:     `{"from":"Orders","joins":[{"table":"Customers","on":"Orders.CustomerId = Customers.Id"}]}`,
			dialect: schema.DialectPostgres,
			want:    `SELECT * FROM "Orders" INNER JOIN "Customers" ON "Orders"."CustomerId" = "Customers"."Id"`,
		},
		{
			name:    "order by string with direction",
			dsl:     `{"from":"t","order_by":["created_at DESC"],"limit":5.0}`,
			dialect: schema.DialectMySQL,
			want:    "SELECT * FROM t ORDER BY created_at DESC LIMIT 5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := Compile(mustParse(t, tt.dsl), tt.dialect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		q       *Query
		dialect schema.Dialect
		reason  Reason
	}{
		{"missing from", &Query{}, schema.DialectPostgres, ReasonMissingFromTable},
		{"nil query", nil, schema.DialectPostgres, ReasonMissingFromTable},
		{"bad limit", &Query{From: "t", Limit: "ten"}, schema.DialectPostgres, ReasonInvalidLimit},
		{"negative limit", &Query{From: "t", Limit: -1}, schema.DialectPostgres, ReasonInvalidLimit},
		{"bad dialect", &Query{From: "t"}, schema.Dialect("oracle"), ReasonUnsupportedDialect},
		{"bad operator", &Query{From: "t", Where: &Condition{Conditions: []Condition{{Column: "a", Op: "~~", Value: 1}}}}, schema.DialectPostgres, ReasonUnsupportedOperator},
		{"between arity", &Query{From: "t", Where: &Condition{Conditions: []Condition{{Column: "a", Op: "between", Value: []any{1}}}}}, schema.DialectPostgres, ReasonInvalidOperand},
		{"join without on", &Query{From: "t", Joins: []Join{{Table: "u"}}}, schema.DialectPostgres, ReasonMissingJoinCondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.q, tt.dialect)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeCompilation))
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestCompile_Deterministic(t *testing.T) {
	src := `{"from":"orders","joins":[{"table":"Customers","on":"orders.cid = Customers.id"}],
		"columns":[{"name":"Region","table":"Customers"},{"name":"amount","agg":"avg"}],
		"where":{"logic":"OR","conditions":[{"column":"status","op":"in","value":["a","b"]},{"column":"note","op":"like","value":"x"}]},
		"group_by":["Customers.Region"],"limit":100}`
	for _, d := range []schema.Dialect{schema.DialectPostgres, schema.DialectMySQL} {
		first, err := Compile(mustParse(t, src), d)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			again, err := Compile(mustParse(t, src), d)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestCompile_MySQLEscapesBackslash(t *testing.T) {
	q := &Query{From: "t", Where: &Condition{Conditions: []Condition{{Column: "p", Op: "=", Value: `a\'b`}}}}
	sql, err := Compile(q, schema.DialectMySQL)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM t WHERE p = 'a\\''b'`, sql)
}
