package schemasearch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
tables:
  orders:
    columns: [id, customer_id, total_amount, created_at]
    primary_key: [id]
    foreign_keys:
      - {column: customer_id, ref_table: customers, ref_column: id}
    description: Customer purchase orders
  customers:
    columns: [id, name, email, country]
    primary_key: [id]
  products:
    columns: [id, sku, unit_price]
glossary:
  revenue: sum of orders.total_amount
  GMV: gross merchandise value, sum of orders total
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, testCatalog), nil)
	require.NoError(t, err)

	md, err := c.FullMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders", "products"}, md.TableNames())
	assert.Equal(t, []string{"id"}, md["orders"].PrimaryKey)
	require.Len(t, md["orders"].ForeignKeys, 1)
	assert.Equal(t, "customers", md["orders"].ForeignKeys[0].RefTable)
	assert.False(t, c.LoadedAt().IsZero())
}

func TestParseCatalog_RejectsTableWithoutColumns(t *testing.T) {
	_, err := ParseCatalog([]byte("tables:\n  empty: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"empty"`)
}

func TestReload_KeepsPreviousOnFailure(t *testing.T) {
	path := writeCatalog(t, testCatalog)
	c, err := LoadCatalog(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tables: [broken"), 0o644))
	require.Error(t, c.Reload(context.Background()))

	md, err := c.FullMetadata(context.Background())
	require.NoError(t, err)
	assert.Len(t, md, 3)
}

func TestReload_PicksUpChanges(t *testing.T) {
	path := writeCatalog(t, testCatalog)
	c, err := LoadCatalog(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tables:\n  invoices:\n    columns: [id]\n"), 0o644))
	require.NoError(t, c.Reload(context.Background()))

	md, _ := c.FullMetadata(context.Background())
	assert.Equal(t, []string{"invoices"}, md.TableNames())
}

func TestDescribeTables(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, testCatalog), nil)
	require.NoError(t, err)

	md, err := c.DescribeTables(context.Background(), []string{"ORDERS", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, md.TableNames())
}

func TestFindRelevantTables(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, testCatalog), nil)
	require.NoError(t, err)
	ctx := context.Background()

	md, err := c.FindRelevantTables(ctx, "How many orders were placed per customer?", 2)
	require.NoError(t, err)
	assert.Len(t, md, 2)
	assert.Contains(t, md, "orders")
	assert.Contains(t, md, "customers")

	md, err = c.FindRelevantTables(ctx, "unit price of each sku", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, md.TableNames())
}

func TestFindRelevantTables_NoMatchFallsBackToNameOrder(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, testCatalog), nil)
	require.NoError(t, err)

	md, err := c.FindRelevantTables(context.Background(), "zzz", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, md.TableNames())
}

func TestFindRelevantTables_Cancelled(t *testing.T) {
	c := NewCatalog(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FindRelevantTables(ctx, "orders", 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatchGlossary(t *testing.T) {
	glossary := map[string]string{
		"revenue":    "sum of orders.total_amount",
		"churn rate": "customers lost over a period",
	}

	got := MatchGlossary(glossary, "SELECT revenue FROM orders", "column revenue does not exist")
	assert.Equal(t, map[string]string{"revenue": "sum of orders.total_amount"}, got)

	got = MatchGlossary(glossary, "what is the churnrate this month")
	assert.Contains(t, got, "churn rate")

	assert.Empty(t, MatchGlossary(glossary))
}
