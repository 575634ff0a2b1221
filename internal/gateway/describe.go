package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/querypilot/pkg/schema"
)

// DescribeTables reads live column, primary key and foreign key metadata
// for the named tables. Tables that do not exist are omitted.
func (g *SQLGateway) DescribeTables(ctx context.Context, names []string) (schema.SchemaMetadata, error) {
	out := make(schema.SchemaMetadata, len(names))
	for _, name := range names {
		name = schema.TrimIdentQuotes(name)
		if name == "" {
			continue
		}
		var (
			meta schema.TableMeta
			err  error
		)
		if g.driver == DriverPostgres {
			meta, err = g.describePostgres(ctx, name)
		} else {
			meta, err = g.describeLibSQL(ctx, name)
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUpstreamUnavailable, "describe table %s: %v", name, err).WithCause(err)
		}
		if len(meta.Columns) > 0 {
			out[name] = meta
		}
	}
	return out, nil
}

// FullMetadata describes every user table in the database.
func (g *SQLGateway) FullMetadata(ctx context.Context) (schema.SchemaMetadata, error) {
	names, err := g.listTables(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUpstreamUnavailable, "list tables: %v", err).WithCause(err)
	}
	return g.DescribeTables(ctx, names)
}

func (g *SQLGateway) listTables(ctx context.Context) ([]string, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	if g.driver == DriverPostgres {
		query = `SELECT CASE WHEN table_schema = 'public' THEN table_name ELSE table_schema || '.' || table_name END
			FROM information_schema.tables
			WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')
			ORDER BY 1`
	}
	return queryStrings(ctx, g.db, query)
}

func (g *SQLGateway) describePostgres(ctx context.Context, name string) (schema.TableMeta, error) {
	tableSchema, table := "public", name
	if i := strings.LastIndex(name, "."); i >= 0 {
		tableSchema, table = name[:i], name[i+1:]
	}
	var meta schema.TableMeta
	var err error
	meta.Columns, err = queryStrings(ctx, g.db,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`, tableSchema, table)
	if err != nil || len(meta.Columns) == 0 {
		return meta, err
	}
	meta.PrimaryKey, err = queryStrings(ctx, g.db,
		`SELECT kcu.column_name FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		 WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		 ORDER BY kcu.ordinal_position`, tableSchema, table)
	if err != nil {
		return meta, err
	}
	rows, err := g.db.QueryContext(ctx,
		`SELECT kcu.column_name, ccu.table_name, ccu.column_name FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		 JOIN information_schema.constraint_column_usage ccu
		   ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		 WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2`, tableSchema, table)
	if err != nil {
		return meta, err
	}
	defer rows.Close()
	for rows.Next() {
		var fk schema.ForeignKey
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return meta, err
		}
		meta.ForeignKeys = append(meta.ForeignKeys, fk)
	}
	return meta, rows.Err()
}

func (g *SQLGateway) describeLibSQL(ctx context.Context, name string) (schema.TableMeta, error) {
	var meta schema.TableMeta
	rows, err := g.db.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?) ORDER BY cid`, name)
	if err != nil {
		return meta, err
	}
	pks := map[int64]string{}
	for rows.Next() {
		var col string
		var pk int64
		if err := rows.Scan(&col, &pk); err != nil {
			rows.Close()
			return meta, err
		}
		meta.Columns = append(meta.Columns, col)
		if pk > 0 {
			pks[pk] = col
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return meta, err
	}
	for i := int64(1); i <= int64(len(pks)); i++ {
		meta.PrimaryKey = append(meta.PrimaryKey, pks[i])
	}
	if len(meta.Columns) == 0 {
		return meta, nil
	}

	fkRows, err := g.db.QueryContext(ctx, `SELECT "from", "table", "to" FROM pragma_foreign_key_list(?)`, name)
	if err != nil {
		return meta, err
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var fk schema.ForeignKey
		var to sql.NullString
		if err := fkRows.Scan(&fk.Column, &fk.RefTable, &to); err != nil {
			return meta, err
		}
		fk.RefColumn = to.String
		meta.ForeignKeys = append(meta.ForeignKeys, fk)
	}
	return meta, fkRows.Err()
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
