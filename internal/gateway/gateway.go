// Package gateway runs validated SQL against the target database inside
// read-only transactions and probes live table metadata.
package gateway

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/querypilot/internal/safety"
	"github.com/rendis/querypilot/pkg/schema"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

// DefaultMaxRows caps a result set when no limit is configured.
const DefaultMaxRows = 1000

// Result is the outcome of a successful query.
type Result struct {
	Columns   []string        `json:"columns"`
	Rows      json.RawMessage `json:"rows"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated,omitempty"`
	Elapsed   time.Duration   `json:"elapsed_ns"`
}

// Config configures an SQLGateway.
type Config struct {
	Driver  string
	DSN     string
	MaxRows int
	Safety  *safety.Validator
	Logger  *slog.Logger
}

// SQLGateway executes queries over database/sql.
type SQLGateway struct {
	db      *sql.DB
	driver  string
	maxRows int
	safety  *safety.Validator
	logger  *slog.Logger
}

// Open connects to the configured database. "sqlite" is accepted as an
// alias for libsql.
func Open(cfg Config) (*SQLGateway, error) {
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case DriverPostgres, "postgresql":
		driver = DriverPostgres
	case DriverLibSQL, "sqlite":
		driver = DriverLibSQL
	default:
		return nil, fmt.Errorf("gateway: unsupported driver %q", cfg.Driver)
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return New(db, driver, cfg), nil
}

// New wraps an existing handle.
func New(db *sql.DB, driver string, cfg Config) *SQLGateway {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Safety == nil {
		cfg.Safety = safety.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &SQLGateway{
		db:      db,
		driver:  driver,
		maxRows: cfg.MaxRows,
		logger:  cfg.Logger,
	}
	g.safety = cfg.Safety.ForDialect(g.Dialect())
	return g
}

// Dialect reports the SQL dialect the compiler should target for this
// database. libSQL accepts the PostgreSQL quoting rules.
func (g *SQLGateway) Dialect() schema.Dialect {
	return schema.DialectPostgres
}

// Close closes the database handle.
func (g *SQLGateway) Close() error { return g.db.Close() }

// RunSQL checks sql with the safety validator and runs it in a read-only
// transaction. Database failures are returned as EXECUTION_ERROR carrying
// the database message, which the corrector reads.
func (g *SQLGateway) RunSQL(ctx context.Context, query string) (*Result, error) {
	if err := g.safety.Check(query); err != nil {
		return nil, schema.AsPipelineError(err, schema.ErrCodeSecurityViolation).WithStep(schema.StepExecuteSQL)
	}
	start := time.Now()
	res, err := g.query(ctx, query)
	if err != nil {
		return nil, g.executionError(ctx, err)
	}
	res.Elapsed = time.Since(start)
	g.logger.DebugContext(ctx, "query executed",
		slog.Int("rows", res.RowCount),
		slog.Bool("truncated", res.Truncated),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (g *SQLGateway) executionError(ctx context.Context, err error) *schema.PipelineError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return schema.NewError(schema.ErrCodeTimeout, "query did not finish in time").
			WithStep(schema.StepExecuteSQL).WithCause(err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return unreachable(err)
	}
	pe := schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(schema.StepExecuteSQL).WithCause(err)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" {
			return unreachable(err)
		}
		pe.Message = pqErr.Message
		pe.Details = map[string]any{"sqlstate": string(pqErr.Code), "class": pqErr.Code.Class().Name()}
		if pqErr.Hint != "" {
			pe.Details["hint"] = pqErr.Hint
		}
	}
	return pe
}

func unreachable(err error) *schema.PipelineError {
	return schema.NewError(schema.ErrCodeUpstreamUnavailable, "database unreachable").
		WithStep(schema.StepExecuteSQL).WithCause(err)
}

// query opens a read-only transaction. PostgreSQL enforces it through the
// transaction mode; libSQL through the query_only pragma on a pinned
// connection.
func (g *SQLGateway) query(ctx context.Context, query string) (*Result, error) {
	if g.driver == DriverPostgres {
		tx, err := g.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collect(rows, g.maxRows)
	}

	conn, err := g.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("enable query_only: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "PRAGMA query_only = OFF")
	}()
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows, g.maxRows)
}

// collect reads up to maxRows rows into JSON objects keyed by column.
func collect(rows *sql.Rows, maxRows int) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(out) == maxRows {
			truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = jsonValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return &Result{Columns: cols, Rows: data, RowCount: len(out), Truncated: truncated}, nil
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}
