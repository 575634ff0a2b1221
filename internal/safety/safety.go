// Package safety decides whether a SQL text may be sent to the database.
// Only single, read-only statements without denial-of-service function
// calls pass; anything the parser cannot understand is rejected.
// PostgreSQL statements are parsed with the server's own grammar
// (libpg_query); MySQL statements with a MySQL grammar.
package safety

import (
	"fmt"
	"strings"

	"github.com/rendis/querypilot/pkg/schema"
)

// DefaultDenyFunctions are rejected wherever they appear in a statement.
var DefaultDenyFunctions = []string{
	"sleep",
	"pg_sleep",
	"pg_sleep_for",
	"pg_sleep_until",
	"benchmark",
	"waitfor",
	"dbms_lock.sleep",
	"generate_series",
	"load_file",
	"pg_read_file",
	"pg_read_binary_file",
	"pg_ls_dir",
	"lo_import",
	"lo_export",
	"dblink",
	"pg_terminate_backend",
	"pg_cancel_backend",
}

// Violation reasons reported in the error details.
const (
	ReasonEmpty          = "empty_statement"
	ReasonUnparseable    = "unparseable"
	ReasonMultiStatement = "multiple_statements"
	ReasonNotReadOnly    = "not_read_only"
	ReasonDeniedFunction = "denied_function"
	ReasonLocking        = "locking_read"
)

// Validator is a pure, deterministic SQL gate. The zero value is not
// usable; build one with New.
type Validator struct {
	deny    map[string]bool
	dialect schema.Dialect
}

// New creates a PostgreSQL Validator denying the given functions, or
// DefaultDenyFunctions when none are given. Names are case-insensitive and
// may be qualified (dbms_lock.sleep).
func New(denyFunctions ...string) *Validator {
	if len(denyFunctions) == 0 {
		denyFunctions = DefaultDenyFunctions
	}
	deny := make(map[string]bool, len(denyFunctions))
	for _, f := range denyFunctions {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			deny[f] = true
		}
	}
	return &Validator{deny: deny, dialect: schema.DialectPostgres}
}

// ForDialect returns a Validator sharing v's deny list that parses with the
// grammar of d. An empty dialect keeps v's.
func (v *Validator) ForDialect(d schema.Dialect) *Validator {
	if d == "" || d == v.dialect {
		return v
	}
	return &Validator{deny: v.deny, dialect: d}
}

var std = New()

// IsSafe reports whether sql passes the default validator.
func IsSafe(sql string) bool { return std.IsSafe(sql) }

// Check validates sql with the default validator.
func Check(sql string) error { return std.Check(sql) }

// IsSafe reports whether sql passes Check.
func (v *Validator) IsSafe(sql string) bool {
	return v.Check(sql) == nil
}

// Check returns nil when sql is a single read-only statement, or a
// SECURITY_VIOLATION error naming the reason.
func (v *Validator) Check(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return violation(ReasonEmpty, "empty SQL statement")
	}
	if v.dialect == schema.DialectMySQL {
		return v.checkMySQL(sql)
	}
	return v.checkPostgres(sql)
}

func (v *Validator) denied(qualified string) error {
	name := qualified
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		name = qualified[i+1:]
	}
	if !v.deny[name] && !v.deny[qualified] {
		return nil
	}
	return violation(ReasonDeniedFunction, fmt.Sprintf("function %s is not allowed", qualified)).
		WithDetails(map[string]any{"reason": ReasonDeniedFunction, "function": qualified})
}

func violation(reason, msg string) *schema.PipelineError {
	return schema.NewError(schema.ErrCodeSecurityViolation, msg).
		WithDetails(map[string]any{"reason": reason})
}

// ReasonOf returns the violation reason carried by err, or "".
func ReasonOf(err error) string {
	pe := schema.AsPipelineError(err, "")
	if pe == nil || pe.Code != schema.ErrCodeSecurityViolation {
		return ""
	}
	r, _ := pe.Details["reason"].(string)
	return r
}

