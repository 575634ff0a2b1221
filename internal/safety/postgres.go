package safety

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Top-level statement nodes a read-only turn may run.
var pgReadStatements = map[string]bool{
	"SelectStmt":       true,
	"ExplainStmt":      true,
	"VariableShowStmt": true,
}

// Nodes that write wherever they appear, e.g. inside a CTE.
var pgWriteNodes = map[string]bool{
	"InsertStmt": true,
	"UpdateStmt": true,
	"DeleteStmt": true,
	"MergeStmt":  true,
}

type pgParseTree struct {
	Stmts []struct {
		Stmt map[string]json.RawMessage `json:"stmt"`
	} `json:"stmts"`
}

func (v *Validator) checkPostgres(sql string) error {
	out, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return violation(ReasonUnparseable, "SQL could not be parsed").WithCause(err)
	}
	var tree pgParseTree
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		return violation(ReasonUnparseable, "SQL parse tree could not be read").WithCause(err)
	}
	switch {
	case len(tree.Stmts) == 0:
		return violation(ReasonEmpty, "empty SQL statement")
	case len(tree.Stmts) > 1:
		return violation(ReasonMultiStatement, "only a single statement is allowed")
	}

	var root any
	for kind, body := range tree.Stmts[0].Stmt {
		if !pgReadStatements[kind] {
			return violation(ReasonNotReadOnly, fmt.Sprintf("%s statements are not allowed", pgStatementName(kind)))
		}
		if err := json.Unmarshal(body, &root); err != nil {
			return violation(ReasonUnparseable, "SQL parse tree could not be read").WithCause(err)
		}
		if kind == "ExplainStmt" && explainAnalyzes(root) {
			return violation(ReasonNotReadOnly, "ANALYZE is not allowed in a describe statement")
		}
	}
	return v.walkPostgres(root)
}

// walkPostgres visits every node of a libpg_query JSON tree in key order,
// so the reported violation is stable.
func (v *Validator) walkPostgres(node any) error {
	switch n := node.(type) {
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(n)) {
			child := n[key]
			switch {
			case pgWriteNodes[key]:
				return violation(ReasonNotReadOnly, fmt.Sprintf("%s statements are not allowed", pgStatementName(key)))
			case key == "intoClause":
				return violation(ReasonNotReadOnly, "SELECT INTO is not allowed")
			case key == "lockingClause":
				return violation(ReasonLocking, "locking reads are not allowed")
			case key == "FuncCall":
				if call, ok := child.(map[string]any); ok {
					if err := v.denied(pgFuncName(call)); err != nil {
						return err
					}
				}
			}
			if err := v.walkPostgres(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range n {
			if err := v.walkPostgres(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// pgFuncName joins a FuncCall's funcname list, lowercased: pg_catalog.pg_sleep.
func pgFuncName(call map[string]any) string {
	parts, _ := call["funcname"].([]any)
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		node, _ := p.(map[string]any)
		str, _ := node["String"].(map[string]any)
		if s, ok := str["sval"].(string); ok {
			names = append(names, strings.ToLower(s))
		}
	}
	return strings.Join(names, ".")
}

func explainAnalyzes(explain any) bool {
	body, _ := explain.(map[string]any)
	opts, _ := body["options"].([]any)
	for _, o := range opts {
		node, _ := o.(map[string]any)
		def, _ := node["DefElem"].(map[string]any)
		if name, _ := def["defname"].(string); strings.EqualFold(name, "analyze") {
			return true
		}
	}
	return false
}

func pgStatementName(kind string) string {
	return strings.ToUpper(strings.TrimSuffix(kind, "Stmt"))
}
