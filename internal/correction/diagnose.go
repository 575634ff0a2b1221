package correction

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/querypilot/internal/precheck"
	"github.com/rendis/querypilot/pkg/schema"
)

// HintThreshold is the minimum closeness for a "did you mean" hint.
const HintThreshold = 0.8

const maxHints = 10

var missingColumnRes = []*regexp.Regexp{
	// PostgreSQL: column "totl" does not exist / column o.totl does not exist
	regexp.MustCompile(`(?i)column\s+"?([\w$.]+?)"?\s+does not exist`),
	// MySQL: Unknown column 'totl' in 'field list'
	regexp.MustCompile("(?i)unknown column\\s+['`\"]([^'`\"]+)['`\"]"),
	// SQLite: no such column: totl
	regexp.MustCompile(`(?i)no such column:\s*"?([\w$.]+)"?`),
	// Generic drivers: field "totl" not found
	regexp.MustCompile("(?i)(?:column|field)\\s+['`\"]?([\\w$.]+)['`\"]?\\s+(?:was\\s+)?not\\s+found"),
}

// MissingColumn extracts the column named by a missing-column database
// error, as written in the SQL (possibly qualified).
func MissingColumn(message string) (string, bool) {
	for _, re := range missingColumnRes {
		if m := re.FindStringSubmatch(message); m != nil {
			return m[1], true
		}
	}
	return "", false
}

var tableRefRe = regexp.MustCompile("(?i)\\b(?:from|join)\\s+((?:[\"`]?[\\w$]+[\"`]?\\.)?[\"`]?[\\w$]+[\"`]?)")

// ReferencedTables returns the tables named after FROM and JOIN, unquoted
// and in order of first appearance. Subquery parentheses are skipped.
func ReferencedTables(sql string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range tableRefRe.FindAllStringSubmatch(sql, -1) {
		name := schema.TrimIdentQuotes(m[1])
		key := strings.ToLower(name)
		if name == "" || seen[key] || sqlKeywords[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

// Hint suggests a real column for an identifier of the failing SQL.
type Hint struct {
	Token      string  `json:"token"`
	Suggestion string  `json:"suggestion"`
	Score      float64 `json:"score"`
}

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_$]*`)

var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "inner": true, "left": true,
	"right": true, "outer": true, "on": true, "group": true, "by": true, "order": true,
	"having": true, "limit": true, "offset": true, "as": true, "and": true, "or": true,
	"not": true, "in": true, "is": true, "null": true, "like": true, "ilike": true,
	"between": true, "distinct": true, "asc": true, "desc": true, "count": true, "sum": true,
	"avg": true, "min": true, "max": true, "case": true, "when": true, "then": true,
	"else": true, "end": true, "true": true, "false": true, "union": true, "all": true,
	"lateral": true,
}

// Hints compares the identifiers of sql (plus the missing column, when
// known) with the real columns in md and returns the close matches, best
// first.
func Hints(sql, missing string, md schema.SchemaMetadata) []Hint {
	type column struct{ table, name string }
	var cols []column
	exact := map[string]bool{}
	for _, table := range md.TableNames() {
		exact[strings.ToLower(table)] = true
		for _, c := range md[table].Columns {
			cols = append(cols, column{table, c})
			exact[strings.ToLower(c)] = true
		}
	}
	if len(cols) == 0 {
		return nil
	}

	var tokens []string
	seen := map[string]bool{}
	addToken := func(tok string) {
		key := strings.ToLower(tok)
		if seen[key] || exact[key] || sqlKeywords[key] || len(tok) < 2 {
			return
		}
		seen[key] = true
		tokens = append(tokens, tok)
	}
	if missing != "" {
		if i := strings.LastIndex(missing, "."); i >= 0 {
			missing = missing[i+1:]
		}
		addToken(missing)
	}
	for _, tok := range identRe.FindAllString(stripStrings(sql), -1) {
		addToken(tok)
	}

	var hints []Hint
	for _, tok := range tokens {
		best := Hint{Token: tok}
		for _, c := range cols {
			if score := precheck.Similarity(tok, c.name); score > best.Score {
				best.Score = score
				best.Suggestion = c.table + "." + c.name
			}
		}
		if best.Score >= HintThreshold {
			hints = append(hints, best)
		}
	}
	sort.SliceStable(hints, func(i, j int) bool { return hints[i].Score > hints[j].Score })
	if len(hints) > maxHints {
		hints = hints[:maxHints]
	}
	return hints
}

// stripStrings blanks single-quoted literals so their words are not taken
// for identifiers.
func stripStrings(sql string) string {
	var b strings.Builder
	in := false
	for _, r := range sql {
		if r == '\'' {
			in = !in
			b.WriteRune(' ')
			continue
		}
		if in {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
