package precheck

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/rendis/querypilot/internal/dsl"
	"github.com/rendis/querypilot/pkg/schema"
)

// MaxCandidates caps the options offered in a clarification.
const MaxCandidates = 20

// Question is a clarification derived from unresolved references.
type Question struct {
	Text    string
	Options []string
}

// Similarity is the difflib closeness ratio of two identifiers, compared
// character by character and case-insensitively.
func Similarity(a, b string) float64 {
	m := difflib.NewMatcher(chars(strings.ToLower(a)), chars(strings.ToLower(b)))
	return m.Ratio()
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Clarification builds a question with up to MaxCandidates options drawn
// from the tables the query references, ranked by similarity to the
// missing names. Table issues are answered with table names, column issues
// with table.column pairs.
func Clarification(q *dsl.Query, md schema.SchemaMetadata, issues []Issue) Question {
	var missingTables, missingCols []string
	for _, is := range issues {
		if is.Kind == MissingTable {
			missingTables = append(missingTables, is.Ref)
		} else {
			_, col := splitRef(is.Ref)
			missingCols = append(missingCols, col)
		}
	}

	if len(missingTables) > 0 {
		return Question{
			Text: fmt.Sprintf("I could not find the table %s. Which table did you mean?",
				quoteList(missingTables)),
			Options: rank(md.TableNames(), missingTables, func(s string) string { return s }),
		}
	}

	var tables []string
	for _, t := range q.Tables() {
		if canon, ok := md.Resolve(t); ok {
			tables = append(tables, canon)
		}
	}
	if len(tables) == 0 {
		tables = md.TableNames()
	}
	var candidates []string
	seen := map[string]bool{}
	for _, t := range tables {
		if seen[t] {
			continue
		}
		seen[t] = true
		for _, c := range md[t].Columns {
			candidates = append(candidates, t+"."+c)
		}
	}

	return Question{
		Text: fmt.Sprintf("I could not find the column %s in %s. Which column did you mean?",
			quoteList(missingCols), strings.Join(tables, ", ")),
		Options: rank(candidates, missingCols, func(s string) string {
			_, col := splitRef(s)
			return col
		}),
	}
}

// rank orders candidates by their best similarity to any target, keeping
// schema order on ties, and truncates to MaxCandidates.
func rank(candidates, targets []string, key func(string) string) []string {
	type scored struct {
		value string
		score float64
	}
	list := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		best := 0.0
		for _, t := range targets {
			if s := Similarity(key(c), t); s > best {
				best = s
			}
		}
		list = append(list, scored{value: c, score: best})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if len(list) > MaxCandidates {
		list = list[:MaxCandidates]
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.value
	}
	return out
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = fmt.Sprintf("%q", it)
	}
	return strings.Join(quoted, ", ")
}
