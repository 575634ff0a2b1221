// Package schemasearch serves schema metadata and business glossary terms
// from a YAML catalog, ranking tables against a question with fuzzy
// matching.
package schemasearch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sahilm/fuzzy"
	"gopkg.in/yaml.v3"

	"github.com/rendis/querypilot/pkg/schema"
)

// File is the on-disk catalog layout.
type File struct {
	Tables   map[string]schema.TableMeta `yaml:"tables"`
	Glossary map[string]string           `yaml:"glossary"`
}

// Catalog is a reloadable, concurrency-safe schema source.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	tables   schema.SchemaMetadata
	glossary map[string]string
	loadedAt time.Time
}

// NewCatalog builds an in-memory catalog. Reload is a no-op for it.
func NewCatalog(tables schema.SchemaMetadata, glossary map[string]string) *Catalog {
	return &Catalog{
		logger:   slog.Default(),
		tables:   tables,
		glossary: glossary,
		loadedAt: time.Now(),
	}
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema catalog: %w", err)
	}
	for name, t := range f.Tables {
		if len(t.Columns) == 0 {
			return nil, fmt.Errorf("parse schema catalog: table %q has no columns", name)
		}
	}
	return &f, nil
}

// Reload re-reads the catalog file. A failed reload keeps the previous
// contents.
func (c *Catalog) Reload(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read schema catalog: %w", err)
	}
	f, err := ParseCatalog(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tables = f.Tables
	c.glossary = f.Glossary
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "schema catalog loaded",
		slog.String("path", c.path),
		slog.Int("tables", len(f.Tables)),
		slog.Int("glossary_terms", len(f.Glossary)),
	)
	return nil
}

// LoadedAt returns when the catalog contents were last replaced.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// FullMetadata returns every table.
func (c *Catalog) FullMetadata(ctx context.Context) (schema.SchemaMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(schema.SchemaMetadata, len(c.tables))
	for k, v := range c.tables {
		out[k] = v
	}
	return out, nil
}

// DescribeTables returns metadata for just the named tables. Unknown
// names are omitted.
func (c *Catalog) DescribeTables(ctx context.Context, names []string) (schema.SchemaMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tables.Subset(names), nil
}

// Glossary returns the business glossary.
func (c *Catalog) Glossary(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.glossary))
	for k, v := range c.glossary {
		out[k] = v
	}
	return out, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "what": true,
	"which": true, "how": true, "many": true, "much": true, "show": true, "list": true,
	"give": true, "all": true, "per": true, "each": true, "are": true, "was": true,
	"were": true, "last": true, "this": true, "that": true, "have": true, "has": true,
	"me": true, "by": true, "of": true, "in": true, "on": true, "is": true,
}

// FindRelevantTables ranks tables against the question and returns the
// top k. Each question word is fuzzy-matched against table names, column
// names, descriptions and glossary terms; a table scores the sum of its
// best match per word. With no match at all the first k tables are
// returned in name order.
func (c *Catalog) FindRelevantTables(ctx context.Context, question string, k int) (schema.SchemaMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := c.tables.TableNames()
	if k <= 0 || k > len(names) {
		k = len(names)
	}

	// terms[i] belongs to table owners[i].
	var terms, owners []string
	for _, name := range names {
		t := c.tables[name]
		terms = append(terms, name)
		owners = append(owners, name)
		for _, col := range t.Columns {
			terms = append(terms, col)
			owners = append(owners, name)
		}
		for _, w := range words(t.Description) {
			terms = append(terms, w)
			owners = append(owners, name)
		}
	}
	for term, meaning := range c.glossary {
		for _, name := range names {
			if strings.Contains(strings.ToLower(meaning), strings.ToLower(name)) {
				terms = append(terms, term)
				owners = append(owners, name)
			}
		}
	}

	scores := make(map[string]int)
	for _, w := range words(question) {
		best := make(map[string]int)
		for _, m := range fuzzy.Find(w, terms) {
			owner := owners[m.Index]
			score := m.Score + 10*len(w)
			if strings.EqualFold(m.Str, w) {
				score += 50
			}
			if score > best[owner] {
				best[owner] = score
			}
		}
		for owner, s := range best {
			scores[owner] += s
		}
	}

	ranked := append([]string(nil), names...)
	sort.SliceStable(ranked, func(i, j int) bool { return scores[ranked[i]] > scores[ranked[j]] })
	ranked = ranked[:k]

	out := make(schema.SchemaMetadata, len(ranked))
	for _, name := range ranked {
		out[name] = c.tables[name]
	}
	return out, nil
}

func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// MatchGlossary returns the glossary entries whose term fuzzy-matches a
// word of any given text, keyed by term.
func MatchGlossary(glossary map[string]string, texts ...string) map[string]string {
	var tokens []string
	for _, t := range texts {
		tokens = append(tokens, words(t)...)
	}
	out := make(map[string]string)
	if len(tokens) == 0 {
		return out
	}
	for term, meaning := range glossary {
		needle := strings.ToLower(strings.ReplaceAll(term, " ", ""))
		if len(fuzzy.Find(needle, tokens)) > 0 {
			out[term] = meaning
		}
	}
	return out
}
