package schema

import (
	"sort"
	"strings"
)

// ForeignKey links a column to a column of another table.
type ForeignKey struct {
	Column    string `json:"column" yaml:"column"`
	RefTable  string `json:"ref_table" yaml:"ref_table"`
	RefColumn string `json:"ref_column" yaml:"ref_column"`
}

// TableMeta describes one table as reported by the schema provider.
type TableMeta struct {
	Columns     []string     `json:"columns" yaml:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`
	Indexes     []string     `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// HasColumn reports whether the table has the column (case-insensitive).
func (t TableMeta) HasColumn(name string) bool {
	_, ok := t.LookupColumn(name)
	return ok
}

// LookupColumn returns the canonical spelling of a column.
func (t TableMeta) LookupColumn(name string) (string, bool) {
	name = TrimIdentQuotes(name)
	for _, c := range t.Columns {
		if c == name {
			return c, true
		}
	}
	for _, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// SchemaMetadata maps table names to their metadata.
type SchemaMetadata map[string]TableMeta

// TableNames returns the table names in sorted order.
func (m SchemaMetadata) TableNames() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve finds the canonical table name for a reference. Matching is exact,
// then case-insensitive, then on the unqualified suffix of schema-qualified
// names ("public.orders" resolves "orders" and vice versa).
func (m SchemaMetadata) Resolve(ref string) (string, bool) {
	ref = TrimIdentQuotes(ref)
	if ref == "" {
		return "", false
	}
	if _, ok := m[ref]; ok {
		return ref, true
	}
	names := m.TableNames()
	for _, name := range names {
		if strings.EqualFold(name, ref) {
			return name, true
		}
	}
	short := unqualified(ref)
	for _, name := range names {
		if strings.EqualFold(unqualified(name), short) {
			return name, true
		}
	}
	return "", false
}

// Subset returns the metadata restricted to the given tables.
func (m SchemaMetadata) Subset(tables []string) SchemaMetadata {
	out := make(SchemaMetadata, len(tables))
	for _, t := range tables {
		if name, ok := m.Resolve(t); ok {
			out[name] = m[name]
		}
	}
	return out
}

func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// TrimIdentQuotes strips one level of identifier quoting from each dotted
// part of a name: "Orders" and `Orders` both become Orders.
func TrimIdentQuotes(name string) string {
	name = strings.TrimSpace(name)
	if !strings.ContainsAny(name, "\"`[") {
		return name
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 2 {
			switch {
			case p[0] == '"' && p[len(p)-1] == '"',
				p[0] == '`' && p[len(p)-1] == '`',
				p[0] == '[' && p[len(p)-1] == ']':
				p = p[1 : len(p)-1]
			}
		}
		parts[i] = p
	}
	return strings.Join(parts, ".")
}
