// Package mapper resolves business vocabulary in criteria to physical column
// names of the segment table.
package mapper

import (
	"maps"
	"strings"

	"golang.org/x/text/cases"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// LogicalTable is the table name criteria and drafted queries refer to.
const LogicalTable = "customers"

// DefaultMinReverseMatch is the shortest column name that may match by being
// contained in a longer business term.
const DefaultMinReverseMatch = 3

// DefaultGlossary maps bank marketing vocabulary to columns.
func DefaultGlossary() map[string]string {
	return map[string]string{
		"subscription": "y",
		"deposit":      "y",
		"balance":      "balance",
		"loan":         "loan",
		"housing":      "housing",
		"job":          "job",
		"age":          "age",
		"contact":      "contact",
		"campaign":     "campaign",
		"previous":     "previous",
		"duration":     "duration",
	}
}

// FieldMapping is the resolution of one criteria against one schema snapshot.
type FieldMapping struct {
	// FieldMappings maps case-folded business terms to columns.
	FieldMappings map[string]string `json:"field_mappings"`
	// TableMappings maps logical table names to physical tables.
	TableMappings map[string]string `json:"table_mappings"`
	// BusinessTerms is the glossary the mapping was resolved with.
	BusinessTerms map[string]string `json:"business_terms"`
	// Unresolved lists terms that matched nothing and pass through unchanged.
	Unresolved []string `json:"unresolved,omitempty"`
	// Columns is the column list of the schema snapshot, nil when the
	// mapping was resolved without one.
	Columns []string `json:"-"`
}

// HasColumn reports whether col exists in the schema snapshot. Without a
// snapshot every column is accepted.
func (m *FieldMapping) HasColumn(col string) bool {
	if m == nil || m.Columns == nil {
		return true
	}
	for _, c := range m.Columns {
		if strings.EqualFold(c, col) {
			return true
		}
	}
	return false
}

// Column returns the column for field, or field itself if it was never mapped.
func (m *FieldMapping) Column(field string) string {
	if m == nil {
		return field
	}
	if col, ok := m.FieldMappings[fold(field)]; ok {
		return col
	}
	return field
}

// Table returns the physical table for the logical segment table.
func (m *FieldMapping) Table() string {
	if m == nil {
		return ""
	}
	return m.TableMappings[LogicalTable]
}

// Mapper resolves criteria fields. It is safe for concurrent use.
type Mapper struct {
	glossary        map[string]string
	minReverseMatch int
	defaultTable    string
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithGlossary replaces the default glossary. Keys are case-folded.
func WithGlossary(g map[string]string) Option {
	return func(m *Mapper) {
		m.glossary = make(map[string]string, len(g))
		for k, v := range g {
			m.glossary[fold(k)] = v
		}
	}
}

// WithMinReverseMatch sets the minimum column length for reverse matches.
func WithMinReverseMatch(n int) Option {
	return func(m *Mapper) {
		if n > 0 {
			m.minReverseMatch = n
		}
	}
}

// WithDefaultTable sets the physical table used when no schema is available.
func WithDefaultTable(table string) Option {
	return func(m *Mapper) { m.defaultTable = table }
}

// New builds a Mapper with the bank glossary unless overridden.
func New(opts ...Option) *Mapper {
	m := &Mapper{minReverseMatch: DefaultMinReverseMatch}
	WithGlossary(DefaultGlossary())(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Glossary returns a copy of the active glossary.
func (m *Mapper) Glossary() map[string]string {
	return maps.Clone(m.glossary)
}

// Map resolves every condition field of c. Resolution order per term:
// glossary entry, then the first schema column (declaration order) that
// contains the term or is contained in it, then the term itself.
func (m *Mapper) Map(c *criteria.Criteria, schema *store.Schema) *FieldMapping {
	table := m.defaultTable
	var columns []string
	if schema != nil {
		table = schema.Table
		columns = schema.ColumnNames()
	}

	out := &FieldMapping{
		FieldMappings: make(map[string]string),
		TableMappings: map[string]string{LogicalTable: table},
		BusinessTerms: m.Glossary(),
		Columns:       columns,
	}
	if c == nil {
		return out
	}

	for _, field := range c.Fields() {
		term := fold(field)
		if _, done := out.FieldMappings[term]; done {
			continue
		}
		if col, ok := m.glossary[term]; ok {
			out.FieldMappings[term] = col
			continue
		}
		if col, ok := m.matchColumn(term, columns); ok {
			out.FieldMappings[term] = col
			continue
		}
		out.FieldMappings[term] = field
		out.Unresolved = append(out.Unresolved, field)
	}
	return out
}

func (m *Mapper) matchColumn(term string, columns []string) (string, bool) {
	for _, col := range columns {
		fc := fold(col)
		if strings.Contains(fc, term) {
			return col, true
		}
		if len([]rune(fc)) >= m.minReverseMatch && strings.Contains(term, fc) {
			return col, true
		}
	}
	return "", false
}

// fold case-folds s. A new Caser per call since Casers carry state.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
