// Package query renders mapped criteria into a single bounded SELECT
// statement and owns the SQL lexing shared with the safety validator.
//
// Whether a query is templated from criteria or drafted by a language model,
// it passes through Statement normalisation before leaving this package: no
// terminators, no second statement, and exactly one LIMIT clause.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/agents"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/mapper"
	"github.com/jeeves-cluster-organization/segmentation/coreengine/store"
)

// =============================================================================
// TYPES
// =============================================================================

// Mode selects how the statement text is produced.
type Mode string

const (
	ModeTemplate Mode = "template"
	ModeLLM      Mode = "llm"
)

// DefaultLimit is the row limit appended when none is configured.
const DefaultLimit = 1000

// Artifact is the output of the query stage.
type Artifact struct {
	SQL           string   `json:"query"`
	Optimized     bool     `json:"optimized"`
	EstimatedRows int64    `json:"estimated_rows"`
	TablesUsed    []string `json:"tables_used"`
	Notes         []string `json:"optimization_notes"`
	Source        Mode     `json:"source"`
}

// Drafter produces raw SQL text for criteria, typically by asking a model.
// Its output is untrusted and always normalised by the Builder.
type Drafter interface {
	Draft(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (string, error)
}

// ConstructionError reports that no legal query could be produced.
type ConstructionError struct {
	Reason string
	Cause  error
}

func (e *ConstructionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("query construction failed: %s: %v", e.Reason, e.Cause)
	}
	return "query construction failed: " + e.Reason
}

func (e *ConstructionError) Unwrap() error {
	return e.Cause
}

// Config configures a Builder.
type Config struct {
	Mode         Mode
	DefaultLimit int
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder renders criteria into Artifacts.
type Builder struct {
	cfg     Config
	store   store.Store
	drafter Drafter
	logger  agents.Logger
}

// NewBuilder creates a Builder. st is used for row estimates and may be nil;
// drafter is required only in ModeLLM.
func NewBuilder(cfg Config, st store.Store, drafter Drafter, logger agents.Logger) *Builder {
	if cfg.Mode == "" {
		cfg.Mode = ModeTemplate
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	return &Builder{
		cfg:     cfg,
		store:   st,
		drafter: drafter,
		logger:  agents.OrNop(logger).Bind("component", "query_builder"),
	}
}

// Build renders c with mapping m into a bounded statement and estimates its
// row count. Estimation failures are recorded as notes, not errors.
func (b *Builder) Build(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (*Artifact, error) {
	if c == nil || c.Len() == 0 {
		return nil, &ConstructionError{Reason: "criteria has no conditions"}
	}
	table := m.Table()
	if table == "" {
		return nil, &ConstructionError{Reason: "no physical table mapped for " + mapper.LogicalTable}
	}

	var (
		st     *Statement
		tables []string
		notes  []string
		err    error
	)
	switch b.cfg.Mode {
	case ModeTemplate:
		st, err = b.template(c, m, table)
		tables = []string{table}
	case ModeLLM:
		st, notes, err = b.draft(ctx, c, m)
		if err == nil {
			tables = st.Tables()
		}
	default:
		err = &ConstructionError{Reason: fmt.Sprintf("unknown builder mode %q", b.cfg.Mode)}
	}
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		tables = []string{table}
	}

	art := &Artifact{
		SQL:        st.WithLimit(b.cfg.DefaultLimit),
		Optimized:  true,
		TablesUsed: tables,
		Source:     b.cfg.Mode,
	}
	notes = append(notes, fmt.Sprintf("Applied row limit of %d", b.cfg.DefaultLimit))
	if len(m.Unresolved) > 0 {
		notes = append(notes, "Unmapped fields used as-is: "+strings.Join(m.Unresolved, ", "))
	}

	estimate, err := b.estimate(ctx, st)
	if err != nil {
		notes = append(notes, "Row estimate unavailable: "+err.Error())
		b.logger.Warn("row_estimate_failed", "error", err.Error())
	}
	art.EstimatedRows = estimate
	art.Notes = notes

	b.logger.Debug("query_built", "source", string(art.Source), "estimated_rows", estimate)
	return art, nil
}

func (b *Builder) template(c *criteria.Criteria, m *mapper.FieldMapping, table string) (*Statement, error) {
	sel := Select{Table: table, Connectives: c.Operators()}
	for _, cond := range c.Conditions() {
		col := m.Column(cond.Field())
		// A quoted name that matches no column is read as a string literal by
		// SQLite, which would turn the predicate into a constant.
		if !m.HasColumn(col) {
			return nil, &ConstructionError{Reason: fmt.Sprintf("column %q is not in table %s", col, table)}
		}
		sel.Where = append(sel.Where, Predicate{
			Column:   col,
			Operator: cond.Operator(),
			Value:    cond.Value(),
		})
	}
	body, err := sel.RenderBody()
	if err != nil {
		return nil, &ConstructionError{Reason: "render template", Cause: err}
	}
	st, err := Parse(body)
	if err != nil {
		return nil, &ConstructionError{Reason: "rendered template is not a single statement", Cause: err}
	}
	return st, nil
}

func (b *Builder) draft(ctx context.Context, c *criteria.Criteria, m *mapper.FieldMapping) (*Statement, []string, error) {
	if b.drafter == nil {
		return nil, nil, &ConstructionError{Reason: "llm mode requires a drafter"}
	}
	raw, err := b.drafter.Draft(ctx, c, m)
	if err != nil {
		return nil, nil, &ConstructionError{Reason: "draft query", Cause: err}
	}
	st, err := Parse(StripCodeFences(raw))
	if err != nil {
		return nil, nil, &ConstructionError{Reason: "drafted query is not a single statement", Cause: err}
	}

	var notes []string
	if st.HadTerminator() {
		notes = append(notes, "Removed statement terminator")
	}
	if st.HadLimit() {
		notes = append(notes, fmt.Sprintf("Replaced drafted LIMIT %v", st.StrippedLimits()))
	}
	return st, notes, nil
}

func (b *Builder) estimate(ctx context.Context, st *Statement) (int64, error) {
	if b.store == nil {
		return 0, fmt.Errorf("no store configured")
	}
	rows, err := b.store.Execute(ctx, st.CountQuery())
	if err != nil {
		return 0, err
	}
	return CountFromRows(rows)
}

// =============================================================================
// HELPERS
// =============================================================================

// StripCodeFences removes a surrounding ``` or ```sql fence from model output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		first := strings.TrimSpace(s[:nl])
		if first == "" || isFenceLanguage(first) {
			s = s[nl+1:]
		}
	} else if strings.HasPrefix(strings.ToLower(s), "sql") {
		s = s[3:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

func isFenceLanguage(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// CountFromRows reads the result of a CountQuery.
func CountFromRows(rows []store.Row) (int64, error) {
	if len(rows) != 1 {
		return 0, fmt.Errorf("count query returned %d rows", len(rows))
	}
	raw, ok := rows[0][CountAlias]
	if !ok {
		return 0, fmt.Errorf("count query result has no %q column", CountAlias)
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("unexpected count type %T", raw)
}
