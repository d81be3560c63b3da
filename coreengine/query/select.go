package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/criteria"
)

// Predicate is one rendered comparison of a Select.
type Predicate struct {
	Column   string
	Operator criteria.Operator
	Value    criteria.Value
}

// Select is the structured form of a segment query:
//
//	SELECT * FROM <table> [WHERE <p1> [AND|OR <p2> ...]]
//
// Connectives[i] joins Where[i] and Where[i+1]. The limit is applied by
// Statement.WithLimit.
type Select struct {
	Table       string
	Where       []Predicate
	Connectives []criteria.LogicalOperator
}

// RenderBody renders the statement without a limit clause.
func (s Select) RenderBody() (string, error) {
	if s.Table == "" {
		return "", fmt.Errorf("table is required")
	}
	if len(s.Where) > 0 && len(s.Connectives) != len(s.Where)-1 {
		return "", fmt.Errorf("%d predicates need %d connectives, got %d", len(s.Where), len(s.Where)-1, len(s.Connectives))
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(Ident(s.Table))
	for i, p := range s.Where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteByte(' ')
			b.WriteString(string(s.Connectives[i-1]))
			b.WriteByte(' ')
		}
		lit, err := Literal(p.Value)
		if err != nil {
			return "", fmt.Errorf("predicate %d: %w", i, err)
		}
		b.WriteString(Ident(p.Column))
		b.WriteByte(' ')
		b.WriteString(string(p.Operator))
		b.WriteByte(' ')
		b.WriteString(lit)
	}
	return b.String(), nil
}

// Literal renders a condition value: strings single-quoted with quotes
// doubled, numbers bare, booleans as TRUE/FALSE.
func Literal(v criteria.Value) (string, error) {
	switch v.Kind() {
	case criteria.KindString:
		s, _ := v.Str()
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
	case criteria.KindNumber:
		return v.FormatNumber(), nil
	case criteria.KindBool:
		if b, _ := v.BoolValue(); b {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	return "", fmt.Errorf("invalid value")
}

var simpleIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reserved holds keywords that cannot appear as bare column or table names
// in SQLite or Postgres. The bank dataset has a column called "default".
var reserved = map[string]bool{
	"all": true, "alter": true, "and": true, "as": true, "asc": true, "between": true,
	"by": true, "case": true, "check": true, "column": true, "create": true, "default": true,
	"delete": true, "desc": true, "distinct": true, "drop": true, "else": true, "end": true,
	"exists": true, "from": true, "group": true, "having": true, "in": true, "index": true,
	"insert": true, "into": true, "is": true, "join": true, "like": true, "limit": true,
	"not": true, "null": true, "offset": true, "on": true, "or": true, "order": true,
	"primary": true, "references": true, "select": true, "set": true, "table": true,
	"then": true, "to": true, "truncate": true, "union": true, "unique": true, "update": true,
	"user": true, "using": true, "values": true, "when": true, "where": true, "with": true,
}

// Ident renders an identifier, double-quoting it only when it is not a plain
// name or collides with a keyword.
func Ident(name string) string {
	if simpleIdent.MatchString(name) && !reserved[strings.ToLower(name)] {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
