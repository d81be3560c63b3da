// Package criteria is the canonical representation of a segment request:
// an ordered list of conditions joined by AND/OR operators.
//
// Values of this package are immutable once constructed. Every constructor
// enforces len(operators) == max(len(conditions)-1, 0), so later stages can
// rely on the invariant without re-checking it.
package criteria

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// OPERATORS
// =============================================================================

// Operator is a comparison operator of a Condition.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// ParseOperator normalises s into an Operator. "==" is accepted for "=" and
// "<>" for "!=".
func ParseOperator(s string) (Operator, error) {
	switch strings.TrimSpace(s) {
	case "=", "==":
		return OpEqual, nil
	case "!=", "<>":
		return OpNotEqual, nil
	case ">":
		return OpGreater, nil
	case "<":
		return OpLess, nil
	case ">=":
		return OpGreaterEqual, nil
	case "<=":
		return OpLessEqual, nil
	}
	return "", &ValidationError{Path: "operator", Message: fmt.Sprintf("unsupported operator %q", s)}
}

// LogicalOperator joins two adjacent conditions.
type LogicalOperator string

const (
	And LogicalOperator = "AND"
	Or  LogicalOperator = "OR"
)

// ParseLogicalOperator accepts AND/OR in any case.
func ParseLogicalOperator(s string) (LogicalOperator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AND":
		return And, nil
	case "OR":
		return Or, nil
	}
	return "", &ValidationError{Path: "logical_operators", Message: fmt.Sprintf("unsupported logical operator %q", s)}
}

// =============================================================================
// CONDITION
// =============================================================================

// Condition is a single field/operator/value comparison.
type Condition struct {
	field    string
	operator Operator
	value    Value
}

// NewCondition builds a Condition. The field must be non-empty.
func NewCondition(field string, op Operator, value Value) (Condition, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return Condition{}, &ValidationError{Path: "field", Message: "field is required"}
	}
	op, err := ParseOperator(string(op))
	if err != nil {
		return Condition{}, err
	}
	if !value.Valid() {
		return Condition{}, &ValidationError{Path: "value", Message: fmt.Sprintf("value is required for field %q", field)}
	}
	return Condition{field: field, operator: op, value: value}, nil
}

// MustCondition is NewCondition that panics on error. Intended for fixtures.
func MustCondition(field string, op Operator, value Value) Condition {
	c, err := NewCondition(field, op, value)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Condition) Field() string      { return c.field }
func (c Condition) Operator() Operator { return c.operator }
func (c Condition) Value() Value       { return c.value }

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.field, c.operator, c.value)
}

type conditionJSON struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionJSON{Field: c.field, Operator: c.operator, Value: c.value})
}

// =============================================================================
// CRITERIA
// =============================================================================

// Criteria is an ordered sequence of conditions and their connecting operators.
type Criteria struct {
	conditions []Condition
	operators  []LogicalOperator
}

// New builds Criteria, rejecting an empty condition list and an operator
// count that does not equal len(conds)-1.
func New(conds []Condition, ops []LogicalOperator) (*Criteria, error) {
	if len(conds) == 0 {
		return nil, &ValidationError{Path: "conditions", Message: "at least one condition is required"}
	}
	if want := len(conds) - 1; len(ops) != want {
		return nil, &ValidationError{
			Path:    "logical_operators",
			Message: fmt.Sprintf("expected %d logical operators for %d conditions, got %d", want, len(conds), len(ops)),
		}
	}
	for i, op := range ops {
		if op != And && op != Or {
			return nil, &ValidationError{Path: fmt.Sprintf("logical_operators[%d]", i), Message: fmt.Sprintf("unsupported logical operator %q", op)}
		}
	}
	for i, c := range conds {
		if c.field == "" || !c.value.Valid() {
			return nil, &ValidationError{Path: fmt.Sprintf("conditions[%d]", i), Message: "condition is not initialised"}
		}
	}

	cs := make([]Condition, len(conds))
	copy(cs, conds)
	lops := make([]LogicalOperator, len(ops))
	copy(lops, ops)
	return &Criteria{conditions: cs, operators: lops}, nil
}

// AllOf joins conds with AND.
func AllOf(conds ...Condition) (*Criteria, error) {
	return New(conds, repeat(And, len(conds)-1))
}

// Len returns the number of conditions.
func (c *Criteria) Len() int { return len(c.conditions) }

// Conditions returns a copy of the conditions in input order.
func (c *Criteria) Conditions() []Condition {
	out := make([]Condition, len(c.conditions))
	copy(out, c.conditions)
	return out
}

// Operators returns a copy of the connecting operators.
func (c *Criteria) Operators() []LogicalOperator {
	out := make([]LogicalOperator, len(c.operators))
	copy(out, c.operators)
	return out
}

// Fields lists the condition fields in order, duplicates included.
func (c *Criteria) Fields() []string {
	out := make([]string, len(c.conditions))
	for i, cond := range c.conditions {
		out[i] = cond.field
	}
	return out
}

type criteriaJSON struct {
	Conditions       []Condition       `json:"conditions"`
	LogicalOperators []LogicalOperator `json:"logical_operators"`
}

// MarshalJSON implements json.Marshaler.
func (c *Criteria) MarshalJSON() ([]byte, error) {
	return json.Marshal(criteriaJSON{Conditions: c.conditions, LogicalOperators: c.operators})
}

// UnmarshalJSON accepts the same loose shape as FromMap.
func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Path: "criteria", Message: "malformed JSON", Cause: err}
	}
	parsed, err := FromMap(raw)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

func repeat(op LogicalOperator, n int) []LogicalOperator {
	if n <= 0 {
		return nil
	}
	out := make([]LogicalOperator, n)
	for i := range out {
		out[i] = op
	}
	return out
}

// =============================================================================
// ERRORS
// =============================================================================

// ValidationError reports criteria that violate the model's invariants.
type ValidationError struct {
	Path    string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid criteria: %s: %s", e.Path, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}
