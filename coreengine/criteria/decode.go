package criteria

import (
	"fmt"
)

// FromMap decodes criteria from the loose shape produced by a language model
// or a JSON request body:
//
//	{"conditions": [{"field": "age", "operator": ">", "value": 30}],
//	 "logical_operators": ["AND"]}
//
// A missing "logical_operators" key means every condition is joined with AND.
// When the key is present its length must match the conditions.
func FromMap(m map[string]any) (*Criteria, error) {
	if m == nil {
		return nil, &ValidationError{Path: "criteria", Message: "criteria is required"}
	}

	rawConds, ok := m["conditions"]
	if !ok {
		return nil, &ValidationError{Path: "conditions", Message: "conditions is required"}
	}
	condList, ok := rawConds.([]any)
	if !ok {
		return nil, &ValidationError{Path: "conditions", Message: fmt.Sprintf("expected a list, got %T", rawConds)}
	}

	conds := make([]Condition, 0, len(condList))
	for i, rc := range condList {
		cm, ok := rc.(map[string]any)
		if !ok {
			return nil, &ValidationError{Path: fmt.Sprintf("conditions[%d]", i), Message: fmt.Sprintf("expected an object, got %T", rc)}
		}
		cond, err := conditionFromMap(cm)
		if err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Path = fmt.Sprintf("conditions[%d].%s", i, ve.Path)
				return nil, ve
			}
			return nil, err
		}
		conds = append(conds, cond)
	}

	rawOps, present := m["logical_operators"]
	if !present || rawOps == nil {
		return New(conds, repeat(And, len(conds)-1))
	}
	opList, ok := rawOps.([]any)
	if !ok {
		return nil, &ValidationError{Path: "logical_operators", Message: fmt.Sprintf("expected a list, got %T", rawOps)}
	}
	ops := make([]LogicalOperator, 0, len(opList))
	for i, ro := range opList {
		s, ok := ro.(string)
		if !ok {
			return nil, &ValidationError{Path: fmt.Sprintf("logical_operators[%d]", i), Message: fmt.Sprintf("expected a string, got %T", ro)}
		}
		op, err := ParseLogicalOperator(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return New(conds, ops)
}

func conditionFromMap(m map[string]any) (Condition, error) {
	field, ok := m["field"].(string)
	if !ok {
		return Condition{}, &ValidationError{Path: "field", Message: "field must be a string"}
	}
	opStr, ok := m["operator"].(string)
	if !ok {
		return Condition{}, &ValidationError{Path: "operator", Message: "operator must be a string"}
	}
	op, err := ParseOperator(opStr)
	if err != nil {
		return Condition{}, err
	}
	raw, ok := m["value"]
	if !ok {
		return Condition{}, &ValidationError{Path: "value", Message: "value is required"}
	}
	val, err := ValueOf(raw)
	if err != nil {
		return Condition{}, &ValidationError{Path: "value", Message: "invalid value", Cause: err}
	}
	return NewCondition(field, op, val)
}
