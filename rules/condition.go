package rules

import (
	"math"
	"sort"
)

// Condition constrains a single context field. It is one of Literal,
// Membership or Operators.
type Condition interface {
	condition()
}

// Literal matches when the field strictly equals Value.
type Literal struct {
	Value any
}

// Membership matches when the field is (or, with Negate, is not) one of Values.
type Membership struct {
	Values []any
	Negate bool
}

// Operators is a bag of comparisons that must all hold. Unset operators are
// skipped, so an empty bag matches anything.
type Operators struct {
	Min any // nil when unset
	Max any // nil when unset

	In    []any // nil when unset
	NotIn []any // nil when unset

	NotEqual    any
	HasNotEqual bool

	Like   *string
	Exists *bool
}

func (Literal) condition()    {}
func (Membership) condition() {}
func (Operators) condition()  {}

var operatorKeys = map[string]bool{
	"min": true, "max": true, "in": true, "nin": true,
	"ne": true, "like": true, "exists": true,
}

// ParseCondition builds a Condition from a decoded JSON value: arrays become
// Membership, objects become Operators and anything else a Literal.
// Unrecognized operator keys are returned so callers can report them.
func ParseCondition(raw any) (Condition, []string) {
	switch v := raw.(type) {
	case []any:
		return Membership{Values: v}, nil
	case map[string]any:
		return parseOperators(v)
	default:
		return Literal{Value: v}, nil
	}
}

func parseOperators(bag map[string]any) (Condition, []string) {
	var ops Operators
	var unknown []string

	for key, val := range bag {
		if !operatorKeys[key] {
			unknown = append(unknown, key)
			continue
		}
		switch key {
		case "min":
			ops.Min = val
		case "max":
			ops.Max = val
		case "in":
			ops.In = asList(val)
		case "nin":
			ops.NotIn = asList(val)
		case "ne":
			ops.NotEqual = val
			ops.HasNotEqual = true
		case "like":
			s := stringify(val)
			ops.Like = &s
		case "exists":
			b := truthy(val)
			ops.Exists = &b
		}
	}

	sort.Strings(unknown)
	return ops, unknown
}

// asList coerces a scalar into a singleton list.
func asList(v any) []any {
	if list, ok := v.([]any); ok {
		if list == nil {
			return []any{}
		}
		return list
	}
	return []any{v}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := asNumber(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}
