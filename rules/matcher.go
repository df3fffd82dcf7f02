package rules

import "strings"

// Matches reports whether every field condition holds for facts.
// An empty condition set matches any context. Fields missing from facts
// read as undefined: ne/nin pass, min/max/exists:true fail.
func Matches(conditions map[string]Condition, facts Facts) bool {
	for field, cond := range conditions {
		if !matchCondition(cond, lookup(facts, field)) {
			return false
		}
	}
	return true
}

// MatchesRule checks the rule's field conditions and then its expression.
func MatchesRule(r *Rule, facts Facts) bool {
	if !Matches(r.Conditions, facts) {
		return false
	}
	if r.Expression != nil {
		return r.Expression.Match(facts)
	}
	return true
}

func matchCondition(cond Condition, v any) bool {
	switch c := cond.(type) {
	case Literal:
		return strictEqual(v, c.Value)
	case *Literal:
		return strictEqual(v, c.Value)
	case Membership:
		return contains(c.Values, v) != c.Negate
	case *Membership:
		return contains(c.Values, v) != c.Negate
	case Operators:
		return matchOperators(&c, v)
	case *Operators:
		return matchOperators(c, v)
	case nil:
		return true
	}
	return false
}

func matchOperators(ops *Operators, v any) bool {
	if ops.Min != nil {
		cmp, ok := compare(v, ops.Min)
		if !ok || cmp < 0 {
			return false
		}
	}
	if ops.Max != nil {
		cmp, ok := compare(v, ops.Max)
		if !ok || cmp > 0 {
			return false
		}
	}
	if ops.In != nil && !contains(ops.In, v) {
		return false
	}
	if ops.NotIn != nil && contains(ops.NotIn, v) {
		return false
	}
	if ops.HasNotEqual && strictEqual(v, ops.NotEqual) {
		return false
	}
	if ops.Like != nil {
		hay := strings.ToLower(stringify(v))
		if !strings.Contains(hay, strings.ToLower(*ops.Like)) {
			return false
		}
	}
	if ops.Exists != nil && present(v) != *ops.Exists {
		return false
	}
	return true
}

// present is the exists operator's notion of a defined value.
func present(v any) bool {
	if isUndefined(v) || v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}
