package rules

import (
	"sort"

	"github.com/liamcoop/commission/internal/logger"
	"github.com/liamcoop/commission/money"
)

// Calculate reduces baseCents through the active rules in priority order and
// returns the final total with one trace entry per applied rule.
//
// Rules with equal priority keep their relative input order. A matched rule
// with StopOnApply ends the pass. Malformed numeric fields never fail the
// calculation: the affected rule leaves the total unchanged.
func Calculate(baseCents int64, facts Facts, rules []*Rule) *Result {
	ordered := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.IsActive() {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EffectivePriority() < ordered[j].EffectivePriority()
	})

	result := &Result{Total: baseCents, Trace: []TraceEntry{}}
	for _, r := range ordered {
		if !MatchesRule(r, facts) {
			continue
		}

		before := result.Total
		result.Total = apply(r, before, facts)

		result.Trace = append(result.Trace, TraceEntry{
			RuleID:      r.ID,
			RuleName:    r.Name,
			Kind:        r.Kind,
			ValueBefore: before,
			ValueAfter:  result.Total,
			Stopped:     r.StopOnApply,
		})

		if r.StopOnApply {
			break
		}
	}

	return result
}

// apply returns the new running total for one matched rule.
func apply(r *Rule, total int64, facts Facts) int64 {
	switch r.Kind {
	case KindFixed:
		if r.SourceIsClassification {
			if v, ok := factCents(facts, FactClassificationValueCents); ok {
				return v
			}
			return total
		}
		if r.FixedValueCents != nil {
			return *r.FixedValueCents
		}
		return total

	case KindPercentage:
		if r.Percentage == nil {
			return total
		}
		plan, ok := planValueCents(facts)
		if !ok {
			return total
		}
		return money.PercentOf(plan, *r.Percentage)

	case KindAdjustment:
		if r.FixedValueCents == nil {
			return total
		}
		return max(0, total+*r.FixedValueCents)

	case KindMinimum:
		floor := int64(0)
		if r.FixedValueCents != nil {
			floor = *r.FixedValueCents
		}
		return max(total, floor)

	case KindMaximum:
		if r.FixedValueCents == nil {
			return total
		}
		return min(total, *r.FixedValueCents)

	default:
		logger.Debug("unknown rule kind, passing total through", "ruleId", r.ID, "kind", string(r.Kind))
		return total
	}
}
