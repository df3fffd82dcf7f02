package rules

import (
	"math/rand"
	"reflect"
	"testing"
)

func cents(v int64) *int64 { return &v }

func pct(v float64) *float64 { return &v }

func traceIDs(res *Result) []string {
	ids := make([]string, 0, len(res.Trace))
	for _, e := range res.Trace {
		ids = append(ids, e.RuleID)
	}
	return ids
}

// TestCalculateBlockedSaleStops verifies a blocked sale zeroes the commission
// and the stop flag keeps the minimum rule from running
func TestCalculateBlockedSaleStops(t *testing.T) {
	rules := []*Rule{
		{ID: "blocked", Priority: intPtr(1),
			Conditions: map[string]Condition{"bloqueado": Literal{Value: true}},
			Kind:       KindFixed, FixedValueCents: cents(0), StopOnApply: true},
		{ID: "floor", Priority: intPtr(2),
			Conditions: map[string]Condition{},
			Kind:       KindMinimum, FixedValueCents: cents(500)},
	}

	res := Calculate(2500, Facts{"bloqueado": true}, rules)

	if res.Total != 0 {
		t.Errorf("Total = %d, want 0", res.Total)
	}
	if len(res.Trace) != 1 {
		t.Fatalf("len(Trace) = %d, want 1", len(res.Trace))
	}
	want := TraceEntry{RuleID: "blocked", Kind: KindFixed, ValueBefore: 2500, ValueAfter: 0, Stopped: true}
	if res.Trace[0] != want {
		t.Errorf("Trace[0] = %+v, want %+v", res.Trace[0], want)
	}
}

// TestCalculateClassificationFixed verifies a fixed rule can source its value from the classification
func TestCalculateClassificationFixed(t *testing.T) {
	rules := []*Rule{
		{ID: "tier", Priority: intPtr(1), Kind: KindFixed, SourceIsClassification: true},
	}

	res := Calculate(0, Facts{"valorClassificacaoCentavos": 9000}, rules)

	if res.Total != 9000 {
		t.Errorf("Total = %d, want 9000", res.Total)
	}
}

func TestCalculateKinds(t *testing.T) {
	testCases := []struct {
		name  string
		base  int64
		rule  Rule
		facts Facts
		want  int64
	}{
		{"fixed replaces", 2500, Rule{Kind: KindFixed, FixedValueCents: cents(1000)}, nil, 1000},
		{"fixed without value is a no-op", 2500, Rule{Kind: KindFixed}, nil, 2500},
		{"classification from float fact", 0, Rule{Kind: KindFixed, SourceIsClassification: true},
			Facts{"valorClassificacaoCentavos": 9000.0}, 9000},
		{"classification missing is a no-op", 700, Rule{Kind: KindFixed, SourceIsClassification: true},
			Facts{}, 700},
		{"classification as string is a no-op", 700, Rule{Kind: KindFixed, SourceIsClassification: true},
			Facts{"valorClassificacaoCentavos": "9000"}, 700},
		{"percentage reads the plan value", 2500, Rule{Kind: KindPercentage, Percentage: pct(10)},
			Facts{"valorPlanoCentavos": 19990}, 1999},
		{"percentage rounds half up", 0, Rule{Kind: KindPercentage, Percentage: pct(50)},
			Facts{"valorPlanoCentavos": 5}, 3},
		{"percentage without plan value is zero", 2500, Rule{Kind: KindPercentage, Percentage: pct(10)},
			Facts{}, 0},
		{"percentage with numeric string plan", 0, Rule{Kind: KindPercentage, Percentage: pct(10)},
			Facts{"valorPlanoCentavos": "1000"}, 100},
		{"percentage with garbage plan is a no-op", 2500, Rule{Kind: KindPercentage, Percentage: pct(10)},
			Facts{"valorPlanoCentavos": "abc"}, 2500},
		{"percentage without percent is a no-op", 2500, Rule{Kind: KindPercentage},
			Facts{"valorPlanoCentavos": 1000}, 2500},
		{"adjustment adds", 2500, Rule{Kind: KindAdjustment, FixedValueCents: cents(300)}, nil, 2800},
		{"adjustment floors at zero", 100, Rule{Kind: KindAdjustment, FixedValueCents: cents(-500)}, nil, 0},
		{"adjustment without value is a no-op", 100, Rule{Kind: KindAdjustment}, nil, 100},
		{"minimum raises", 300, Rule{Kind: KindMinimum, FixedValueCents: cents(500)}, nil, 500},
		{"minimum keeps higher total", 800, Rule{Kind: KindMinimum, FixedValueCents: cents(500)}, nil, 800},
		{"minimum without value uses zero", 800, Rule{Kind: KindMinimum}, nil, 800},
		{"maximum caps", 800, Rule{Kind: KindMaximum, FixedValueCents: cents(500)}, nil, 500},
		{"maximum keeps lower total", 300, Rule{Kind: KindMaximum, FixedValueCents: cents(500)}, nil, 300},
		{"maximum without value is unbounded", 300, Rule{Kind: KindMaximum}, nil, 300},
		{"unknown kind passes through", 300, Rule{Kind: Kind("bonus"), FixedValueCents: cents(1)}, nil, 300},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.rule
			r.ID = "r"
			res := Calculate(tc.base, tc.facts, []*Rule{&r})

			if res.Total != tc.want {
				t.Errorf("Total = %d, want %d", res.Total, tc.want)
			}
			if len(res.Trace) != 1 {
				t.Fatalf("len(Trace) = %d, want 1", len(res.Trace))
			}
			if res.Trace[0].ValueBefore != tc.base || res.Trace[0].ValueAfter != tc.want {
				t.Errorf("Trace[0] = %+v, want before %d after %d", res.Trace[0], tc.base, tc.want)
			}
		})
	}
}

// TestCalculateOrdering verifies ascending priority with input order kept on ties
func TestCalculateOrdering(t *testing.T) {
	mk := func(id string, priority int) *Rule {
		return &Rule{ID: id, Priority: intPtr(priority), Kind: KindAdjustment, FixedValueCents: cents(1)}
	}

	res := Calculate(0, nil, []*Rule{mk("c", 3), mk("a1", 1), mk("b", 2), mk("a2", 1)})
	if got, want := traceIDs(res), []string{"a1", "a2", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trace order = %v, want %v", got, want)
	}

	res = Calculate(0, nil, []*Rule{mk("a2", 1), mk("a1", 1)})
	if got, want := traceIDs(res), []string{"a2", "a1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trace order for reversed input = %v, want %v", got, want)
	}

	res = Calculate(0, nil, []*Rule{mk("late", DefaultPriority), mk("early", 10)})
	if got, want := traceIDs(res), []string{"early", "late"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trace order with default priority = %v, want %v", got, want)
	}
}

// TestCalculateStopHaltsEvaluation verifies no rule runs after a stopping rule
func TestCalculateStopHaltsEvaluation(t *testing.T) {
	rules := []*Rule{
		{ID: "one", Priority: intPtr(1), Kind: KindAdjustment, FixedValueCents: cents(100)},
		{ID: "two", Priority: intPtr(2), Kind: KindAdjustment, FixedValueCents: cents(100), StopOnApply: true},
		{ID: "three", Priority: intPtr(2), Kind: KindAdjustment, FixedValueCents: cents(100)},
	}

	res := Calculate(0, nil, rules)

	if len(res.Trace) != 2 {
		t.Fatalf("len(Trace) = %d, want 2", len(res.Trace))
	}
	if !res.Trace[1].Stopped || res.Trace[0].Stopped {
		t.Errorf("Stopped flags = %v, %v; want false, true", res.Trace[0].Stopped, res.Trace[1].Stopped)
	}
	if res.Total != 200 {
		t.Errorf("Total = %d, want 200", res.Total)
	}
}

// TestCalculateStopOnlyWhenMatched verifies an unmatched stopping rule does not halt the pass
func TestCalculateStopOnlyWhenMatched(t *testing.T) {
	rules := []*Rule{
		{ID: "blocked", Priority: intPtr(1),
			Conditions: map[string]Condition{"bloqueado": Literal{Value: true}},
			Kind:       KindFixed, FixedValueCents: cents(0), StopOnApply: true},
		{ID: "floor", Priority: intPtr(2), Kind: KindMinimum, FixedValueCents: cents(500)},
	}

	res := Calculate(100, Facts{"bloqueado": false}, rules)

	if got, want := traceIDs(res), []string{"floor"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
	if res.Total != 500 {
		t.Errorf("Total = %d, want 500", res.Total)
	}
}

// TestCalculateSkipsInactive verifies inactive rules never reach the trace
func TestCalculateSkipsInactive(t *testing.T) {
	rules := []*Rule{
		{ID: "off", Active: boolPtr(false), Priority: intPtr(1), Kind: KindFixed, FixedValueCents: cents(1), StopOnApply: true},
		{ID: "on", Priority: intPtr(2), Kind: KindAdjustment, FixedValueCents: cents(10)},
		nil,
	}

	res := Calculate(0, Facts{}, rules)

	if got, want := traceIDs(res), []string{"on"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
}

// TestCalculateDefaults verifies a rule without an active flag runs and a rule
// without priority sorts as DefaultPriority
func TestCalculateDefaults(t *testing.T) {
	res := Calculate(100, Facts{}, []*Rule{{ID: "floor", Kind: KindMinimum, FixedValueCents: cents(500)}})
	if res.Total != 500 || len(res.Trace) != 1 {
		t.Errorf("Calculate() = %+v, want the unflagged rule applied", res)
	}

	res = Calculate(0, Facts{}, []*Rule{
		{ID: "unset", Kind: KindAdjustment, FixedValueCents: cents(1)},
		{ID: "p5", Priority: intPtr(5), Kind: KindAdjustment, FixedValueCents: cents(1)},
		{ID: "p999", Priority: intPtr(DefaultPriority), Kind: KindAdjustment, FixedValueCents: cents(1)},
		{ID: "p1000", Priority: intPtr(DefaultPriority + 1), Kind: KindAdjustment, FixedValueCents: cents(1)},
	})
	if got, want := traceIDs(res), []string{"p5", "unset", "p999", "p1000"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trace order = %v, want %v", got, want)
	}

	if !(&Rule{}).IsActive() || (&Rule{Active: boolPtr(false)}).IsActive() {
		t.Error("only an explicit false should deactivate a rule")
	}
}

// TestCalculateUnmatchedRuleLeavesNoTrace verifies skipped rules are silent
func TestCalculateUnmatchedRuleLeavesNoTrace(t *testing.T) {
	rules := []*Rule{
		{ID: "gold", Priority: intPtr(1),
			Conditions: map[string]Condition{"classificacao": Membership{Values: []any{"Ouro"}}},
			Kind:       KindFixed, FixedValueCents: cents(5000)},
	}

	res := Calculate(1200, Facts{"classificacao": "Prata"}, rules)

	if res.Total != 1200 || len(res.Trace) != 0 {
		t.Errorf("Calculate() = %+v, want total 1200 and empty trace", res)
	}
	if res.Trace == nil {
		t.Error("Trace should be an empty slice, not nil")
	}
}

// TestCalculateIsDeterministic verifies repeated runs give identical results
func TestCalculateIsDeterministic(t *testing.T) {
	rules := []*Rule{
		{ID: "p", Priority: intPtr(1), Kind: KindPercentage, Percentage: pct(12.5)},
		{ID: "adj", Priority: intPtr(2), Kind: KindAdjustment, FixedValueCents: cents(-100)},
		{ID: "min", Priority: intPtr(2), Kind: KindMinimum, FixedValueCents: cents(300)},
		{ID: "max", Priority: intPtr(3), Kind: KindMaximum, FixedValueCents: cents(2000)},
	}
	facts := Facts{"valorPlanoCentavos": 9990}

	first := Calculate(500, facts, rules)
	for i := 0; i < 10; i++ {
		if next := Calculate(500, facts, rules); !reflect.DeepEqual(first, next) {
			t.Fatalf("run %d = %+v, want %+v", i, next, first)
		}
	}
}

// TestCalculateDoesNotReorderInput verifies the caller's slice is left untouched
func TestCalculateDoesNotReorderInput(t *testing.T) {
	rules := []*Rule{
		{ID: "b", Priority: intPtr(2), Kind: KindAdjustment},
		{ID: "a", Priority: intPtr(1), Kind: KindAdjustment},
	}

	Calculate(0, nil, rules)

	if rules[0].ID != "b" || rules[1].ID != "a" {
		t.Errorf("input order changed: %s, %s", rules[0].ID, rules[1].ID)
	}
}

// TestCalculateMinMaxMonotonic checks over random rule sequences that
// minimum never lowers and maximum never raises the running total
func TestCalculateMinMaxMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		var rules []*Rule
		for i := 0; i < 1+rng.Intn(8); i++ {
			kind := KindMinimum
			if rng.Intn(2) == 0 {
				kind = KindMaximum
			}
			r := &Rule{ID: string(rune('a' + i)), Priority: intPtr(rng.Intn(4)), Kind: kind}
			if rng.Intn(5) > 0 {
				r.FixedValueCents = cents(rng.Int63n(10000))
			}
			rules = append(rules, r)
		}

		res := Calculate(rng.Int63n(10000), nil, rules)
		for _, e := range res.Trace {
			switch e.Kind {
			case KindMinimum:
				if e.ValueAfter < e.ValueBefore {
					t.Fatalf("minimum decreased total: %+v", e)
				}
			case KindMaximum:
				if e.ValueAfter > e.ValueBefore {
					t.Fatalf("maximum increased total: %+v", e)
				}
			}
		}
	}
}

func TestCalculateWithExpression(t *testing.T) {
	env, err := NewEnv("valorPlanoCentavos")
	if err != nil {
		t.Fatalf("NewEnv() failed: %v", err)
	}
	expr, err := CompileExpression(env, []string{"valorPlanoCentavos"}, `valorPlanoCentavos > 10000 && ctx.semTaxa == false`)
	if err != nil {
		t.Fatalf("CompileExpression() failed: %v", err)
	}

	rules := []*Rule{
		{ID: "big", Priority: intPtr(1), Expression: expr, Kind: KindAdjustment, FixedValueCents: cents(1000)},
	}

	res := Calculate(0, Facts{"valorPlanoCentavos": 20000, "semTaxa": false}, rules)
	if res.Total != 1000 {
		t.Errorf("Total = %d, want 1000", res.Total)
	}

	res = Calculate(0, Facts{"valorPlanoCentavos": 5000, "semTaxa": false}, rules)
	if res.Total != 0 || len(res.Trace) != 0 {
		t.Errorf("small plan should not match: %+v", res)
	}

	// The referenced field is missing, which fails evaluation and counts as no match.
	res = Calculate(0, Facts{"semTaxa": false}, rules)
	if len(res.Trace) != 0 {
		t.Errorf("missing field should not match: %+v", res)
	}
}
