package rules

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultPriority is assigned to rules persisted without a priority, placing them last.
const DefaultPriority = 999

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
	ErrInvalidRule  = errors.New("invalid rule")
)

// Facts is the flat key/value context describing one transaction
// (payment flags, classification tier, monetary figures in cents).
// The engine never mutates it.
type Facts map[string]any

// Well-known fact keys read by the calculator.
const (
	FactPlanValueCents           = "valorPlanoCentavos"
	FactClassificationValueCents = "valorClassificacaoCentavos"
	FactClassification           = "classificacao"
	FactBlocked                  = "bloqueado"
	FactNoFee                    = "semTaxa"
)

// Kind selects how a matched rule transforms the running total.
type Kind string

const (
	KindFixed      Kind = "fixed"
	KindPercentage Kind = "percentage"
	KindAdjustment Kind = "adjustment"
	KindMinimum    Kind = "minimum"
	KindMaximum    Kind = "maximum"
)

// ParseKind maps a persisted calc type onto a Kind. Names are accepted in
// Portuguese and English; an empty name defaults to adjustment. Unknown names
// are kept verbatim so they show up in the trace as pass-through rules.
func ParseKind(raw string) Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return KindAdjustment
	case "fixo", "fixed":
		return KindFixed
	case "percentual", "porcentagem", "percentage", "percent":
		return KindPercentage
	case "ajuste", "adjustment":
		return KindAdjustment
	case "minimo", "mínimo", "minimum", "min":
		return KindMinimum
	case "maximo", "máximo", "maximum", "max":
		return KindMaximum
	default:
		return Kind(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// Known reports whether the calculator has an effect for k.
func (k Kind) Known() bool {
	switch k {
	case KindFixed, KindPercentage, KindAdjustment, KindMinimum, KindMaximum:
		return true
	}
	return false
}

// Record is a rule as persisted by a RuleStore, before normalization.
// Definition holds the embedded rule document ({when, calc, stop, expr}),
// either as a JSON object or as a JSON string containing one.
type Record struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Active     bool            `json:"active"`
	Priority   *int            `json:"priority,omitempty"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Rule is the canonical, normalized commission rule consumed by Calculate.
// Rules are read-only once loaded.
type Rule struct {
	ID   string
	Name string
	// Active is nil for rules that never set it; only an explicit false
	// disables a rule.
	Active *bool
	// Priority is nil when unset and then sorts as DefaultPriority.
	Priority   *int
	Conditions map[string]Condition
	// Expression is an optional CEL predicate ANDed with Conditions.
	Expression *Expression

	Kind                   Kind
	FixedValueCents        *int64
	Percentage             *float64
	StopOnApply            bool
	SourceIsClassification bool

	UpdatedAt time.Time
}

// IsActive reports whether r takes part in calculations.
func (r *Rule) IsActive() bool {
	return r.Active == nil || *r.Active
}

// EffectivePriority returns the priority used for ordering.
func (r *Rule) EffectivePriority() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

// TraceEntry records one matched-and-applied rule.
type TraceEntry struct {
	RuleID      string `json:"ruleId"`
	RuleName    string `json:"ruleName"`
	Kind        Kind   `json:"kind"`
	ValueBefore int64  `json:"valueBefore"`
	ValueAfter  int64  `json:"valueAfter"`
	Stopped     bool   `json:"stopped"`
}

// Result is the outcome of a calculation pass.
type Result struct {
	Total int64        `json:"total"`
	Trace []TraceEntry `json:"trace"`
}
