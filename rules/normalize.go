package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/commission/internal/logger"
)

// BaseClassification in calc.base makes a fixed rule read the
// classification value from the context instead of its own value.
const BaseClassification = "classificacao"

var (
	valueKeys   = []string{"valueCents", "valorCentavos", "valor", "value"}
	percentKeys = []string{"percent", "percentual", "percentage", "porcentagem"}
)

// definition is the embedded rule document stored alongside each record.
type definition struct {
	When map[string]any `json:"when"`
	Calc map[string]any `json:"calc"`
	Stop any            `json:"stop"`
	Expr string         `json:"expr"`
}

// Normalizer turns persisted records into canonical rules, compiling any
// expression against its CEL environment.
type Normalizer struct {
	env    *cel.Env
	fields []string
}

// NewNormalizer creates a normalizer whose expressions only see `ctx`.
func NewNormalizer() (*Normalizer, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	return &Normalizer{env: env}, nil
}

// NewNormalizerWithEnv creates a normalizer for an environment built with
// NewEnv(fields...), so tenant schemas can expose their fields directly.
func NewNormalizerWithEnv(env *cel.Env, fields []string) *Normalizer {
	return &Normalizer{env: env, fields: fields}
}

// Normalize converts one record. A malformed definition is an error wrapping
// ErrInvalidRule; malformed numeric calc fields are left unset, which makes
// the rule a no-op when applied.
func (n *Normalizer) Normalize(rec *Record) (*Rule, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRule)
	}

	def, err := decodeDefinition(rec.Definition)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rec.ID, err)
	}

	active := rec.Active
	priority := DefaultPriority
	if rec.Priority != nil {
		priority = *rec.Priority
	}
	r := &Rule{
		ID:         rec.ID,
		Name:       rec.Name,
		Active:     &active,
		Priority:   &priority,
		Conditions: make(map[string]Condition, len(def.When)),
		UpdatedAt:  rec.UpdatedAt,
	}

	for field, raw := range def.When {
		if field == "" {
			return nil, fmt.Errorf("rule %s: %w: condition with empty field name", rec.ID, ErrInvalidRule)
		}
		cond, unknown := ParseCondition(raw)
		if len(unknown) > 0 {
			logger.Warn("ignoring unknown condition operators", "ruleId", rec.ID, "field", field, "operators", unknown)
		}
		r.Conditions[field] = cond
	}

	if strings.TrimSpace(def.Expr) != "" {
		expr, err := CompileExpression(n.env, n.fields, def.Expr)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rec.ID, err)
		}
		r.Expression = expr
	}

	calcType, _ := def.Calc["type"].(string)
	r.Kind = ParseKind(calcType)
	if !r.Kind.Known() {
		logger.Debug("rule has unknown calc type", "ruleId", rec.ID, "type", calcType)
	}

	if raw, key, ok := firstPresent(def.Calc, valueKeys); ok {
		cents, err := ParseCents(raw)
		if err != nil {
			logger.Warn("rule value is not numeric, rule will not change totals", "ruleId", rec.ID, "field", key, "error", err)
		} else {
			r.FixedValueCents = &cents
		}
	}

	if raw, key, ok := firstPresent(def.Calc, percentKeys); ok {
		pct, err := ParsePercent(raw)
		if err != nil {
			logger.Warn("rule percentage is not numeric, rule will not change totals", "ruleId", rec.ID, "field", key, "error", err)
		} else {
			r.Percentage = &pct
		}
	}

	if base, ok := def.Calc["base"].(string); ok && strings.EqualFold(base, BaseClassification) {
		r.SourceIsClassification = true
	}

	r.StopOnApply = truthy(def.Stop)
	if stop, ok := def.Calc["stop"]; ok && def.Stop == nil {
		r.StopOnApply = truthy(stop)
	}

	return r, nil
}

// NormalizeAll converts records, skipping (and logging) those that fail.
func (n *Normalizer) NormalizeAll(recs []*Record) []*Rule {
	out := make([]*Rule, 0, len(recs))
	for _, rec := range recs {
		r, err := n.Normalize(rec)
		if err != nil {
			id := ""
			if rec != nil {
				id = rec.ID
			}
			logger.WarnSkippedRule(id, err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// decodeDefinition accepts an object, a JSON string holding an object, or
// nothing at all.
func decodeDefinition(raw json.RawMessage) (*definition, error) {
	def := &definition{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return def, nil
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		raw = bytes.TrimSpace([]byte(inner))
		if len(raw) == 0 {
			return def, nil
		}
	}

	if err := json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("%w: malformed definition: %v", ErrInvalidRule, err)
	}
	return def, nil
}

func firstPresent(m map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, "", false
}
