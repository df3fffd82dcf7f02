package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ErrNotNumeric is returned by the numeric field parsers.
var ErrNotNumeric = errors.New("not a finite number")

// undefined marks a fact key that is absent from the context. It is distinct
// from a present key holding nil.
type undefined struct{}

func lookup(facts Facts, field string) any {
	v, ok := facts[field]
	if !ok {
		return undefined{}
	}
	return v
}

func isUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// asNumber reports v as float64 when it is a Go numeric value.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// coerceNumber is asNumber extended to numeric strings, the way relational
// comparisons against a number coerce their operand.
func coerceNumber(v any) (float64, bool) {
	if f, ok := asNumber(v); ok {
		return f, !math.IsNaN(f)
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// strictEqual compares without type coercion. All numeric kinds compare as
// numbers; composite values never compare equal.
func strictEqual(a, b any) bool {
	if isUndefined(a) || isUndefined(b) {
		return isUndefined(a) && isUndefined(b)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := asNumber(a); ok {
		fb, ok := asNumber(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	ta := reflect.TypeOf(a)
	if !ta.Comparable() || ta != reflect.TypeOf(b) {
		return false
	}
	return a == b
}

// compare orders a against b. Two strings compare lexicographically, anything
// else numerically; ok is false when the pair is not comparable.
func compare(a, b any) (cmp int, ok bool) {
	if as, isStr := a.(string); isStr {
		if bs, isStr := b.(string); isStr {
			return strings.Compare(as, bs), true
		}
	}
	fa, ok := coerceNumber(a)
	if !ok {
		return 0, false
	}
	fb, ok := coerceNumber(b)
	if !ok {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

func stringify(v any) string {
	if isUndefined(v) || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := asNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if strictEqual(item, v) {
			return true
		}
	}
	return false
}

// ParseCents parses a persisted monetary field into integer cents.
// Numbers and numeric strings are accepted; fractional cents are rounded.
func ParseCents(v any) (int64, error) {
	f, ok := coerceNumber(v)
	if !ok || !isFinite(f) {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	}
	return int64(math.Round(f)), nil
}

// ParsePercent parses a persisted percentage field.
func ParsePercent(v any) (float64, error) {
	f, ok := coerceNumber(v)
	if !ok || !isFinite(f) {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	}
	return f, nil
}

// factCents reads a monetary fact. Only real numbers count; strings do not.
func factCents(facts Facts, field string) (int64, bool) {
	f, ok := asNumber(lookup(facts, field))
	if !ok || !isFinite(f) {
		return 0, false
	}
	return int64(math.Round(f)), true
}

// planValueCents reads the plan value, treating absent and falsy values as 0.
// ok is false when a value is present but not numeric.
func planValueCents(facts Facts) (int64, bool) {
	v := lookup(facts, FactPlanValueCents)
	switch x := v.(type) {
	case undefined, nil:
		return 0, true
	case bool:
		if !x {
			return 0, true
		}
		return 0, false
	case string:
		if x == "" {
			return 0, true
		}
	}
	f, ok := coerceNumber(v)
	if !ok || !isFinite(f) {
		return 0, false
	}
	return int64(math.Round(f)), true
}
