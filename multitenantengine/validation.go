package multitenantengine

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/liamcoop/commission/rules"
)

var (
	// ErrInvalidSchema is returned when a schema definition is rejected
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrInvalidFacts is returned when a fact does not have its declared type
	ErrInvalidFacts = errors.New("invalid facts")
)

const maxSchemaFields = 200

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema declares the typed fields a tenant's calculation context may carry,
// mapping field name to type name. Facts not named here are still accepted.
type Schema map[string]string

// Fields returns the declared field names in sorted order.
func (s Schema) Fields() []string {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ValidateSchema validates a schema definition.
// An empty schema is valid: the tenant then relies on the ctx map only.
func ValidateSchema(schema Schema) error {
	if len(schema) > maxSchemaFields {
		return fmt.Errorf("%w: schema contains %d fields, maximum allowed is %d", ErrInvalidSchema, len(schema), maxSchemaFields)
	}

	for _, fieldName := range schema.Fields() {
		typeName := schema[fieldName]

		if err := validateIdentifier(fieldName); err != nil {
			return fmt.Errorf("%w: invalid field name %q: %v", ErrInvalidSchema, fieldName, err)
		}

		if typeName == "" {
			return fmt.Errorf("%w: field %q has empty type name", ErrInvalidSchema, fieldName)
		}

		if strings.TrimSpace(typeName) != typeName {
			return fmt.Errorf("%w: field %q has type with leading/trailing whitespace: %q", ErrInvalidSchema, fieldName, typeName)
		}

		if !isValidFieldType(typeName) {
			return fmt.Errorf("%w: field %q has invalid type %q (must be one of: int, int64, float64, string, bool)", ErrInvalidSchema, fieldName, typeName)
		}
	}

	return nil
}

// validateIdentifier checks a field name is a usable CEL variable:
// 1-100 characters matching ^[a-zA-Z_][a-zA-Z0-9_]*$, not a reserved word.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}

	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// isValidFieldType reports whether typeName is a supported fact type.
// Type names are case-sensitive.
func isValidFieldType(typeName string) bool {
	switch typeName {
	case "int", "int64", "float64", "string", "bool":
		return true
	}
	return false
}

// isReservedKeyword checks if a name is a CEL reserved keyword or the ctx variable
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// Boolean and null literals
		"true":  true,
		"false": true,
		"null":  true,
		// Control flow
		"if":       true,
		"else":     true,
		"for":      true,
		"while":    true,
		"break":    true,
		"continue": true,
		"return":   true,
		// Declarations
		"var":      true,
		"let":      true,
		"const":    true,
		"function": true,
		// Other keywords
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
		// Whole fact map
		rules.ContextVariable: true,
	}

	return reservedKeywords[name]
}

// CheckFacts verifies every declared field present in facts has the declared
// type. Absent and null facts pass; matching treats them as missing.
func (s Schema) CheckFacts(facts rules.Facts) error {
	for _, field := range s.Fields() {
		v, ok := facts[field]
		if !ok || v == nil {
			continue
		}
		if !hasType(v, s[field]) {
			return fmt.Errorf("%w: field %q must be %s, got %T", ErrInvalidFacts, field, s[field], v)
		}
	}
	return nil
}

func hasType(v any, typeName string) bool {
	switch typeName {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "float64":
		_, ok := number(v)
		return ok
	case "int", "int64":
		f, ok := number(v)
		return ok && f == math.Trunc(f)
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	}
	return 0, false
}
