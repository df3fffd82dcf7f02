package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/commission/internal/logger"
)

// ContextVariable is the CEL variable holding the whole fact map.
const ContextVariable = "ctx"

// Expression is a compiled CEL predicate over the facts.
type Expression struct {
	Source string
	prog   cel.Program
	fields []string
}

// NewEnv creates a CEL environment exposing the fact map as `ctx` and each of
// fields as a dynamically typed top-level variable.
func NewEnv(fields ...string) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable(ContextVariable, cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	}
	for _, f := range fields {
		if f == ContextVariable {
			continue
		}
		opts = append(opts, cel.Variable(f, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompileExpression compiles source against env. Evaluation cost is capped at 1,000,000.
func CompileExpression(env *cel.Env, fields []string, source string) (*Expression, error) {
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile error: %v", ErrInvalidRule, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must be boolean, got %s", ErrInvalidRule, out)
	}

	prog, err := env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("%w: program creation error: %v", ErrInvalidRule, err)
	}

	return &Expression{Source: source, prog: prog, fields: fields}, nil
}

// Match evaluates the expression. Evaluation errors (for example a
// referenced field missing from facts) and non-boolean results are a non-match.
func (e *Expression) Match(facts Facts) bool {
	activation := make(map[string]any, len(e.fields)+1)
	activation[ContextVariable] = map[string]any(facts)
	for _, f := range e.fields {
		if v, ok := facts[f]; ok {
			activation[f] = v
		}
	}

	out, _, err := e.prog.Eval(activation)
	if err != nil {
		logger.Debug("rule expression evaluation failed", "expression", e.Source, "error", err)
		return false
	}

	matched, ok := out.Value().(bool)
	return ok && matched
}
