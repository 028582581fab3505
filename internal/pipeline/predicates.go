package pipeline

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celCostLimit stops runaway rule expressions.
const celCostLimit = 1000000

// newPredicateEnv declares the three documents a rule or handoff predicate may read.
func newPredicateEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("derived", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compilePredicate(env *cel.Env, expression string) (cel.Program, error) {
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// evalPredicate treats non-boolean results as false. A missing key is an
// evaluation error, which callers also treat as false.
func evalPredicate(prog cel.Program, r *Run) (bool, error) {
	out, _, err := prog.Eval(map[string]interface{}{
		"input":   r.Input,
		"output":  nonNil(r.Output),
		"derived": r.Derived,
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
