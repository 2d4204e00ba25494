package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// evaluateCondition runs a condition expression against the run context.
// An empty expression passes: such conditions gate purely on their wait_for
// signal. The expression must produce a boolean.
func evaluateCondition(expression string, runContext map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	env := runContext
	if env == nil {
		env = map[string]any{}
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("invalid condition expression: %w", err)
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition expression produced %T, want bool", output)
	}

	return result, nil
}
