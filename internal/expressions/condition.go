package expressions

import (
	"context"
	"strings"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// ConditionEvaluator routes `when` gate expressions to an engine and coerces
// the result to a boolean. CEL is the default; an "expr:" prefix selects the
// expr-lang engine.
type ConditionEvaluator struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditionEvaluator creates an evaluator with both engines ready.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{
		cel:  celEng,
		expr: NewExprEngine(),
	}, nil
}

// EvalBool evaluates a condition gate against the given data.
// An empty expression is vacuously true.
func (c *ConditionEvaluator) EvalBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}

	var (
		out any
		err error
	)
	if rest, ok := strings.CutPrefix(expression, "expr:"); ok {
		out, err = c.expr.Evaluate(ctx, strings.TrimSpace(rest), data)
	} else {
		out, err = c.cel.Evaluate(ctx, expression, data)
	}
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q did not evaluate to a boolean (got %T)", expression, out)
	}
	return b, nil
}
