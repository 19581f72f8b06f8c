package expressions

import "context"

// Engine evaluates expressions against run state.
// Three implementations: CEL (condition gates), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
