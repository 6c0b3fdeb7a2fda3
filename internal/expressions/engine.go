package expressions

import "context"

// Engine evaluates expressions against a process instance scope.
// Three implementations: CEL (flow conditions, default), Expr (flow conditions),
// GoJQ (assignee selection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it. Used at deploy time.
	Check(expression string) error
}
