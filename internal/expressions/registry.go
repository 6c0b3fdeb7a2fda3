package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// Language names accepted in process definitions.
const (
	LangCEL  = "cel"
	LangExpr = "expr"
	LangJQ   = "jq"
)

// Registry selects an Engine by language name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry creates a registry holding the CEL, Expr and GoJQ engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Registry{engines: map[string]Engine{
		LangCEL:  celEngine,
		LangExpr: NewExprEngine(),
		LangJQ:   NewGoJQEngine(),
	}}, nil
}

// Get returns the engine for lang. An empty lang selects CEL.
func (r *Registry) Get(lang string) (Engine, error) {
	if lang == "" {
		lang = LangCEL
	}
	e, ok := r.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", lang)
	}
	return e, nil
}

// Check compiles expression in lang.
func (r *Registry) Check(lang, expression string) error {
	e, err := r.Get(lang)
	if err != nil {
		return err
	}
	return e.Check(expression)
}

// EvalBool evaluates a flow condition. Non-boolean results are an execution error.
func (r *Registry) EvalBool(ctx context.Context, lang, expression string, scope map[string]any) (bool, error) {
	e, err := r.Get(lang)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "language": e.Name()})
	}
	return b, nil
}

// EvalString evaluates a jq assignee expression. A null result yields "".
func (r *Registry) EvalString(ctx context.Context, expression string, scope map[string]any) (string, error) {
	e, err := r.Get(LangJQ)
	if err != nil {
		return "", err
	}
	out, err := e.Evaluate(ctx, expression, scope)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"assignee expression %q returned %T, want string", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
}
