package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates Common Expression Language conditions. It is the
// language a flow condition gets when none is named.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares the two scope
// maps built by NewScope, vars and process, both map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	scopeType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(ScopeVars, scopeType),
		cel.Variable(ScopeProcess, scopeType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache("CEL", e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return LangCEL }

func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", "compile", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", "program", expression, err)
	}
	return prg, nil
}

// celActivation binds both scope maps, empty when absent, since CEL rejects
// unbound variables.
func celActivation(data map[string]any) map[string]any {
	activation := map[string]any{ScopeVars: map[string]any{}, ScopeProcess: map[string]any{}}
	for key := range activation {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
