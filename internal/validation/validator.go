package validation

import "github.com/rendis/procflow/pkg/schema"

// Validator checks process definitions before deployment and start variables
// before an instance is created. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.ProcessDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ExpressionChecker compiles an expression without running it.
// *expressions.Registry satisfies it.
type ExpressionChecker interface {
	Check(lang, expression string) error
}
