package validation

import "github.com/rendis/procflow/pkg/schema"

// ProcessValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, scopes, gateways, expressions)
// 3. Graph (reachability per scope)
type ProcessValidator struct {
	schemas *SchemaValidator
	checker ExpressionChecker
}

// NewProcessValidator creates a ProcessValidator.
// checker may be nil to skip expression compilation.
func NewProcessValidator(checker ExpressionChecker) (*ProcessValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ProcessValidator{schemas: sv, checker: checker}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (pv *ProcessValidator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", "process definition is nil")
		return r
	}

	result := validateStructural(pv.schemas, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, pv.checker))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (pv *ProcessValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	return pv.Validate(def).ToError()
}

// ValidateInput checks start variables against a definition input_schema.
func (pv *ProcessValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return pv.schemas.ValidateInput(input, inputSchema)
}

func validateStructural(v *SchemaValidator, def *schema.ProcessDefinition) *schema.ValidationResult {
	return &schema.ValidationResult{Errors: v.CheckDefinition(def)}
}
