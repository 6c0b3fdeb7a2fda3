package expressions

import (
	"encoding/json"

	"github.com/rendis/procflow/pkg/schema"
)

// Top-level scope keys visible to every expression language.
const (
	ScopeVars    = "vars"
	ScopeProcess = "process"
)

// NewScope builds the evaluation scope for a process instance. Variables are
// deep-copied so an expression can never mutate instance state.
func NewScope(pi *schema.ProcessInstance) map[string]any {
	vars := deepCopyMap(pi.Variables)
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		ScopeVars: vars,
		ScopeProcess: map[string]any{
			"id":             pi.ID,
			"definition_id":  pi.DefinitionID,
			"definition_key": pi.DefinitionKey,
			"business_key":   pi.BusinessKey,
			"starter":        pi.Starter,
		},
	}
}

// MergeVariables returns base overlaid with update; neither input is modified.
func MergeVariables(base, update map[string]any) map[string]any {
	out := deepCopyMap(base)
	if out == nil {
		out = make(map[string]any, len(update))
	}
	for k, v := range update {
		out[k] = deepCopyAny(v)
	}
	return out
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps, slices and raw JSON.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
