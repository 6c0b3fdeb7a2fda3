package validation

import (
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot: unique IDs, references,
// scope rules, gateway constraints and expression syntax.
func validateSemantic(def *schema.ProcessDefinition, checker ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	activities := make(map[string]*schema.ActivityDefinition, len(def.Activities))
	for i := range def.Activities {
		a := &def.Activities[i]
		path := fmt.Sprintf("activities[%d]", i)
		if _, dup := activities[a.ID]; dup {
			result.AddError(path+".id", fmt.Sprintf("duplicate activity id %q", a.ID))
			continue
		}
		activities[a.ID] = a
	}

	for i := range def.Activities {
		validateActivity(&def.Activities[i], fmt.Sprintf("activities[%d]", i), activities, checker, result)
	}

	flowIDs := make(map[string]bool, len(def.Flows))
	outgoing := make(map[string][]*schema.SequenceFlow)
	incoming := make(map[string]int)
	for i := range def.Flows {
		f := &def.Flows[i]
		path := fmt.Sprintf("flows[%d]", i)
		if flowIDs[f.ID] {
			result.AddError(path+".id", fmt.Sprintf("duplicate flow id %q", f.ID))
		}
		flowIDs[f.ID] = true

		src, okSrc := activities[f.Source]
		dst, okDst := activities[f.Target]
		if !okSrc {
			result.AddError(path+".source", fmt.Sprintf("references non-existent activity %q", f.Source))
		}
		if !okDst {
			result.AddError(path+".target", fmt.Sprintf("references non-existent activity %q", f.Target))
		}
		if !okSrc || !okDst {
			continue
		}
		if src.Parent != dst.Parent {
			result.AddError(path,
				fmt.Sprintf("flow %q crosses scopes: %q is in %q, %q is in %q",
					f.ID, src.ID, scopeName(src.Parent), dst.ID, scopeName(dst.Parent)))
		}
		if f.Condition != "" {
			if src.Type != schema.ActivityExclusiveGateway {
				result.AddError(path+".condition",
					fmt.Sprintf("only exclusive gateway flows may carry conditions, %q is a %s", src.ID, src.Type))
			} else if checker != nil {
				if err := checker.Check(f.Language, f.Condition); err != nil {
					result.AddError(path+".condition", err.Error())
				}
			}
		}
		if f.Default && src.Type != schema.ActivityExclusiveGateway {
			result.AddError(path+".default",
				fmt.Sprintf("only exclusive gateway flows may be default, %q is a %s", src.ID, src.Type))
		}
		outgoing[f.Source] = append(outgoing[f.Source], f)
		incoming[f.Target]++
	}

	starts := make(map[string]int)
	for i := range def.Activities {
		a := &def.Activities[i]
		path := fmt.Sprintf("activities[%d]", i)
		out := outgoing[a.ID]

		switch a.Type {
		case schema.ActivityStartEvent:
			starts[a.Parent]++
			if incoming[a.ID] > 0 {
				result.AddError(path, fmt.Sprintf("start event %q has incoming flows", a.ID))
			}
			if len(out) != 1 {
				result.AddError(path, fmt.Sprintf("start event %q must have exactly one outgoing flow", a.ID))
			}
		case schema.ActivityEndEvent:
			if len(out) > 0 {
				result.AddError(path, fmt.Sprintf("end event %q has outgoing flows", a.ID))
			}
		case schema.ActivityExclusiveGateway:
			validateExclusive(a, out, path, result)
		case schema.ActivityParallelGateway:
			if len(out) == 0 {
				result.AddError(path, fmt.Sprintf("parallel gateway %q has no outgoing flows", a.ID))
			}
		default:
			if len(out) != 1 {
				result.AddError(path,
					fmt.Sprintf("%s %q must have exactly one outgoing flow, has %d", a.Type, a.ID, len(out)))
			}
		}
	}

	scopes := []string{""}
	for _, a := range def.Activities {
		if a.Type == schema.ActivitySubProcess {
			scopes = append(scopes, a.ID)
		}
	}
	for _, scope := range scopes {
		if starts[scope] != 1 {
			result.AddError("activities",
				fmt.Sprintf("%s must have exactly one start event, has %d", scopeName(scope), starts[scope]))
		}
	}

	return result
}

func validateActivity(a *schema.ActivityDefinition, path string, activities map[string]*schema.ActivityDefinition, checker ExpressionChecker, result *schema.ValidationResult) {
	if a.Parent != "" {
		parent, ok := activities[a.Parent]
		switch {
		case !ok:
			result.AddError(path+".parent", fmt.Sprintf("references non-existent activity %q", a.Parent))
		case parent.Type != schema.ActivitySubProcess:
			result.AddError(path+".parent", fmt.Sprintf("parent %q is a %s, not a subProcess", a.Parent, parent.Type))
		case nestsIn(activities, a.Parent, a.ID):
			result.AddError(path+".parent", fmt.Sprintf("subProcess nesting of %q is circular", a.ID))
		}
	}

	if a.Assignee != "" {
		if a.Type != schema.ActivityUserTask {
			result.AddError(path+".assignee",
				fmt.Sprintf("only user tasks take an assignee, %q is a %s", a.ID, a.Type))
		} else if checker != nil {
			if err := checker.Check("jq", a.Assignee); err != nil {
				result.AddError(path+".assignee", err.Error())
			}
		}
	}
}

func validateExclusive(a *schema.ActivityDefinition, out []*schema.SequenceFlow, path string, result *schema.ValidationResult) {
	if len(out) == 0 {
		result.AddError(path, fmt.Sprintf("exclusive gateway %q has no outgoing flows", a.ID))
		return
	}
	defaults := 0
	for _, f := range out {
		if f.Default {
			defaults++
			if f.Condition != "" {
				result.AddError(path, fmt.Sprintf("default flow %q must not carry a condition", f.ID))
			}
			continue
		}
		if f.Condition == "" && len(out) > 1 {
			result.AddError(path,
				fmt.Sprintf("flow %q out of exclusive gateway %q needs a condition or default", f.ID, a.ID))
		}
	}
	if defaults > 1 {
		result.AddError(path, fmt.Sprintf("exclusive gateway %q has %d default flows", a.ID, defaults))
	}
	if defaults == 0 && len(out) > 1 {
		result.AddWarning(path,
			fmt.Sprintf("exclusive gateway %q has no default flow; a token stops there when no condition holds", a.ID))
	}
}

// nestsIn reports whether walking up from start through Parent links reaches target.
func nestsIn(activities map[string]*schema.ActivityDefinition, start, target string) bool {
	seen := make(map[string]bool)
	for id := start; id != ""; {
		if id == target || seen[id] {
			return true
		}
		seen[id] = true
		a, ok := activities[id]
		if !ok {
			return false
		}
		id = a.Parent
	}
	return false
}

func scopeName(parent string) string {
	if parent == "" {
		return "process scope"
	}
	return fmt.Sprintf("subProcess %q", parent)
}
