package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/procflow/pkg/schema"
)

// validateGraph runs reachability analysis per scope: every activity must be
// reachable from its scope's start event (BFS over flows), and every activity
// should be able to reach an end event (BFS over reversed flows). Loops are
// allowed; process graphs are not DAGs.
func validateGraph(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	forward := make(map[string][]string, len(def.Activities))
	reverse := make(map[string][]string, len(def.Activities))
	for _, f := range def.Flows {
		forward[f.Source] = append(forward[f.Source], f.Target)
		reverse[f.Target] = append(reverse[f.Target], f.Source)
	}

	byScope := make(map[string][]schema.ActivityDefinition)
	for _, a := range def.Activities {
		byScope[a.Parent] = append(byScope[a.Parent], a)
	}

	scopes := make([]string, 0, len(byScope))
	for s := range byScope {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	for _, scope := range scopes {
		members := byScope[scope]
		var starts, ends []string
		for _, a := range members {
			switch a.Type {
			case schema.ActivityStartEvent:
				starts = append(starts, a.ID)
			case schema.ActivityEndEvent:
				ends = append(ends, a.ID)
			}
		}
		if len(starts) != 1 {
			continue // reported by the semantic stage
		}

		reachable := bfs(starts, forward)
		for _, a := range members {
			if !reachable[a.ID] {
				result.AddError(fmt.Sprintf("activities[%s]", a.ID),
					fmt.Sprintf("activity %q is unreachable from the start event of the %s", a.ID, scopeName(scope)))
			}
		}

		if len(ends) == 0 {
			result.AddError("activities",
				fmt.Sprintf("%s has no end event", scopeName(scope)))
			continue
		}
		canFinish := bfs(ends, reverse)
		for _, a := range members {
			if reachable[a.ID] && !canFinish[a.ID] {
				result.AddWarning(fmt.Sprintf("activities[%s]", a.ID),
					fmt.Sprintf("no end event is reachable from activity %q", a.ID))
			}
		}
	}

	return result
}

func bfs(roots []string, edges map[string][]string) map[string]bool {
	seen := make(map[string]bool, len(edges))
	queue := make([]string, len(roots))
	copy(queue, roots)
	for _, r := range roots {
		seen[r] = true
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
