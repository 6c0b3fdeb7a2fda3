package diagram

import (
	"fmt"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Build constructs a DiagramModel from a ProcessDefinition and, optionally,
// the activity instances of one process instance. The definition is checked
// with engine.BuildGraph first so only deployable definitions are drawn.
func Build(def *schema.ProcessDefinition, instances []*store.ActivityInstance) (*DiagramModel, error) {
	if _, err := engine.BuildGraph(def); err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	overlay := buildOverlay(instances)

	// Group activities and flows by scope, keeping definition order.
	byScope := make(map[string][]*schema.ActivityDefinition)
	scopeOf := make(map[string]string, len(def.Activities))
	for i := range def.Activities {
		a := &def.Activities[i]
		byScope[a.Parent] = append(byScope[a.Parent], a)
		scopeOf[a.ID] = a.Parent
	}
	flows := make(map[string][]Edge)
	for _, f := range def.Flows {
		scope := scopeOf[f.Source]
		flows[scope] = append(flows[scope], Edge{From: f.Source, To: f.Target, Label: flowLabel(f)})
	}

	var build func(scope string) ([]*Node, []Edge)
	build = func(scope string) ([]*Node, []Edge) {
		nodes := make([]*Node, 0, len(byScope[scope]))
		for _, a := range byScope[scope] {
			n := &Node{ID: a.ID, Label: nodeLabel(a), Kind: kindOf(a.Type), Status: overlay[a.ID]}
			if a.Type == schema.ActivitySubProcess {
				childNodes, childEdges := build(a.ID)
				n.Child = &SubGraph{Label: n.Label, Nodes: childNodes, Edges: childEdges}
			}
			nodes = append(nodes, n)
		}
		return nodes, flows[scope]
	}

	nodes, edges := build("")
	return &DiagramModel{Title: titleFromDef(def), Nodes: nodes, Edges: edges}, nil
}

// buildOverlay keeps, per activity, the state of the instance with the
// highest sequence.
func buildOverlay(instances []*store.ActivityInstance) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	latest := make(map[string]int64)
	for _, ai := range instances {
		if ai.ActivityType == schema.ActivityProcess {
			continue
		}
		o, ok := out[ai.ActivityID]
		if !ok {
			o = &StatusOverlay{}
			out[ai.ActivityID] = o
		}
		o.Instances++
		if ai.State == schema.ActivityStateCanceled {
			o.Canceled++
		}
		if seq, seen := latest[ai.ActivityID]; !seen || ai.Sequence > seq {
			latest[ai.ActivityID] = ai.Sequence
			o.Status = string(ai.State)
		}
	}
	return out
}

func kindOf(t schema.ActivityType) NodeKind {
	switch t {
	case schema.ActivityStartEvent:
		return NodeKindStart
	case schema.ActivityEndEvent:
		return NodeKindEnd
	case schema.ActivityUserTask:
		return NodeKindUserTask
	case schema.ActivityExclusiveGateway:
		return NodeKindExclusive
	case schema.ActivityParallelGateway:
		return NodeKindParallel
	case schema.ActivitySubProcess:
		return NodeKindSubProcess
	default:
		return NodeKindTask
	}
}

func nodeLabel(a *schema.ActivityDefinition) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func flowLabel(f schema.SequenceFlow) string {
	switch {
	case f.Condition != "":
		return f.Condition
	case f.Default:
		return "default"
	default:
		return ""
	}
}

func titleFromDef(def *schema.ProcessDefinition) string {
	switch {
	case def.Name != "":
		return def.Name
	case def.ID != "":
		return def.ID
	case def.Key != "":
		return def.Key
	default:
		return "Process"
	}
}
