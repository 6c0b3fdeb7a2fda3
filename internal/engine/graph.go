package engine

import (
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// Graph is the indexed, immutable form of a deployed process definition.
// Each subProcess opens a scope; the process itself is the scope "".
type Graph struct {
	Definition *schema.ProcessDefinition

	activities map[string]*schema.ActivityDefinition
	outgoing   map[string][]*schema.SequenceFlow
	incoming   map[string][]*schema.SequenceFlow
	starts     map[string]string // scope -> start event id
}

// BuildGraph indexes def and verifies that every flow references known
// activities, that each scope has exactly one start event and that every
// activity is reachable from its scope's start event.
func BuildGraph(def *schema.ProcessDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}

	g := &Graph{
		Definition: def,
		activities: make(map[string]*schema.ActivityDefinition, len(def.Activities)),
		outgoing:   make(map[string][]*schema.SequenceFlow),
		incoming:   make(map[string][]*schema.SequenceFlow),
		starts:     make(map[string]string),
	}

	for i := range def.Activities {
		a := &def.Activities[i]
		if _, dup := g.activities[a.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate activity id %q", a.ID)
		}
		g.activities[a.ID] = a
	}

	for i := range def.Activities {
		a := &def.Activities[i]
		if a.Parent != "" {
			p, ok := g.activities[a.Parent]
			if !ok || p.Type != schema.ActivitySubProcess {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"activity %q has parent %q which is not a subProcess", a.ID, a.Parent)
			}
			if len(g.ScopeChain(a.ID)) >= len(g.activities) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "subProcess nesting of %q is circular", a.ID)
			}
		}
		if a.Type == schema.ActivityStartEvent {
			if prev, dup := g.starts[a.Parent]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"%s has two start events: %q and %q", scopeLabel(a.Parent), prev, a.ID)
			}
			g.starts[a.Parent] = a.ID
		}
	}

	for i := range def.Flows {
		f := &def.Flows[i]
		src, okSrc := g.activities[f.Source]
		dst, okDst := g.activities[f.Target]
		if !okSrc || !okDst {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"flow %q references unknown activity", f.ID).
				WithDetails(map[string]any{"source": f.Source, "target": f.Target})
		}
		if src.Parent != dst.Parent {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "flow %q crosses scopes", f.ID)
		}
		g.outgoing[f.Source] = append(g.outgoing[f.Source], f)
		g.incoming[f.Target] = append(g.incoming[f.Target], f)
	}

	if _, ok := g.starts[""]; !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "process scope has no start event")
	}
	for id, a := range g.activities {
		if a.Type == schema.ActivitySubProcess {
			if _, ok := g.starts[id]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s has no start event", scopeLabel(id))
			}
		}
	}

	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkReachability runs a BFS from every scope's start event.
func (g *Graph) checkReachability() error {
	visited := make(map[string]bool, len(g.activities))
	for _, start := range g.starts {
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, f := range g.outgoing[cur] {
				if !visited[f.Target] {
					visited[f.Target] = true
					queue = append(queue, f.Target)
				}
			}
		}
	}

	// Definition order keeps the reported activity stable.
	for _, a := range g.Definition.Activities {
		if !visited[a.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"activity %q is unreachable from the start event of the %s", a.ID, scopeLabel(a.Parent))
		}
	}
	return nil
}

// Activity returns the definition of id.
func (g *Graph) Activity(id string) (*schema.ActivityDefinition, bool) {
	a, ok := g.activities[id]
	return a, ok
}

// Outgoing returns the flows leaving id, in definition order.
func (g *Graph) Outgoing(id string) []*schema.SequenceFlow {
	return g.outgoing[id]
}

// Incoming returns the flows entering id, in definition order.
func (g *Graph) Incoming(id string) []*schema.SequenceFlow {
	return g.incoming[id]
}

// StartEvent returns the start event of scope ("" for the process scope).
func (g *Graph) StartEvent(scope string) (string, bool) {
	s, ok := g.starts[scope]
	return s, ok
}

// ScopeChain returns the subProcesses enclosing id, outermost first.
func (g *Graph) ScopeChain(id string) []string {
	var chain []string
	a, ok := g.activities[id]
	for ok && a.Parent != "" && len(chain) < len(g.activities) {
		chain = append([]string{a.Parent}, chain...)
		a, ok = g.activities[a.Parent]
	}
	return chain
}

// Size returns the number of activities.
func (g *Graph) Size() int {
	return len(g.activities)
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "process scope"
	}
	return fmt.Sprintf("subProcess %q", scope)
}
