package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	writeMermaidScope(&b, model.Nodes, model.Edges, "    ")

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef active fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef canceled fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	walk(model.Nodes, func(n *Node) {
		if n.Status == nil {
			return
		}
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(n.ID), cls))
		}
	})

	return b.String()
}

// writeMermaidScope writes the nodes of one scope, nesting subProcesses as
// subgraphs, then the scope's flows.
func writeMermaidScope(b *strings.Builder, nodes []*Node, edges []Edge, indent string) {
	for _, node := range nodes {
		if node.Child != nil {
			b.WriteString(fmt.Sprintf("%ssubgraph %s[%q]\n", indent, mermaidSafeID(node.ID), firstLine(node.Label)))
			writeMermaidScope(b, node.Child.Nodes, node.Child.Edges, indent+"    ")
			b.WriteString(indent + "end\n")
			continue
		}
		b.WriteString(indent + mermaidNodeDef(node) + "\n")
	}
	for _, edge := range edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		b.WriteString(fmt.Sprintf("%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindEnd:
		return fmt.Sprintf("%s(((%q)))", id, label)
	case NodeKindExclusive:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindParallel:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindUserTask:
		return fmt.Sprintf("%s([%q])", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
// "end" is a keyword and would close the enclosing subgraph.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	id = r.Replace(id)
	if strings.EqualFold(id, "end") {
		return id + "_"
	}
	return id
}

// mermaidEscapeLabel keeps edge labels from closing the |...| delimiters.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer("|", "/", "\"", "'").Replace(s)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "active", "waiting", "canceled":
		return status
	default:
		return ""
	}
}

// walk visits every node, descending into subProcesses.
func walk(nodes []*Node, fn func(*Node)) {
	for _, n := range nodes {
		fn(n)
		if n.Child != nil {
			walk(n.Child.Nodes, fn)
		}
	}
}
