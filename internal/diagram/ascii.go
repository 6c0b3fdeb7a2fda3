package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for an activity state.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "active":
		return "[RUN]"
	case "waiting":
		return "[WAIT]"
	case "canceled":
		return "[CANCEL]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as an indented outline: one line per
// activity, nested per subProcess, followed by the scope's flows.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}
	writeASCIIScope(&b, model.Nodes, model.Edges, "")
	return b.String()
}

func writeASCIIScope(b *strings.Builder, nodes []*Node, edges []Edge, indent string) {
	for _, node := range nodes {
		b.WriteString(indent + asciiNodeLine(node) + "\n")
		if node.Child != nil {
			writeASCIIScope(b, node.Child.Nodes, node.Child.Edges, indent+"    ")
		}
	}
	if len(edges) == 0 {
		return
	}
	b.WriteString(indent + "flows:\n")
	for _, e := range edges {
		label := ""
		if e.Label != "" {
			label = " [" + e.Label + "]"
		}
		b.WriteString(fmt.Sprintf("%s  %s ─→ %s%s\n", indent, e.From, e.To, label))
	}
}

func asciiNodeLine(node *Node) string {
	line := asciiShape(node.Kind, firstLine(node.Label))
	if node.ID != node.Label {
		line += " (" + node.ID + ")"
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			line += " " + tag
		}
		if node.Status.Instances > 1 {
			line += fmt.Sprintf(" x%d", node.Status.Instances)
		}
	}
	return line
}

func asciiShape(kind NodeKind, label string) string {
	switch kind {
	case NodeKindStart, NodeKindEnd:
		return "(" + label + ")"
	case NodeKindExclusive:
		return "<X " + label + ">"
	case NodeKindParallel:
		return "<+ " + label + ">"
	case NodeKindSubProcess:
		return "[[" + label + "]]"
	default:
		return "[" + label + "]"
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
