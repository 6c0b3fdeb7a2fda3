package diagram

// NodeKind classifies a diagram node by its activity type.
type NodeKind string

const (
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
	NodeKindUserTask   NodeKind = "userTask"
	NodeKindTask       NodeKind = "task"
	NodeKindExclusive  NodeKind = "exclusive"
	NodeKindParallel   NodeKind = "parallel"
	NodeKindSubProcess NodeKind = "subProcess"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents one activity. A subProcess carries its scope in Child.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
	Child  *SubGraph
}

// SubGraph holds the activities and flows of a subProcess scope.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the runtime state of an activity: the state of its
// most recent instance and how many instances it has had.
type StatusOverlay struct {
	Status    string // from schema.ActivityState
	Instances int
	Canceled  int
}

// Edge represents a sequence flow.
type Edge struct {
	From  string
	To    string
	Label string
}
