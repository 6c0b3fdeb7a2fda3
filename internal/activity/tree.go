// Package activity models the live activity-instance tree of one process
// instance and the search used to resolve an activity id to its token.
package activity

import "github.com/rendis/procflow/pkg/schema"

// Node is one live execution point inside a running process instance.
// ActivityID names the definition node; InstanceID names this token and is
// unique within a tree.
type Node struct {
	ActivityID   string              `json:"activity_id"`
	InstanceID   string              `json:"instance_id"`
	ActivityType schema.ActivityType `json:"activity_type,omitempty"`
	Children     []*Node             `json:"children,omitempty"`
}

// Tree is a read-only snapshot of the live tokens of a process instance.
// It is built fresh for each request and must not be cached: the live state
// may change between calls.
type Tree struct {
	ProcessInstanceID string `json:"process_instance_id"`
	Root              *Node  `json:"root"`
}

// Find returns the first node in pre-order whose ActivityID equals
// activityID. The root is checked before its children and children are
// visited in stored order; the walk stops at the first match, so when an
// activity id recurs the shallowest-leftmost occurrence wins.
func Find(root *Node, activityID string) (*Node, bool) {
	if root == nil {
		return nil, false
	}
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.ActivityID == activityID {
			return n, true
		}
		// Push in reverse so the first child is popped first.
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return nil, false
}

// Find searches the tree. A nil tree never matches.
func (t *Tree) Find(activityID string) (*Node, bool) {
	if t == nil {
		return nil, false
	}
	return Find(t.Root, activityID)
}

// RootActivityID returns the activity id of the top-level node, or "".
func (t *Tree) RootActivityID() string {
	if t == nil || t.Root == nil {
		return ""
	}
	return t.Root.ActivityID
}
