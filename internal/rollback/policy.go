// Package rollback decides which activity a rejected process instance
// resumes at.
package rollback

import (
	"strings"

	"github.com/rendis/procflow/pkg/schema"
)

// Wire values of the reject type accepted at the service boundary.
const (
	RejectToStart  = "1"
	RejectToLast   = "2"
	RejectToTarget = "3"
)

// Policy is the closed set of rollback policies: ToStart, ToLast or ToTarget.
type Policy interface {
	policy()
	String() string
}

// ToStart rolls back to the first user task that ever completed.
type ToStart struct{}

// ToLast rolls back to the most recently finished user task.
type ToLast struct{}

// ToTarget rolls back to an explicitly named activity.
type ToTarget struct {
	ActivityID string
}

func (ToStart) policy()  {}
func (ToLast) policy()   {}
func (ToTarget) policy() {}

func (ToStart) String() string  { return "to-start" }
func (ToLast) String() string   { return "to-last" }
func (ToTarget) String() string { return "to-target" }

// ParsePolicy turns the wire reject type and optional explicit target into a
// Policy. Both the numeric codes and the to-start/to-last/to-target names are
// accepted.
func ParsePolicy(rejectType, toActivityID string) (Policy, error) {
	rt := strings.TrimSpace(rejectType)
	if rt == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "reject type must not be blank")
	}
	switch strings.ToLower(rt) {
	case RejectToStart, "to-start":
		return ToStart{}, nil
	case RejectToLast, "to-last":
		return ToLast{}, nil
	case RejectToTarget, "to-target":
		target := strings.TrimSpace(toActivityID)
		if target == "" {
			return nil, schema.NewError(schema.ErrCodeInvalidInput, "explicit target node must not be blank")
		}
		return ToTarget{ActivityID: target}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput,
			"unrecognized reject type — allowed: to-start / to-last / to-target (got %q)", rt).
			WithDetails(map[string]any{"reject_type": rt, "allowed": []string{RejectToStart, RejectToLast, RejectToTarget}})
	}
}
