// Package modification builds cancel-and-resume plans from an activity tree
// and hands them to the runtime as one atomic unit.
package modification

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/procflow/internal/activity"
	"github.com/rendis/procflow/pkg/schema"
)

// Plan is the atomic instruction submitted to the runtime: terminate the
// live token CancelInstanceID and start before ResumeActivityID. It applies
// fully or not at all.
type Plan struct {
	ProcessInstanceID string `json:"process_instance_id"`
	CancelInstanceID  string `json:"cancel_instance_id"`
	ResumeActivityID  string `json:"resume_activity_id"`
}

// Validate checks that every field is set.
func (p Plan) Validate() error {
	var missing []string
	if strings.TrimSpace(p.ProcessInstanceID) == "" {
		missing = append(missing, "process_instance_id")
	}
	if strings.TrimSpace(p.CancelInstanceID) == "" {
		missing = append(missing, "cancel_instance_id")
	}
	if strings.TrimSpace(p.ResumeActivityID) == "" {
		missing = append(missing, "resume_activity_id")
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidInput, "modification plan is incomplete: missing %s",
			strings.Join(missing, ", "))
	}
	return nil
}

// Submitter applies a plan atomically against the live state at submission
// time. A plan whose cancel instance is no longer live must be rejected with
// a CONSISTENCY_FAILURE error and have no effect.
type Submitter interface {
	SubmitModification(ctx context.Context, plan Plan) error
}

// ErrPartialApply may be returned (wrapped) by a Submitter that detected a
// half-applied plan. The planner reports it as a consistency failure and
// never retries.
var ErrPartialApply = errors.New("modification partially applied")

// Planner resolves tree nodes into plans and submits them.
type Planner struct {
	submitter Submitter
}

// NewPlanner creates a Planner submitting to s.
func NewPlanner(s Submitter) *Planner {
	return &Planner{submitter: s}
}

// Build resolves cancelActivityID against tree and returns the plan. A miss
// means the activity is not currently active.
func (p *Planner) Build(tree *activity.Tree, cancelActivityID, resumeActivityID string) (Plan, error) {
	if tree == nil || tree.Root == nil {
		return Plan{}, schema.NewError(schema.ErrCodeNotFound, "activity instance tree must not be empty")
	}
	node, ok := tree.Find(cancelActivityID)
	if !ok {
		return Plan{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"activity instance cannot be cancelled: %q is not currently active", cancelActivityID).
			WithDetails(map[string]any{
				"process_instance_id": tree.ProcessInstanceID,
				"activity_id":         cancelActivityID,
			})
	}
	plan := Plan{
		ProcessInstanceID: tree.ProcessInstanceID,
		CancelInstanceID:  node.InstanceID,
		ResumeActivityID:  resumeActivityID,
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Submit builds the plan and hands it to the runtime whole.
func (p *Planner) Submit(ctx context.Context, tree *activity.Tree, cancelActivityID, resumeActivityID string) (Plan, error) {
	plan, err := p.Build(tree, cancelActivityID, resumeActivityID)
	if err != nil {
		return Plan{}, err
	}
	return plan, p.Apply(ctx, plan)
}

// Apply submits an already built plan. A partial apply reported by the
// runtime becomes a consistency failure and is never retried.
func (p *Planner) Apply(ctx context.Context, plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if err := p.submitter.SubmitModification(ctx, plan); err != nil {
		if errors.Is(err, ErrPartialApply) {
			return schema.NewError(schema.ErrCodeConsistency, "modification left the instance inconsistent").
				WithCause(err).
				WithDetails(planDetails(plan))
		}
		return err
	}
	return nil
}

// Withdraw cancels the top-level node of the tree and re-enters taskDefKey:
// undo of the last transition.
func (p *Planner) Withdraw(ctx context.Context, tree *activity.Tree, taskDefKey string) (Plan, error) {
	return p.Submit(ctx, tree, tree.RootActivityID(), taskDefKey)
}

// Reject cancels the token at taskDefKey and resumes at target.
func (p *Planner) Reject(ctx context.Context, tree *activity.Tree, taskDefKey, target string) (Plan, error) {
	return p.Submit(ctx, tree, taskDefKey, target)
}

func planDetails(plan Plan) map[string]any {
	return map[string]any{
		"process_instance_id": plan.ProcessInstanceID,
		"cancel_instance_id":  plan.CancelInstanceID,
		"resume_activity_id":  plan.ResumeActivityID,
	}
}
