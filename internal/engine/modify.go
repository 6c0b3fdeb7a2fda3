package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/procflow/internal/activity"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/modification"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// FetchActivityTree builds a fresh snapshot of the active tokens of an
// instance. Join tokens that are still waiting are not part of the tree.
// A missing or ended instance is a NOT_FOUND error, never an empty tree.
func (r *Runtime) FetchActivityTree(ctx context.Context, processInstanceID string) (*activity.Tree, error) {
	pi, err := r.store.GetProcessInstance(ctx, processInstanceID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, emptyTree(processInstanceID).WithCause(err)
		}
		return nil, err
	}
	live, err := r.store.ListLiveActivityInstances(ctx, processInstanceID)
	if err != nil {
		return nil, storeErr("list live activity instances", err)
	}

	tree := buildTree(processInstanceID, live)
	if tree.Root == nil {
		return nil, emptyTree(processInstanceID).WithDetails(map[string]any{
			"process_instance_id": processInstanceID,
			"status":              string(pi.Status),
		})
	}
	return tree, nil
}

// buildTree links active instances by ParentID. live is ordered by
// sequence, so children keep their creation order.
func buildTree(processInstanceID string, live []*store.ActivityInstance) *activity.Tree {
	nodes := make(map[string]*activity.Node, len(live))
	for _, ai := range live {
		if ai.State != schema.ActivityStateActive {
			continue
		}
		nodes[ai.ID] = &activity.Node{
			ActivityID:   ai.ActivityID,
			InstanceID:   ai.ID,
			ActivityType: ai.ActivityType,
		}
	}

	tree := &activity.Tree{ProcessInstanceID: processInstanceID}
	for _, ai := range live {
		n, ok := nodes[ai.ID]
		if !ok {
			continue
		}
		if ai.ParentID == "" {
			if tree.Root == nil {
				tree.Root = n
			}
			continue
		}
		if parent, ok := nodes[ai.ParentID]; ok {
			parent.Children = append(parent.Children, n)
		}
	}
	return tree
}

func emptyTree(processInstanceID string) *schema.FlowError {
	return schema.NewError(schema.ErrCodeNotFound, "activity instance tree must not be empty").
		WithDetails(map[string]any{"process_instance_id": processInstanceID})
}

// SubmitModification applies plan in one transaction against the state at
// submission time: the cancel instance and everything below it is canceled,
// then a token starts before the resume activity, creating any enclosing
// subProcess scopes that are not live. Canceling the root instance cancels
// its children but keeps the process instance running. A cancel instance
// that is no longer live fails with CONSISTENCY_FAILURE and changes nothing.
func (r *Runtime) SubmitModification(ctx context.Context, plan modification.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	ctx = logging.WithProcessInstanceID(ctx, plan.ProcessInstanceID)

	pi, err := r.store.GetProcessInstance(ctx, plan.ProcessInstanceID)
	if err != nil {
		return err
	}
	g, err := r.graph(ctx, pi.DefinitionID)
	if err != nil {
		return err
	}
	resume, ok := g.Activity(plan.ResumeActivityID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"resume activity %q not found in definition %q", plan.ResumeActivityID, pi.DefinitionID).
			WithDetails(planDetails(plan))
	}

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		pi, err := tx.GetProcessInstance(ctx, plan.ProcessInstanceID)
		if err != nil {
			return err
		}
		if pi.Ended() {
			return stale(plan, "process instance is "+string(pi.Status))
		}

		target, err := tx.GetActivityInstance(ctx, plan.CancelInstanceID)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return stale(plan, "cancel instance does not exist")
			}
			return err
		}
		if target.ProcessInstanceID != pi.ID {
			return stale(plan, "cancel instance belongs to another process instance")
		}
		if !target.State.Live() {
			return stale(plan, "cancel instance is "+string(target.State))
		}

		live, err := tx.ListLiveActivityInstances(ctx, pi.ID)
		if err != nil {
			return storeErr("list live activity instances", err)
		}

		x := r.newExecution(tx, g, pi, logging.ActorID(ctx))
		canceled, err := x.cancelSubtree(ctx, target, live)
		if err != nil {
			return err
		}
		parentID, err := x.ensureScopes(ctx, resume, live, canceled)
		if err != nil {
			return err
		}
		x.push(resume.ID, parentID)
		if err := x.pruneEmptyScopes(ctx, target); err != nil {
			return err
		}
		if err := x.drain(ctx); err != nil {
			return err
		}

		return appendEvent(ctx, tx, &store.Event{
			ProcessInstanceID: pi.ID,
			ActivityID:        resume.ID,
			Type:              schema.EventModificationApplied,
			Actor:             x.actor,
		}, map[string]any{
			"cancel_instance_id": plan.CancelInstanceID,
			"resume_activity_id": plan.ResumeActivityID,
			"canceled":           len(canceled),
		})
	})
	if err != nil {
		r.logger.WarnContext(ctx, "modification rejected",
			slog.String("cancel_instance_id", plan.CancelInstanceID),
			slog.String("resume_activity_id", plan.ResumeActivityID),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.logger.InfoContext(ctx, "modification applied",
		slog.String("cancel_instance_id", plan.CancelInstanceID),
		slog.String("resume_activity_id", plan.ResumeActivityID),
	)
	return nil
}

// cancelSubtree cancels target and its live descendants, deepest first.
// The root instance itself is kept.
func (x *execution) cancelSubtree(ctx context.Context, target *store.ActivityInstance, live []*store.ActivityInstance) (map[string]bool, error) {
	children := make(map[string][]*store.ActivityInstance)
	for _, ai := range live {
		children[ai.ParentID] = append(children[ai.ParentID], ai)
	}

	var order []*store.ActivityInstance
	var walk func(ai *store.ActivityInstance)
	walk = func(ai *store.ActivityInstance) {
		order = append(order, ai)
		for _, c := range children[ai.ID] {
			walk(c)
		}
	}
	walk(target)
	if target.ActivityType == schema.ActivityProcess {
		order = order[1:]
	}

	canceled := make(map[string]bool, len(order))
	at := x.r.now()
	for i := len(order) - 1; i >= 0; i-- {
		if err := x.cancel(ctx, order[i], at); err != nil {
			return nil, err
		}
		canceled[order[i].ID] = true
	}
	return canceled, nil
}

// ensureScopes returns the scope instance the resume token enters,
// reusing live subProcess instances and creating missing ones.
func (x *execution) ensureScopes(ctx context.Context, resume *schema.ActivityDefinition, live []*store.ActivityInstance, canceled map[string]bool) (string, error) {
	var root *store.ActivityInstance
	for _, ai := range live {
		if ai.ParentID == "" && ai.ActivityType == schema.ActivityProcess && !canceled[ai.ID] {
			root = ai
			break
		}
	}
	if root == nil {
		return "", schema.NewErrorf(schema.ErrCodeConsistency,
			"process instance %q has no live root activity instance", x.pi.ID)
	}

	parentID := root.ID
	for _, sub := range x.g.ScopeChain(resume.ID) {
		found := ""
		for _, ai := range live {
			if !canceled[ai.ID] && ai.ActivityID == sub && ai.ParentID == parentID && ai.State == schema.ActivityStateActive {
				found = ai.ID
				break
			}
		}
		if found == "" {
			scope := &store.ActivityInstance{
				ProcessInstanceID: x.pi.ID,
				ParentID:          parentID,
				ActivityID:        sub,
				ActivityType:      schema.ActivitySubProcess,
			}
			if err := x.create(ctx, scope, schema.ActivityStateActive); err != nil {
				return "", err
			}
			found = scope.ID
		}
		parentID = found
	}
	return parentID, nil
}

// pruneEmptyScopes cancels the subProcess instances above target that were
// left without live children or queued arrivals.
func (x *execution) pruneEmptyScopes(ctx context.Context, target *store.ActivityInstance) error {
	at := x.r.now()
	for id := target.ParentID; id != ""; {
		scope, err := x.tx.GetActivityInstance(ctx, id)
		if err != nil {
			return err
		}
		if scope.ActivityType == schema.ActivityProcess || !scope.State.Live() {
			return nil
		}
		busy, err := x.scopeBusy(ctx, scope.ID)
		if err != nil || busy {
			return err
		}
		if err := x.cancel(ctx, scope, at); err != nil {
			return err
		}
		id = scope.ParentID
	}
	return nil
}

func stale(plan modification.Plan, reason string) error {
	return schema.NewErrorf(schema.ErrCodeConsistency, "modification plan is stale: %s", reason).
		WithDetails(planDetails(plan))
}

func planDetails(plan modification.Plan) map[string]any {
	return map[string]any{
		"process_instance_id": plan.ProcessInstanceID,
		"cancel_instance_id":  plan.CancelInstanceID,
		"resume_activity_id":  plan.ResumeActivityID,
	}
}
