package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// token is a pending arrival at an activity inside a scope instance.
type token struct {
	activityID string
	parentID   string
}

// execution moves tokens through one process instance inside one
// transaction. Arrivals are queued so that every branch of a fork exists
// before any branch can close the scope.
type execution struct {
	r       *Runtime
	tx      store.Tx
	g       *Graph
	pi      *schema.ProcessInstance
	actor   string
	pending []token
	steps   int
}

func (r *Runtime) newExecution(tx store.Tx, g *Graph, pi *schema.ProcessInstance, actor string) *execution {
	return &execution{r: r, tx: tx, g: g, pi: pi, actor: actor}
}

func (x *execution) push(activityID, parentID string) {
	x.pending = append(x.pending, token{activityID: activityID, parentID: parentID})
}

// drain runs queued tokens until every one rests on a user task, a join or
// an end event.
func (x *execution) drain(ctx context.Context) error {
	for len(x.pending) > 0 {
		t := x.pending[0]
		x.pending = x.pending[1:]
		if err := x.enter(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) enter(ctx context.Context, t token) error {
	x.steps++
	if x.steps > x.r.opts.MaxSteps {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"process instance %q entered more than %d activities in one operation", x.pi.ID, x.r.opts.MaxSteps).
			WithDetails(map[string]any{"activity_id": t.activityID})
	}

	a, ok := x.g.Activity(t.activityID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "activity %q not found in definition %q", t.activityID, x.pi.DefinitionID)
	}
	ai := &store.ActivityInstance{
		ProcessInstanceID: x.pi.ID,
		ParentID:          t.parentID,
		ActivityID:        a.ID,
		ActivityType:      a.Type,
	}

	switch a.Type {
	case schema.ActivityUserTask:
		return x.enterUserTask(ctx, a, ai)
	case schema.ActivitySubProcess:
		if err := x.create(ctx, ai, schema.ActivityStateActive); err != nil {
			return err
		}
		start, _ := x.g.StartEvent(a.ID)
		x.push(start, ai.ID)
		return nil
	case schema.ActivityParallelGateway:
		if len(x.g.Incoming(a.ID)) > 1 {
			return x.join(ctx, a, ai)
		}
	}

	if err := x.create(ctx, ai, schema.ActivityStateActive); err != nil {
		return err
	}
	if err := x.finish(ctx, ai, schema.ActivityStateCompleted); err != nil {
		return err
	}
	return x.leave(ctx, a, t.parentID)
}

func (x *execution) enterUserTask(ctx context.Context, a *schema.ActivityDefinition, ai *store.ActivityInstance) error {
	if err := x.create(ctx, ai, schema.ActivityStateActive); err != nil {
		return err
	}

	var assignee string
	if a.Assignee != "" {
		var err error
		assignee, err = x.r.exprs.EvalString(ctx, a.Assignee, expressions.NewScope(x.pi))
		if err != nil {
			return err
		}
	}

	task := &store.Task{
		ID:                 uuid.New().String(),
		ProcessInstanceID:  x.pi.ID,
		ActivityInstanceID: ai.ID,
		TaskDefinitionKey:  a.ID,
		Name:               a.Name,
		Assignee:           assignee,
		Status:             schema.TaskStatusOpen,
		CreatedAt:          x.r.now(),
	}
	if err := x.tx.InsertTask(ctx, task); err != nil {
		return storeErr("insert task", err)
	}
	return appendEvent(ctx, x.tx, &store.Event{
		ProcessInstanceID:  x.pi.ID,
		ActivityInstanceID: ai.ID,
		ActivityID:         a.ID,
		Type:               schema.EventTaskCreated,
		Actor:              x.actor,
	}, map[string]any{"task_id": task.ID, "assignee": assignee})
}

// join holds arrivals at a parallel gateway as waiting instances until the
// last incoming flow arrives, then releases one token.
func (x *execution) join(ctx context.Context, a *schema.ActivityDefinition, ai *store.ActivityInstance) error {
	live, err := x.tx.ListLiveActivityInstances(ctx, x.pi.ID)
	if err != nil {
		return storeErr("list live activity instances", err)
	}
	var waiting []*store.ActivityInstance
	for _, l := range live {
		if l.ActivityID == a.ID && l.ParentID == ai.ParentID && l.State == schema.ActivityStateWaiting {
			waiting = append(waiting, l)
		}
	}

	if len(waiting)+1 < len(x.g.Incoming(a.ID)) {
		return x.create(ctx, ai, schema.ActivityStateWaiting)
	}

	for _, w := range waiting {
		if err := x.finish(ctx, w, schema.ActivityStateCompleted); err != nil {
			return err
		}
	}
	if err := x.create(ctx, ai, schema.ActivityStateActive); err != nil {
		return err
	}
	if err := x.finish(ctx, ai, schema.ActivityStateCompleted); err != nil {
		return err
	}
	return x.leave(ctx, a, ai.ParentID)
}

// leave queues the successors of a finished activity.
func (x *execution) leave(ctx context.Context, a *schema.ActivityDefinition, parentID string) error {
	switch a.Type {
	case schema.ActivityEndEvent:
		return x.closeScope(ctx, parentID)
	case schema.ActivityExclusiveGateway:
		f, err := x.choose(ctx, a)
		if err != nil {
			return err
		}
		x.push(f.Target, parentID)
	default:
		for _, f := range x.g.Outgoing(a.ID) {
			x.push(f.Target, parentID)
		}
	}
	return nil
}

// choose returns the first outgoing flow whose condition holds, in
// definition order, falling back to the default flow.
func (x *execution) choose(ctx context.Context, a *schema.ActivityDefinition) (*schema.SequenceFlow, error) {
	scope := expressions.NewScope(x.pi)
	var fallback *schema.SequenceFlow
	for _, f := range x.g.Outgoing(a.ID) {
		if f.Default {
			fallback = f
			continue
		}
		if f.Condition == "" {
			return f, nil
		}
		ok, err := x.r.exprs.EvalBool(ctx, f.Language, f.Condition, scope)
		if err != nil {
			return nil, err
		}
		if ok {
			return f, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution, "no outgoing flow of exclusive gateway %q matched", a.ID).
		WithDetails(map[string]any{"process_instance_id": x.pi.ID, "activity_id": a.ID})
}

// closeScope completes the scope instance once nothing in it is live or
// queued. Closing the root completes the process instance; closing a
// subProcess continues after it in the enclosing scope.
func (x *execution) closeScope(ctx context.Context, scopeID string) error {
	busy, err := x.scopeBusy(ctx, scopeID)
	if err != nil || busy {
		return err
	}

	scope, err := x.tx.GetActivityInstance(ctx, scopeID)
	if err != nil {
		return err
	}
	if err := x.finish(ctx, scope, schema.ActivityStateCompleted); err != nil {
		return err
	}

	if scope.ActivityType == schema.ActivityProcess {
		return x.completeProcess(ctx)
	}
	sub, ok := x.g.Activity(scope.ActivityID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "activity %q not found in definition %q", scope.ActivityID, x.pi.DefinitionID)
	}
	return x.leave(ctx, sub, scope.ParentID)
}

// scopeBusy reports whether scopeID has a live child or a queued arrival.
func (x *execution) scopeBusy(ctx context.Context, scopeID string) (bool, error) {
	for _, t := range x.pending {
		if t.parentID == scopeID {
			return true, nil
		}
	}
	live, err := x.tx.ListLiveActivityInstances(ctx, x.pi.ID)
	if err != nil {
		return false, storeErr("list live activity instances", err)
	}
	for _, l := range live {
		if l.ParentID == scopeID {
			return true, nil
		}
	}
	return false, nil
}

func (x *execution) completeProcess(ctx context.Context) error {
	if err := x.r.procFSM.Transition(ctx, x.tx, x.pi.ID, x.pi.Status, schema.ProcessStatusCompleted); err != nil {
		return err
	}
	status := schema.ProcessStatusCompleted
	ended := x.r.now()
	if err := x.tx.UpdateProcessInstance(ctx, x.pi.ID, store.ProcessInstanceUpdate{Status: &status, EndedAt: &ended}); err != nil {
		return storeErr("complete process instance", err)
	}
	x.pi.Status = status
	x.pi.EndedAt = &ended
	return nil
}

// create inserts a new activity instance in state and emits its event.
func (x *execution) create(ctx context.Context, ai *store.ActivityInstance, state schema.ActivityState) error {
	if ai.ID == "" {
		ai.ID = uuid.New().String()
	}
	if err := x.r.actFSM.Transition(ctx, x.tx, ai, "", state); err != nil {
		return err
	}
	ai.State = state
	ai.StartTime = x.r.now()
	if err := x.tx.InsertActivityInstance(ctx, ai); err != nil {
		return storeErr("insert activity instance", err)
	}
	return nil
}

// finish moves a live activity instance to a terminal state.
func (x *execution) finish(ctx context.Context, ai *store.ActivityInstance, to schema.ActivityState) error {
	if err := x.r.actFSM.Transition(ctx, x.tx, ai, ai.State, to); err != nil {
		return err
	}
	end := x.r.now()
	if err := x.tx.SetActivityState(ctx, ai.ID, to, &end); err != nil {
		return storeErr("set activity state", err)
	}
	ai.State = to
	ai.EndTime = &end
	return nil
}

// cancel closes the open tasks of ai and cancels it.
func (x *execution) cancel(ctx context.Context, ai *store.ActivityInstance, at time.Time) error {
	tasks, err := x.tx.ListTasksForActivity(ctx, ai.ID)
	if err != nil {
		return storeErr("list tasks", err)
	}
	for _, t := range tasks {
		if t.Status != schema.TaskStatusOpen {
			continue
		}
		if err := x.tx.CloseTask(ctx, t.ID, schema.TaskStatusCanceled, x.actor, at); err != nil {
			return err
		}
	}
	return x.finish(ctx, ai, schema.ActivityStateCanceled)
}
