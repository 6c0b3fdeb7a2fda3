package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/audit"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/history"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
)

// DefaultMaxSteps bounds the activities one operation may enter before the
// runtime assumes an endless pass-through loop.
const DefaultMaxSteps = 1000

// EventLogger abstracts the event-log reads needed by the runtime.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	GetEvents(ctx context.Context, processInstanceID string, since int64) ([]*store.Event, error)
	Verify(ctx context.Context, processInstanceID string) error
}

// Options holds configuration for the runtime.
type Options struct {
	// ExcludeCanceledHistory drops canceled user tasks from the history used
	// to resolve rollback targets.
	ExcludeCanceledHistory bool
	MaxSteps               int
	Logger                 *slog.Logger
}

// StartParams identifies the definition to start and the instance data.
// DefinitionID takes precedence over DefinitionKey.
type StartParams struct {
	DefinitionID  string
	DefinitionKey string
	BusinessKey   string
	Starter       string
	Variables     map[string]any
}

// Runtime executes process instances over a Store. Every mutation of an
// instance runs inside exactly one store transaction.
type Runtime struct {
	store     store.Store
	eventLog  EventLogger
	exprs     *expressions.Registry
	validator validation.Validator
	procFSM   *ProcessFSM
	actFSM    *ActivityFSM
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	// mu guards graphs. Deployed definitions are immutable, so a graph
	// never goes stale.
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRuntime creates a Runtime with the given dependencies.
func NewRuntime(s store.Store, el EventLogger, exprs *expressions.Registry, v validation.Validator, opts Options) *Runtime {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:     s,
		eventLog:  el,
		exprs:     exprs,
		validator: v,
		procFSM:   NewProcessFSM(),
		actFSM:    NewActivityFSM(),
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		graphs:    make(map[string]*Graph),
	}
}

// Deploy validates def and stores it as the next version of its key.
func (r *Runtime) Deploy(ctx context.Context, def *schema.ProcessDefinition, deployedBy string) (*store.Definition, error) {
	if err := r.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	d := &store.Definition{Key: def.Key, Name: def.Name, Definition: *def, DeployedBy: deployedBy}
	if err := r.store.SaveDefinition(ctx, d); err != nil {
		return nil, storeErr("save definition", err)
	}
	r.logger.InfoContext(ctx, "process definition deployed",
		slog.String("definition_id", d.ID),
		slog.Int("version", d.Version),
		slog.Int("activities", g.Size()),
	)
	return d, nil
}

// StartProcessInstance creates an instance of the requested definition and
// runs it until every token waits on a user task or the process ends.
// The starter is injected into the variables as "starter".
func (r *Runtime) StartProcessInstance(ctx context.Context, p StartParams) (*schema.ProcessInstance, error) {
	var (
		d   *store.Definition
		err error
	)
	switch {
	case p.DefinitionID != "":
		d, err = r.store.GetDefinition(ctx, p.DefinitionID)
	case p.DefinitionKey != "":
		d, err = r.store.GetLatestDefinition(ctx, p.DefinitionKey)
	default:
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "process definition id or key is required")
	}
	if err != nil {
		return nil, err
	}

	if err := r.validator.ValidateInput(p.Variables, d.Definition.InputSchema); err != nil {
		return nil, err
	}
	g, err := r.graph(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	vars := expressions.MergeVariables(p.Variables, map[string]any{"starter": p.Starter})
	pi := &schema.ProcessInstance{
		ID:            uuid.New().String(),
		DefinitionID:  d.ID,
		DefinitionKey: d.Key,
		BusinessKey:   p.BusinessKey,
		Starter:       p.Starter,
		Status:        schema.ProcessStatusActive,
		Variables:     vars,
		StartedAt:     r.now(),
	}
	ctx = logging.WithProcessInstanceID(ctx, pi.ID)

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		if err := r.procFSM.Transition(ctx, tx, pi.ID, "", schema.ProcessStatusActive); err != nil {
			return err
		}
		if err := tx.InsertProcessInstance(ctx, pi); err != nil {
			return storeErr("insert process instance", err)
		}

		x := r.newExecution(tx, g, pi, p.Starter)
		root := &store.ActivityInstance{
			ProcessInstanceID: pi.ID,
			ActivityID:        pi.DefinitionID,
			ActivityType:      schema.ActivityProcess,
		}
		if err := x.create(ctx, root, schema.ActivityStateActive); err != nil {
			return err
		}
		start, _ := g.StartEvent("")
		x.push(start, root.ID)
		return x.drain(ctx)
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "process instance failed to start",
			slog.String("definition_id", d.ID), slog.String("error", err.Error()))
		return nil, err
	}

	r.logger.InfoContext(ctx, "process instance started",
		slog.String("definition_id", d.ID), slog.String("business_key", p.BusinessKey))
	return r.store.GetProcessInstance(ctx, pi.ID)
}

// CompleteTask closes an open task, merges vars into the instance and moves
// the token past the task.
func (r *Runtime) CompleteTask(ctx context.Context, taskID, actor string, vars map[string]any) (*schema.ProcessInstance, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pi, err := r.store.GetProcessInstance(ctx, task.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	g, err := r.graph(ctx, pi.DefinitionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithTaskID(logging.WithProcessInstanceID(ctx, pi.ID), taskID)

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		pi, err := tx.GetProcessInstance(ctx, task.ProcessInstanceID)
		if err != nil {
			return err
		}
		if pi.Ended() {
			return schema.NewErrorf(schema.ErrCodeConflict, "process instance %q is %s", pi.ID, pi.Status)
		}

		now := r.now()
		if err := tx.CloseTask(ctx, taskID, schema.TaskStatusCompleted, actor, now); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, &store.Event{
			ProcessInstanceID:  pi.ID,
			ActivityInstanceID: task.ActivityInstanceID,
			ActivityID:         task.TaskDefinitionKey,
			Type:               schema.EventTaskCompleted,
			Actor:              actor,
		}, map[string]any{"task_id": taskID}); err != nil {
			return err
		}

		if len(vars) > 0 {
			pi.Variables = expressions.MergeVariables(pi.Variables, vars)
			if err := tx.UpdateProcessInstance(ctx, pi.ID, store.ProcessInstanceUpdate{Variables: pi.Variables}); err != nil {
				return storeErr("update variables", err)
			}
			if err := appendEvent(ctx, tx, &store.Event{
				ProcessInstanceID: pi.ID,
				Type:              schema.EventVariablesUpdated,
				Actor:             actor,
			}, vars); err != nil {
				return err
			}
		}

		ai, err := tx.GetActivityInstance(ctx, task.ActivityInstanceID)
		if err != nil {
			return err
		}
		if ai.State != schema.ActivityStateActive {
			return schema.NewErrorf(schema.ErrCodeConflict, "activity instance %q of task %q is %s", ai.ID, taskID, ai.State)
		}
		a, ok := g.Activity(ai.ActivityID)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "activity %q not found in definition %q", ai.ActivityID, g.Definition.ID)
		}

		x := r.newExecution(tx, g, pi, actor)
		if err := x.finish(ctx, ai, schema.ActivityStateCompleted); err != nil {
			return err
		}
		if err := x.leave(ctx, a, ai.ParentID); err != nil {
			return err
		}
		return x.drain(ctx)
	})
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "task completed", slog.String("actor", actor))
	return r.store.GetProcessInstance(ctx, pi.ID)
}

// QueryCompletedUserTasks returns the finished user tasks of an instance
// ordered by end time, ties broken by sequence.
func (r *Runtime) QueryCompletedUserTasks(ctx context.Context, processInstanceID string, order history.Order) ([]history.Record, error) {
	if _, err := r.store.GetProcessInstance(ctx, processInstanceID); err != nil {
		return nil, err
	}
	rows, err := r.store.ListHistory(ctx, store.HistoryFilter{
		ProcessInstanceID: processInstanceID,
		ActivityType:      schema.ActivityUserTask,
		FinishedOnly:      true,
		ExcludeCanceled:   r.opts.ExcludeCanceledHistory,
		Descending:        order == history.Descending,
	})
	if err != nil {
		return nil, storeErr("list history", err)
	}

	records := make([]history.Record, 0, len(rows))
	for _, ai := range rows {
		records = append(records, toRecord(ai))
	}
	records = history.Eligible(records)
	history.Sort(records, order)
	return records, nil
}

// RecordComment persists an audit comment and its event in one transaction.
// The task must belong to the process instance.
func (r *Runtime) RecordComment(ctx context.Context, c *audit.Comment) error {
	return r.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProcessInstance(ctx, c.ProcessInstanceID); err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, c.TaskID)
		if err != nil {
			return err
		}
		if task.ProcessInstanceID != c.ProcessInstanceID {
			return schema.NewErrorf(schema.ErrCodeInvalidInput,
				"task %q does not belong to process instance %q", c.TaskID, c.ProcessInstanceID)
		}

		if err := tx.InsertComment(ctx, &store.Comment{
			ID:                c.ID,
			TaskID:            c.TaskID,
			ProcessInstanceID: c.ProcessInstanceID,
			Actor:             c.Actor,
			Message:           c.Message,
			CreatedAt:         c.CreatedAt,
		}); err != nil {
			return storeErr("insert comment", err)
		}
		return appendEvent(ctx, tx, &store.Event{
			ProcessInstanceID: c.ProcessInstanceID,
			ActivityID:        task.TaskDefinitionKey,
			Type:              schema.EventCommentAdded,
			Actor:             c.Actor,
		}, map[string]any{"task_id": c.TaskID, "message": c.Message})
	})
}

// QueryActiveTasks returns the open tasks of an instance in creation order.
func (r *Runtime) QueryActiveTasks(ctx context.Context, processInstanceID string) ([]schema.TaskSummary, error) {
	if _, err := r.store.GetProcessInstance(ctx, processInstanceID); err != nil {
		return nil, err
	}
	open := schema.TaskStatusOpen
	tasks, err := r.store.ListTasks(ctx, store.TaskFilter{ProcessInstanceID: processInstanceID, Status: &open})
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	out := make([]schema.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Summary())
	}
	return out, nil
}

// --- Read-side passthroughs used by the transport ---

// GetProcessInstance returns one process instance.
func (r *Runtime) GetProcessInstance(ctx context.Context, id string) (*schema.ProcessInstance, error) {
	return r.store.GetProcessInstance(ctx, id)
}

// ListProcessInstances lists process instances matching filter.
func (r *Runtime) ListProcessInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.ProcessInstance, error) {
	return r.store.ListProcessInstances(ctx, filter)
}

// GetDefinition returns a deployed definition by id (key:version).
func (r *Runtime) GetDefinition(ctx context.Context, id string) (*store.Definition, error) {
	return r.store.GetDefinition(ctx, id)
}

// ListDefinitions lists deployed definitions, newest version first.
func (r *Runtime) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*store.Definition, error) {
	return r.store.ListDefinitions(ctx, filter)
}

// GetTask returns one task by id.
func (r *Runtime) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return r.store.GetTask(ctx, id)
}

// ListTasks lists tasks matching filter.
func (r *Runtime) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return r.store.ListTasks(ctx, filter)
}

// ListHistory returns every activity instance of a process instance,
// live ones last.
func (r *Runtime) ListHistory(ctx context.Context, processInstanceID string) ([]*store.ActivityInstance, error) {
	return r.store.ListHistory(ctx, store.HistoryFilter{ProcessInstanceID: processInstanceID})
}

// ListComments returns the comments of a process instance in creation order.
func (r *Runtime) ListComments(ctx context.Context, processInstanceID string) ([]*store.Comment, error) {
	return r.store.ListComments(ctx, processInstanceID)
}

// GetEvents returns the event log of a process instance after since.
func (r *Runtime) GetEvents(ctx context.Context, processInstanceID string, since int64) ([]*store.Event, error) {
	return r.eventLog.GetEvents(ctx, processInstanceID, since)
}

// Verify replays the event log of an instance against its live state.
func (r *Runtime) Verify(ctx context.Context, processInstanceID string) error {
	return r.eventLog.Verify(ctx, processInstanceID)
}

// graph returns the cached graph of a deployed definition. It reads through
// the store, so it must not be called inside a transaction.
func (r *Runtime) graph(ctx context.Context, definitionID string) (*Graph, error) {
	r.mu.RLock()
	g, ok := r.graphs[definitionID]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	d, err := r.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	def := d.Definition
	def.ID = d.ID
	g, err = BuildGraph(&def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.graphs[definitionID] = g
	r.mu.Unlock()
	return g, nil
}

func toRecord(ai *store.ActivityInstance) history.Record {
	return history.Record{
		ActivityID:         ai.ActivityID,
		ActivityType:       ai.ActivityType,
		ActivityInstanceID: ai.ID,
		ProcessInstanceID:  ai.ProcessInstanceID,
		StartTime:          ai.StartTime,
		EndTime:            ai.EndTime,
		Canceled:           ai.State == schema.ActivityStateCanceled,
		Sequence:           ai.Sequence,
	}
}

func appendEvent(ctx context.Context, tx store.Tx, e *store.Event, payload any) error {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "marshal event payload").WithCause(err)
		}
		e.Payload = b
	}
	if err := tx.AppendEvent(ctx, e); err != nil {
		return storeErr("append "+e.Type+" event", err)
	}
	return nil
}

// storeErr wraps raw driver errors; domain errors pass through untouched.
func storeErr(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
