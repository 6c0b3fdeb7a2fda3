package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/activity"
	"github.com/rendis/procflow/internal/history"
	"github.com/rendis/procflow/internal/modification"
	"github.com/rendis/procflow/internal/process"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// --- Fakes ---

type fakeFlow struct {
	startReq    process.StartRequest
	completeReq process.CompleteTaskRequest
	withdrawReq process.WithdrawRequest
	rollbackReq process.RollbackRequest

	instance *schema.ProcessInstance
	plan     modification.Plan
	tasks    []schema.TaskSummary
	tree     *activity.Tree
	err      error

	// activeSeq, when set, is returned by successive ActiveTasks calls.
	activeSeq [][]schema.TaskSummary
}

func (f *fakeFlow) Start(_ context.Context, req process.StartRequest) (*schema.ProcessInstance, error) {
	f.startReq = req
	return f.instance, f.err
}

func (f *fakeFlow) CompleteTask(_ context.Context, req process.CompleteTaskRequest) (*schema.ProcessInstance, error) {
	f.completeReq = req
	return f.instance, f.err
}

func (f *fakeFlow) Withdraw(_ context.Context, req process.WithdrawRequest) (modification.Plan, error) {
	f.withdrawReq = req
	return f.plan, f.err
}

func (f *fakeFlow) Rollback(_ context.Context, req process.RollbackRequest) ([]schema.TaskSummary, error) {
	f.rollbackReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.tasks, nil
}

func (f *fakeFlow) ActiveTasks(_ context.Context, _ string) ([]schema.TaskSummary, error) {
	if len(f.activeSeq) > 0 {
		tasks := f.activeSeq[0]
		f.activeSeq = f.activeSeq[1:]
		return tasks, nil
	}
	return f.tasks, nil
}

func (f *fakeFlow) ActivityTree(_ context.Context, _ string) (*activity.Tree, error) {
	return f.tree, f.err
}

type fakeEngine struct {
	deployed   *schema.ProcessDefinition
	deployedBy string
	order      history.Order
	records    []history.Record
	comments   []*store.Comment
	events     []*store.Event
	since      int64
	instFilter store.InstanceFilter
	instances  []*schema.ProcessInstance
	defs       []*store.Definition
	taskFilter store.TaskFilter
	tasks      []*store.Task
	history    []*store.ActivityInstance
	err        error
}

func (e *fakeEngine) Deploy(_ context.Context, def *schema.ProcessDefinition, deployedBy string) (*store.Definition, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.deployed, e.deployedBy = def, deployedBy
	return &store.Definition{ID: def.Key + ":1", Key: def.Key, Version: 1, Definition: *def}, nil
}

func (e *fakeEngine) QueryCompletedUserTasks(_ context.Context, _ string, order history.Order) ([]history.Record, error) {
	e.order = order
	return e.records, e.err
}

func (e *fakeEngine) ListComments(_ context.Context, _ string) ([]*store.Comment, error) {
	return e.comments, e.err
}

func (e *fakeEngine) GetEvents(_ context.Context, _ string, since int64) ([]*store.Event, error) {
	e.since = since
	return e.events, e.err
}

func (e *fakeEngine) ListProcessInstances(_ context.Context, filter store.InstanceFilter) ([]*schema.ProcessInstance, error) {
	e.instFilter = filter
	return e.instances, e.err
}

func (e *fakeEngine) ListDefinitions(_ context.Context, _ store.DefinitionFilter) ([]*store.Definition, error) {
	return e.defs, e.err
}

func (e *fakeEngine) ListTasks(_ context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	e.taskFilter = filter
	return e.tasks, e.err
}

func (e *fakeEngine) GetTask(_ context.Context, id string) (*store.Task, error) {
	for _, t := range e.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
}

func (e *fakeEngine) GetDefinition(_ context.Context, id string) (*store.Definition, error) {
	for _, d := range e.defs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
}

func (e *fakeEngine) GetProcessInstance(_ context.Context, id string) (*schema.ProcessInstance, error) {
	for _, pi := range e.instances {
		if pi.ID == id {
			return pi, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process instance %q not found", id)
}

func (e *fakeEngine) ListHistory(_ context.Context, _ string) ([]*store.ActivityInstance, error) {
	return e.history, e.err
}

type fakeScheduler struct {
	registered *store.ScheduledStart
	err        error
}

func (s *fakeScheduler) Register(_ context.Context, ss *store.ScheduledStart) error {
	if s.err != nil {
		return s.err
	}
	ss.ID = "ss-1"
	s.registered = ss
	return nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func openTasks() []schema.TaskSummary {
	return []schema.TaskSummary{{
		ID: "task-2", TaskDefinitionKey: "draft", Assignee: "alice",
		ProcessInstanceID: "pi-1", ActivityInstanceID: "ai-2", CreatedAt: time.Now().UTC(),
	}}
}

// --- Tests ---

func TestDeployTool(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(ServerDeps{Engine: eng})

	req := buildRequest("procflow.deploy", map[string]any{
		"actor": "admin",
		"definition": map[string]any{
			"key": "leave",
			"activities": []any{
				map[string]any{"id": "start", "type": "startEvent"},
				map[string]any{"id": "end", "type": "endEvent"},
			},
			"flows": []any{
				map[string]any{"id": "f1", "source": "start", "target": "end"},
			},
		},
	})

	result, err := s.handleDeploy(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.NotNil(t, eng.deployed)
	assert.Equal(t, "leave", eng.deployed.Key)
	assert.Len(t, eng.deployed.Activities, 2)
	assert.Equal(t, "admin", eng.deployedBy)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "leave:1", out["id"])
}

func TestDeployToolMissingArgs(t *testing.T) {
	s := NewServer(ServerDeps{Engine: &fakeEngine{}})

	result, err := s.handleDeploy(context.Background(), buildRequest("procflow.deploy", map[string]any{
		"definition": map[string]any{"key": "leave"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDeploy(context.Background(), buildRequest("procflow.deploy", map[string]any{
		"actor": "admin",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDeployToolValidationError(t *testing.T) {
	eng := &fakeEngine{err: schema.NewError(schema.ErrCodeValidation, "no start event in process scope")}
	s := NewServer(ServerDeps{Engine: eng})

	result, err := s.handleDeploy(context.Background(), buildRequest("procflow.deploy", map[string]any{
		"actor":      "admin",
		"definition": map[string]any{"key": "broken"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)
}

func TestStartTool(t *testing.T) {
	flow := &fakeFlow{
		instance: &schema.ProcessInstance{ID: "pi-1", Status: schema.ProcessStatusActive},
		tasks:    openTasks(),
	}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleStart(context.Background(), buildRequest("procflow.start", map[string]any{
		"process_def_key": "leave",
		"business_key":    "LR-7",
		"starter":         "alice",
		"variables":       map[string]any{"days": float64(3)},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "leave", flow.startReq.ProcessDefKey)
	assert.Equal(t, "LR-7", flow.startReq.BusinessKey)
	assert.Equal(t, "alice", flow.startReq.Starter)
	assert.Equal(t, float64(3), flow.startReq.Variables["days"])

	var out struct {
		ProcessInstance schema.ProcessInstance `json:"process_instance"`
		Tasks           []schema.TaskSummary   `json:"tasks"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "pi-1", out.ProcessInstance.ID)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "draft", out.Tasks[0].TaskDefinitionKey)
}

func TestStartToolMissingStarter(t *testing.T) {
	s := NewServer(ServerDeps{Flow: &fakeFlow{}})

	result, err := s.handleStart(context.Background(), buildRequest("procflow.start", map[string]any{
		"process_def_key": "leave",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCompleteTool(t *testing.T) {
	flow := &fakeFlow{instance: &schema.ProcessInstance{ID: "pi-1", Status: schema.ProcessStatusActive}}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleComplete(context.Background(), buildRequest("procflow.complete", map[string]any{
		"task_id":   "task-1",
		"actor":     "bob",
		"variables": map[string]any{"approved": true},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "task-1", flow.completeReq.TaskID)
	assert.Equal(t, "bob", flow.completeReq.Actor)
	assert.Equal(t, true, flow.completeReq.Variables["approved"])
}

func TestCompleteToolConflict(t *testing.T) {
	flow := &fakeFlow{err: schema.NewError(schema.ErrCodeConflict, "task is not open")}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleComplete(context.Background(), buildRequest("procflow.complete", map[string]any{
		"task_id": "task-1",
		"actor":   "bob",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.ErrCodeConflict, out["code"])
}

func TestWithdrawTool(t *testing.T) {
	flow := &fakeFlow{
		plan:  modification.Plan{ProcessInstanceID: "pi-1", CancelInstanceID: "root-1", ResumeActivityID: "draft"},
		tasks: openTasks(),
	}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleWithdraw(context.Background(), buildRequest("procflow.withdraw", map[string]any{
		"process_instance_id": "pi-1",
		"task_id":             "task-1",
		"task_def_key":        "draft",
		"actor":               "alice",
		"reason":              "typo",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, process.WithdrawRequest{
		ProcessInstanceID: "pi-1", TaskID: "task-1", TaskDefKey: "draft", Actor: "alice", Reason: "typo",
	}, flow.withdrawReq)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "root-1", out["cancel_instance_id"])
	assert.Equal(t, "draft", out["resume_activity_id"])
}

func TestWithdrawToolMissingTree(t *testing.T) {
	flow := &fakeFlow{err: schema.NewError(schema.ErrCodeNotFound, "activity instance tree must not be empty").
		WithDetails(map[string]any{"process_instance_id": "pi-9"})}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleWithdraw(context.Background(), buildRequest("procflow.withdraw", map[string]any{
		"process_instance_id": "pi-9",
		"task_id":             "task-1",
		"task_def_key":        "draft",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var out struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.ErrCodeNotFound, out.Code)
	assert.Contains(t, out.Message, "activity instance tree must not be empty")
	assert.Equal(t, "pi-9", out.Details["process_instance_id"])
}

func TestRollbackTool(t *testing.T) {
	flow := &fakeFlow{tasks: openTasks()}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleRollback(context.Background(), buildRequest("procflow.rollback", map[string]any{
		"process_instance_id": "pi-1",
		"task_id":             "task-3",
		"task_def_key":        "approve",
		"reject_type":         "3",
		"to_activity_id":      "draft",
		"actor":               "bob",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "3", flow.rollbackReq.RejectType)
	assert.Equal(t, "draft", flow.rollbackReq.ToActivityID)
	assert.Equal(t, "approve", flow.rollbackReq.TaskDefKey)

	var out struct {
		OK    bool                 `json:"ok"`
		Tasks []schema.TaskSummary `json:"tasks"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.OK)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "task-2", out.Tasks[0].ID)
}

type recordingNotifier struct {
	notified []string
}

func (n *recordingNotifier) NotifyTasks(_ context.Context, tasks []schema.TaskSummary) error {
	for _, t := range tasks {
		n.notified = append(n.notified, t.ID)
	}
	return nil
}

// Two parallel branches: review (alice) and legal (bob), then sign (carol)
// after legal.
func parallelTask(id, key, assignee string) schema.TaskSummary {
	return schema.TaskSummary{ID: id, TaskDefinitionKey: key, Assignee: assignee, ProcessInstanceID: "pi-1"}
}

func TestCompleteToolNotifiesOnlyNewTasks(t *testing.T) {
	review := parallelTask("task-review", "review", "alice")
	legal := parallelTask("task-legal", "legal", "bob")
	sign := parallelTask("task-sign", "sign", "carol")

	flow := &fakeFlow{
		instance:  &schema.ProcessInstance{ID: "pi-1", Status: schema.ProcessStatusActive},
		activeSeq: [][]schema.TaskSummary{{review, legal}, {review, sign}},
	}
	eng := &fakeEngine{tasks: []*store.Task{{ID: "task-legal", ProcessInstanceID: "pi-1", Status: schema.TaskStatusOpen}}}
	s := NewServer(ServerDeps{Flow: flow, Engine: eng})
	rec := &recordingNotifier{}
	s.notifier = rec

	result, err := s.handleComplete(context.Background(), buildRequest("procflow.complete", map[string]any{
		"task_id": "task-legal",
		"actor":   "bob",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"task-sign"}, rec.notified)

	var out struct {
		Tasks []schema.TaskSummary `json:"tasks"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Tasks, 2)
}

func TestRollbackToolNotifiesOnlyNewTasks(t *testing.T) {
	review := parallelTask("task-review", "review", "alice")
	sign := parallelTask("task-sign", "sign", "carol")
	legalAgain := parallelTask("task-legal-2", "legal", "bob")

	flow := &fakeFlow{
		activeSeq: [][]schema.TaskSummary{{review, sign}},
		tasks:     []schema.TaskSummary{review, legalAgain},
	}
	s := NewServer(ServerDeps{Flow: flow})
	rec := &recordingNotifier{}
	s.notifier = rec

	result, err := s.handleRollback(context.Background(), buildRequest("procflow.rollback", map[string]any{
		"process_instance_id": "pi-1",
		"task_id":             "task-sign",
		"task_def_key":        "sign",
		"reject_type":         "2",
		"actor":               "carol",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"task-legal-2"}, rec.notified)
}

func TestWithdrawToolNotifiesOnlyNewTasks(t *testing.T) {
	review := parallelTask("task-review", "review", "alice")
	sign := parallelTask("task-sign", "sign", "carol")
	legalAgain := parallelTask("task-legal-2", "legal", "bob")

	flow := &fakeFlow{
		plan:      modification.Plan{ProcessInstanceID: "pi-1", CancelInstanceID: "ai-sign", ResumeActivityID: "legal"},
		activeSeq: [][]schema.TaskSummary{{review, sign}, {review, legalAgain}},
	}
	s := NewServer(ServerDeps{Flow: flow})
	rec := &recordingNotifier{}
	s.notifier = rec

	result, err := s.handleWithdraw(context.Background(), buildRequest("procflow.withdraw", map[string]any{
		"process_instance_id": "pi-1",
		"task_id":             "task-legal",
		"task_def_key":        "legal",
		"actor":               "bob",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"task-legal-2"}, rec.notified)
}

func TestRollbackToolUnknownType(t *testing.T) {
	flow := &fakeFlow{err: schema.NewError(schema.ErrCodeInvalidInput, `unrecognized reject type "9"`)}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleRollback(context.Background(), buildRequest("procflow.rollback", map[string]any{
		"process_instance_id": "pi-1",
		"task_id":             "task-3",
		"task_def_key":        "approve",
		"reject_type":         "9",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeInvalidInput)
}

func TestTasksAndTreeTools(t *testing.T) {
	flow := &fakeFlow{
		tasks: openTasks(),
		tree: &activity.Tree{ProcessInstanceID: "pi-1", Root: &activity.Node{
			InstanceID: "root-1", ActivityID: "leave:1", ActivityType: schema.ActivityProcess,
		}},
	}
	s := NewServer(ServerDeps{Flow: flow})

	result, err := s.handleTasks(context.Background(), buildRequest("procflow.tasks", map[string]any{
		"process_instance_id": "pi-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "task-2")

	result, err = s.handleTree(context.Background(), buildRequest("procflow.tree", map[string]any{
		"process_instance_id": "pi-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	var tree activity.Tree
	unmarshalResult(t, result, &tree)
	require.NotNil(t, tree.Root)
	assert.Equal(t, "root-1", tree.Root.InstanceID)

	result, err = s.handleTree(context.Background(), buildRequest("procflow.tree", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryHistory(t *testing.T) {
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	eng := &fakeEngine{records: []history.Record{
		{ActivityID: "draft", ActivityType: schema.ActivityUserTask, EndTime: &end, Sequence: 2},
	}}
	s := NewServer(ServerDeps{Engine: eng})

	result, err := s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "history",
		"filter":   map[string]any{"process_instance_id": "pi-1", "order": "desc"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, history.Descending, eng.order)

	var out struct {
		History []history.Record `json:"history"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.History, 1)
	assert.Equal(t, "draft", out.History[0].ActivityID)

	result, err = s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "history",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryCommentsAndEvents(t *testing.T) {
	eng := &fakeEngine{
		comments: []*store.Comment{{ID: "c1", TaskID: "task-1", ProcessInstanceID: "pi-1", Message: "withdraw"}},
		events:   []*store.Event{{ID: 1, ProcessInstanceID: "pi-1", Type: "modification_applied", Sequence: 7}},
	}
	s := NewServer(ServerDeps{Engine: eng})

	result, err := s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "comments",
		"filter":   map[string]any{"process_instance_id": "pi-1"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "withdraw")

	result, err = s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"process_instance_id": "pi-1", "since": float64(5)},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, int64(5), eng.since)
	assert.Contains(t, extractText(t, result), "modification_applied")
}

func TestQueryInstancesAndDefinitions(t *testing.T) {
	eng := &fakeEngine{
		instances: []*schema.ProcessInstance{{ID: "pi-1", Status: schema.ProcessStatusActive}},
		defs:      []*store.Definition{{ID: "leave:2", Key: "leave", Version: 2}},
	}
	s := NewServer(ServerDeps{Engine: eng})

	result, err := s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "instances",
		"filter":   map[string]any{"status": "active", "definition_key": "leave", "limit": "10"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.NotNil(t, eng.instFilter.Status)
	assert.Equal(t, schema.ProcessStatusActive, *eng.instFilter.Status)
	assert.Equal(t, "leave", eng.instFilter.DefinitionKey)
	assert.Equal(t, 10, eng.instFilter.Limit)

	result, err = s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "definitions",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "leave:2")
}

func TestQueryTasks(t *testing.T) {
	eng := &fakeEngine{tasks: []*store.Task{{ID: "task-1", TaskDefinitionKey: "approve", Assignee: "bob", Status: schema.TaskStatusOpen}}}
	s := NewServer(ServerDeps{Engine: eng})

	result, err := s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "tasks",
		"filter":   map[string]any{"assignee": "bob", "status": "open"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "task-1")
	assert.Equal(t, "bob", eng.taskFilter.Assignee)
	require.NotNil(t, eng.taskFilter.Status)
	assert.Equal(t, schema.TaskStatusOpen, *eng.taskFilter.Status)
	assert.Equal(t, 50, eng.taskFilter.Limit)

	result, err = s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "tasks",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewServer(ServerDeps{})

	result, err := s.handleQuery(context.Background(), buildRequest("procflow.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	sched := &fakeScheduler{}
	s := NewServer(ServerDeps{Scheduler: sched})

	result, err := s.handleSchedule(context.Background(), buildRequest("procflow.schedule", map[string]any{
		"process_def_key": "leave",
		"cron":            "0 9 * * 1",
		"starter":         "cron",
		"variables":       map[string]any{"days": float64(1)},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.NotNil(t, sched.registered)
	assert.Equal(t, "leave", sched.registered.DefinitionKey)
	assert.True(t, sched.registered.Enabled)
	assert.JSONEq(t, `{"days":1}`, string(sched.registered.Variables))
}

func TestScheduleToolWithoutScheduler(t *testing.T) {
	s := NewServer(ServerDeps{})

	result, err := s.handleSchedule(context.Background(), buildRequest("procflow.schedule", map[string]any{
		"process_def_key": "leave",
		"cron":            "0 9 * * 1",
		"starter":         "cron",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolErrorWithoutCode(t *testing.T) {
	result := toolError(assert.AnError)
	require.True(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.ErrCodeExecution, out["code"])
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 7, extractInt(map[string]any{"n": float64(7)}, "n", 1))
	assert.Equal(t, 7, extractInt(map[string]any{"n": "7"}, "n", 1))
	assert.Equal(t, 1, extractInt(map[string]any{"n": "x"}, "n", 1))
	assert.Equal(t, 1, extractInt(nil, "n", 1))
}

func simpleDefinition() *store.Definition {
	return &store.Definition{
		ID: "leave:1", Key: "leave", Version: 1,
		Definition: schema.ProcessDefinition{
			Key:  "leave",
			Name: "Leave request",
			Activities: []schema.ActivityDefinition{
				{ID: "start", Type: schema.ActivityStartEvent},
				{ID: "draft", Type: schema.ActivityUserTask},
				{ID: "done", Type: schema.ActivityEndEvent},
			},
			Flows: []schema.SequenceFlow{
				{ID: "f1", Source: "start", Target: "draft"},
				{ID: "f2", Source: "draft", Target: "done"},
			},
		},
	}
}

func TestDiagramToolInstance(t *testing.T) {
	eng := &fakeEngine{
		defs:      []*store.Definition{simpleDefinition()},
		instances: []*schema.ProcessInstance{{ID: "pi-1", DefinitionID: "leave:1", Status: schema.ProcessStatusActive}},
		history: []*store.ActivityInstance{
			{ID: "a1", ActivityID: "start", ActivityType: schema.ActivityStartEvent, State: schema.ActivityStateCompleted, Sequence: 2},
			{ID: "a2", ActivityID: "draft", ActivityType: schema.ActivityUserTask, State: schema.ActivityStateActive, Sequence: 3},
		},
	}
	s := NewServer(ServerDeps{Engine: eng})

	result, err := s.handleDiagram(context.Background(), buildRequest("procflow.diagram", map[string]any{
		"process_instance_id": "pi-1",
		"format":              "mermaid",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "%% Leave request")
	assert.Contains(t, text, "class draft active")

	result, err = s.handleDiagram(context.Background(), buildRequest("procflow.diagram", map[string]any{
		"process_def_key": "leave",
		"format":          "ascii",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "start ─→ draft")
}

func TestDiagramToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{Engine: &fakeEngine{}})

	result, err := s.handleDiagram(context.Background(), buildRequest("procflow.diagram", map[string]any{
		"format": "mermaid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(context.Background(), buildRequest("procflow.diagram", map[string]any{
		"process_def_id": "leave:1",
		"format":         "png",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(context.Background(), buildRequest("procflow.diagram", map[string]any{
		"process_def_key": "missing",
		"format":          "ascii",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}
