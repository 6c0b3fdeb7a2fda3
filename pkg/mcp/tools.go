package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/internal/history"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/process"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// handleDeploy deploys a definition as the next version of its key.
func (s *Server) handleDeploy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed definition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.ProcessDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	ctx = logging.WithActorID(ctx, actor)
	s.captureSession(ctx, actor)

	d, err := s.engine.Deploy(ctx, &def, actor)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"id":      d.ID,
		"key":     d.Key,
		"version": d.Version,
	})
}

// handleStart starts a process instance.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	starter, err := req.RequireString("starter")
	if err != nil {
		return mcp.NewToolResultError("starter is required"), nil
	}
	s.captureSession(ctx, starter)

	pi, err := s.flow.Start(ctx, process.StartRequest{
		ProcessDefID:  req.GetString("process_def_id", ""),
		ProcessDefKey: req.GetString("process_def_key", ""),
		BusinessKey:   req.GetString("business_key", ""),
		Starter:       starter,
		Variables:     mcp.ParseStringMap(req, "variables", nil),
	})
	if err != nil {
		return toolError(err), nil
	}

	tasks := s.openTasks(ctx, pi.ID, nil)
	return marshalResult(map[string]any{
		"process_instance": pi,
		"tasks":            tasks,
	})
}

// handleComplete completes a user task.
func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	s.captureSession(ctx, actor)
	before := s.openTaskIDs(ctx, s.taskInstance(ctx, taskID))

	pi, err := s.flow.CompleteTask(ctx, process.CompleteTaskRequest{
		TaskID:    taskID,
		Actor:     actor,
		Variables: mcp.ParseStringMap(req, "variables", nil),
	})
	if err != nil {
		return toolError(err), nil
	}

	tasks := s.openTasks(ctx, pi.ID, before)
	return marshalResult(map[string]any{
		"process_instance": pi,
		"tasks":            tasks,
	})
}

// handleWithdraw withdraws a task back to itself.
func (s *Server) handleWithdraw(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wr := process.WithdrawRequest{
		ProcessInstanceID: req.GetString("process_instance_id", ""),
		TaskID:            req.GetString("task_id", ""),
		TaskDefKey:        req.GetString("task_def_key", ""),
		Actor:             req.GetString("actor", ""),
		Reason:            req.GetString("reason", ""),
	}
	s.captureSession(ctx, wr.Actor)
	before := s.openTaskIDs(ctx, wr.ProcessInstanceID)

	plan, err := s.flow.Withdraw(ctx, wr)
	if err != nil {
		return toolError(err), nil
	}

	tasks := s.openTasks(ctx, wr.ProcessInstanceID, before)
	return marshalResult(map[string]any{
		"ok":                 true,
		"cancel_instance_id": plan.CancelInstanceID,
		"resume_activity_id": plan.ResumeActivityID,
		"tasks":              tasks,
	})
}

// handleRollback rejects a task back to an earlier user task.
func (s *Server) handleRollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rr := process.RollbackRequest{
		ProcessInstanceID: req.GetString("process_instance_id", ""),
		TaskID:            req.GetString("task_id", ""),
		TaskDefKey:        req.GetString("task_def_key", ""),
		RejectType:        req.GetString("reject_type", ""),
		ToActivityID:      req.GetString("to_activity_id", ""),
		Actor:             req.GetString("actor", ""),
		Reason:            req.GetString("reason", ""),
	}
	s.captureSession(ctx, rr.Actor)
	before := s.openTaskIDs(ctx, rr.ProcessInstanceID)

	tasks, err := s.flow.Rollback(ctx, rr)
	if err != nil {
		return toolError(err), nil
	}
	s.notify(ctx, newTasks(tasks, before))

	return marshalResult(map[string]any{
		"ok":    true,
		"tasks": tasks,
	})
}

func (s *Server) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, err := req.RequireString("process_instance_id")
	if err != nil {
		return mcp.NewToolResultError("process_instance_id is required"), nil
	}
	tasks, err := s.flow.ActiveTasks(ctx, pid)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

func (s *Server) handleTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, err := req.RequireString("process_instance_id")
	if err != nil {
		return mcp.NewToolResultError("process_instance_id is required"), nil
	}
	tree, err := s.flow.ActivityTree(ctx, pid)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(tree)
}

// handleQuery lists one kind of resource, selected by name.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "history":
		return s.queryHistory(ctx, filter)
	case "comments":
		return s.queryComments(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "instances":
		return s.queryInstances(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	case "tasks":
		return s.queryTasks(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule registers a cron-scheduled start.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not running"), nil
	}
	key, err := req.RequireString("process_def_key")
	if err != nil {
		return mcp.NewToolResultError("process_def_key is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	starter, err := req.RequireString("starter")
	if err != nil {
		return mcp.NewToolResultError("starter is required"), nil
	}

	ss := &store.ScheduledStart{
		DefinitionKey:  key,
		CronExpression: cronExpr,
		BusinessKey:    req.GetString("business_key", ""),
		Starter:        starter,
		Enabled:        true,
	}
	if vars := mcp.ParseStringMap(req, "variables", nil); vars != nil {
		raw, err := json.Marshal(vars)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid variables: %v", err)), nil
		}
		ss.Variables = raw
	}

	if err := s.scheduler.Register(ctx, ss); err != nil {
		return toolError(err), nil
	}
	return marshalResult(ss)
}

// handleDiagram draws a definition, or an instance with its activity states.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "ascii" {
		return mcp.NewToolResultError("format must be mermaid or ascii"), nil
	}

	pid := req.GetString("process_instance_id", "")
	defID := req.GetString("process_def_id", "")
	defKey := req.GetString("process_def_key", "")

	var instances []*store.ActivityInstance
	if pid != "" {
		pi, err := s.engine.GetProcessInstance(ctx, pid)
		if err != nil {
			return toolError(err), nil
		}
		defID = pi.DefinitionID
		if instances, err = s.engine.ListHistory(ctx, pid); err != nil {
			return toolError(err), nil
		}
	}

	var def *store.Definition
	switch {
	case defID != "":
		def, err = s.engine.GetDefinition(ctx, defID)
	case defKey != "":
		var defs []*store.Definition
		defs, err = s.engine.ListDefinitions(ctx, store.DefinitionFilter{Key: defKey, Limit: 1})
		if err == nil && len(defs) == 0 {
			err = schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", defKey)
		}
		if err == nil {
			def = defs[0]
		}
	default:
		return mcp.NewToolResultError("one of process_instance_id, process_def_id or process_def_key is required"), nil
	}
	if err != nil {
		return toolError(err), nil
	}

	model, err := diagram.Build(&def.Definition, instances)
	if err != nil {
		return toolError(err), nil
	}
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Query helpers ---

func (s *Server) queryHistory(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pid := extractString(filter, "process_instance_id")
	if pid == "" {
		return mcp.NewToolResultError("history query requires 'process_instance_id' in filter"), nil
	}
	order := history.Ascending
	if extractString(filter, "order") == history.Descending.String() {
		order = history.Descending
	}
	records, err := s.engine.QueryCompletedUserTasks(ctx, pid, order)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"history": records})
}

func (s *Server) queryComments(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pid := extractString(filter, "process_instance_id")
	if pid == "" {
		return mcp.NewToolResultError("comment query requires 'process_instance_id' in filter"), nil
	}
	comments, err := s.engine.ListComments(ctx, pid)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"comments": comments})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pid := extractString(filter, "process_instance_id")
	if pid == "" {
		return mcp.NewToolResultError("event query requires 'process_instance_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))
	events, err := s.engine.GetEvents(ctx, pid, since)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		DefinitionKey: extractString(filter, "definition_key"),
		BusinessKey:   extractString(filter, "business_key"),
		Limit:         extractInt(filter, "limit", 50),
		Offset:        extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		ps := schema.ProcessStatus(status)
		f.Status = &ps
	}
	instances, err := s.engine.ListProcessInstances(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *Server) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	defs, err := s.engine.ListDefinitions(ctx, store.DefinitionFilter{
		Key:   extractString(filter, "key"),
		Limit: extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// queryTasks lists tasks across instances, e.g. the open inbox of an assignee.
func (s *Server) queryTasks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.TaskFilter{
		ProcessInstanceID: extractString(filter, "process_instance_id"),
		Assignee:          extractString(filter, "assignee"),
		Limit:             extractInt(filter, "limit", 50),
	}
	if f.ProcessInstanceID == "" && f.Assignee == "" {
		return mcp.NewToolResultError("filter.process_instance_id or filter.assignee is required"), nil
	}
	if status := extractString(filter, "status"); status != "" {
		ts := schema.TaskStatus(status)
		f.Status = &ts
	}
	tasks, err := s.engine.ListTasks(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

// --- Internal helpers ---

// openTasks reads the open tasks after a state change and notifies the
// assignees of those not in before. A failed read only costs the caller the
// task list.
func (s *Server) openTasks(ctx context.Context, processInstanceID string, before map[string]struct{}) []schema.TaskSummary {
	tasks, err := s.flow.ActiveTasks(ctx, processInstanceID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list open tasks",
			"process_instance_id", processInstanceID,
			"error", err.Error(),
		)
		return nil
	}
	s.notify(ctx, newTasks(tasks, before))
	return tasks
}

// openTaskIDs snapshots the open task ids of an instance ahead of a state
// change. An unknown instance or a failed read gives an empty set.
func (s *Server) openTaskIDs(ctx context.Context, processInstanceID string) map[string]struct{} {
	ids := make(map[string]struct{})
	if processInstanceID == "" {
		return ids
	}
	tasks, err := s.flow.ActiveTasks(ctx, processInstanceID)
	if err != nil {
		return ids
	}
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}
	return ids
}

// taskInstance resolves the process instance of a task, or "".
func (s *Server) taskInstance(ctx context.Context, taskID string) string {
	if s.engine == nil {
		return ""
	}
	task, err := s.engine.GetTask(ctx, taskID)
	if err != nil {
		return ""
	}
	return task.ProcessInstanceID
}

// newTasks drops the tasks that were already open before a state change.
func newTasks(tasks []schema.TaskSummary, before map[string]struct{}) []schema.TaskSummary {
	if len(before) == 0 {
		return tasks
	}
	out := make([]schema.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := before[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) notify(ctx context.Context, tasks []schema.TaskSummary) {
	if s.notifier == nil || len(tasks) == 0 {
		return
	}
	if err := s.notifier.NotifyTasks(ctx, tasks); err != nil {
		s.logger.WarnContext(ctx, "task notification failed", "error", err.Error())
	}
}

// captureSession maps the actor to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, actorID string) {
	if actorID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actorID, session.SessionID())
	}
}

// toolError turns an error into a tool error result. Domain errors keep
// their code so callers can branch on it.
func toolError(err error) *mcp.CallToolResult {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	var details map[string]any
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		details = fe.Details
	}
	data, mErr := json.Marshal(map[string]any{
		"code":    code,
		"message": err.Error(),
		"details": details,
	})
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
