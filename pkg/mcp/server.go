package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/activity"
	"github.com/rendis/procflow/internal/history"
	"github.com/rendis/procflow/internal/modification"
	"github.com/rendis/procflow/internal/process"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Flow is the request-level surface of the process service.
// Satisfied by *process.Service.
type Flow interface {
	Start(ctx context.Context, req process.StartRequest) (*schema.ProcessInstance, error)
	CompleteTask(ctx context.Context, req process.CompleteTaskRequest) (*schema.ProcessInstance, error)
	Withdraw(ctx context.Context, req process.WithdrawRequest) (modification.Plan, error)
	Rollback(ctx context.Context, req process.RollbackRequest) ([]schema.TaskSummary, error)
	ActiveTasks(ctx context.Context, processInstanceID string) ([]schema.TaskSummary, error)
	ActivityTree(ctx context.Context, processInstanceID string) (*activity.Tree, error)
}

// Engine covers deployment and the read side. Satisfied by *engine.Runtime.
type Engine interface {
	Deploy(ctx context.Context, def *schema.ProcessDefinition, deployedBy string) (*store.Definition, error)
	QueryCompletedUserTasks(ctx context.Context, processInstanceID string, order history.Order) ([]history.Record, error)
	ListComments(ctx context.Context, processInstanceID string) ([]*store.Comment, error)
	GetEvents(ctx context.Context, processInstanceID string, since int64) ([]*store.Event, error)
	ListProcessInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.ProcessInstance, error)
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*store.Definition, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	GetDefinition(ctx context.Context, id string) (*store.Definition, error)
	GetProcessInstance(ctx context.Context, id string) (*schema.ProcessInstance, error)
	ListHistory(ctx context.Context, processInstanceID string) ([]*store.ActivityInstance, error)
}

// Scheduler registers cron-scheduled starts. Satisfied by *scheduler.Scheduler.
type Scheduler interface {
	Register(ctx context.Context, ss *store.ScheduledStart) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Flow      Flow
	Engine    Engine
	Scheduler Scheduler
	Logger    *slog.Logger
}

// Server wraps an MCP server with the procflow tool handlers.
type Server struct {
	flow      Flow
	engine    Engine
	scheduler Scheduler
	sessions  *SessionRegistry
	notifier  ActorNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		flow:      deps.Flow,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"procflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("procflow runs BPMN-style process instances. Use procflow.deploy to register a definition, procflow.start to start an instance, procflow.complete to complete a user task, procflow.withdraw and procflow.rollback to move a running instance back, procflow.tasks and procflow.tree to inspect it, procflow.query for history, comments, events, instances, definitions and task inboxes, and procflow.diagram to draw a definition or a running instance."),
		server.WithHooks(s.hooks()),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// hooks drops the actor mappings of a session when it goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: deployTool(), Handler: s.handleDeploy},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: withdrawTool(), Handler: s.handleWithdraw},
		{Tool: rollbackTool(), Handler: s.handleRollback},
		{Tool: tasksTool(), Handler: s.handleTasks},
		{Tool: treeTool(), Handler: s.handleTree},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func deployTool() mcp.Tool {
	return mcp.NewTool("procflow.deploy",
		mcp.WithDescription("Deploy a process definition as the next version of its key"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Process definition: key, activities, flows, optional input_schema")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("ID of the deploying actor")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("procflow.start",
		mcp.WithDescription("Start a process instance"),
		mcp.WithString("process_def_id", mcp.Description("Definition id (key:version); wins over process_def_key")),
		mcp.WithString("process_def_key", mcp.Description("Definition key; the latest version is used")),
		mcp.WithString("business_key", mcp.Description("Caller-supplied business key")),
		mcp.WithString("starter", mcp.Required(), mcp.Description("ID of the starting actor")),
		mcp.WithObject("variables", mcp.Description("Start variables")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("procflow.complete",
		mcp.WithDescription("Complete an open user task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("ID of the completing actor")),
		mcp.WithObject("variables", mcp.Description("Variables merged into the instance")),
	)
}

func withdrawTool() mcp.Tool {
	return mcp.NewTool("procflow.withdraw",
		mcp.WithDescription("Withdraw a submitted task: cancel the current position and re-enter the task"),
		mcp.WithString("process_instance_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task being withdrawn")),
		mcp.WithString("task_def_key", mcp.Required(), mcp.Description("Activity id to re-enter")),
		mcp.WithString("actor", mcp.Description("ID of the withdrawing actor")),
		mcp.WithString("reason", mcp.Description("Comment recorded with the withdrawal")),
	)
}

func rollbackTool() mcp.Tool {
	return mcp.NewTool("procflow.rollback",
		mcp.WithDescription("Reject a task back to an earlier user task"),
		mcp.WithString("process_instance_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task being rejected")),
		mcp.WithString("task_def_key", mcp.Required(), mcp.Description("Activity id of the task being rejected")),
		mcp.WithString("reject_type", mcp.Required(),
			mcp.Description("1 or to-start: back to the first user task; 2 or to-last: back to the previous user task; 3 or to-target: back to to_activity_id"),
		),
		mcp.WithString("to_activity_id", mcp.Description("Target activity id, required for reject_type 3")),
		mcp.WithString("actor", mcp.Description("ID of the rejecting actor")),
		mcp.WithString("reason", mcp.Description("Comment recorded with the rejection")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("procflow.tasks",
		mcp.WithDescription("List the open tasks of a process instance"),
		mcp.WithString("process_instance_id", mcp.Required(), mcp.Description("ID of the process instance")),
	)
}

func treeTool() mcp.Tool {
	return mcp.NewTool("procflow.tree",
		mcp.WithDescription("Get the live activity instance tree of a process instance"),
		mcp.WithString("process_instance_id", mcp.Required(), mcp.Description("ID of the process instance")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("procflow.query",
		mcp.WithDescription("Query history, comments, events, instances, definitions, or tasks"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("history", "comments", "events", "instances", "definitions", "tasks"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (process_instance_id, order, since, status, definition_key, business_key, key, assignee, limit, offset)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("procflow.schedule",
		mcp.WithDescription("Start instances of a definition on a cron schedule"),
		mcp.WithString("process_def_key", mcp.Required(), mcp.Description("Definition key; the latest version is used at each run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression")),
		mcp.WithString("starter", mcp.Required(), mcp.Description("ID of the actor the instances are started as")),
		mcp.WithString("business_key", mcp.Description("Business key of every started instance")),
		mcp.WithObject("variables", mcp.Description("Start variables")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("procflow.diagram",
		mcp.WithDescription("Draw a process definition, or a process instance with its activity states, as Mermaid or ASCII"),
		mcp.WithString("process_instance_id", mcp.Description("Instance to draw, with its activity states overlaid")),
		mcp.WithString("process_def_id", mcp.Description("Definition id (key:version) to draw")),
		mcp.WithString("process_def_key", mcp.Description("Definition key; the latest version is drawn")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Output format: mermaid (flowchart syntax) or ascii (text outline)"),
		),
	)
}
