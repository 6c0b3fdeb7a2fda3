package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/pkg/schema"
)

// ActorNotifier tells connected assignees about tasks that were opened for them.
type ActorNotifier interface {
	NotifyTasks(ctx context.Context, tasks []schema.TaskSummary) error
}

// MCPNotifier pushes task notifications over the assignee's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// NotifyTasks sends one "task_assigned" message per task whose assignee is
// connected. Unassigned tasks and disconnected assignees are skipped.
func (n *MCPNotifier) NotifyTasks(_ context.Context, tasks []schema.TaskSummary) error {
	var errs []error
	for _, t := range tasks {
		if t.Assignee == "" {
			continue
		}
		sessionID, ok := n.sessions.SessionFor(t.Assignee)
		if !ok {
			continue
		}
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
			"type":                "task_assigned",
			"task_id":             t.ID,
			"task_definition_key": t.TaskDefinitionKey,
			"process_instance_id": t.ProcessInstanceID,
			"assignee":            t.Assignee,
		})
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session went away between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
