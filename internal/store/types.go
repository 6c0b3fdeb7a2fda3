package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// Definition is a deployed, versioned process definition.
type Definition struct {
	ID         string                   `json:"id"`
	Key        string                   `json:"key"`
	Version    int                      `json:"version"`
	Name       string                   `json:"name,omitempty"`
	Definition schema.ProcessDefinition `json:"definition"`
	DeployedBy string                   `json:"deployed_by,omitempty"`
	DeployedAt time.Time                `json:"deployed_at"`
}

// ActivityInstance is one token of a process instance, live or historic.
// Live instances form the activity tree through ParentID.
type ActivityInstance struct {
	ID                string               `json:"id"`
	ProcessInstanceID string               `json:"process_instance_id"`
	ParentID          string               `json:"parent_id,omitempty"`
	ActivityID        string               `json:"activity_id"`
	ActivityType      schema.ActivityType  `json:"activity_type"`
	State             schema.ActivityState `json:"state"`
	StartTime         time.Time            `json:"start_time"`
	EndTime           *time.Time           `json:"end_time,omitempty"`
	Sequence          int64                `json:"sequence"`
}

// Task is a user task created when a token enters a userTask activity.
type Task struct {
	ID                 string            `json:"id"`
	ProcessInstanceID  string            `json:"process_instance_id"`
	ActivityInstanceID string            `json:"activity_instance_id"`
	TaskDefinitionKey  string            `json:"task_definition_key"`
	Name               string            `json:"name,omitempty"`
	Assignee           string            `json:"assignee,omitempty"`
	Status             schema.TaskStatus `json:"status"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CompletedBy        string            `json:"completed_by,omitempty"`
}

// Summary converts the task to its external view.
func (t *Task) Summary() schema.TaskSummary {
	return schema.TaskSummary{
		ID:                 t.ID,
		Name:               t.Name,
		TaskDefinitionKey:  t.TaskDefinitionKey,
		Assignee:           t.Assignee,
		ProcessInstanceID:  t.ProcessInstanceID,
		ActivityInstanceID: t.ActivityInstanceID,
		CreatedAt:          t.CreatedAt,
	}
}

// Comment is an audit note attached to a task.
type Comment struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"task_id"`
	ProcessInstanceID string    `json:"process_instance_id"`
	Actor             string    `json:"actor,omitempty"`
	Message           string    `json:"message"`
	CreatedAt         time.Time `json:"created_at"`
}

// Event is an immutable entry in the per-instance event log.
type Event struct {
	ID                 int64           `json:"id"`
	ProcessInstanceID  string          `json:"process_instance_id"`
	ActivityInstanceID string          `json:"activity_instance_id,omitempty"`
	ActivityID         string          `json:"activity_id,omitempty"`
	Type               string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Actor              string          `json:"actor,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Sequence           int64           `json:"sequence"`
}

// ScheduledStart starts a new instance of a process definition on a cron schedule.
type ScheduledStart struct {
	ID             string          `json:"id"`
	DefinitionKey  string          `json:"definition_key"`
	CronExpression string          `json:"cron_expression"`
	BusinessKey    string          `json:"business_key,omitempty"`
	Starter        string          `json:"starter"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Key   string `json:"key,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing process instances.
type InstanceFilter struct {
	Status        *schema.ProcessStatus `json:"status,omitempty"`
	DefinitionKey string                `json:"definition_key,omitempty"`
	BusinessKey   string                `json:"business_key,omitempty"`
	Limit         int                   `json:"limit,omitempty"`
	Offset        int                   `json:"offset,omitempty"`
}

// ProcessInstanceUpdate specifies mutable fields of a process instance.
type ProcessInstanceUpdate struct {
	Status    *schema.ProcessStatus `json:"status,omitempty"`
	Variables map[string]any        `json:"variables,omitempty"`
	EndedAt   *time.Time            `json:"ended_at,omitempty"`
}

// HistoryFilter selects historic activity instances.
type HistoryFilter struct {
	ProcessInstanceID string              `json:"process_instance_id"`
	ActivityType      schema.ActivityType `json:"activity_type,omitempty"`
	FinishedOnly      bool                `json:"finished_only,omitempty"`
	ExcludeCanceled   bool                `json:"exclude_canceled,omitempty"`
	Descending        bool                `json:"descending,omitempty"` // order by end time, then sequence
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	ProcessInstanceID string             `json:"process_instance_id,omitempty"`
	Assignee          string             `json:"assignee,omitempty"`
	Status            *schema.TaskStatus `json:"status,omitempty"`
	Limit             int                `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ProcessInstanceID string     `json:"process_instance_id,omitempty"`
	ActivityID        string     `json:"activity_id,omitempty"`
	Since             *time.Time `json:"since,omitempty"`
	Limit             int        `json:"limit,omitempty"`
}

// ScheduledStartUpdate specifies mutable fields of a scheduled start.
type ScheduledStartUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledStartFilter specifies criteria for listing scheduled starts.
type ScheduledStartFilter struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	DefinitionKey string `json:"definition_key,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}
