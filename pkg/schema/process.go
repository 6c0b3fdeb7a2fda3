package schema

import (
	"encoding/json"
	"time"
)

// ProcessDefinition is the JSON-serializable process model deployed via procflow.deploy.
type ProcessDefinition struct {
	ID          string               `json:"id,omitempty"` // assigned on deploy: key:version
	Key         string               `json:"key"`
	Version     int                  `json:"version,omitempty"` // assigned on deploy
	Name        string               `json:"name,omitempty"`
	Activities  []ActivityDefinition `json:"activities"`
	Flows       []SequenceFlow       `json:"flows"`
	InputSchema json.RawMessage      `json:"input_schema,omitempty"` // JSON Schema for start variables
}

// ActivityDefinition describes one node of the process graph.
type ActivityDefinition struct {
	ID       string       `json:"id"`
	Type     ActivityType `json:"type"`
	Name     string       `json:"name,omitempty"`
	Parent   string       `json:"parent,omitempty"`   // enclosing subProcess, empty for the process scope
	Assignee string       `json:"assignee,omitempty"` // jq expression over process variables (userTask only)
}

// ActivityType enumerates the kinds of process graph nodes.
type ActivityType string

const (
	ActivityStartEvent       ActivityType = "startEvent"
	ActivityEndEvent         ActivityType = "endEvent"
	ActivityUserTask         ActivityType = "userTask"
	ActivityServiceTask      ActivityType = "serviceTask"
	ActivityExclusiveGateway ActivityType = "exclusiveGateway"
	ActivityParallelGateway  ActivityType = "parallelGateway"
	ActivitySubProcess       ActivityType = "subProcess"

	// ActivityProcess is the type reported for the root node of an activity tree.
	ActivityProcess ActivityType = "process"
)

// SequenceFlow connects two activities in the same scope.
type SequenceFlow struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Language  string `json:"language,omitempty"` // cel | expr (default: cel)
	Default   bool   `json:"default,omitempty"`  // taken by an exclusive gateway when no condition holds
}

// ProcessInstance is the externally visible view of a running or finished instance.
type ProcessInstance struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definition_id"`
	DefinitionKey string         `json:"definition_key"`
	BusinessKey   string         `json:"business_key,omitempty"`
	Starter       string         `json:"starter,omitempty"`
	Status        ProcessStatus  `json:"status"`
	Variables     map[string]any `json:"variables,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the instance has reached a terminal status.
func (p *ProcessInstance) Ended() bool {
	return p.Status == ProcessStatusCompleted || p.Status == ProcessStatusCanceled
}

// TaskSummary describes an open user task.
type TaskSummary struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name,omitempty"`
	TaskDefinitionKey  string    `json:"task_definition_key"`
	Assignee           string    `json:"assignee,omitempty"`
	ProcessInstanceID  string    `json:"process_instance_id"`
	ActivityInstanceID string    `json:"activity_instance_id"`
	CreatedAt          time.Time `json:"created_at"`
}
