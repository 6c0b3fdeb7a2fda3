package store

import (
	"context"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	Reader

	// Definitions
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	GetLatestDefinition(ctx context.Context, key string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)

	// Process instances
	ListProcessInstances(ctx context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error)

	// History and tasks
	ListHistory(ctx context.Context, filter HistoryFilter) ([]*ActivityInstance, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Comments
	ListComments(ctx context.Context, processInstanceID string) ([]*Comment, error)

	// Event log (append-only)
	GetEvents(ctx context.Context, processInstanceID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Scheduled starts
	CreateScheduledStart(ctx context.Context, s *ScheduledStart) error
	GetScheduledStart(ctx context.Context, id string) (*ScheduledStart, error)
	UpdateScheduledStart(ctx context.Context, id string, update ScheduledStartUpdate) error
	ListScheduledStarts(ctx context.Context, filter ScheduledStartFilter) ([]*ScheduledStart, error)
	DeleteScheduledStart(ctx context.Context, id string) error

	// WithTx runs fn inside one transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Reader holds the queries available both on the store and inside a transaction.
type Reader interface {
	GetProcessInstance(ctx context.Context, id string) (*schema.ProcessInstance, error)
	GetActivityInstance(ctx context.Context, id string) (*ActivityInstance, error)
	ListLiveActivityInstances(ctx context.Context, processInstanceID string) ([]*ActivityInstance, error)
	GetTask(ctx context.Context, id string) (*Task, error)
}

// Tx is the write surface used by the engine. Every mutation of a process
// instance goes through one Tx so that it applies fully or not at all.
type Tx interface {
	Reader

	InsertProcessInstance(ctx context.Context, pi *schema.ProcessInstance) error
	UpdateProcessInstance(ctx context.Context, id string, update ProcessInstanceUpdate) error

	// InsertActivityInstance assigns the next per-instance Sequence.
	InsertActivityInstance(ctx context.Context, ai *ActivityInstance) error
	SetActivityState(ctx context.Context, id string, state schema.ActivityState, endTime *time.Time) error

	InsertTask(ctx context.Context, t *Task) error
	CloseTask(ctx context.Context, id string, status schema.TaskStatus, by string, at time.Time) error
	ListTasksForActivity(ctx context.Context, activityInstanceID string) ([]*Task, error)

	InsertComment(ctx context.Context, c *Comment) error

	// AppendEvent assigns the next per-instance Sequence.
	AppendEvent(ctx context.Context, event *Event) error
}
