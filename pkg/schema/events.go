package schema

// Event type constants for the event log.
const (
	EventProcessStarted   = "process_started"
	EventProcessCompleted = "process_completed"
	EventProcessCanceled  = "process_canceled"

	EventActivityStarted   = "activity_started"
	EventActivityWaiting   = "activity_waiting"
	EventActivityCompleted = "activity_completed"
	EventActivityCanceled  = "activity_canceled"

	EventTaskCreated   = "task_created"
	EventTaskCompleted = "task_completed"

	EventModificationApplied = "modification_applied"
	EventCommentAdded        = "comment_added"
	EventVariablesUpdated    = "variables_updated"
)

// ProcessStatus represents the lifecycle state of a process instance.
type ProcessStatus string

const (
	ProcessStatusActive    ProcessStatus = "active"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusCanceled  ProcessStatus = "canceled"
)

// ActivityState represents the lifecycle state of an activity instance.
// Waiting is used by parallel joins that hold a token until every incoming
// flow has arrived.
type ActivityState string

const (
	ActivityStateActive    ActivityState = "active"
	ActivityStateWaiting   ActivityState = "waiting"
	ActivityStateCompleted ActivityState = "completed"
	ActivityStateCanceled  ActivityState = "canceled"
)

// Live reports whether an activity instance still holds a token.
func (s ActivityState) Live() bool {
	return s == ActivityStateActive || s == ActivityStateWaiting
}

// TaskStatus represents the lifecycle state of a user task.
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCanceled  TaskStatus = "canceled"
)
