package engine

import (
	"context"
	"sync"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by store.Tx; used by FSMs to emit events on transitions.
// It is passed per call so that the event commits with the state change.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Process FSM ---

type processHookKey struct {
	from, to schema.ProcessStatus
}

// ProcessFSM manages process instance lifecycle state transitions.
type ProcessFSM struct {
	mu     sync.Mutex
	before map[processHookKey][]TransitionHook
	after  map[processHookKey][]TransitionHook
}

// NewProcessFSM creates a new ProcessFSM.
func NewProcessFSM() *ProcessFSM {
	return &ProcessFSM{
		before: make(map[processHookKey][]TransitionHook),
		after:  make(map[processHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a process transition.
func (f *ProcessFSM) OnBefore(from, to schema.ProcessStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := processHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a process transition.
func (f *ProcessFSM) OnAfter(from, to schema.ProcessStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := processHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a process transition and emits its event through app.
// The caller persists the new status in the same transaction.
// An empty from means the instance is being created.
func (f *ProcessFSM) Transition(ctx context.Context, app EventAppender, processInstanceID string, from, to schema.ProcessStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidProcessTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid process transition: %q -> %q", from, to).
			WithDetails(map[string]any{"process_instance_id": processInstanceID, "from": string(from), "to": string(to)})
	}

	key := processHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := processEventType(to); eventType != "" {
		event := &store.Event{
			ProcessInstanceID: processInstanceID,
			Type:              eventType,
		}
		if err := app.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit process event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidProcessTransition(from, to schema.ProcessStatus) bool {
	allowed, ok := ValidProcessTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func processEventType(to schema.ProcessStatus) string {
	switch to {
	case schema.ProcessStatusActive:
		return schema.EventProcessStarted
	case schema.ProcessStatusCompleted:
		return schema.EventProcessCompleted
	case schema.ProcessStatusCanceled:
		return schema.EventProcessCanceled
	default:
		return ""
	}
}

// --- Activity FSM ---

type activityHookKey struct {
	from, to schema.ActivityState
}

// ActivityFSM manages activity instance state transitions.
type ActivityFSM struct {
	mu     sync.Mutex
	before map[activityHookKey][]TransitionHook
	after  map[activityHookKey][]TransitionHook
}

// NewActivityFSM creates a new ActivityFSM.
func NewActivityFSM() *ActivityFSM {
	return &ActivityFSM{
		before: make(map[activityHookKey][]TransitionHook),
		after:  make(map[activityHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an activity transition.
func (f *ActivityFSM) OnBefore(from, to schema.ActivityState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := activityHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an activity transition.
func (f *ActivityFSM) OnAfter(from, to schema.ActivityState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := activityHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates an activity transition and emits its event through app.
// An empty from means the instance is being created.
func (f *ActivityFSM) Transition(ctx context.Context, app EventAppender, ai *store.ActivityInstance, from, to schema.ActivityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidActivityTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid activity transition: %q -> %q", from, to).
			WithDetails(map[string]any{
				"process_instance_id":  ai.ProcessInstanceID,
				"activity_instance_id": ai.ID,
				"activity_id":          ai.ActivityID,
				"from":                 string(from),
				"to":                   string(to),
			})
	}

	key := activityHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := activityEventType(to); eventType != "" {
		event := &store.Event{
			ProcessInstanceID:  ai.ProcessInstanceID,
			ActivityInstanceID: ai.ID,
			ActivityID:         ai.ActivityID,
			Type:               eventType,
		}
		if err := app.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit activity event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidActivityTransition(from, to schema.ActivityState) bool {
	allowed, ok := ValidActivityTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func activityEventType(to schema.ActivityState) string {
	switch to {
	case schema.ActivityStateActive:
		return schema.EventActivityStarted
	case schema.ActivityStateWaiting:
		return schema.EventActivityWaiting
	case schema.ActivityStateCompleted:
		return schema.EventActivityCompleted
	case schema.ActivityStateCanceled:
		return schema.EventActivityCanceled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidProcessTransitions defines the allowed state transitions for process instances.
var ValidProcessTransitions = map[schema.ProcessStatus][]schema.ProcessStatus{
	"":                            {schema.ProcessStatusActive},
	schema.ProcessStatusActive:    {schema.ProcessStatusCompleted, schema.ProcessStatusCanceled},
	schema.ProcessStatusCompleted: {},
	schema.ProcessStatusCanceled:  {},
}

// ValidActivityTransitions defines the allowed state transitions for activity instances.
var ValidActivityTransitions = map[schema.ActivityState][]schema.ActivityState{
	"":                            {schema.ActivityStateActive, schema.ActivityStateWaiting},
	schema.ActivityStateActive:    {schema.ActivityStateCompleted, schema.ActivityStateCanceled},
	schema.ActivityStateWaiting:   {schema.ActivityStateCompleted, schema.ActivityStateCanceled},
	schema.ActivityStateCompleted: {},
	schema.ActivityStateCanceled:  {},
}
