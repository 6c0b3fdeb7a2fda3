package store

import (
	"context"
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// EventLog provides event-sourcing reads on top of a LibSQLStore.
// Writes go through Tx.AppendEvent so they commit with the state change they describe.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// GetEvents returns events for a process instance with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, processInstanceID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, processInstanceID, since)
}

// ReplayEvents replays all events for a process instance and returns the
// reconstructed state of each activity instance, keyed by activity instance ID.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, processInstanceID string) (map[string]schema.ActivityState, error) {
	events, err := el.store.GetEvents(ctx, processInstanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in process instance %s: expected %d, got %d", processInstanceID, expected, e.Sequence)
		}
	}

	states := make(map[string]schema.ActivityState)
	for _, e := range events {
		if e.ActivityInstanceID == "" {
			continue
		}
		switch e.Type {
		case schema.EventActivityStarted:
			states[e.ActivityInstanceID] = schema.ActivityStateActive
		case schema.EventActivityWaiting:
			states[e.ActivityInstanceID] = schema.ActivityStateWaiting
		case schema.EventActivityCompleted:
			states[e.ActivityInstanceID] = schema.ActivityStateCompleted
		case schema.EventActivityCanceled:
			states[e.ActivityInstanceID] = schema.ActivityStateCanceled
		}
	}
	return states, nil
}

// Verify replays the log and compares it with the live activity instances.
// A mismatch means a state change was persisted without its event.
func (el *EventLog) Verify(ctx context.Context, processInstanceID string) error {
	states, err := el.ReplayEvents(ctx, processInstanceID)
	if err != nil {
		return err
	}
	live, err := el.store.ListLiveActivityInstances(ctx, processInstanceID)
	if err != nil {
		return err
	}

	liveIDs := make(map[string]bool, len(live))
	for _, ai := range live {
		liveIDs[ai.ID] = true
		if got := states[ai.ID]; got != ai.State {
			return schema.NewErrorf(schema.ErrCodeConsistency,
				"activity instance %s is %s but the event log says %q", ai.ID, ai.State, got)
		}
	}
	for id, st := range states {
		if st.Live() && !liveIDs[id] {
			return schema.NewErrorf(schema.ErrCodeConsistency,
				"event log has activity instance %s %s but it is not live", id, st)
		}
	}
	return nil
}
