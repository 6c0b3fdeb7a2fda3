package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func appendEvents(t *testing.T, s *LibSQLStore, events ...*Event) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		for _, e := range events {
			if err := tx.AppendEvent(context.Background(), e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendEvents(t, s, &Event{ProcessInstanceID: "pi-1", Type: schema.EventVariablesUpdated})
	}
	appendEvents(t, s, &Event{ProcessInstanceID: "pi-2", Type: schema.EventProcessStarted})

	events, err := el.GetEvents(ctx, "pi-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	since, err := el.GetEvents(ctx, "pi-1", 3)
	require.NoError(t, err)
	assert.Len(t, since, 2)

	other, err := el.GetEvents(ctx, "pi-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestEventLog_ConcurrentAppend(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx Tx) error {
				return tx.AppendEvent(ctx, &Event{ProcessInstanceID: "pi-c", Type: schema.EventCommentAdded})
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := el.GetEvents(ctx, "pi-c", 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_GetEventsByType(t *testing.T) {
	_, s := newTestEventLog(t)
	appendEvents(t, s,
		&Event{ProcessInstanceID: "pi-1", ActivityID: "draft", Type: schema.EventTaskCreated, Payload: []byte(`{"assignee":"alice"}`)},
		&Event{ProcessInstanceID: "pi-1", ActivityID: "review", Type: schema.EventTaskCreated},
		&Event{ProcessInstanceID: "pi-1", Type: schema.EventProcessStarted},
	)

	got, err := s.GetEventsByType(context.Background(), schema.EventTaskCreated, EventFilter{ProcessInstanceID: "pi-1", ActivityID: "draft"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"assignee":"alice"}`, string(got[0].Payload))
}

func TestEventLog_ReplayAndVerify(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	pi := seedInstance(t, s)

	var draft, review *ActivityInstance
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		draft = &ActivityInstance{ProcessInstanceID: pi.ID, ActivityID: "draft",
			ActivityType: schema.ActivityUserTask, State: schema.ActivityStateActive}
		if err := tx.InsertActivityInstance(ctx, draft); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{ProcessInstanceID: pi.ID, ActivityInstanceID: draft.ID, Type: schema.EventActivityStarted}); err != nil {
			return err
		}
		if err := tx.SetActivityState(ctx, draft.ID, schema.ActivityStateCompleted, nil); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{ProcessInstanceID: pi.ID, ActivityInstanceID: draft.ID, Type: schema.EventActivityCompleted}); err != nil {
			return err
		}
		review = &ActivityInstance{ProcessInstanceID: pi.ID, ActivityID: "review",
			ActivityType: schema.ActivityUserTask, State: schema.ActivityStateActive}
		if err := tx.InsertActivityInstance(ctx, review); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &Event{ProcessInstanceID: pi.ID, ActivityInstanceID: review.ID, Type: schema.EventActivityStarted})
	}))

	states, err := el.ReplayEvents(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActivityStateCompleted, states[draft.ID])
	assert.Equal(t, schema.ActivityStateActive, states[review.ID])
	require.NoError(t, el.Verify(ctx, pi.ID))

	// A state change persisted without its event is detected.
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.SetActivityState(ctx, review.ID, schema.ActivityStateCanceled, nil)
	}))
	err = el.Verify(ctx, pi.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConsistency))
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	appendEvents(t, s,
		&Event{ProcessInstanceID: "pi-g", Type: schema.EventProcessStarted},
		&Event{ProcessInstanceID: "pi-g", Type: schema.EventVariablesUpdated},
	)
	_, err := s.DB().ExecContext(ctx, `DELETE FROM events WHERE process_instance_id = ? AND sequence = 1`, "pi-g")
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, "pi-g")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el, _ := newTestEventLog(t)
	states, err := el.ReplayEvents(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, states)
}
