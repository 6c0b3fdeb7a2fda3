// Package audit attaches human-readable notes to tasks before a process
// instance is modified.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/pkg/schema"
)

// Notes recorded ahead of a modification.
const (
	NoteWithdraw = "withdraw"
	NoteReject   = "reject"
)

// Comment is an audit note attached to a task.
type Comment struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"task_id"`
	ProcessInstanceID string    `json:"process_instance_id"`
	Actor             string    `json:"actor,omitempty"`
	Message           string    `json:"message"`
	CreatedAt         time.Time `json:"created_at"`
}

// CommentStore persists comments. RecordComment must return only after the
// comment is durable.
type CommentStore interface {
	RecordComment(ctx context.Context, c *Comment) error
}

// Recorder writes audit notes.
type Recorder struct {
	store CommentStore
	now   func() time.Time
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s CommentStore) *Recorder {
	return &Recorder{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Record attaches note (optionally followed by ": reason") to the task.
func (r *Recorder) Record(ctx context.Context, taskID, processInstanceID, actor, note, reason string) (*Comment, error) {
	msg := note
	if reason = strings.TrimSpace(reason); reason != "" {
		msg = note + ": " + reason
	}
	c := &Comment{
		ID:                uuid.New().String(),
		TaskID:            taskID,
		ProcessInstanceID: processInstanceID,
		Actor:             actor,
		Message:           msg,
		CreatedAt:         r.now(),
	}
	if err := r.store.RecordComment(ctx, c); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "record %s comment: %s", note, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"task_id": taskID, "process_instance_id": processInstanceID})
	}
	return c, nil
}
