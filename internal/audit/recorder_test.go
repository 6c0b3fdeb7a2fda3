package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

type memComments struct {
	comments []*Comment
	err      error
}

func (m *memComments) RecordComment(_ context.Context, c *Comment) error {
	if m.err != nil {
		return m.err
	}
	m.comments = append(m.comments, c)
	return nil
}

func TestRecord(t *testing.T) {
	store := &memComments{}
	c, err := NewRecorder(store).Record(context.Background(), "task-1", "pi-1", "alice", NoteReject, "")
	require.NoError(t, err)
	require.Len(t, store.comments, 1)
	assert.Equal(t, "reject", c.Message)
	assert.Equal(t, "task-1", c.TaskID)
	assert.Equal(t, "pi-1", c.ProcessInstanceID)
	assert.Equal(t, "alice", c.Actor)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestRecord_WithReason(t *testing.T) {
	store := &memComments{}
	c, err := NewRecorder(store).Record(context.Background(), "task-1", "pi-1", "", NoteWithdraw, "  sent too early ")
	require.NoError(t, err)
	assert.Equal(t, "withdraw: sent too early", c.Message)
}

func TestRecord_StoreFailure(t *testing.T) {
	store := &memComments{err: errors.New("locked")}
	c, err := NewRecorder(store).Record(context.Background(), "task-1", "pi-1", "", NoteReject, "")
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "record reject comment")
}
