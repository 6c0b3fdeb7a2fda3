package modification

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/activity"
	"github.com/rendis/procflow/pkg/schema"
)

type recordingSubmitter struct {
	plans []Plan
	err   error
}

func (r *recordingSubmitter) SubmitModification(_ context.Context, plan Plan) error {
	r.plans = append(r.plans, plan)
	return r.err
}

func linearTree() *activity.Tree {
	return &activity.Tree{
		ProcessInstanceID: "pi-1",
		Root: &activity.Node{
			ActivityID: "ROOT", InstanceID: "i1",
			Children: []*activity.Node{{ActivityID: "C", InstanceID: "c-1"}},
		},
	}
}

func TestBuild(t *testing.T) {
	plan, err := NewPlanner(nil).Build(linearTree(), "C", "B")
	require.NoError(t, err)
	assert.Equal(t, Plan{ProcessInstanceID: "pi-1", CancelInstanceID: "c-1", ResumeActivityID: "B"}, plan)
}

func TestBuild_NotActive(t *testing.T) {
	_, err := NewPlanner(nil).Build(linearTree(), "X", "B")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "cannot be cancelled")
}

func TestBuild_EmptyTree(t *testing.T) {
	_, err := NewPlanner(nil).Build(nil, "C", "B")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = NewPlanner(nil).Build(&activity.Tree{ProcessInstanceID: "pi-1"}, "C", "B")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestBuild_BlankResume(t *testing.T) {
	_, err := NewPlanner(nil).Build(linearTree(), "C", " ")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
	assert.Contains(t, err.Error(), "resume_activity_id")
}

func TestWithdraw_CancelsRootAndResumesSameTask(t *testing.T) {
	sub := &recordingSubmitter{}
	tree := &activity.Tree{
		ProcessInstanceID: "pi-1",
		Root:              &activity.Node{ActivityID: "ROOT", InstanceID: "i1"},
	}

	plan, err := NewPlanner(sub).Withdraw(context.Background(), tree, "ROOT")
	require.NoError(t, err)
	assert.Equal(t, "i1", plan.CancelInstanceID)
	assert.Equal(t, "ROOT", plan.ResumeActivityID)
	require.Len(t, sub.plans, 1)
	assert.Equal(t, plan, sub.plans[0])
}

func TestReject_SubmitsOnePlan(t *testing.T) {
	sub := &recordingSubmitter{}
	plan, err := NewPlanner(sub).Reject(context.Background(), linearTree(), "C", "B")
	require.NoError(t, err)
	require.Len(t, sub.plans, 1)
	assert.Equal(t, Plan{ProcessInstanceID: "pi-1", CancelInstanceID: "c-1", ResumeActivityID: "B"}, plan)
}

func TestReject_NothingSubmittedWhenNodeMissing(t *testing.T) {
	sub := &recordingSubmitter{}
	_, err := NewPlanner(sub).Reject(context.Background(), linearTree(), "missing", "B")
	require.Error(t, err)
	assert.Empty(t, sub.plans)
}

func TestSubmit_PropagatesConsistencyFailure(t *testing.T) {
	stale := schema.NewError(schema.ErrCodeConsistency, "activity instance c-1 is no longer active")
	sub := &recordingSubmitter{err: stale}

	_, err := NewPlanner(sub).Reject(context.Background(), linearTree(), "C", "B")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConsistency))
	assert.Len(t, sub.plans, 1, "no retry")
}

func TestSubmit_PartialApplyIsConsistencyFailure(t *testing.T) {
	sub := &recordingSubmitter{err: fmt.Errorf("engine: %w", ErrPartialApply)}

	plan, err := NewPlanner(sub).Reject(context.Background(), linearTree(), "C", "B")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConsistency))
	assert.True(t, errors.Is(err, ErrPartialApply))
	assert.Equal(t, "c-1", plan.CancelInstanceID)
	assert.Len(t, sub.plans, 1)
}

func TestPlanValidate(t *testing.T) {
	err := Plan{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process_instance_id, cancel_instance_id, resume_activity_id")
	assert.NoError(t, Plan{ProcessInstanceID: "p", CancelInstanceID: "c", ResumeActivityID: "r"}.Validate())
}

func TestApply_IncompletePlanIsNotSubmitted(t *testing.T) {
	sub := &recordingSubmitter{}
	err := NewPlanner(sub).Apply(context.Background(), Plan{ProcessInstanceID: "pi-1", CancelInstanceID: "c-1"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
	assert.Empty(t, sub.plans)
}
