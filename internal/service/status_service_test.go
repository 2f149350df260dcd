package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplan/internal/model"
	"taskplan/internal/recurrence"
)

func (f *fixture) createParentWithSubtasks(t *testing.T, n int) (*model.Task, []*model.Task) {
	t.Helper()
	parent := f.createTask(t, func(task *model.Task) {
		task.Title = "Trip preparation"
	})
	subs := make([]*model.Task, 0, n)
	for i := 0; i < n; i++ {
		subs = append(subs, f.createTask(t, func(task *model.Task) {
			task.Title = "Step"
			task.ParentTaskID = &parent.ID
		}))
	}
	return parent, subs
}

func TestApplyStatusChange_LastSubtaskCompletesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent, subs := f.createParentWithSubtasks(t, 2)

	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, subs[0].ID, model.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, result.Cascaded, "parent stays open while a sibling is open")
	assert.Equal(t, model.StatusNotStarted, f.reload(t, parent.ID).Status)

	result, err = f.status.ApplyStatusChange(ctx, f.user.ID, subs[1].ID, model.StatusDone)
	require.NoError(t, err)
	require.Len(t, result.Cascaded, 1)
	assert.Equal(t, parent.ID, result.Cascaded[0].ID)

	got := f.reload(t, parent.ID)
	assert.Equal(t, model.StatusDone, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestApplyStatusChange_ReopeningSubtaskReopensParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent, subs := f.createParentWithSubtasks(t, 2)

	for _, sub := range subs {
		_, err := f.status.ApplyStatusChange(ctx, f.user.ID, sub.ID, model.StatusDone)
		require.NoError(t, err)
	}
	require.Equal(t, model.StatusDone, f.reload(t, parent.ID).Status)

	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, subs[0].ID, model.StatusNotStarted)
	require.NoError(t, err)
	require.Len(t, result.Cascaded, 1)
	assert.Equal(t, parent.ID, result.Cascaded[0].ID)

	got := f.reload(t, parent.ID)
	assert.Equal(t, model.StatusNotStarted, got.Status)
	assert.Nil(t, got.CompletedAt)

	// The other subtask keeps its completion.
	assert.Equal(t, model.StatusDone, f.reload(t, subs[1].ID).Status)
}

func TestApplyStatusChange_ParentCompletionForcesSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent, subs := f.createParentWithSubtasks(t, 3)

	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, parent.ID, model.StatusDone)
	require.NoError(t, err)
	assert.Len(t, result.Cascaded, 3)

	for _, sub := range subs {
		got := f.reload(t, sub.ID)
		assert.Equal(t, model.StatusDone, got.Status)
		require.NotNil(t, got.CompletedAt)
	}
}

func TestApplyStatusChange_ParentReopenReopensDoneSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent, subs := f.createParentWithSubtasks(t, 2)

	_, err := f.status.ApplyStatusChange(ctx, f.user.ID, parent.ID, model.StatusDone)
	require.NoError(t, err)

	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, parent.ID, model.StatusInProgress)
	require.NoError(t, err)

	for _, sub := range subs {
		got := f.reload(t, sub.ID)
		assert.Equal(t, model.StatusNotStarted, got.Status)
		assert.Nil(t, got.CompletedAt)
	}
}

func TestApplyStatusChange_ArchivedIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, nil)

	_, err := f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusArchived)
	require.NoError(t, err)

	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusInProgress)
	require.ErrorIs(t, err, ErrStatusTransition)
	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusDone)
	require.ErrorIs(t, err, ErrStatusTransition)
}

func TestApplyStatusChange_DoneCannotBeArchivedDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, nil)

	_, err := f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusDone)
	require.NoError(t, err)

	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusArchived)
	require.ErrorIs(t, err, ErrStatusTransition)
	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusWaiting)
	require.ErrorIs(t, err, ErrStatusTransition)

	// Done only reopens to not_started or in_progress.
	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusInProgress)
	require.NoError(t, err)
}

func TestApplyStatusChange_TemplateCannotBeCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)
	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
	})

	_, err := f.status.ApplyStatusChange(ctx, f.user.ID, tpl.ID, model.StatusDone)
	require.ErrorIs(t, err, ErrStatusTransition)
	assert.Equal(t, model.StatusNotStarted, f.reload(t, tpl.ID).Status)
}

func TestApplyStatusChange_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, nil)

	_, err := f.status.ApplyStatusChange(context.Background(), f.user.ID, task.ID, model.TaskStatus("paused"))
	require.ErrorIs(t, err, ErrStatusTransition)
}

func TestApplyStatusChange_SameStatusIsNoOp(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, nil)

	result, err := f.status.ApplyStatusChange(context.Background(), f.user.ID, task.ID, model.StatusNotStarted)
	require.NoError(t, err)
	assert.Empty(t, result.Cascaded)
	assert.Equal(t, model.StatusNotStarted, result.Task.Status)
}

func TestApplyStatusChange_CompletedAtTracksDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, nil)

	_, err := f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusDone)
	require.NoError(t, err)
	require.NotNil(t, f.reload(t, task.ID).CompletedAt)

	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, task.ID, model.StatusNotStarted)
	require.NoError(t, err)
	assert.Nil(t, f.reload(t, task.ID).CompletedAt)
}

func TestApplyStatusChange_LastSubtaskOfInstanceGeneratesNextSibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
		tpl.CompletionBased = true
	})
	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	require.Len(t, created, 1)
	inst := created[0]

	sub := f.createTask(t, func(task *model.Task) {
		task.Title = "Checklist item"
		task.ParentTaskID = &inst.ID
	})

	// Completing the last subtask closes the parent instance, and that
	// completion generates the next sibling just like a direct completion.
	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, sub.ID, model.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Cascaded, 2)

	assert.Equal(t, inst.ID, result.Cascaded[0].ID)
	assert.Equal(t, model.StatusDone, result.Cascaded[0].Status)

	next := result.Cascaded[1]
	require.NotNil(t, next.RecurringParentID)
	assert.Equal(t, tpl.ID, *next.RecurringParentID)
	require.NotNil(t, next.DueDate)
	assert.Equal(t, today.AddDate(0, 0, 1), *next.DueDate)

	assert.Len(t, f.instancesOf(t, tpl.ID), 2)
}

func TestApplyStatusChange_CascadeSkipsArchivedSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent, subs := f.createParentWithSubtasks(t, 2)

	_, err := f.status.ApplyStatusChange(ctx, f.user.ID, subs[0].ID, model.StatusArchived)
	require.NoError(t, err)

	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, parent.ID, model.StatusDone)
	require.NoError(t, err)
	require.Len(t, result.Cascaded, 1, "archived subtask must not be reported")
	assert.Equal(t, subs[1].ID, result.Cascaded[0].ID)

	archived := f.reload(t, subs[0].ID)
	assert.Equal(t, model.StatusArchived, archived.Status)
	assert.Nil(t, archived.CompletedAt)

	// The mirror: reopening the parent touches only the done subtask.
	result, err = f.status.ApplyStatusChange(ctx, f.user.ID, parent.ID, model.StatusNotStarted)
	require.NoError(t, err)
	require.Len(t, result.Cascaded, 1)
	assert.Equal(t, subs[1].ID, result.Cascaded[0].ID)
	assert.Equal(t, model.StatusArchived, f.reload(t, subs[0].ID).Status)
}

func TestApplyStatusChange_InstanceCompletionDoesNotTouchScheduledTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
	})
	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	require.NotEmpty(t, created)
	before := len(f.instancesOf(t, tpl.ID))

	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, created[0].ID, model.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, result.Cascaded, "scheduled instances complete without generating siblings")
	assert.Equal(t, model.StatusNotStarted, f.reload(t, tpl.ID).Status)
	assert.Len(t, f.instancesOf(t, tpl.ID), before)
}
