package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplan/internal/model"
	"taskplan/internal/recurrence"
)

func TestEnsureRecurringTasks_DailyFillsHorizonOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
	})

	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	// Seed on the due date itself plus one per day up to the horizon.
	assert.Len(t, created, 8)

	seen := map[time.Time]bool{}
	horizon := today.AddDate(0, 0, 7)
	for _, inst := range created {
		require.NotNil(t, inst.DueDate)
		due := *inst.DueDate
		assert.False(t, due.Before(today))
		assert.False(t, due.After(horizon))
		assert.False(t, seen[due], "duplicate instance on %s", due)
		seen[due] = true
		assert.Equal(t, tpl.Title, inst.Title)
		assert.Equal(t, model.StatusNotStarted, inst.Status)
		assert.Equal(t, model.RecurNone, inst.RecurrenceType)
		require.NotNil(t, inst.RecurringParentID)
		assert.Equal(t, tpl.ID, *inst.RecurringParentID)
	}

	// Re-running is a no-op: same templates, same horizon, nothing new.
	created, err = f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, f.instancesOf(t, tpl.ID), 8)

	// The watermark landed on the last produced date.
	tpl = f.reload(t, tpl.ID)
	require.NotNil(t, tpl.LastGeneratedDate)
	assert.Equal(t, horizon, recurrence.DateOnly(*tpl.LastGeneratedDate))
}

func TestEnsureRecurringTasks_StopsAtEndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)
	end := today.AddDate(0, 0, 2)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
		tpl.RecurrenceEndDate = &end
	})

	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	require.Len(t, created, 3)
	for _, inst := range created {
		assert.False(t, inst.DueDate.After(end), "instance past the end date")
	}

	created, err = f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, f.instancesOf(t, tpl.ID), 3)
}

func TestEnsureRecurringTasks_WeeklyWithoutDueDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)
	wd := int(time.Wednesday)

	f.createTemplate(t, func(tpl *model.Task) {
		tpl.RecurrenceType = model.RecurWeekly
		tpl.RecurrenceWeekday = &wd
	})

	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NotNil(t, created[0].DueDate)
	assert.Equal(t, time.Wednesday, created[0].DueDate.Weekday())
	assert.True(t, created[0].DueDate.After(today), "first occurrence is strictly ahead of today")
}

func TestEnsureRecurringTasks_DueDateBeyondHorizonWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.RecurrenceType = model.RecurMonthly
		tpl.DueDate = datePtr(today.AddDate(0, 0, 30))
	})

	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	assert.Empty(t, created)

	// The watermark stays unset so the seed survives until it enters range.
	tpl = f.reload(t, tpl.ID)
	assert.Nil(t, tpl.LastGeneratedDate)
}

func TestEnsureRecurringTasks_MissedOccurrencesNotBackfilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today.AddDate(0, 0, -10))
	})

	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	require.Len(t, created, 8)
	for _, inst := range created {
		assert.False(t, inst.DueDate.Before(today), "overdue occurrence was backfilled")
	}
}

func TestEnsureRecurringTasks_ConcurrentCallsGenerateOneSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
	})

	var wg sync.WaitGroup
	counts := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
			counts[i] = len(created)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 8, counts[0]+counts[1], "the two racing calls must split one set, not double it")
	assert.Len(t, f.instancesOf(t, tpl.ID), 8)
}

func TestCompletionBased_SinglePendingInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
		tpl.CompletionBased = true
	})

	created, err := f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	require.Len(t, created, 1, "completion-based templates keep one live instance")
	assert.Equal(t, today, *created[0].DueDate)

	// Still pending, so nothing more appears.
	created, err = f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, f.instancesOf(t, tpl.ID), 1)
}

func TestCompletionBased_NextInstanceFollowsCompletion(t *testing.T) {
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

	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, created[0].ID, model.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)

	// The cascade reports the freshly generated sibling, anchored at the
	// completion date.
	require.Len(t, result.Cascaded, 1)
	next := result.Cascaded[0]
	require.NotNil(t, next.RecurringParentID)
	assert.Equal(t, tpl.ID, *next.RecurringParentID)
	require.NotNil(t, next.DueDate)
	assert.Equal(t, today.AddDate(0, 0, 1), *next.DueDate)

	// One pending again; the materializer stays quiet.
	created, err = f.planner.EnsureRecurringTasks(ctx, f.user.ID, 7)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, f.instancesOf(t, tpl.ID), 2)
}

func TestCompletionBased_RecompletionDoesNotStackSiblings(t *testing.T) {
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

	// First completion spawns the sibling.
	result, err := f.status.ApplyStatusChange(ctx, f.user.ID, inst.ID, model.StatusDone)
	require.NoError(t, err)
	require.Len(t, result.Cascaded, 1)

	// Reopen and complete again: the sibling is still pending, so no third
	// instance appears.
	_, err = f.status.ApplyStatusChange(ctx, f.user.ID, inst.ID, model.StatusNotStarted)
	require.NoError(t, err)
	result, err = f.status.ApplyStatusChange(ctx, f.user.ID, inst.ID, model.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, result.Cascaded)
	assert.Empty(t, result.Warnings)

	instances := f.instancesOf(t, tpl.ID)
	require.Len(t, instances, 2)
	pending := 0
	for _, in := range instances {
		if in.Status != model.StatusDone && in.Status != model.StatusArchived {
			pending++
		}
	}
	assert.Equal(t, 1, pending, "exactly one live sibling after re-completion")
}

func TestGenerateNextInstance_IgnoresScheduledTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := recurrence.Today(time.UTC)

	tpl := f.createTemplate(t, func(tpl *model.Task) {
		tpl.DueDate = datePtr(today)
	})

	inst, err := f.planner.GenerateNextInstance(ctx, f.user, tpl.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, inst, "scheduled templates generate on the sweep, not on completion")
}
