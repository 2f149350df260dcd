package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskplan/internal/lock"
	"taskplan/internal/model"
	"taskplan/internal/recurrence"
	"taskplan/internal/repository"
)

// PlannerService turns recurring templates into concrete dated instances on
// a rolling horizon. Materialization is idempotent and runs inside a
// per-user critical section, so concurrent triggers (a list request racing
// the periodic sweep) cannot double-generate.
type PlannerService struct {
	tasks       *repository.TaskRepository
	users       *repository.UserRepository
	locker      lock.UserLocker
	horizonDays int
}

func NewPlannerService(tasks *repository.TaskRepository, users *repository.UserRepository, locker lock.UserLocker, horizonDays int) *PlannerService {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	return &PlannerService{tasks: tasks, users: users, locker: locker, horizonDays: horizonDays}
}

// EnsureRecurringTasks guarantees instances exist up to horizonDays ahead
// and returns the ones created by this call. Safe to call on every read
// path; an empty result is the common case. horizonDays <= 0 falls back to
// the configured default.
func (s *PlannerService) EnsureRecurringTasks(ctx context.Context, userID uint, horizonDays int) ([]model.Task, error) {
	if horizonDays <= 0 {
		horizonDays = s.horizonDays
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user %d: %w", userID, err)
	}

	var created []model.Task
	err = s.locker.WithLock(ctx, userID, func() error {
		var innerErr error
		created, innerErr = s.materialize(ctx, user, horizonDays)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PlannerService) materialize(ctx context.Context, user *model.User, horizonDays int) ([]model.Task, error) {
	today := recurrence.Today(user.Location())
	horizon := today.AddDate(0, 0, horizonDays)

	templates, err := s.tasks.ListTemplates(ctx, user.ID, today)
	if err != nil {
		return nil, err
	}

	var created []model.Task
	for i := range templates {
		tpl := &templates[i]
		rule := recurrence.FromTask(tpl)
		if !rule.Active() {
			continue
		}

		// One transaction per template: new instances and the watermark
		// advance commit together, so a crash can resume cleanly.
		var made []model.Task
		err := s.tasks.Transaction(ctx, func(tx *repository.TaskRepository) error {
			var txErr error
			if rule.CompletionBased {
				made, txErr = s.materializeCompletionBased(ctx, tx, tpl, rule, today, horizon)
			} else {
				made, txErr = s.materializeScheduled(ctx, tx, tpl, rule, today, horizon)
			}
			return txErr
		})
		if err != nil {
			return created, fmt.Errorf("materialize template %d: %w", tpl.ID, err)
		}
		created = append(created, made...)
	}
	return created, nil
}

// materializeScheduled walks the calendar cadence from the watermark (or
// the template's own due date on first run) up to the horizon, creating
// any instance that does not exist yet.
func (s *PlannerService) materializeScheduled(ctx context.Context, tx *repository.TaskRepository, tpl *model.Task, rule recurrence.Rule, today, horizon time.Time) ([]model.Task, error) {
	var created []model.Task

	// The cursor stays pinned to the watermark so anchor-relative rules keep
	// their cadence; candidates before today advance the cursor without
	// creating anything (missed occurrences are not backfilled).
	anchor := today
	if tpl.LastGeneratedDate != nil {
		anchor = recurrence.DateOnly(*tpl.LastGeneratedDate)
	} else if tpl.DueDate != nil {
		due := recurrence.DateOnly(*tpl.DueDate)
		if due.After(horizon) {
			// First occurrence not in range yet; leave the watermark unset.
			return nil, nil
		}
		// The template's due date is the first occurrence.
		if !due.Before(today) && withinEnd(rule, due) {
			inst, err := s.createInstance(ctx, tx, tpl, due)
			if err != nil {
				return nil, err
			}
			if inst != nil {
				created = append(created, *inst)
			}
		}
		anchor = due
	}

	cursor := anchor
	watermark := anchor
	for {
		next, ok := recurrence.NextDueDate(rule, cursor)
		if !ok || next.After(horizon) {
			break
		}
		cursor = next
		watermark = next
		if next.Before(today) {
			// Catching up from a stale anchor; missed occurrences are not
			// backfilled.
			continue
		}
		inst, err := s.createInstance(ctx, tx, tpl, next)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			created = append(created, *inst)
		}
	}

	return created, s.advanceWatermark(ctx, tx, tpl, watermark)
}

// materializeCompletionBased keeps at most one unfinished instance per
// template. The next occurrence is anchored at the latest completed
// instance's due date; the completion cascade handles the usual
// anchored-at-completion-time path the moment an instance is finished.
func (s *PlannerService) materializeCompletionBased(ctx context.Context, tx *repository.TaskRepository, tpl *model.Task, rule recurrence.Rule, today, horizon time.Time) ([]model.Task, error) {
	pending, err := tx.HasPendingInstance(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, nil
	}

	latest, err := tx.LatestCompletedInstance(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}

	var anchor time.Time
	switch {
	case latest != nil && latest.DueDate != nil:
		anchor = recurrence.DateOnly(*latest.DueDate)
	case tpl.DueDate != nil:
		// First occurrence: seed directly on the template's due date, even
		// when it is already overdue — the chain starts there.
		due := recurrence.DateOnly(*tpl.DueDate)
		if due.After(horizon) || !withinEnd(rule, due) {
			return nil, nil
		}
		inst, err := s.createInstance(ctx, tx, tpl, due)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, nil
		}
		if err := s.advanceWatermark(ctx, tx, tpl, due); err != nil {
			return nil, err
		}
		return []model.Task{*inst}, nil
	default:
		anchor = today
	}

	next, ok := recurrence.NextDueDate(rule, anchor)
	if !ok || next.After(horizon) {
		return nil, nil
	}
	inst, err := s.createInstance(ctx, tx, tpl, next)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, nil
	}
	if err := s.advanceWatermark(ctx, tx, tpl, next); err != nil {
		return nil, err
	}
	return []model.Task{*inst}, nil
}

// GenerateNextInstance creates the occurrence following a completed
// instance of a completion-based template, anchored at the completion
// timestamp rather than the original due date.
func (s *PlannerService) GenerateNextInstance(ctx context.Context, user *model.User, templateID uint, completedAt time.Time) (*model.Task, error) {
	var created *model.Task
	err := s.locker.WithLock(ctx, user.ID, func() error {
		return s.tasks.Transaction(ctx, func(tx *repository.TaskRepository) error {
			tpl, err := tx.FindByID(ctx, user.ID, templateID)
			if err != nil {
				return fmt.Errorf("load template: %w", err)
			}
			rule := recurrence.FromTask(tpl)
			if !rule.Active() || !rule.CompletionBased {
				return nil
			}

			// A sibling from an earlier completion may still be open (the
			// completed instance was reopened and finished again). One live
			// instance per template, so nothing new is created then.
			pending, err := tx.HasPendingInstance(ctx, tpl.ID)
			if err != nil {
				return err
			}
			if pending {
				return nil
			}

			anchor := recurrence.DateOnly(completedAt.In(user.Location()))
			next, ok := recurrence.NextDueDate(rule, anchor)
			if !ok {
				// End date passed; the chain is over.
				return nil
			}
			inst, err := s.createInstance(ctx, tx, tpl, next)
			if err != nil {
				return err
			}
			if inst == nil {
				return nil
			}
			created = inst
			return s.advanceWatermark(ctx, tx, tpl, next)
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// createInstance inserts an instance for the due date unless one already
// exists — the idempotency guard that makes re-running materialize a no-op.
func (s *PlannerService) createInstance(ctx context.Context, tx *repository.TaskRepository, tpl *model.Task, due time.Time) (*model.Task, error) {
	exists, err := tx.InstanceExistsOn(ctx, tpl.ID, due)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	d := due
	inst := &model.Task{
		UID:                uuid.NewString(),
		UserID:             tpl.UserID,
		CategoryID:         tpl.CategoryID,
		RecurringParentID:  &tpl.ID,
		Title:              tpl.Title,
		Note:               tpl.Note,
		Priority:           tpl.Priority,
		Status:             model.StatusNotStarted,
		DueDate:            &d,
		RecurrenceType:     model.RecurNone,
		RecurrenceInterval: 1,
	}
	if err := tx.Create(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *PlannerService) advanceWatermark(ctx context.Context, tx *repository.TaskRepository, tpl *model.Task, produced time.Time) error {
	if tpl.LastGeneratedDate != nil && !produced.After(recurrence.DateOnly(*tpl.LastGeneratedDate)) {
		return nil
	}
	p := produced
	tpl.LastGeneratedDate = &p
	return tx.Save(ctx, tpl)
}

func withinEnd(rule recurrence.Rule, date time.Time) bool {
	return rule.EndDate == nil || !date.After(recurrence.DateOnly(*rule.EndDate))
}
