package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taskplan/internal/model"
	"taskplan/internal/repository"
)

// ErrStatusTransition is returned for status writes the state machine does
// not allow (reopening an archived task, completing a template, unknown
// status values).
var ErrStatusTransition = errors.New("status transition not allowed")

// StatusChangeResult reports the primary mutation plus everything the
// cascade touched. Warnings carry side effects that failed without rolling
// back the primary change.
type StatusChangeResult struct {
	Task     model.Task
	Cascaded []model.Task
	Warnings []string
}

// StatusService is the completion-cascade state machine: the only
// sanctioned way to change a task's status. A transition propagates exactly
// one level along each structural edge — parent to direct subtasks, subtask
// to direct parent, instance to template — and never re-traverses the edge
// it arrived on: parent and subtask updates go through direct saves and
// bulk updates that bypass this entry point entirely.
type StatusService struct {
	tasks   *repository.TaskRepository
	users   *repository.UserRepository
	planner *PlannerService
}

func NewStatusService(tasks *repository.TaskRepository, users *repository.UserRepository, planner *PlannerService) *StatusService {
	return &StatusService{tasks: tasks, users: users, planner: planner}
}

// ApplyStatusChange transitions the task to newStatus and runs the cascade.
// Parent/subtask propagation commits atomically with the primary change;
// next-instance generation for completion-based templates runs after the
// commit and surfaces failures as warnings only.
func (s *StatusService) ApplyStatusChange(ctx context.Context, userID, taskID uint, newStatus model.TaskStatus) (*StatusChangeResult, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrStatusTransition, newStatus)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	task, err := s.tasks.FindByID(ctx, userID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %d: %w", taskID, err)
	}

	if task.Status == newStatus {
		return &StatusChangeResult{Task: *task}, nil
	}
	if task.IsTemplate() && newStatus == model.StatusDone {
		return nil, fmt.Errorf("%w: templates are completed through their instances", ErrStatusTransition)
	}
	if !allowedTransition(task.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStatusTransition, task.Status, newStatus)
	}

	now := time.Now().UTC()
	completing := newStatus == model.StatusDone
	uncompleting := task.Status == model.StatusDone

	result := &StatusChangeResult{}
	err = s.tasks.Transaction(ctx, func(tx *repository.TaskRepository) error {
		task.Status = newStatus
		if completing {
			task.CompletedAt = &now
		} else if uncompleting {
			task.CompletedAt = nil
		}
		if err := tx.Save(ctx, task); err != nil {
			return err
		}

		switch {
		case completing:
			s.cascadeComplete(ctx, tx, task, now, result)
		case uncompleting:
			s.cascadeUncomplete(ctx, tx, task, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Task = *task

	// Completion-based recurrence: generate the next sibling after the
	// primary commit — for the task itself and for any instance the cascade
	// completed (a parent instance closed by its last subtask). A failure
	// here is logged and reported, never rolled back into the completion.
	if completing {
		finished := append([]model.Task{*task}, result.Cascaded...)
		for i := range finished {
			done := finished[i]
			if done.IsDone() && done.RecurringParentID != nil {
				s.generateNext(ctx, user, &done, now, result)
			}
		}
	}

	return result, nil
}

// allowedTransition encodes the status state machine. Archived is terminal
// and reachable from any non-done state; leaving done only reopens to
// not_started or in_progress.
func allowedTransition(from, to model.TaskStatus) bool {
	switch {
	case from == model.StatusArchived:
		return false
	case to == model.StatusArchived:
		return from != model.StatusDone
	case to == model.StatusDone:
		return true
	case from == model.StatusDone:
		return to == model.StatusNotStarted || to == model.StatusInProgress
	default:
		return true
	}
}

// cascadeComplete propagates a completion one level. The two edges are
// mutually exclusive by construction: a subtask only looks upward, a
// top-level parent only looks downward.
func (s *StatusService) cascadeComplete(ctx context.Context, tx *repository.TaskRepository, task *model.Task, now time.Time, result *StatusChangeResult) {
	if task.ParentTaskID != nil {
		// Upward: completing the last open sibling completes the parent.
		// The parent is saved directly, so it does not re-descend into the
		// siblings that were just counted.
		open, err := tx.CountOpenSubtasks(ctx, *task.ParentTaskID)
		if err != nil {
			s.warn(result, "check siblings", err)
			return
		}
		if open > 0 {
			return
		}
		parent, err := tx.FindByID(ctx, task.UserID, *task.ParentTaskID)
		if err != nil {
			s.warn(result, "load parent", err)
			return
		}
		if parent.IsDone() || parent.Status == model.StatusArchived {
			return
		}
		parent.Status = model.StatusDone
		parent.CompletedAt = &now
		if err := tx.Save(ctx, parent); err != nil {
			s.warn(result, "complete parent", err)
			return
		}
		result.Cascaded = append(result.Cascaded, *parent)
		return
	}

	// Downward: a parent completed directly force-completes its subtasks in
	// one bulk update, which bypasses the single-task path and with it the
	// upward check for this same parent. The open rows are captured first so
	// only what the update actually changed is reported.
	subs, err := tx.ListOpenSubtasks(ctx, task.ID)
	if err != nil {
		s.warn(result, "list open subtasks", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	if _, err := tx.CompleteSubtasks(ctx, task.ID, now); err != nil {
		s.warn(result, "complete subtasks", err)
		return
	}
	for i := range subs {
		subs[i].Status = model.StatusDone
		subs[i].CompletedAt = &now
	}
	result.Cascaded = append(result.Cascaded, subs...)
}

// cascadeUncomplete is the symmetric mirror of cascadeComplete.
func (s *StatusService) cascadeUncomplete(ctx context.Context, tx *repository.TaskRepository, task *model.Task, result *StatusChangeResult) {
	if task.ParentTaskID != nil {
		parent, err := tx.FindByID(ctx, task.UserID, *task.ParentTaskID)
		if err != nil {
			s.warn(result, "load parent", err)
			return
		}
		if !parent.IsDone() {
			return
		}
		parent.Status = model.StatusNotStarted
		parent.CompletedAt = nil
		if err := tx.Save(ctx, parent); err != nil {
			s.warn(result, "reopen parent", err)
			return
		}
		result.Cascaded = append(result.Cascaded, *parent)
		return
	}

	subs, err := tx.ListDoneSubtasks(ctx, task.ID)
	if err != nil {
		s.warn(result, "list done subtasks", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	if _, err := tx.ReopenSubtasks(ctx, task.ID); err != nil {
		s.warn(result, "reopen subtasks", err)
		return
	}
	for i := range subs {
		subs[i].Status = model.StatusNotStarted
		subs[i].CompletedAt = nil
	}
	result.Cascaded = append(result.Cascaded, subs...)
}

func (s *StatusService) generateNext(ctx context.Context, user *model.User, task *model.Task, completedAt time.Time, result *StatusChangeResult) {
	tpl, err := s.tasks.FindByID(ctx, user.ID, *task.RecurringParentID)
	if err != nil {
		s.warn(result, "load recurring template", err)
		return
	}
	if !tpl.CompletionBased {
		return
	}
	inst, err := s.planner.GenerateNextInstance(ctx, user, tpl.ID, completedAt)
	if err != nil {
		s.warn(result, "generate next instance", err)
		return
	}
	if inst != nil {
		result.Cascaded = append(result.Cascaded, *inst)
	}
}

func (s *StatusService) warn(result *StatusChangeResult, op string, err error) {
	msg := fmt.Sprintf("%s: %v", op, err)
	log.Printf("cascade side effect failed: %s", msg)
	result.Warnings = append(result.Warnings, msg)
}
