package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskplan/internal/model"
	"taskplan/internal/recurrence"
	"taskplan/internal/repository"
)

// TaskInput represents data required to create a task.
type TaskInput struct {
	Title        string
	Note         string
	Category     string
	Priority     int
	DueDate      *time.Time
	ParentTaskID *uint
	Recurrence   *RecurrenceInput
}

// RecurrenceInput carries the rule fields of a template as entered by the
// user. It is validated before anything is written.
type RecurrenceInput struct {
	Type            model.RecurrenceType
	Interval        int
	EndDate         *time.Time
	Weekday         *int
	MonthDay        *int
	WeekOfMonth     *int
	CompletionBased bool
}

// TaskService wraps task and template business logic around the store.
type TaskService struct {
	tasks      *repository.TaskRepository
	categories *repository.CategoryRepository
}

func NewTaskService(tasks *repository.TaskRepository, categories *repository.CategoryRepository) *TaskService {
	return &TaskService{tasks: tasks, categories: categories}
}

// CreateTask creates a plain task, a subtask, or a recurring template.
// Recurrence rules are rejected here, at save time, so generation never
// sees a malformed rule; recurrence only attaches to top-level tasks.
func (s *TaskService) CreateTask(ctx context.Context, user *model.User, input TaskInput) (*model.Task, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	task := model.Task{
		UID:                uuid.NewString(),
		UserID:             user.ID,
		Title:              input.Title,
		Note:               input.Note,
		Priority:           input.Priority,
		Status:             model.StatusNotStarted,
		DueDate:            normalizeDate(input.DueDate),
		RecurrenceType:     model.RecurNone,
		RecurrenceInterval: 1,
	}

	if input.ParentTaskID != nil {
		parent, err := s.tasks.FindByID(ctx, user.ID, *input.ParentTaskID)
		if err != nil {
			return nil, fmt.Errorf("load parent task: %w", err)
		}
		if parent.IsSubtask() {
			return nil, fmt.Errorf("subtasks cannot be nested")
		}
		task.ParentTaskID = &parent.ID
	}

	if input.Recurrence != nil && input.Recurrence.Type != "" && input.Recurrence.Type != model.RecurNone {
		if input.ParentTaskID != nil {
			return nil, fmt.Errorf("%w: recurrence applies only to top-level tasks", recurrence.ErrInvalidRule)
		}
		applyRecurrence(&task, input.Recurrence)
		if err := recurrence.FromTask(&task).Validate(); err != nil {
			return nil, err
		}
	}

	if input.Category != "" {
		category, err := s.categories.GetOrCreate(ctx, user.ID, input.Category)
		if err != nil {
			return nil, err
		}
		if category != nil {
			task.CategoryID = &category.ID
		}
	}

	if err := s.tasks.Create(ctx, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateRecurrence replaces a template's rule. Still-future instances are
// deleted so the next materialization regenerates them under the new rule;
// the watermark resets with them.
func (s *TaskService) UpdateRecurrence(ctx context.Context, user *model.User, taskID uint, rec *RecurrenceInput) (*model.Task, error) {
	task, err := s.tasks.FindByID(ctx, user.ID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.IsInstance() {
		return nil, fmt.Errorf("%w: instances carry no recurrence rule", recurrence.ErrInvalidRule)
	}
	if task.IsSubtask() {
		return nil, fmt.Errorf("%w: recurrence applies only to top-level tasks", recurrence.ErrInvalidRule)
	}

	if rec == nil || rec.Type == "" || rec.Type == model.RecurNone {
		clearRecurrence(task)
	} else {
		applyRecurrence(task, rec)
		if err := recurrence.FromTask(task).Validate(); err != nil {
			return nil, err
		}
	}
	task.LastGeneratedDate = nil

	err = s.tasks.Transaction(ctx, func(tx *repository.TaskRepository) error {
		if _, err := tx.DeleteFutureInstances(ctx, task.ID, time.Now().UTC()); err != nil {
			return err
		}
		return tx.Save(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("update recurrence: %w", err)
	}
	return task, nil
}

// DeleteTask removes a task. Deleting a template cascades: still-future
// instances are deleted, past instances are detached and preserved as
// ordinary historical tasks. Subtasks go with their owning parent.
func (s *TaskService) DeleteTask(ctx context.Context, user *model.User, taskID uint) error {
	task, err := s.tasks.FindByID(ctx, user.ID, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	return s.tasks.Transaction(ctx, func(tx *repository.TaskRepository) error {
		if task.IsTemplate() {
			if _, err := tx.DeleteFutureInstances(ctx, task.ID, time.Now().UTC()); err != nil {
				return err
			}
			if _, err := tx.DetachInstances(ctx, task.ID); err != nil {
				return err
			}
		}
		if _, err := tx.DeleteSubtasks(ctx, task.ID); err != nil {
			return err
		}
		return tx.Delete(ctx, user.ID, task.ID)
	})
}

func (s *TaskService) GetTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	return s.tasks.FindByID(ctx, user.ID, taskID)
}

func (s *TaskService) ListOpen(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.tasks.ListOpen(ctx, user.ID)
}

func (s *TaskService) ListToday(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.tasks.ListTodayFlagged(ctx, user.ID)
}

// SetToday toggles the "on my plan for today" flag.
func (s *TaskService) SetToday(ctx context.Context, user *model.User, taskID uint, today bool) (*model.Task, error) {
	task, err := s.tasks.FindByID(ctx, user.ID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Today == today {
		return task, nil
	}
	task.Today = today
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func applyRecurrence(task *model.Task, rec *RecurrenceInput) {
	task.RecurrenceType = rec.Type
	task.RecurrenceInterval = rec.Interval
	if task.RecurrenceInterval == 0 {
		task.RecurrenceInterval = 1
	}
	task.RecurrenceEndDate = normalizeDate(rec.EndDate)
	task.RecurrenceWeekday = rec.Weekday
	task.RecurrenceMonthDay = rec.MonthDay
	task.RecurrenceWeekOfMonth = rec.WeekOfMonth
	task.CompletionBased = rec.CompletionBased
}

func clearRecurrence(task *model.Task) {
	task.RecurrenceType = model.RecurNone
	task.RecurrenceInterval = 1
	task.RecurrenceEndDate = nil
	task.RecurrenceWeekday = nil
	task.RecurrenceMonthDay = nil
	task.RecurrenceWeekOfMonth = nil
	task.CompletionBased = false
	task.LastGeneratedDate = nil
}

func normalizeDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := recurrence.DateOnly(*t)
	return &d
}
