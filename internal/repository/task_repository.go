package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"taskplan/internal/model"
)

// TaskRepository is the task lifecycle store: CRUD plus the bulk
// predicate updates the cascade and the materializer rely on.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Transaction runs fn against a repository bound to a single transaction.
func (r *TaskRepository) Transaction(ctx context.Context, fn func(tx *TaskRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&TaskRepository{db: tx})
	})
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Save(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (r *TaskRepository) FindByID(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) FindByUID(ctx context.Context, userID uint, uid string) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND uid = ?", userID, uid).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListOpen returns the user's top-level tasks that still need attention:
// anything not done and not archived, templates excluded.
func (r *TaskRepository) ListOpen(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND parent_task_id IS NULL AND status NOT IN ? AND recurrence_type = ?",
			userID, []model.TaskStatus{model.StatusDone, model.StatusArchived}, model.RecurNone).
		Order("due_date, created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	return tasks, nil
}

// ListTemplates returns live templates for a user: active rule, not
// themselves instances, end date absent or not yet passed.
func (r *TaskRepository) ListTemplates(ctx context.Context, userID uint, today time.Time) ([]model.Task, error) {
	var templates []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND recurring_parent_id IS NULL AND recurrence_type <> ?", userID, model.RecurNone).
		Where("recurrence_end_date IS NULL OR recurrence_end_date >= ?", today).
		Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// InstanceExistsOn is the materializer's idempotency guard: one live
// instance per (template, due date).
func (r *TaskRepository) InstanceExistsOn(ctx context.Context, templateID uint, dueDate time.Time) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("recurring_parent_id = ? AND due_date = ?", templateID, dueDate).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check instance on %s: %w", dueDate.Format("2006-01-02"), err)
	}
	return count > 0, nil
}

// HasPendingInstance reports whether the template has an instance the user
// has not finished yet. Completion-based templates never get a second
// pending instance.
func (r *TaskRepository) HasPendingInstance(ctx context.Context, templateID uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("recurring_parent_id = ? AND status NOT IN ?",
			templateID, []model.TaskStatus{model.StatusDone, model.StatusArchived}).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check pending instance: %w", err)
	}
	return count > 0, nil
}

// LatestCompletedInstance returns the completed instance with the most
// recent due date, or nil when none exists.
func (r *TaskRepository) LatestCompletedInstance(ctx context.Context, templateID uint) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).
		Where("recurring_parent_id = ? AND status = ?", templateID, model.StatusDone).
		Order("due_date DESC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed instance: %w", err)
	}
	return &task, nil
}

// ListOpenSubtasks returns subtasks of parentID that are neither done nor
// archived — exactly the rows CompleteSubtasks is about to touch.
func (r *TaskRepository) ListOpenSubtasks(ctx context.Context, parentID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("parent_task_id = ? AND status NOT IN ?",
			parentID, []model.TaskStatus{model.StatusDone, model.StatusArchived}).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list open subtasks: %w", err)
	}
	return tasks, nil
}

// ListDoneSubtasks returns subtasks of parentID with status done — exactly
// the rows ReopenSubtasks is about to touch.
func (r *TaskRepository) ListDoneSubtasks(ctx context.Context, parentID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("parent_task_id = ? AND status = ?", parentID, model.StatusDone).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list done subtasks: %w", err)
	}
	return tasks, nil
}

// CountOpenSubtasks counts subtasks of parentID that are not done yet.
func (r *TaskRepository) CountOpenSubtasks(ctx context.Context, parentID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("parent_task_id = ? AND status <> ?", parentID, model.StatusDone).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count open subtasks: %w", err)
	}
	return count, nil
}

// CompleteSubtasks force-completes every unfinished subtask of parentID in
// one bulk update, bypassing the single-task cascade path.
func (r *TaskRepository) CompleteSubtasks(ctx context.Context, parentID uint, completedAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("parent_task_id = ? AND status NOT IN ?",
			parentID, []model.TaskStatus{model.StatusDone, model.StatusArchived}).
		Updates(map[string]interface{}{
			"status":       model.StatusDone,
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("complete subtasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReopenSubtasks reverts every done subtask of parentID to not_started,
// again as a bulk update outside the cascade path.
func (r *TaskRepository) ReopenSubtasks(ctx context.Context, parentID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("parent_task_id = ? AND status = ?", parentID, model.StatusDone).
		Updates(map[string]interface{}{
			"status":       model.StatusNotStarted,
			"completed_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reopen subtasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteFutureInstances removes a template's instances due after the cutoff.
func (r *TaskRepository) DeleteFutureInstances(ctx context.Context, templateID uint, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("recurring_parent_id = ? AND due_date > ?", templateID, cutoff).
		Delete(&model.Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete future instances: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DetachInstances turns a deleted template's remaining instances into
// ordinary historical tasks: recurrence bookkeeping cleared, link severed.
func (r *TaskRepository) DetachInstances(ctx context.Context, templateID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("recurring_parent_id = ?", templateID).
		Updates(map[string]interface{}{
			"recurring_parent_id":      nil,
			"recurrence_type":          model.RecurNone,
			"recurrence_interval":      1,
			"recurrence_end_date":      nil,
			"recurrence_weekday":       nil,
			"recurrence_month_day":     nil,
			"recurrence_week_of_month": nil,
			"completion_based":         false,
			"last_generated_date":      nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("detach instances: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteSubtasks removes all subtasks owned by parentID.
func (r *TaskRepository) DeleteSubtasks(ctx context.Context, parentID uint) (int64, error) {
	res := r.db.WithContext(ctx).Where("parent_task_id = ?", parentID).Delete(&model.Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete subtasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *TaskRepository) Delete(ctx context.Context, userID, taskID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).
		Delete(&model.Task{}).Error; err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListDueInstancesAndTasks returns the user's unfinished dated tasks due on
// or before the horizon, for reminder digests.
func (r *TaskRepository) ListDueInstancesAndTasks(ctx context.Context, userID uint, horizon time.Time) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status NOT IN ? AND recurrence_type = ? AND due_date IS NOT NULL AND due_date <= ?",
			userID, []model.TaskStatus{model.StatusDone, model.StatusArchived}, model.RecurNone, horizon).
		Order("due_date").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return tasks, nil
}

// ListTodayFlagged returns tasks the user pinned to today's plan.
func (r *TaskRepository) ListTodayFlagged(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND today = ? AND status NOT IN ?",
			userID, true, []model.TaskStatus{model.StatusDone, model.StatusArchived}).
		Order("priority DESC, created_at").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list today tasks: %w", err)
	}
	return tasks, nil
}
