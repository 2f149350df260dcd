package model

import "time"

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusWaiting    TaskStatus = "waiting"
	StatusDone       TaskStatus = "done"
	StatusArchived   TaskStatus = "archived"
)

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusWaiting, StatusDone, StatusArchived:
		return true
	}
	return false
}

// RecurrenceType names the calendar cadence of a template.
type RecurrenceType string

const (
	RecurNone    RecurrenceType = "none"
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
	RecurYearly  RecurrenceType = "yearly"
)

// Task is the single entity the engine operates on. A task is at most one of
// {template, instance, plain, subtask}: RecurringParentID and ParentTaskID are
// independent axes, but recurrence is only ever attached to top-level tasks.
type Task struct {
	ID         uint   `gorm:"primaryKey"`
	UID        string `gorm:"uniqueIndex;size:36"`
	UserID     uint   `gorm:"index"`
	CategoryID *uint  `gorm:"index"`

	// ParentTaskID is the owning parent for subtasks; RecurringParentID is
	// the template this instance was materialized from.
	ParentTaskID      *uint `gorm:"index"`
	RecurringParentID *uint `gorm:"index"`

	Title    string
	Note     string
	Priority int `gorm:"default:0"`

	Status      TaskStatus `gorm:"default:'not_started';index"`
	CompletedAt *time.Time
	Today       bool `gorm:"default:false"`

	// DueDate is stored as midnight UTC of the actor's calendar date.
	DueDate *time.Time

	// Recurrence rule fields, populated only on templates.
	RecurrenceType        RecurrenceType `gorm:"default:'none'"`
	RecurrenceInterval    int            `gorm:"default:1"`
	RecurrenceEndDate     *time.Time
	RecurrenceWeekday     *int
	RecurrenceMonthDay    *int
	RecurrenceWeekOfMonth *int
	CompletionBased       bool `gorm:"default:false"`

	// LastGeneratedDate is the materialization watermark: the last due date
	// already produced (or checked) for this template.
	LastGeneratedDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTemplate reports whether the task carries an active recurrence rule.
func (t *Task) IsTemplate() bool {
	return t.RecurringParentID == nil && t.RecurrenceType != "" && t.RecurrenceType != RecurNone
}

// IsInstance reports whether the task was materialized from a template.
func (t *Task) IsInstance() bool {
	return t.RecurringParentID != nil
}

// IsSubtask reports whether the task belongs to an owning parent task.
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != nil
}

func (t *Task) IsDone() bool {
	return t.Status == StatusDone
}
