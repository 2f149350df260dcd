package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskplan/internal/lock"
	"taskplan/internal/model"
	"taskplan/internal/repository"
)

// fixture wires the services against a fresh in-memory database.
type fixture struct {
	db      *gorm.DB
	tasks   *repository.TaskRepository
	users   *repository.UserRepository
	cats    *repository.CategoryRepository
	taskSvc *TaskService
	planner *PlannerService
	status  *StatusService
	user    *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(uuid.NewString(), "-", ""))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Category{}, &model.Task{}))

	tasks := repository.NewTaskRepository(db)
	users := repository.NewUserRepository(db)
	cats := repository.NewCategoryRepository(db)

	planner := NewPlannerService(tasks, users, lock.NewKeyed(10*time.Second), 7)

	user := &model.User{TelegramID: 100, FirstName: "Test", Timezone: "UTC"}
	require.NoError(t, db.Create(user).Error)

	return &fixture{
		db:      db,
		tasks:   tasks,
		users:   users,
		cats:    cats,
		taskSvc: NewTaskService(tasks, cats),
		planner: planner,
		status:  NewStatusService(tasks, users, planner),
		user:    user,
	}
}

// createTemplate stores a recurring template directly through the store.
func (f *fixture) createTemplate(t *testing.T, mutate func(*model.Task)) *model.Task {
	t.Helper()
	tpl := &model.Task{
		UID:                uuid.NewString(),
		UserID:             f.user.ID,
		Title:              "Water the plants",
		Status:             model.StatusNotStarted,
		RecurrenceType:     model.RecurDaily,
		RecurrenceInterval: 1,
	}
	if mutate != nil {
		mutate(tpl)
	}
	require.NoError(t, f.tasks.Create(context.Background(), tpl))
	return tpl
}

// createTask stores a plain task or subtask directly through the store.
func (f *fixture) createTask(t *testing.T, mutate func(*model.Task)) *model.Task {
	t.Helper()
	task := &model.Task{
		UID:                uuid.NewString(),
		UserID:             f.user.ID,
		Title:              "Task",
		Status:             model.StatusNotStarted,
		RecurrenceType:     model.RecurNone,
		RecurrenceInterval: 1,
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
}

func (f *fixture) reload(t *testing.T, id uint) *model.Task {
	t.Helper()
	task, err := f.tasks.FindByID(context.Background(), f.user.ID, id)
	require.NoError(t, err)
	return task
}

func (f *fixture) instancesOf(t *testing.T, templateID uint) []model.Task {
	t.Helper()
	var instances []model.Task
	require.NoError(t, f.db.Where("recurring_parent_id = ?", templateID).Order("due_date").Find(&instances).Error)
	return instances
}

func datePtr(d time.Time) *time.Time { return &d }
