package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"taskplan/internal/model"
	"taskplan/internal/recurrence"
	"taskplan/internal/repository"
)

// ReminderService builds human-readable summaries for daily notifications.
type ReminderService struct {
	tasks       *repository.TaskRepository
	categories  *repository.CategoryRepository
	horizonDays int
}

func NewReminderService(tasks *repository.TaskRepository, categories *repository.CategoryRepository, horizonDays int) *ReminderService {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	return &ReminderService{tasks: tasks, categories: categories, horizonDays: horizonDays}
}

// DailySummary renders the user's overdue, due-today and upcoming tasks,
// plus whatever they pinned to today's plan. Dates are interpreted in the
// user's timezone.
func (s *ReminderService) DailySummary(ctx context.Context, user model.User, now time.Time) (string, error) {
	today := recurrence.DateOnly(now.In(user.Location()))
	horizon := today.AddDate(0, 0, s.horizonDays)

	dated, err := s.tasks.ListDueInstancesAndTasks(ctx, user.ID, horizon)
	if err != nil {
		return "", err
	}
	pinned, err := s.tasks.ListTodayFlagged(ctx, user.ID)
	if err != nil {
		return "", err
	}

	categories, err := s.categories.ListByUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	catNames := make(map[uint]string)
	for _, cat := range categories {
		catNames[cat.ID] = cat.Name
	}

	var overdue, dueToday, upcoming []model.Task
	for _, task := range dated {
		due := recurrence.DateOnly(*task.DueDate)
		switch {
		case due.Before(today):
			overdue = append(overdue, task)
		case due.Equal(today):
			dueToday = append(dueToday, task)
		default:
			upcoming = append(upcoming, task)
		}
	}

	var b strings.Builder
	b.WriteString("📋 <b>Ежедневный отчёт</b>\n")
	b.WriteString(fmt.Sprintf("🗓 %s\n", today.Format("02.01.2006")))

	writeSection(&b, "⚠️ <b>Просроченные</b>", overdue, catNames, "— ничего не просрочено")
	writeSection(&b, "🔥 <b>На сегодня</b>", dueToday, catNames, "— на сегодня ничего не запланировано")
	writeSection(&b, "⏳ <b>Ближайшие дни</b>", upcoming, catNames, "— впереди пусто")

	if len(pinned) > 0 {
		b.WriteString("\n📌 <b>Мой план на сегодня</b>\n")
		for _, task := range pinned {
			b.WriteString(formatLine(task, catNames))
		}
	}

	return strings.TrimSpace(b.String()), nil
}

func writeSection(b *strings.Builder, header string, tasks []model.Task, catNames map[uint]string, empty string) {
	b.WriteString("\n" + header + "\n")
	if len(tasks) == 0 {
		b.WriteString(empty + "\n")
		return
	}
	for _, task := range tasks {
		b.WriteString(formatLine(task, catNames))
	}
}

func formatLine(task model.Task, catNames map[uint]string) string {
	var sb strings.Builder

	icon := "•"
	if task.IsInstance() {
		icon = "♻️"
	}
	sb.WriteString(fmt.Sprintf("%s %s", icon, html.EscapeString(strings.TrimSpace(task.Title))))

	if task.CategoryID != nil {
		if name, ok := catNames[*task.CategoryID]; ok && strings.TrimSpace(name) != "" {
			sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", html.EscapeString(strings.TrimSpace(name))))
		}
	}
	if task.DueDate != nil {
		sb.WriteString(fmt.Sprintf(" — до %s", task.DueDate.Format("2006-01-02")))
	}
	sb.WriteByte('\n')
	return sb.String()
}
