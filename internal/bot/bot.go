package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"taskplan/internal/config"
	"taskplan/internal/lock"
	"taskplan/internal/model"
	"taskplan/internal/repository"
	"taskplan/internal/service"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageTitle
	stageCategory
	stageDueDate
	stageRecurType
	stageRecurWeekday
	stageRecurMonthDay
	stageRecurInterval
	stageRecurAnchor
)

const (
	cbDonePrefix    = "done:"
	cbUndoPrefix    = "undo:"
	cbTodayPrefix   = "today:"
	cbDeletePrefix  = "del:"
	cbConfirmPrefix = "confirm:"
	cbCancelData    = "cancel"
)

const (
	btnSkip = "⏭️ Пропустить"
	btnStop = "⏪ Отменить ввод"
)

var weekdayNames = []string{"Вс", "Пн", "Вт", "Ср", "Чт", "Пт", "Сб"}

type conversationState struct {
	stage conversationStage
	input service.TaskInput
	recur service.RecurrenceInput
}

// Bot aggregates the Telegram API with the planner core. Every read of the
// task list goes through EnsureRecurringTasks first, and every status
// change goes through the cascade controller.
type Bot struct {
	api         *tgbotapi.BotAPI
	userRepo    *repository.UserRepository
	taskSvc     *service.TaskService
	statusSvc   *service.StatusService
	plannerSvc  *service.PlannerService
	reminderSvc *service.ReminderService
	config      *config.Config

	mu            sync.Mutex
	conversations map[int64]*conversationState
}

func New(token string, userRepo *repository.UserRepository, taskSvc *service.TaskService, statusSvc *service.StatusService, plannerSvc *service.PlannerService, reminderSvc *service.ReminderService, cfg *config.Config) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Printf("[info] bot authorized on account %s", api.Self.UserName)

	return &Bot{
		api:           api,
		userRepo:      userRepo,
		taskSvc:       taskSvc,
		statusSvc:     statusSvc,
		plannerSvc:    plannerSvc,
		reminderSvc:   reminderSvc,
		config:        cfg,
		conversations: make(map[int64]*conversationState),
	}, nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	log.Println("[info] start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				log.Printf("handle callback: %v", err)
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				log.Printf("handle message: %v", err)
			}
		}
	}

	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if !msg.IsCommand() && strings.TrimSpace(msg.Text) == btnStop {
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Ввод отменён.")
	}

	if msg.IsCommand() {
		log.Printf("[info] command from %d: /%s %s", msg.From.ID, msg.Command(), msg.CommandArguments())
		return b.handleCommand(ctx, msg)
	}

	if b.hasConversation(msg.From.ID) {
		return b.handleConversation(ctx, msg)
	}

	return b.sendText(msg.Chat.ID, "Я не понял сообщение. Набери /newtask, чтобы добавить задачу, или /help.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "newtask":
		return b.startNewTaskConversation(ctx, msg)
	case "sub":
		return b.handleSubtask(ctx, msg)
	case "tasks":
		return b.handleListTasks(ctx, msg)
	case "today":
		return b.handleToday(ctx, msg)
	case "done":
		return b.handleStatusCommand(ctx, msg, model.StatusDone)
	case "undo":
		return b.handleStatusCommand(ctx, msg, model.StatusNotStarted)
	case "archive":
		return b.handleStatusCommand(ctx, msg, model.StatusArchived)
	case "report":
		return b.handleReport(ctx, msg)
	case "tz":
		return b.handleTimezone(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Ввод отменён.")
	default:
		return b.sendText(msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}

	text := fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я планировщик с повторяющимися задачами.</b>\n\nКоманды:\n"+
			"• /newtask — добавить задачу или шаблон повторения\n"+
			"• /sub &lt;id&gt; &lt;название&gt; — добавить подзадачу\n"+
			"• /tasks — список задач с кнопками\n"+
			"• /today — мой план на сегодня\n"+
			"• /done /undo /archive &lt;id&gt; — сменить статус\n"+
			"• /report — ежедневный отчёт\n"+
			"• /tz &lt;зона&gt; — часовой пояс (например, Europe/Moscow)\n"+
			"• /cancel — отменить текущий ввод",
		escape(name),
	)

	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Подсказки</b>\n" +
		"• /newtask — пошаговый диалог; повторение: каждый день/неделю/месяц/год\n" +
		"• /sub 12 Купить билеты — подзадача к задаче 12; когда все подзадачи выполнены, родитель закрывается сам\n" +
		"• /tasks — перед показом досоздаются повторяющиеся задачи на неделю вперёд\n" +
		"• /done 12 — выполнить; у повторяющихся «от выполнения» сразу появится следующая\n" +
		"• /undo 12 — вернуть в работу (родитель откроется снова)\n" +
		"• /archive 12 — убрать задачу в архив\n" +
		"• /tz Europe/Moscow — даты считаются в твоём поясе"
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) startNewTaskConversation(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}
	b.setConversation(msg.From.ID, &conversationState{stage: stageTitle})
	return b.sendWithReplyMarkup(msg.Chat.ID, "🆕 Создаём задачу.\n<b>Шаг 1:</b> как её назвать?", cancelKeyboard())
}

func (b *Bot) handleConversation(ctx context.Context, msg *tgbotapi.Message) error {
	state := b.getConversation(msg.From.ID)
	if state == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	switch state.stage {
	case stageTitle:
		if text == "" {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Название не может быть пустым.", cancelKeyboard())
		}
		state.input.Title = text
		state.stage = stageCategory
		return b.sendWithReplyMarkup(msg.Chat.ID, "🏷 Укажи категорию (или «Пропустить»).", skipKeyboard())
	case stageCategory:
		if !isSkip(text) {
			state.input.Category = text
		}
		state.stage = stageDueDate
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ Дата в формате <code>2026-09-15</code> (или «Пропустить»).", skipKeyboard())
	case stageDueDate:
		if !isSkip(text) {
			parsed, err := time.Parse("2006-01-02", text)
			if err != nil {
				return b.sendWithReplyMarkup(msg.Chat.ID, "Не могу распознать дату. Формат: <code>2026-09-15</code>.", skipKeyboard())
			}
			state.input.DueDate = &parsed
		}
		state.stage = stageRecurType
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔁 Повторять задачу?", recurTypeKeyboard())
	case stageRecurType:
		return b.handleRecurTypeStep(ctx, msg, state, text)
	case stageRecurWeekday:
		return b.handleRecurWeekdayStep(msg, state, text)
	case stageRecurMonthDay:
		day, err := strconv.Atoi(text)
		if err != nil || day < 1 || day > 31 {
			return b.sendText(msg.Chat.ID, "День должен быть числом от 1 до 31.")
		}
		state.recur.MonthDay = &day
		state.stage = stageRecurInterval
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔢 Интервал повторения? (1 — каждый раз, 2 — через раз…)", skipKeyboard())
	case stageRecurInterval:
		if isSkip(text) {
			state.recur.Interval = 1
		} else {
			interval, err := strconv.Atoi(text)
			if err != nil || interval < 1 {
				return b.sendText(msg.Chat.ID, "Интервал должен быть положительным числом.")
			}
			state.recur.Interval = interval
		}
		state.stage = stageRecurAnchor
		return b.sendWithReplyMarkup(msg.Chat.ID, "⚓️ Считать следующую дату от выполнения, а не по календарю?", yesNoKeyboard())
	case stageRecurAnchor:
		lower := strings.ToLower(text)
		switch lower {
		case "да", "yes", "y":
			state.recur.CompletionBased = true
		case "нет", "no", "n", "-":
			state.recur.CompletionBased = false
		default:
			return b.sendWithReplyMarkup(msg.Chat.ID, "Нажми «Да» или «Нет».", yesNoKeyboard())
		}
		state.input.Recurrence = &state.recur
		err := b.finishTaskCreation(ctx, msg.From, state.input, msg.Chat.ID)
		b.clearConversation(msg.From.ID)
		return err
	default:
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "Диалог сброшен. Попробуй ещё раз через /newtask.")
	}
}

func (b *Bot) handleRecurTypeStep(ctx context.Context, msg *tgbotapi.Message, state *conversationState, text string) error {
	switch strings.ToLower(text) {
	case "нет", "не повторять":
		err := b.finishTaskCreation(ctx, msg.From, state.input, msg.Chat.ID)
		b.clearConversation(msg.From.ID)
		return err
	case "каждый день":
		state.recur.Type = model.RecurDaily
		state.stage = stageRecurInterval
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔢 Интервал в днях? (1 — каждый день)", skipKeyboard())
	case "каждую неделю":
		state.recur.Type = model.RecurWeekly
		state.stage = stageRecurWeekday
		return b.sendWithReplyMarkup(msg.Chat.ID, "📆 В какой день недели? (или «Пропустить»)", weekdayKeyboard())
	case "каждый месяц":
		state.recur.Type = model.RecurMonthly
		state.stage = stageRecurMonthDay
		return b.sendWithReplyMarkup(msg.Chat.ID, "📆 Какого числа? (1–31; если числа нет в месяце, возьмём последний день)", cancelKeyboard())
	case "каждый год":
		state.recur.Type = model.RecurYearly
		state.stage = stageRecurMonthDay
		return b.sendWithReplyMarkup(msg.Chat.ID, "📆 Какого числа? (1–31)", cancelKeyboard())
	default:
		return b.sendWithReplyMarkup(msg.Chat.ID, "Выбери вариант с клавиатуры.", recurTypeKeyboard())
	}
}

func (b *Bot) handleRecurWeekdayStep(msg *tgbotapi.Message, state *conversationState, text string) error {
	if !isSkip(text) {
		idx := -1
		for i, name := range weekdayNames {
			if strings.EqualFold(text, name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return b.sendWithReplyMarkup(msg.Chat.ID, "Выбери день недели с клавиатуры.", weekdayKeyboard())
		}
		state.recur.Weekday = &idx
	}
	state.stage = stageRecurInterval
	return b.sendWithReplyMarkup(msg.Chat.ID, "🔢 Интервал в неделях? (1 — каждую неделю)", skipKeyboard())
}

func (b *Bot) finishTaskCreation(ctx context.Context, from *tgbotapi.User, input service.TaskInput, chatID int64) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	task, err := b.taskSvc.CreateTask(ctx, user, input)
	if err != nil {
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Не удалось сохранить задачу: %s", escape(err.Error())))
	}

	log.Printf("[info] task created id=%d user=%d template=%t", task.ID, user.ID, task.IsTemplate())

	var summary strings.Builder
	summary.WriteString("✅ <b>Задача сохранена</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>ID:</b> %d\n", task.ID))
	summary.WriteString(fmt.Sprintf("• <b>Название:</b> %s\n", escape(task.Title)))
	if task.DueDate != nil {
		summary.WriteString(fmt.Sprintf("• <b>Дата:</b> %s\n", task.DueDate.Format("2006-01-02")))
	}
	if task.IsTemplate() {
		summary.WriteString(fmt.Sprintf("• <b>Повтор:</b> %s\n", describeRecurrence(task)))
	}
	if err := b.sendTextWithRemove(chatID, strings.TrimSpace(summary.String())); err != nil {
		return err
	}
	return b.sendTaskList(ctx, chatID, user)
}

// handleSubtask adds a subtask in one message: /sub <parentID> <title>.
func (b *Bot) handleSubtask(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 2 {
		return b.sendText(msg.Chat.ID, "Формат: /sub 12 Название подзадачи")
	}
	parentID64, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return b.sendText(msg.Chat.ID, "ID родительской задачи должен быть числом.")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	parentID := uint(parentID64)
	task, err := b.taskSvc.CreateTask(ctx, user, service.TaskInput{
		Title:        strings.Join(args[1:], " "),
		ParentTaskID: &parentID,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return b.sendText(msg.Chat.ID, "Родительская задача не найдена.")
		}
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Ошибка: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("✅ Подзадача #%d добавлена к задаче #%d.", task.ID, parentID))
}

func (b *Bot) handleListTasks(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.sendTaskList(ctx, msg.Chat.ID, user)
}

func (b *Bot) handleToday(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	tasks, err := b.taskSvc.ListToday(ctx, user)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось получить план: %s", escape(err.Error())))
	}
	if len(tasks) == 0 {
		return b.sendText(msg.Chat.ID, "📌 План на сегодня пуст. Добавь задачи кнопкой «📌» в /tasks.")
	}
	var sb strings.Builder
	sb.WriteString("📌 <b>Мой план на сегодня</b>\n")
	for _, task := range tasks {
		sb.WriteString(fmt.Sprintf("• #%d %s\n", task.ID, escape(task.Title)))
	}
	return b.sendText(msg.Chat.ID, strings.TrimSpace(sb.String()))
}

func (b *Bot) handleStatusCommand(ctx context.Context, msg *tgbotapi.Message, status model.TaskStatus) error {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		return b.sendText(msg.Chat.ID, "Укажи ID задачи, например: /done 12")
	}
	taskID64, err := strconv.ParseUint(args, 10, 64)
	if err != nil {
		return b.sendText(msg.Chat.ID, "ID задачи должен быть числом.")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.applyStatus(ctx, msg.Chat.ID, user, uint(taskID64), status)
}

func (b *Bot) applyStatus(ctx context.Context, chatID int64, user *model.User, taskID uint, status model.TaskStatus) error {
	result, err := b.statusSvc.ApplyStatusChange(ctx, user.ID, taskID, status)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return b.sendText(chatID, "Задача не найдена.")
		case errors.Is(err, service.ErrStatusTransition):
			return b.sendText(chatID, fmt.Sprintf("Так нельзя: %s", escape(err.Error())))
		default:
			return b.sendText(chatID, fmt.Sprintf("Ошибка: %s", escape(err.Error())))
		}
	}

	var sb strings.Builder
	sb.WriteString(statusHeadline(result.Task))
	for _, ch := range result.Cascaded {
		switch {
		case ch.IsInstance() && ch.Status == model.StatusNotStarted:
			sb.WriteString(fmt.Sprintf("\n♻️ Следующая: «%s» на %s", escape(ch.Title), ch.DueDate.Format("2006-01-02")))
		case ch.IsDone():
			sb.WriteString(fmt.Sprintf("\n└ #%d «%s» тоже выполнена", ch.ID, escape(ch.Title)))
		default:
			sb.WriteString(fmt.Sprintf("\n└ #%d «%s» снова в работе", ch.ID, escape(ch.Title)))
		}
	}
	for _, w := range result.Warnings {
		sb.WriteString(fmt.Sprintf("\n⚠️ %s", escape(w)))
	}

	reply := tgbotapi.NewMessage(chatID, sb.String())
	reply.ParseMode = tgbotapi.ModeHTML
	if result.Task.IsDone() {
		reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("↩️ Вернуть", fmt.Sprintf("%s%d", cbUndoPrefix, result.Task.ID)),
		))
	}
	_, err = b.api.Send(reply)
	return err
}

func statusHeadline(task model.Task) string {
	switch task.Status {
	case model.StatusDone:
		return fmt.Sprintf("✅ Задача «%s» выполнена.", escape(task.Title))
	case model.StatusArchived:
		return fmt.Sprintf("🗄 Задача «%s» в архиве.", escape(task.Title))
	default:
		return fmt.Sprintf("↩️ Задача «%s» снова в работе.", escape(task.Title))
	}
}

func (b *Bot) handleReport(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if _, err := b.plannerSvc.EnsureRecurringTasks(ctx, user.ID, 0); err != nil {
		log.Printf("ensure recurring before report for user %d: %v", user.ID, err)
	}
	text, err := b.reminderSvc.DailySummary(ctx, *user, time.Now())
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не удалось сформировать отчёт: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		current := user.Timezone
		if current == "" {
			current = "UTC"
		}
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Текущий пояс: %s. Сменить: /tz Europe/Moscow", escape(current)))
	}
	if _, err := time.LoadLocation(args); err != nil {
		return b.sendText(msg.Chat.ID, "Не знаю такой пояс. Пример: Europe/Moscow")
	}
	if err := b.userRepo.SetTimezone(ctx, user.ID, args); err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Ошибка: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🕐 Пояс обновлён: %s", escape(args)))
}

// SendDailyReports materializes and sends a summary to every known user.
func (b *Bot) SendDailyReports(ctx context.Context) error {
	users, err := b.userRepo.ListAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, user := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := b.plannerSvc.EnsureRecurringTasks(ctx, user.ID, 0); err != nil {
			log.Printf("ensure recurring for user %d: %v", user.ID, err)
		}
		text, err := b.reminderSvc.DailySummary(ctx, user, now)
		if err != nil {
			log.Printf("build summary for user %d: %v", user.TelegramID, err)
			continue
		}
		if err := b.sendText(user.TelegramID, text); err != nil {
			log.Printf("send summary to %d: %v", user.TelegramID, err)
		}
	}
	return nil
}

// RunGenerationSweep tops up recurring instances for every user; the cron
// scheduler calls it on an interval. The entry point is idempotent, so the
// sweep and opportunistic /tasks generation can overlap safely.
func (b *Bot) RunGenerationSweep(ctx context.Context) error {
	users, err := b.userRepo.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		created, err := b.plannerSvc.EnsureRecurringTasks(ctx, user.ID, 0)
		if err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				log.Printf("generation sweep for user %d skipped: %v", user.ID, err)
				continue
			}
			log.Printf("generation sweep for user %d: %v", user.ID, err)
			continue
		}
		if len(created) > 0 {
			log.Printf("[info] generated %d instance(s) for user %d", len(created), user.ID)
		}
	}
	return nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.userRepo.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName, b.config.DefaultTimezone)
}

func (b *Bot) sendTaskList(ctx context.Context, chatID int64, user *model.User) error {
	if created, err := b.plannerSvc.EnsureRecurringTasks(ctx, user.ID, 0); err != nil {
		log.Printf("ensure recurring for user %d: %v", user.ID, err)
	} else if len(created) > 0 {
		log.Printf("[info] generated %d instance(s) for user %d before listing", len(created), user.ID)
	}

	tasks, err := b.taskSvc.ListOpen(ctx, user)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Не удалось получить задачи: %s", escape(err.Error())))
	}
	if len(tasks) == 0 {
		return b.sendText(chatID, "У тебя нет активных задач. Добавь новую через /newtask.")
	}

	var sb strings.Builder
	sb.WriteString("📋 <b>Текущие задачи</b>\n")
	sb.WriteString("Кнопки: ✅ выполнить · 📌 в план · 🗑 удалить.\n\n")

	var buttons [][]tgbotapi.InlineKeyboardButton
	for _, task := range tasks {
		icon := "•"
		if task.IsInstance() {
			icon = "♻️"
		}
		sb.WriteString(fmt.Sprintf("%s #%d %s", icon, task.ID, escape(task.Title)))
		if task.DueDate != nil {
			sb.WriteString(fmt.Sprintf(" — до %s", task.DueDate.Format("2006-01-02")))
		}
		if task.Today {
			sb.WriteString(" 📌")
		}
		sb.WriteByte('\n')

		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("✅ #%d", task.ID), fmt.Sprintf("%s%d", cbDonePrefix, task.ID)),
			tgbotapi.NewInlineKeyboardButtonData("📌", fmt.Sprintf("%s%d", cbTodayPrefix, task.ID)),
			tgbotapi.NewInlineKeyboardButtonData("🗑", fmt.Sprintf("%s%d", cbDeletePrefix, task.ID)),
		))
	}

	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(sb.String()))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err = b.api.Send(msg)
	return err
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("callback ack: %v", err)
	}

	user, err := b.userRepo.FindByTelegramID(ctx, cb.From.ID)
	if err != nil {
		return b.sendText(cb.Message.Chat.ID, "Сначала набери /start.")
	}

	data := cb.Data
	chatID := cb.Message.Chat.ID
	switch {
	case strings.HasPrefix(data, cbDonePrefix):
		taskID, err := parseTaskID(data, cbDonePrefix)
		if err != nil {
			return err
		}
		return b.applyStatus(ctx, chatID, user, taskID, model.StatusDone)
	case strings.HasPrefix(data, cbUndoPrefix):
		taskID, err := parseTaskID(data, cbUndoPrefix)
		if err != nil {
			return err
		}
		return b.applyStatus(ctx, chatID, user, taskID, model.StatusNotStarted)
	case strings.HasPrefix(data, cbTodayPrefix):
		taskID, err := parseTaskID(data, cbTodayPrefix)
		if err != nil {
			return err
		}
		task, err := b.taskSvc.SetToday(ctx, user, taskID, true)
		if err != nil {
			return b.sendText(chatID, fmt.Sprintf("Ошибка: %s", escape(err.Error())))
		}
		return b.sendText(chatID, fmt.Sprintf("📌 «%s» в плане на сегодня.", escape(task.Title)))
	case strings.HasPrefix(data, cbDeletePrefix):
		taskID, err := parseTaskID(data, cbDeletePrefix)
		if err != nil {
			return err
		}
		markup := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Подтвердить", fmt.Sprintf("%s%d", cbConfirmPrefix, taskID)),
			tgbotapi.NewInlineKeyboardButtonData("↩️ Отмена", cbCancelData),
		))
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Удалить задачу #%d? Будущие повторы удалятся, прошлые останутся в истории.", taskID))
		msg.ReplyMarkup = markup
		_, err = b.api.Send(msg)
		return err
	case strings.HasPrefix(data, cbConfirmPrefix):
		taskID, err := parseTaskID(data, cbConfirmPrefix)
		if err != nil {
			return err
		}
		if err := b.taskSvc.DeleteTask(ctx, user, taskID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return b.sendText(chatID, "Задача не найдена.")
			}
			return b.sendText(chatID, fmt.Sprintf("Ошибка: %s", escape(err.Error())))
		}
		return b.sendText(chatID, fmt.Sprintf("🗑 Задача #%d удалена.", taskID))
	case data == cbCancelData:
		return b.sendText(chatID, "↩️ Отменено.")
	default:
		return nil
	}
}

func describeRecurrence(task *model.Task) string {
	var base string
	switch task.RecurrenceType {
	case model.RecurDaily:
		base = "каждый день"
	case model.RecurWeekly:
		base = "каждую неделю"
		if task.RecurrenceWeekday != nil && *task.RecurrenceWeekday >= 0 && *task.RecurrenceWeekday < len(weekdayNames) {
			base += " (" + weekdayNames[*task.RecurrenceWeekday] + ")"
		}
	case model.RecurMonthly:
		base = "каждый месяц"
		if task.RecurrenceMonthDay != nil {
			base += fmt.Sprintf(" %d числа", *task.RecurrenceMonthDay)
		}
	case model.RecurYearly:
		base = "каждый год"
	default:
		return "нет"
	}
	if task.RecurrenceInterval > 1 {
		base += fmt.Sprintf(", интервал %d", task.RecurrenceInterval)
	}
	if task.CompletionBased {
		base += ", от выполнения"
	}
	return base
}

func parseTaskID(data, prefix string) (uint, error) {
	raw := strings.TrimPrefix(data, prefix)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse task id %q: %w", raw, err)
	}
	return uint(id), nil
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendTextWithRemove(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) setConversation(userID int64, state *conversationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[userID] = state
}

func (b *Bot) getConversation(userID int64) *conversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations[userID]
}

func (b *Bot) hasConversation(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conversations[userID]
	return ok
}

func (b *Bot) clearConversation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, userID)
}

func isSkip(text string) bool {
	return text == btnSkip || strings.EqualFold(text, "пропустить") || text == "-"
}

func escape(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnStop)),
	)
	kb.OneTimeKeyboard = true
	return kb
}

func skipKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSkip)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnStop)),
	)
	kb.OneTimeKeyboard = true
	return kb
}

func yesNoKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Да"),
			tgbotapi.NewKeyboardButton("Нет"),
		),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnStop)),
	)
	kb.OneTimeKeyboard = true
	return kb
}

func recurTypeKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Нет"),
			tgbotapi.NewKeyboardButton("Каждый день"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Каждую неделю"),
			tgbotapi.NewKeyboardButton("Каждый месяц"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Каждый год"),
			tgbotapi.NewKeyboardButton(btnStop),
		),
	)
	kb.OneTimeKeyboard = true
	return kb
}

func weekdayKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Пн"),
			tgbotapi.NewKeyboardButton("Вт"),
			tgbotapi.NewKeyboardButton("Ср"),
			tgbotapi.NewKeyboardButton("Чт"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("Пт"),
			tgbotapi.NewKeyboardButton("Сб"),
			tgbotapi.NewKeyboardButton("Вс"),
		),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSkip)),
	)
	kb.OneTimeKeyboard = true
	return kb
}
