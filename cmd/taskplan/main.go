package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"taskplan/internal/bot"
	"taskplan/internal/config"
	"taskplan/internal/lock"
	"taskplan/internal/repository"
	"taskplan/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	categoryRepo := repository.NewCategoryRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	var locker lock.UserLocker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		locker = lock.NewRedis(client, 2*time.Minute, 30*time.Second)
		log.Printf("[info] generation lock backed by redis at %s", cfg.RedisAddr)
	} else {
		locker = lock.NewKeyed(30 * time.Second)
	}

	taskSvc := service.NewTaskService(taskRepo, categoryRepo)
	plannerSvc := service.NewPlannerService(taskRepo, userRepo, locker, cfg.HorizonDays)
	statusSvc := service.NewStatusService(taskRepo, userRepo, plannerSvc)
	reminderSvc := service.NewReminderService(taskRepo, categoryRepo, cfg.HorizonDays)

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, taskSvc, statusSvc, plannerSvc, reminderSvc, &cfg)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}

	scheduler := service.NewSchedulerService(time.Local)
	if _, err := scheduler.ScheduleInterval(cfg.GenerationInterval, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := telegramBot.RunGenerationSweep(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("generation sweep: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule generation sweep: %v", err)
	}
	if _, err := scheduler.ScheduleDaily(cfg.ReportTime, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := telegramBot.SendDailyReports(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("daily report: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule daily report: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Println("Task planner bot started.")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bot stopped with error: %v", err)
	}
	log.Println("Shutdown complete.")
}
