package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config keeps runtime settings for the planner.
type Config struct {
	TelegramToken string
	DatabaseURL   string

	// RedisAddr selects the distributed generation lock; empty means the
	// in-process keyed lock.
	RedisAddr string

	// HorizonDays is how far ahead recurring instances are guaranteed.
	HorizonDays int

	// GenerationInterval is the cadence of the background materialization
	// sweep across all users.
	GenerationInterval time.Duration

	// ReportTime is the HH:MM local time of the daily summary push.
	ReportTime string

	// DefaultTimezone is assigned to new users until they pick their own.
	DefaultTimezone string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		TelegramToken:      strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		HorizonDays:        parsePositiveInt(os.Getenv("HORIZON_DAYS")),
		GenerationInterval: parseMinutes(os.Getenv("GENERATION_INTERVAL_MINUTES")),
		ReportTime:         strings.TrimSpace(os.Getenv("REPORT_TIME")),
		DefaultTimezone:    strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE")),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "taskplan.db"
	}
	if cfg.HorizonDays == 0 {
		cfg.HorizonDays = 7
	}
	if cfg.GenerationInterval == 0 {
		cfg.GenerationInterval = 30 * time.Minute
	}
	if cfg.ReportTime == "" {
		cfg.ReportTime = "09:00"
	}

	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	return cfg, nil
}

func parsePositiveInt(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

func parseMinutes(raw string) time.Duration {
	v := parsePositiveInt(raw)
	if v == 0 {
		return 0
	}
	return time.Duration(v) * time.Minute
}
